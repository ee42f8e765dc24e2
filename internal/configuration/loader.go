package configuration

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

// Loader reads configuration layers from YAML files. A file may hold several
// layers as separate YAML documents.
type Loader struct{}

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files. Two
// layers with the same scope are rejected.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowConfiguration, error) {
	var layers []model.WorkflowConfiguration
	seen := make(map[string]string)

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			fileLayers, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			for _, layer := range fileLayers {
				key := layer.Scope.Key()
				if prev, dup := seen[key]; dup {
					return fmt.Errorf("scope %q defined in both %s and %s", key, prev, path)
				}
				seen[key] = path
				layers = append(layers, layer)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	sortLayers(layers)
	return layers, nil
}

// LoadFile parses every YAML document in path as a configuration layer.
func (l *Loader) LoadFile(path string) ([]model.WorkflowConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var layers []model.WorkflowConfiguration
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var layer model.WorkflowConfiguration
		err := dec.Decode(&layer)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
