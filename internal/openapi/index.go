// Package openapi loads the caseflow HTTP API description and indexes its
// operations by operationId, providing request body validation against the
// declared schemas.
package openapi

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/caseflow/model"
)

//go:embed caseflow.yaml
var apiDocument []byte

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
}

// Index is an in-memory index of the API's operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	operations map[string]IndexedOperation
}

// Load parses and indexes the embedded caseflow API document.
func Load() (*Index, error) {
	return LoadData(apiDocument)
}

// LoadData parses, validates and indexes an OpenAPI document.
func LoadData(data []byte) (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("openapi: validating document: %w", err)
	}

	idx := &Index{doc: doc, operations: make(map[string]IndexedOperation)}
	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}
			if _, dup := idx.operations[op.OperationID]; dup {
				return nil, fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
			}
		}
	}
	return idx, nil
}

// Document returns the parsed document.
func (idx *Index) Document() *openapi3.T {
	return idx.doc
}

// Operation returns the indexed operation for operationID.
func (idx *Index) Operation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// OperationIDs returns all operation IDs, sorted.
func (idx *Index) OperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateBody checks a raw JSON request body against the operation's
// request schema. It returns nil when the body conforms, or when the
// operation declares no JSON body. Unknown operations are a programming
// error and reported as such.
func (idx *Index) ValidateBody(operationID string, body []byte) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{Code: "unknown_operation", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if op.RequestBody.Required {
			return []model.FieldError{{Code: "required", Message: "request body is required"}}
		}
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return []model.FieldError{{Code: "invalid_json", Message: "invalid JSON body"}}
	}

	err := ct.Schema.Value.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	return fieldErrors(err)
}

func fieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, fieldErrors(e)...)
		}
		return out
	}

	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return []model.FieldError{{
			Field:   strings.Join(se.JSONPointer(), "."),
			Code:    se.SchemaField,
			Message: se.Reason,
		}}
	}
	return []model.FieldError{{Code: "invalid", Message: err.Error()}}
}
