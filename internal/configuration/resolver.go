package configuration

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// snapshot is an immutable set of stored layers indexed by scope key.
type snapshot struct {
	layers map[string]model.WorkflowConfiguration
}

// Resolver merges stored layers into effective configurations. Reads are
// served from an in-memory snapshot that is replaced after every write and
// on Reload, so resolution never observes a half-applied change.
type Resolver struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics

	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
}

// ResolverOption configures optional dependencies.
type ResolverOption func(*Resolver)

// WithLogger sets the resolver logger.
func WithLogger(logger *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithMetrics records configuration writes and the stored layer count.
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver over store with an empty snapshot. Call
// Reload before serving.
func NewResolver(store Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		validator: NewValidator(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{layers: map[string]model.WorkflowConfiguration{}})
	return r
}

// Reload replaces the snapshot with the store's current layers. It holds the
// write lock so that a Put landing mid-reload is not overwritten by the
// older listing.
func (r *Resolver) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	layers, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("configuration: reload: %w", err)
	}
	next := &snapshot{layers: make(map[string]model.WorkflowConfiguration, len(layers))}
	for _, l := range layers {
		next.layers[l.Scope.Key()] = l
	}
	r.snap.Store(next)
	r.metrics.SetConfigurationLayers(len(next.layers))
	r.logger.Debug("configuration snapshot reloaded", zap.Int("layers", len(layers)))
	return nil
}

// Ready returns CONFIGURATION_NOT_FOUND when no global default is loaded.
func (r *Resolver) Ready() error {
	if _, ok := r.snap.Load().layers[model.GlobalScope.Key()]; !ok {
		return model.NewConfigurationNotFoundError()
	}
	return nil
}

// Resolve returns the effective configuration for scope. Scopes without
// stored layers fall back to broader ones, ending at the global default.
func (r *Resolver) Resolve(_ context.Context, scope model.Scope) (model.EffectiveConfiguration, error) {
	eff, ok := merge(r.snap.Load().layers, scope)
	if !ok {
		return model.EffectiveConfiguration{}, model.NewConfigurationNotFoundError()
	}
	return eff, nil
}

// List returns the layers of the current snapshot, broadest first.
func (r *Resolver) List() []model.WorkflowConfiguration {
	layers := slices.Collect(maps.Values(r.snap.Load().layers))
	sortLayers(layers)
	return layers
}

// Put validates and stores a layer. The write is rejected with
// INVALID_CONFIGURATION when the layer itself is malformed, or when the
// resolved configuration of its scope or of any stored narrower scope would
// reference a state outside enabled_states.
func (r *Resolver) Put(ctx context.Context, cfg model.WorkflowConfiguration, actor string) (stored model.WorkflowConfiguration, err error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	defer func() {
		status := "ok"
		if err != nil {
			status = "rejected"
		}
		r.metrics.RecordConfigurationWrite(status)
	}()

	if errs := r.validator.ValidateLayer(cfg); len(errs) > 0 {
		return model.WorkflowConfiguration{}, model.NewInvalidConfigurationError(cfg.Scope.Key(), errs)
	}

	candidate := maps.Clone(r.snap.Load().layers)
	candidate[cfg.Scope.Key()] = cfg
	if err := r.validateAffected(candidate, cfg.Scope); err != nil {
		return model.WorkflowConfiguration{}, err
	}

	cfg.UpdatedBy = actor
	stored, err = r.store.Put(ctx, cfg)
	if err != nil {
		return model.WorkflowConfiguration{}, err
	}

	next := maps.Clone(r.snap.Load().layers)
	next[stored.Scope.Key()] = stored
	r.snap.Store(&snapshot{layers: next})
	r.metrics.SetConfigurationLayers(len(next))

	r.logger.Info("workflow configuration stored",
		zap.String("scope", stored.Scope.Key()),
		zap.Int("version", stored.Version),
		zap.String("actor", actor),
	)
	return stored, nil
}

// Delete removes a site or site+severity layer. Narrower layers that would
// become invalid once the layer is gone block the delete. The global default
// cannot be deleted.
func (r *Resolver) Delete(ctx context.Context, scope model.Scope, actor string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if scope.Level() == model.ScopeGlobal {
		return model.NewBadRequestError("the global default configuration cannot be deleted")
	}

	candidate := maps.Clone(r.snap.Load().layers)
	delete(candidate, scope.Key())
	if err := r.validateAffected(candidate, scope); err != nil {
		return err
	}

	if err := r.store.Delete(ctx, scope); err != nil {
		return err
	}
	r.snap.Store(&snapshot{layers: candidate})
	r.metrics.SetConfigurationLayers(len(candidate))

	r.logger.Info("workflow configuration deleted",
		zap.String("scope", scope.Key()),
		zap.String("actor", actor),
	)
	return nil
}

// Seed stores layers loaded from files. Existing layers are left alone unless
// overwrite is set, so administrative edits survive restarts.
func (r *Resolver) Seed(ctx context.Context, layers []model.WorkflowConfiguration, overwrite bool) (int, error) {
	sorted := slices.Clone(layers)
	sortLayers(sorted)

	seeded := 0
	for _, l := range sorted {
		existing, exists := r.snap.Load().layers[l.Scope.Key()]
		if exists && !overwrite {
			continue
		}
		l.Version = 0
		if exists {
			l.Version = existing.Version
		}
		if _, err := r.Put(ctx, l, "seed"); err != nil {
			return seeded, fmt.Errorf("configuration: seeding %s: %w", l.Scope.Key(), err)
		}
		seeded++
	}
	return seeded, nil
}

// validateAffected resolves every stored scope covered by changed (plus
// changed itself) against layers and validates the result.
func (r *Resolver) validateAffected(layers map[string]model.WorkflowConfiguration, changed model.Scope) error {
	scopes := []model.Scope{changed}
	for _, l := range layers {
		if l.Scope != changed && changed.Covers(l.Scope) {
			scopes = append(scopes, l.Scope)
		}
	}

	for _, s := range scopes {
		eff, ok := merge(layers, s)
		if !ok {
			return model.NewConfigurationNotFoundError()
		}
		if errs := r.validator.ValidateEffective(eff); len(errs) > 0 {
			return model.NewInvalidConfigurationError(s.Key(), errs)
		}
	}
	return nil
}

// merge applies the scope chain field by field. A field defined at a
// narrower layer replaces the broader value wholesale. ok is false when no
// global layer exists.
func merge(layers map[string]model.WorkflowConfiguration, scope model.Scope) (model.EffectiveConfiguration, bool) {
	if _, ok := layers[model.GlobalScope.Key()]; !ok {
		return model.EffectiveConfiguration{}, false
	}

	eff := model.EffectiveConfiguration{
		Scope:                    scope,
		TransitionMap:            map[string][]string{},
		RequiredFields:           map[string][]string{},
		GatedEdges:               map[string]model.GatedEdge{},
		EscalationThresholdHours: map[string]int{},
		Sources:                  map[string]string{},
	}

	for _, s := range scope.Chain() {
		l, ok := layers[s.Key()]
		if !ok {
			continue
		}
		src := s.Key()
		if l.EnabledStates != nil {
			eff.EnabledStates = slices.Clone(l.EnabledStates)
			eff.Sources[model.FieldEnabledStates] = src
		}
		if l.InitialState != nil {
			eff.InitialState = *l.InitialState
			eff.Sources[model.FieldInitialState] = src
		}
		if l.TransitionMap != nil {
			eff.TransitionMap = cloneEdges(l.TransitionMap)
			eff.Sources[model.FieldTransitionMap] = src
		}
		if l.RequiredFields != nil {
			eff.RequiredFields = cloneEdges(l.RequiredFields)
			eff.Sources[model.FieldRequiredFields] = src
		}
		if l.GatedEdges != nil {
			eff.GatedEdges = maps.Clone(l.GatedEdges)
			eff.Sources[model.FieldGatedEdges] = src
		}
		if l.EscalationThresholdHours != nil {
			eff.EscalationThresholdHours = maps.Clone(l.EscalationThresholdHours)
			eff.Sources[model.FieldEscalationThresholdHours] = src
		}
		if l.AllowedDispositions != nil {
			eff.AllowedDispositions = slices.Clone(l.AllowedDispositions)
			eff.Sources[model.FieldAllowedDispositions] = src
		}
	}
	return eff, true
}

func cloneEdges(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}
