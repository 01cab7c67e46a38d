package pipeline

import (
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/policy-crawler/internal/config"
)

// ErrUnknownPipeline is returned for a name that was never registered.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Builder constructs a pipeline's stages from configuration.
type Builder func(cfg config.Config) ([]Stage, error)

// Registry maps a closed set of pipeline names to their builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a pipeline. Registering a name twice panics.
func (r *Registry) Register(name string, b Builder) {
	if name == "" || b == nil {
		panic("pipeline: Register requires a name and a builder")
	}
	if _, dup := r.builders[name]; dup {
		panic(fmt.Sprintf("pipeline: %q registered twice", name))
	}
	r.builders[name] = b
}

// Names lists registered pipelines in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate fails fast on an unregistered name.
func (r *Registry) Validate(name string) error {
	if _, ok := r.builders[name]; !ok {
		return fmt.Errorf("%w %q (known: %v)", ErrUnknownPipeline, name, r.Names())
	}
	return nil
}

// Build returns the stages of the named pipeline.
func (r *Registry) Build(name string, cfg config.Config) ([]Stage, error) {
	if err := r.Validate(name); err != nil {
		return nil, err
	}
	stages, err := r.builders[name](cfg)
	if err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", name, err)
	}
	return stages, nil
}
