package provider

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/mirageos/mirage/internal/common/logger"
)

// Provider kinds understood by the registry.
const (
	TypeSubprocess = "subprocess"
	TypeScripted   = "scripted"
)

// Spec describes one provider from the catalogue.
type Spec struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

// Catalogue is the on-disk provider list.
type Catalogue struct {
	Providers []Spec `yaml:"providers"`
}

// LoadCatalogue reads the catalogue file. An empty path yields the built-in
// catalogue containing only the scripted provider.
func LoadCatalogue(path string) (*Catalogue, error) {
	if path == "" {
		return &Catalogue{Providers: []Spec{{Name: "scripted", Type: TypeScripted}}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider catalogue: %w", err)
	}
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse provider catalogue: %w", err)
	}
	if len(cat.Providers) == 0 {
		return nil, fmt.Errorf("provider catalogue %s lists no providers", path)
	}
	for _, spec := range cat.Providers {
		if spec.Name == "" {
			return nil, fmt.Errorf("provider catalogue %s has a provider without a name", path)
		}
		if spec.Type == TypeSubprocess && spec.Command == "" {
			return nil, fmt.Errorf("subprocess provider %s has no command", spec.Name)
		}
	}
	return &cat, nil
}

// Registry hands out providers by name, starting subprocess providers lazily
// and sharing each started provider across all agents.
type Registry struct {
	mu      sync.Mutex
	specs   map[string]Spec
	running map[string]Provider
	logger  *logger.Logger
}

// NewRegistry builds a registry from a catalogue.
func NewRegistry(cat *Catalogue, log *logger.Logger) *Registry {
	specs := make(map[string]Spec, len(cat.Providers))
	for _, spec := range cat.Providers {
		specs[spec.Name] = spec
	}
	return &Registry{
		specs:   specs,
		running: make(map[string]Provider),
		logger:  log,
	}
}

// Register installs an already running provider under a name, replacing any
// catalogue entry. Used for in-process providers.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[name] = Spec{Name: name, Type: TypeScripted}
	r.running[name] = p
}

// Has reports whether the catalogue lists the provider.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.specs[name]
	return ok
}

// Get returns the named provider, starting it on first use.
func (r *Registry) Get(ctx context.Context, name string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.running[name]; ok {
		return p, nil
	}
	spec, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}

	var (
		p   Provider
		err error
	)
	switch spec.Type {
	case TypeScripted:
		p = NewScripted(spec.Name, nil)
	case TypeSubprocess:
		p, err = NewAppServer(ctx, spec, r.logger)
	default:
		err = fmt.Errorf("provider %q has unknown type %q", name, spec.Type)
	}
	if err != nil {
		return nil, err
	}

	r.running[name] = p
	return p, nil
}

// Close disposes every started provider.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	running := r.running
	r.running = make(map[string]Provider)
	r.mu.Unlock()

	for name, p := range running {
		if err := p.Dispose(ctx); err != nil {
			r.logger.Warn("failed to dispose provider",
				zap.String("provider", name), zap.Error(err))
		}
	}
}
