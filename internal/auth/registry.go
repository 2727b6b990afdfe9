package auth

import (
	"fmt"
	"sort"

	"circulation/internal/platform/config"
)

// Constructor builds a provider from its configuration. Constructors must
// validate their settings and refuse to build half-configured: a provider that
// constructs successfully is allowed to make network calls.
type Constructor func(cfg config.ProviderConfig) (BasicProvider, error)

// Registry maps stable protocol keys to provider constructors. It is populated
// at process start and resolved once at configuration-load time; no provider
// is ever selected by a stored class name.
type Registry struct {
	constructors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register binds a protocol key to a constructor. Registering the same key
// twice is a programming error.
func (r *Registry) Register(protocol string, c Constructor) error {
	if _, exists := r.constructors[protocol]; exists {
		return fmt.Errorf("auth: protocol %q already registered", protocol)
	}
	r.constructors[protocol] = c
	return nil
}

// Protocols lists the registered protocol keys, sorted for stable reporting.
func (r *Registry) Protocols() []string {
	keys := make([]string, 0, len(r.constructors))
	for k := range r.constructors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Build resolves the configuration's protocol key and constructs the provider.
func (r *Registry) Build(cfg config.ProviderConfig) (BasicProvider, error) {
	c, ok := r.constructors[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("auth: unknown protocol %q for provider %q", cfg.Protocol, cfg.Name)
	}
	provider, err := c(cfg)
	if err != nil {
		return nil, fmt.Errorf("auth: building provider %q: %w", cfg.Name, err)
	}
	return provider, nil
}
