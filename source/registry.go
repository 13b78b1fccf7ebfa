package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// AuthMethod enumerates how a source authenticates.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthAPIKey AuthMethod = "api_key"
	AuthBasic  AuthMethod = "basic"
	AuthOAuth2 AuthMethod = "oauth2"
)

// Metadata describes a registered source for the outer API layer.
type Metadata struct {
	ShortName          string       `json:"short_name"`
	DisplayName        string       `json:"display_name"`
	AuthMethods        []AuthMethod `json:"auth_methods"`
	OAuthType          string       `json:"oauth_type,omitempty"` // "access_only" or "with_refresh"
	Labels             []string     `json:"labels,omitempty"`
	SupportsContinuous bool         `json:"supports_continuous"`

	// AuthConfigSchema and ConfigSchema name the credential and config
	// shapes exposed to the HTTP layer for form generation.
	AuthConfigSchema string `json:"auth_config_schema,omitempty"`
	ConfigSchema     string `json:"config_schema,omitempty"`

	// RateLimitPerConnection scopes this source's outbound gate to one
	// connection instead of the whole organization.
	RateLimitPerConnection bool `json:"rate_limit_per_connection,omitempty"`
}

// Factory builds a configured source instance.
type Factory func(ctx context.Context, credentials Credentials, config map[string]interface{}, deps *Deps) (Source, error)

type registration struct {
	metadata Metadata
	factory  Factory
}

// Registry maps short names to source factories. It is populated at
// startup and read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds a source factory under its short name.
func (r *Registry) Register(metadata Metadata, factory Factory) error {
	if metadata.ShortName == "" {
		return fmt.Errorf("source registration requires a short name")
	}
	if factory == nil {
		return fmt.Errorf("source %s registration requires a factory", metadata.ShortName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[metadata.ShortName]; exists {
		return fmt.Errorf("source %s already registered", metadata.ShortName)
	}
	r.entries[metadata.ShortName] = registration{metadata: metadata, factory: factory}
	return nil
}

// MustRegister panics on registration conflict. Intended for init blocks.
func (r *Registry) MustRegister(metadata Metadata, factory Factory) {
	if err := r.Register(metadata, factory); err != nil {
		panic(err)
	}
}

// Build constructs a source by short name.
func (r *Registry) Build(ctx context.Context, shortName string, credentials Credentials, config map[string]interface{}, deps *Deps) (Source, error) {
	r.mu.RLock()
	reg, ok := r.entries[shortName]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown source %q", shortName)
	}
	return reg.factory(ctx, credentials, config, deps)
}

// Metadata returns the metadata for a short name.
func (r *Registry) Metadata(shortName string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[shortName]
	return reg.metadata, ok
}

// List returns metadata for every registered source, sorted by short name.
func (r *Registry) List() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Metadata, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// Default is the process-wide registry that adapter packages register into
// from their init blocks.
var Default = NewRegistry()
