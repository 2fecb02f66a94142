package services

import (
	"fmt"

	"github.com/mirostanko/chatpipe/internal/models"
)

// ProviderType is the closed enumeration of supported vendors. An unrecognized type
// is a configuration error, never silently defaulted.
type ProviderType string

const (
	ProviderTypeAnthropic  ProviderType = "anthropic"
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeOpenRouter ProviderType = "openrouter"
	ProviderTypeOllama     ProviderType = "ollama"
)

// ParseProviderType validates a raw provider type string against the closed set.
func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(s); t {
	case ProviderTypeAnthropic, ProviderTypeOpenAI, ProviderTypeOpenRouter, ProviderTypeOllama:
		return t, nil
	default:
		return "", &models.ConfigurationError{Message: fmt.Sprintf("unknown provider type: %q", s)}
	}
}

// Registry maps provider ids to adapter instances so new vendors register here
// instead of being switched over in the orchestrator.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter instance to a provider id, replacing any previous
// binding.
func (r *Registry) Register(providerID string, adapter Adapter) {
	r.adapters[providerID] = adapter
}

// Adapter looks up the adapter for a provider id. Unknown ids fail fast with a
// configuration error.
func (r *Registry) Adapter(providerID string) (Adapter, error) {
	adapter, ok := r.adapters[providerID]
	if !ok {
		return nil, &models.ConfigurationError{Message: fmt.Sprintf("no adapter registered for provider %q", providerID)}
	}
	return adapter, nil
}
