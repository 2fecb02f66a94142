package services

import (
	"fmt"

	"github.com/mirostanko/chatpipe/internal/models"
)

// Provider is a configured vendor account.
type Provider struct {
	ID      string
	Type    ProviderType
	Enabled bool
}

// Model is a configured model bound to a provider.
type Model struct {
	ID            string
	ProviderID    string
	Name          string
	ContextWindow int
	MaxTokens     int
}

// Catalog resolves model ids to their provider records. It is built once from
// configuration and read-only afterwards.
type Catalog struct {
	providers map[string]Provider
	models    map[string]Model
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		providers: make(map[string]Provider),
		models:    make(map[string]Model),
	}
}

// AddProvider registers a provider record.
func (c *Catalog) AddProvider(p Provider) {
	c.providers[p.ID] = p
}

// AddModel registers a model record.
func (c *Catalog) AddModel(m Model) {
	c.models[m.ID] = m
}

// Resolve maps a model id to its model and provider records. Unknown models,
// unknown providers and disabled providers are configuration errors.
func (c *Catalog) Resolve(modelID string) (Model, Provider, error) {
	model, ok := c.models[modelID]
	if !ok {
		return Model{}, Provider{}, &models.ConfigurationError{Message: fmt.Sprintf("unknown model: %q", modelID)}
	}
	provider, ok := c.providers[model.ProviderID]
	if !ok {
		return Model{}, Provider{}, &models.ConfigurationError{
			Message: fmt.Sprintf("model %q references unknown provider %q", modelID, model.ProviderID),
		}
	}
	if !provider.Enabled {
		return Model{}, Provider{}, &models.ConfigurationError{
			Message: fmt.Sprintf("provider %q is disabled", provider.ID),
		}
	}
	return model, provider, nil
}
