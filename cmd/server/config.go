package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mirostanko/chatpipe/internal/services"
)

type config struct {
	Port         string `yaml:"port"`
	DBPath       string `yaml:"dbPath"`
	SystemPrompt string `yaml:"systemPrompt"`
	TitlePrompt  string `yaml:"titlePrompt"`
	DefaultModel string `yaml:"defaultModel"`

	Providers map[string]providerConfig `yaml:"providers"`
	Models    map[string]modelConfig    `yaml:"models"`
}

type providerConfig struct {
	Type      string `yaml:"type"`
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseURL"`
	Host      string `yaml:"host"`
	MaxTokens int    `yaml:"maxTokens"`
	Enabled   *bool  `yaml:"enabled"`
}

type modelConfig struct {
	Provider      string `yaml:"provider"`
	Name          string `yaml:"name"`
	ContextWindow int    `yaml:"contextWindow"`
	MaxTokens     int    `yaml:"maxTokens"`
}

func (p providerConfig) enabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// buildProviders turns the providers and models sections into the adapter registry
// and the model catalog. Configuration problems fail fast here, before the server
// starts accepting traffic.
func (c config) buildProviders(logger *slog.Logger) (*services.Registry, *services.Catalog, error) {
	registry := services.NewRegistry()
	catalog := services.NewCatalog()

	for id, pc := range c.Providers {
		ptype, err := services.ParseProviderType(pc.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", id, err)
		}
		catalog.AddProvider(services.Provider{ID: id, Type: ptype, Enabled: pc.enabled()})
		if !pc.enabled() {
			continue
		}

		adapter, err := pc.adapter(id, ptype, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", id, err)
		}
		registry.Register(id, adapter)
	}

	for id, mc := range c.Models {
		if mc.Name == "" {
			return nil, nil, fmt.Errorf("model %q: name is required", id)
		}
		if _, ok := c.Providers[mc.Provider]; !ok {
			return nil, nil, fmt.Errorf("model %q: unknown provider %q", id, mc.Provider)
		}
		catalog.AddModel(services.Model{
			ID:            id,
			ProviderID:    mc.Provider,
			Name:          mc.Name,
			ContextWindow: mc.ContextWindow,
			MaxTokens:     mc.MaxTokens,
		})
	}

	if c.DefaultModel != "" {
		if _, _, err := catalog.Resolve(c.DefaultModel); err != nil {
			return nil, nil, fmt.Errorf("defaultModel: %w", err)
		}
	}

	return registry, catalog, nil
}

func (p providerConfig) adapter(id string, ptype services.ProviderType, logger *slog.Logger) (services.Adapter, error) {
	switch ptype {
	case services.ProviderTypeAnthropic:
		apiKey := p.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("apiKey is required")
		}
		return services.NewAnthropic(apiKey, p.MaxTokens, logger), nil

	case services.ProviderTypeOpenAI:
		apiKey := p.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("apiKey is required")
		}
		return services.NewOpenAI(apiKey, p.BaseURL, logger), nil

	case services.ProviderTypeOpenRouter:
		apiKey := p.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("apiKey is required")
		}
		return services.NewOpenRouter(apiKey, logger), nil

	case services.ProviderTypeOllama:
		host := p.Host
		if host == "" {
			host = os.Getenv("OLLAMA_HOST")
		}
		return services.NewOllama(host, logger), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q for provider %q", ptype, id)
	}
}
