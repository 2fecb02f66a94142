package services_test

import (
	"context"
	"iter"
	"testing"

	"github.com/mirostanko/chatpipe/internal/models"
	"github.com/mirostanko/chatpipe/internal/services"
)

type noopAdapter struct{}

func (noopAdapter) SendMessage(context.Context, services.ChatRequest) (services.ChatResponse, error) {
	return services.ChatResponse{}, nil
}

func (noopAdapter) StreamChat(context.Context, services.ChatRequest) iter.Seq2[models.StreamChunk, error] {
	return func(func(models.StreamChunk, error) bool) {}
}

func TestParseProviderType(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    services.ProviderType
		wantErr bool
	}{
		{name: "Anthropic", raw: "anthropic", want: services.ProviderTypeAnthropic},
		{name: "OpenAI", raw: "openai", want: services.ProviderTypeOpenAI},
		{name: "OpenRouter", raw: "openrouter", want: services.ProviderTypeOpenRouter},
		{name: "Ollama", raw: "ollama", want: services.ProviderTypeOllama},
		{name: "Unknown", raw: "bedrock", wantErr: true},
		{name: "Empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := services.ParseProviderType(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if code := models.ErrorCode(err); code != models.ErrCodeConfiguration {
					t.Errorf("error code = %q, want %q", code, models.ErrCodeConfiguration)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseProviderType() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseProviderType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	registry := services.NewRegistry()
	registry.Register("my-provider", noopAdapter{})

	if _, err := registry.Adapter("my-provider"); err != nil {
		t.Errorf("Adapter() error = %v, want registered adapter", err)
	}

	_, err := registry.Adapter("other")
	if err == nil {
		t.Fatal("expected an error for an unregistered provider")
	}
	if code := models.ErrorCode(err); code != models.ErrCodeConfiguration {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeConfiguration)
	}
}

func TestCatalogResolve(t *testing.T) {
	catalog := services.NewCatalog()
	catalog.AddProvider(services.Provider{ID: "p1", Type: services.ProviderTypeAnthropic, Enabled: true})
	catalog.AddProvider(services.Provider{ID: "p2", Type: services.ProviderTypeOllama, Enabled: false})
	catalog.AddModel(services.Model{ID: "m1", ProviderID: "p1", Name: "claude-test", ContextWindow: 8000})
	catalog.AddModel(services.Model{ID: "m2", ProviderID: "p2", Name: "llama-test"})
	catalog.AddModel(services.Model{ID: "m3", ProviderID: "ghost", Name: "phantom"})

	t.Run("Known model", func(t *testing.T) {
		model, provider, err := catalog.Resolve("m1")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if model.Name != "claude-test" || provider.ID != "p1" {
			t.Errorf("Resolve() = %+v, %+v", model, provider)
		}
	})

	for _, id := range []string{"unknown", "m2", "m3"} {
		t.Run("Fails for "+id, func(t *testing.T) {
			_, _, err := catalog.Resolve(id)
			if err == nil {
				t.Fatal("expected an error")
			}
			if code := models.ErrorCode(err); code != models.ErrCodeConfiguration {
				t.Errorf("error code = %q, want %q", code, models.ErrCodeConfiguration)
			}
		})
	}
}
