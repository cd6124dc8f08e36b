package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/go-triage/internal/fault"
)

// GenkitConfig selects a provider plugin for GenkitReasoner.
type GenkitConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible", "openrouter".
	Provider string
	Model    string
	APIKey   string
	BaseURL  string

	// CompatProvider names the model prefix for openai_compatible endpoints.
	CompatProvider string
}

// GenkitReasoner calls a hosted model through Genkit.
type GenkitReasoner struct {
	g         *genkit.Genkit
	provider  string
	modelName string
}

// NewGenkitReasoner initializes Genkit with the configured provider plugin.
// A missing API key is a terminal error.
func NewGenkitReasoner(ctx context.Context, cfg GenkitConfig) (*GenkitReasoner, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fault.Terminalf("llm provider %s: api key missing", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.CompatProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)
	default:
		return nil, fault.Terminalf("unknown llm provider %q", provider)
	}

	name := modelNameForProvider(provider, modelID)
	slog.Info("genkit reasoner initialized", "provider", provider, "model", name)
	return &GenkitReasoner{g: g, provider: provider, modelName: name}, nil
}

// Provider returns the provider name the reasoner was built for.
func (r *GenkitReasoner) Provider() string { return r.provider }

func (r *GenkitReasoner) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	// ai.WithSystem formats its argument.
	systemPrompt = strings.ReplaceAll(systemPrompt, "%", "%%")
	resp, err := genkit.Generate(ctx, r.g,
		ai.WithModelName(r.modelName),
		ai.WithSystem(systemPrompt),
		ai.WithPrompt(userPrompt),
	)
	if err != nil {
		return "", fmt.Errorf("genkit generate (%s): %w", r.provider, err)
	}
	return resp.Text(), nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "openrouter/auto"
	default:
		return "gemini-2.5-flash"
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}
