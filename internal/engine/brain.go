// Package engine wraps the LLM behind a small Brain interface. The quality
// gate and the debate synthesizer depend only on Brain, so tests run
// against a scripted fake and production runs against Genkit.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	warotel "github.com/basket/warroom/internal/otel"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel"
)

// defaultGenerateTimeout bounds one generation call when the caller did not.
const defaultGenerateTimeout = 30 * time.Second

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64 // 0 means provider default
}

// Result carries the text plus token usage so callers can account cost.
type Result struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Brain is the LLM abstraction used by the governance components.
type Brain interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	// Model returns the model identifier used for cost accounting.
	Model() string
}

// BrainConfig holds configuration for the GenkitBrain.
type BrainConfig struct {
	// Provider is the LLM provider: "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string

	// Model is the model name for the configured provider.
	Model string

	// APIKey is the API key for the LLM provider.
	APIKey string

	// BaseURL overrides the provider endpoint (openai_compatible).
	BaseURL string

	// Timeout bounds one generation call when the caller's context has no
	// deadline. Zero means 30s.
	Timeout time.Duration
}

// GenkitBrain backs Brain with a Genkit instance. Without an API key it
// stays offline and every Generate call fails; the gate treats that as a
// capability failure and fails closed.
type GenkitBrain struct {
	g        *genkit.Genkit
	cfg      BrainConfig
	provider string
	model    string
	llmOn    bool
}

// NewGenkitBrain initializes Genkit with the configured LLM provider.
func NewGenkitBrain(ctx context.Context, cfg BrainConfig) *GenkitBrain {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "anthropic", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Anthropic API key missing; scoring and debate are offline")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI API key missing; scoring and debate are offline")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai_compatible",
				APIKey:   apiKey,
				BaseURL:  cfg.BaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "openai_compatible", "model", modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("OpenAI compatible API key missing; scoring and debate are offline")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			llmOn = true
			slog.Info("genkit brain initialized", "provider", "google", "model", "googleai/"+modelID)
		} else {
			g = genkit.Init(ctx)
			slog.Warn("Google API key missing; scoring and debate are offline")
		}

	default:
		g = genkit.Init(ctx)
		slog.Warn("unknown LLM provider; scoring and debate are offline", "provider", provider)
	}

	return &GenkitBrain{
		g:        g,
		cfg:      cfg,
		provider: provider,
		model:    modelID,
		llmOn:    llmOn,
	}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
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
	case "openai_compatible":
		return "openai_compatible/" + model
	default:
		return "googleai/" + model
	}
}

// Model returns the configured model identifier.
func (b *GenkitBrain) Model() string {
	return b.model
}

// Generate runs one prompt through the configured model.
func (b *GenkitBrain) Generate(ctx context.Context, req Request) (*Result, error) {
	if !b.llmOn {
		return nil, fmt.Errorf("llm provider %q not configured", b.provider)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(b.provider, b.model)),
		ai.WithPrompt(prompt),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}
	if req.Temperature > 0 {
		opts = append(opts, ai.WithConfig(map[string]any{"temperature": req.Temperature}))
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := b.cfg.Timeout
		if timeout <= 0 {
			timeout = defaultGenerateTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, span := warotel.StartClientSpan(ctx, otel.Tracer(warotel.TracerName), "engine.generate",
		warotel.AttrModel.String(b.model))
	defer span.End()

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("genkit generate: %w", err)
	}

	result := &Result{Text: resp.Text()}
	if resp.Usage != nil {
		result.PromptTokens = resp.Usage.InputTokens
		result.CompletionTokens = resp.Usage.OutputTokens
	}
	return result, nil
}
