// Package llm provides a provider-agnostic chat-completion adapter for pestmap.
// Every extraction stage, the coordinate classifier and the locality refiner
// talk to a model through the Provider interface.
package llm

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a user message and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "openai/gpt-4o-mini").
	Name() string
}

// Message is one few-shot turn sent between the system prompt and the user message.
type Message struct {
	Role    string `yaml:"role" json:"role"`
	Content string `yaml:"content" json:"content"`
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int       // Max tokens to generate (0 = provider default)
	Temperature float64   // 0.0-2.0 (0 = deterministic)
	Model       string    // Override model for this request (empty = use provider default)
	Format      string    // "json" for structured output, empty for plain text
	System      string    // System prompt (optional)
	Examples    []Message // Few-shot turns, sent in order after System
	Timeout     time.Duration
}

// Config holds provider configuration.
type Config struct {
	Provider string // "openai", "google", "openrouter"
	Model    string // e.g., "gpt-4o-mini", "gemini-2.5-flash"
	APIKey   string // API key (empty = read from env)
	BaseURL  string // Optional URL override
}

// ErrNoCredential is returned when no API key can be found for the provider.
var ErrNoCredential = eris.New("llm: no API credential configured")

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		key := firstEnv(cfg.APIKey, "OPENAI_API_KEY")
		if key == "" {
			return nil, eris.Wrap(ErrNoCredential, "openai provider requires OPENAI_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return newOpenAIProvider(key, model, cfg.BaseURL), nil

	case "google":
		key := firstEnv(cfg.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
		if key == "" {
			return nil, eris.Wrap(ErrNoCredential, "google provider requires GEMINI_API_KEY or GOOGLE_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "gemini-2.5-flash"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		return &googleProvider{
			apiKey:  key,
			model:   model,
			baseURL: baseURL,
		}, nil

	case "openrouter":
		key := firstEnv(cfg.APIKey, "OPENROUTER_API_KEY")
		if key == "" {
			return nil, eris.Wrap(ErrNoCredential, "openrouter provider requires OPENROUTER_API_KEY")
		}
		model := cfg.Model
		if model == "" {
			model = "openai/gpt-4o-mini"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		return &openrouterProvider{
			apiKey:  key,
			model:   model,
			baseURL: baseURL,
		}, nil

	default:
		return nil, eris.Errorf("unknown LLM provider: %q (supported: openai, google, openrouter)", cfg.Provider)
	}
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "openai/gpt-4o-mini", "openrouter/openai/gpt-4o-mini"
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "openai", Model: "gpt-4o-mini"}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 {
		return Config{}, eris.Errorf("invalid --llm format %q: expected provider/model (e.g., openai/gpt-4o-mini)", flag)
	}

	provider := strings.ToLower(parts[0])
	model := parts[1]

	switch provider {
	case "openai", "google", "openrouter":
		return Config{Provider: provider, Model: model}, nil
	default:
		return Config{}, eris.Errorf("unknown provider %q in --llm flag (supported: openai, google, openrouter)", provider)
	}
}

func firstEnv(explicit string, keys ...string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}
