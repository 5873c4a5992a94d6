package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderOpenAICompat = "openai-compat"
	ProviderOpenAI       = "openai"
	ProviderGemini       = "gemini"

	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "llama3-8b-8192"
	DefaultTemperature = 0.5
	defaultTimeout     = 60 * time.Second
)

// ErrGenerationFailed wraps every provider failure. Callers never receive
// partial text alongside it.
var ErrGenerationFailed = errors.New("text generation failed")

// TextGenerator generates text from a system prompt and user prompt.
// Each call is a single attempt; there is no retry.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeneratorConfig selects and configures a provider.
type GeneratorConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// NewTextGenerator builds the TextGenerator for cfg.Provider.
func NewTextGenerator(cfg GeneratorConfig) (TextGenerator, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAICompat:
		if strings.TrimSpace(cfg.BaseURL) == "" {
			cfg.BaseURL = DefaultGroqBaseURL
		}
		if strings.TrimSpace(cfg.Model) == "" {
			cfg.Model = DefaultGroqModel
		}
		return NewOpenAICompatGenerator(cfg), nil
	case ProviderOpenAI:
		gen, err := NewOpenAIGenerator(cfg)
		if err != nil {
			return nil, err
		}
		return gen, nil
	case ProviderGemini:
		gen, err := NewGeminiGenerator(cfg)
		if err != nil {
			return nil, err
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func generationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGenerationFailed, fmt.Sprintf(format, args...))
}

// wrapGenerationError keeps cause in the chain so callers can match
// context.DeadlineExceeded and friends.
func wrapGenerationError(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrGenerationFailed, op, cause)
}
