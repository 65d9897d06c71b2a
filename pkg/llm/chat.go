// Package llm wraps the text generation backends used by the agents and the
// judge behind the types.LLM interface.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"golang.org/x/time/rate"
)

const DefaultSystemTemplate = "You are a careful clinical reference assistant. Use only the evidence you are given and answer in the requested format."

// ChatConfig represents the configuration for an Ollama chat engine.
type ChatConfig struct {
	Model          string
	Temperature    float64
	MaxTokens      int
	SystemTemplate string
	BaseURL        string // Ollama server URL
	Timeout        time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Logger    *log.Logger
}

// ChatEngine generates text with a local Ollama model.
type ChatEngine struct {
	config  ChatConfig
	llm     llms.Model
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewWithModel(config, llm)
}

// NewWithModel builds a ChatEngine around an existing langchaingo model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	return &ChatEngine{
		config:  config,
		llm:     model,
		limiter: newLimiter(config.RateLimit),
		logger:  logging.OrNop(config.Logger),
	}, nil
}

func (c ChatConfig) withDefaults() (ChatConfig, error) {
	if c.Model == "" {
		c.Model = "llama3.1:8b"
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return c, errs.Configuration("temperature must be between 0 and 2")
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.MaxTokens < 0 {
		return c, errs.Configuration("max tokens cannot be negative")
	} else if c.MaxTokens == 0 {
		c.MaxTokens = 2048
	}
	if c.SystemTemplate == "" {
		c.SystemTemplate = DefaultSystemTemplate
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	return c, nil
}

func (ce *ChatEngine) Name() string { return "ollama/" + ce.config.Model }

func (ce *ChatEngine) GenerateText(ctx context.Context, prompt string) (string, error) {
	return ce.generate(ctx, prompt, false)
}

// GenerateStructured requests JSON output and decodes it into out.
func (ce *ChatEngine) GenerateStructured(ctx context.Context, prompt string, out any) error {
	return decodeStructured(ctx, ce.generate, prompt, out, ce.logger)
}

func (ce *ChatEngine) generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	if err := ce.limiter.Wait(ctx); err != nil {
		return "", errs.FromContext("ollama rate limiter", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ce.config.Timeout)
	defer cancel()

	content := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	opts := []llms.CallOption{
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	}
	if jsonMode {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	response, err := ce.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", classify("ollama", err)
	}
	if response == nil || len(response.Choices) == 0 || response.Choices[0] == nil {
		return "", errs.Generation("ollama returned no choices")
	}

	ce.logger.Debug().
		Str("model", ce.config.Model).
		Bool("json", jsonMode).
		Dur("took", time.Since(start)).
		Msg("ollama generation")
	return response.Choices[0].Content, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}
