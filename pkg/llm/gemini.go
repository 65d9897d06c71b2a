package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	SystemInstruction string
	Timeout           time.Duration
	RateLimit         float64
	Logger            *log.Logger
}

// GeminiEngine generates text with the Gemini API.
type GeminiEngine struct {
	config  GeminiConfig
	client  *genai.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

func NewGemini(ctx context.Context, config GeminiConfig) (*GeminiEngine, error) {
	if config.APIKey == "" {
		return nil, errs.Configuration("Gemini API key is required")
	}
	if config.Model == "" {
		config.Model = "gemini-1.5-flash"
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, errs.Configuration("temperature must be between 0 and 2")
	}
	if config.Temperature == 0 {
		config.Temperature = 0.2
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	if config.SystemInstruction == "" {
		config.SystemInstruction = DefaultSystemTemplate
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiEngine{
		config:  config,
		client:  client,
		limiter: newLimiter(config.RateLimit),
		logger:  logging.OrNop(config.Logger),
	}, nil
}

func (g *GeminiEngine) Name() string { return "gemini/" + g.config.Model }

func (g *GeminiEngine) GenerateText(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, prompt, false)
}

func (g *GeminiEngine) GenerateStructured(ctx context.Context, prompt string, out any) error {
	return decodeStructured(ctx, g.generate, prompt, out, g.logger)
}

func (g *GeminiEngine) generate(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", errs.FromContext("gemini rate limiter", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(g.config.Temperature)),
		MaxOutputTokens:   int32(g.config.MaxTokens),
		SystemInstruction: genai.NewContentFromText(g.config.SystemInstruction, genai.RoleUser),
	}
	if jsonMode {
		config.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.config.Model, genai.Text(prompt), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
			return "", fmt.Errorf("gemini: %w: %w", errs.ErrAuthentication, err)
		}
		return "", classify("gemini", err)
	}

	text := resp.Text()
	if text == "" {
		return "", errs.Generation("gemini returned an empty response")
	}

	g.logger.Debug().
		Str("model", g.config.Model).
		Bool("json", jsonMode).
		Dur("took", time.Since(start)).
		Msg("gemini generation")
	return text, nil
}
