package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/cartographer/internal/config"
)

const systemPrompt = "You are a senior test automation engineer. " +
	"You write complete, runnable end-to-end tests from recorded user journeys. " +
	"Reply with a single code block and no commentary."

// ErrBlocked is returned when the model refuses to answer a prompt.
var ErrBlocked = errors.New("generation blocked")

type contentFunc func(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiGenerator implements schemas.Generator on top of the Gemini API.
type GeminiGenerator struct {
	model      string
	timeout    time.Duration
	maxRetries uint64
	generate   contentFunc
	policy     func() backoff.BackOff
	logger     *zap.Logger
}

// NewGeminiGenerator creates a generator using the Gemini developer API.
func NewGeminiGenerator(ctx context.Context, cfg config.SynthesisConfig, logger *zap.Logger) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := cfg.Model
	call := func(ctx context.Context, prompt string, gc *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return client.Models.GenerateContent(ctx, model, genai.Text(prompt), gc)
	}
	return newGeminiGenerator(cfg, call, logger), nil
}

func newGeminiGenerator(cfg config.SynthesisConfig, call contentFunc, logger *zap.Logger) *GeminiGenerator {
	return &GeminiGenerator{
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		generate:   call,
		policy: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
		logger: logger.Named("synthesis.gemini"),
	}
}

// Generate sends the prompt and returns the text of the first candidate.
// Transient failures are retried with exponential backoff.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
	}
	if maxTokens > 0 {
		gc.MaxOutputTokens = int32(maxTokens)
	}

	var text string
	operation := func() error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := g.generate(callCtx, prompt, gc)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			g.logger.Warn("Generation request failed, retrying.", zap.Error(err))
			return fmt.Errorf("gemini request failed: %w", err)
		}

		out, err := candidateText(resp)
		if err != nil {
			return err
		}

		fields := []zap.Field{zap.String("model", g.model), zap.Duration("duration", time.Since(start))}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		g.logger.Info("Generation complete.", fields...)
		text = out
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.policy(), g.maxRetries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return "", err
	}
	return text, nil
}

// candidateText extracts the answer from a response. Blocked prompts are
// permanent failures; an empty candidate is worth another attempt.
func candidateText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		return "", backoff.Permanent(fmt.Errorf("%w: prompt feedback %s", ErrBlocked, fb.BlockReason))
	}
	if len(resp.Candidates) == 0 {
		return "", backoff.Permanent(fmt.Errorf("gemini returned no candidates"))
	}

	c := resp.Candidates[0]
	switch c.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return "", backoff.Permanent(fmt.Errorf("%w: finish reason %s", ErrBlocked, c.FinishReason))
	}

	var sb strings.Builder
	if c.Content != nil {
		for _, part := range c.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", fmt.Errorf("gemini returned empty content (finish reason %s)", c.FinishReason)
	}
	return sb.String(), nil
}
