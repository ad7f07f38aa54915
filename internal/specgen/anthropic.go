package specgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"afu9/internal/telemetry"
)

// ErrAPIKeyRequired is returned when no Anthropic API key is available.
var ErrAPIKeyRequired = errors.New("anthropic API key required")

const defaultModel = "claude-haiku-4-5-20251001"

type AnthropicOptions struct {
	APIKey    string
	APIKeyEnv string
	Model     string
	MaxTokens int64
	// BaseURL points at a proxy or test server.
	BaseURL    string
	MaxElapsed time.Duration
}

// Anthropic implements Model on the Messages API.
type Anthropic struct {
	client     anthropic.Client
	model      anthropic.Model
	maxTokens  int64
	maxElapsed time.Duration
}

// NewAnthropic builds a client. The key from APIKeyEnv takes precedence over APIKey.
func NewAnthropic(opts AnthropicOptions) (*Anthropic, error) {
	key := opts.APIKey
	if opts.APIKeyEnv != "" {
		if v := os.Getenv(opts.APIKeyEnv); v != "" {
			key = v
		}
	}
	if key == "" {
		return nil, fmt.Errorf("%w: set %s", ErrAPIKeyRequired, opts.APIKeyEnv)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = time.Minute
	}
	return &Anthropic{
		client:     anthropic.NewClient(reqOpts...),
		model:      anthropic.Model(opts.Model),
		maxTokens:  opts.MaxTokens,
		maxElapsed: opts.MaxElapsed,
	}, nil
}

func (a *Anthropic) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.Tracer("afu9/specgen").Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(attribute.String("afu9.specgen.model", string(a.model)))

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxElapsedTime = a.maxElapsed

	var msg *anthropic.Message
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		var err error
		msg, err = a.client.Messages.New(ctx, params)
		if err == nil {
			return nil
		}
		if retryable(err) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
	span.SetAttributes(attribute.Int("afu9.specgen.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	telemetry.RecordSpecgenTokens(ctx, string(a.model), msg.Usage.InputTokens, msg.Usage.OutputTokens)
	span.SetAttributes(
		attribute.Int64("afu9.specgen.input_tokens", msg.Usage.InputTokens),
		attribute.Int64("afu9.specgen.output_tokens", msg.Usage.OutputTokens),
	)
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("anthropic messages: reply has no text block")
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
