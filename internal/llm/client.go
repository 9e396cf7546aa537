// Package llm is the language-model collaborator used by generation nodes.
// A Provider speaks one vendor's API; Client adds defaults, rate limiting and
// bounded retries on top of it.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/danshapiro/ticketsmith/internal/backoff"
)

// ErrEmptyCompletion is returned when the provider answered with no text.
var ErrEmptyCompletion = errors.New("llm returned an empty completion")

type Options struct {
	Model       string
	System      string
	MaxTokens   int
	Temperature *float32
}

// Completer is what pipeline nodes depend on.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature *float32
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type Response struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Ping(ctx context.Context) error
}

type ClientOptions struct {
	Defaults Options

	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxAttempts counts the first call; 0 means 3.
	MaxAttempts int
	Backoff     backoff.Config

	Logger *slog.Logger
	Sleep  func(ctx context.Context, d time.Duration) error
}

type Client struct {
	provider Provider
	defaults Options
	limiter  *rate.Limiter
	retry    backoff.Policy
	logger   *slog.Logger
}

func NewClient(p Provider, opts ClientOptions) (*Client, error) {
	if p == nil {
		return nil, &ConfigurationError{Message: "provider is required"}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	attempts := opts.MaxAttempts
	if attempts == 0 {
		attempts = 3
	}
	cfg := opts.Backoff
	if cfg == (backoff.Config{}) {
		cfg = backoff.DefaultConfig()
		cfg.InitialDelayMS = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		provider: p,
		defaults: opts.Defaults,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("provider", p.Name()),
	}
	c.retry = backoff.Policy{
		Config:      cfg,
		MaxAttempts: attempts,
		Retryable:   IsRetryable,
		Wait:        RetryDelay,
		Sleep:       opts.Sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("llm request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
	return c, nil
}

func (c *Client) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	req := c.request(prompt, opts)
	if strings.TrimSpace(req.Model) == "" {
		return "", &ConfigurationError{Message: "model is required"}
	}
	var resp Response
	err := backoff.Do(ctx, c.retry, req.Model, func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		started := time.Now()
		r, err := c.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		c.logger.Debug("llm completion",
			"model", r.Model,
			"attempt", attempt,
			"finish_reason", r.FinishReason,
			"prompt_tokens", r.Usage.PromptTokens,
			"completion_tokens", r.Usage.CompletionTokens,
			"duration", time.Since(started),
		)
		resp = r
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("complete with %s: %w", req.Model, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", ErrEmptyCompletion
	}
	return resp.Text, nil
}

// Ping checks that the provider is reachable and the credentials work.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.provider.Ping(ctx)
}

func (c *Client) request(prompt string, opts Options) Request {
	req := Request{
		Model:       c.defaults.Model,
		System:      c.defaults.System,
		Prompt:      prompt,
		MaxTokens:   c.defaults.MaxTokens,
		Temperature: c.defaults.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.System != "" {
		req.System = opts.System
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = opts.Temperature
	}
	return req
}
