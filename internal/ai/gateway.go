package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"botgpt/internal/pipeline"
)

var (
	// ErrUpstreamUnavailable means every attempt failed transiently.
	ErrUpstreamUnavailable = errors.New("upstream model unavailable")
	// ErrUpstreamRejected means the provider refused the request or answered
	// with something unusable. Retrying would not help.
	ErrUpstreamRejected = errors.New("upstream model rejected request")
)

const maxAttemptsCap = 3

type FailureKind string

const (
	KindUnavailable FailureKind = "upstream_unavailable"
	KindRejected    FailureKind = "upstream_rejected"
)

type UpstreamError struct {
	Kind       FailureKind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s after %d attempt(s), status %d: %v", e.Kind, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamUnavailable:
		return e.Kind == KindUnavailable
	case ErrUpstreamRejected:
		return e.Kind == KindRejected
	}
	return false
}

type Reply struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TokensUsed       int
	UsageEstimated   bool
	Attempts         int
}

type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

type SleepFunc func(ctx context.Context, d time.Duration) error

type GatewayOption func(*Gateway)

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn SleepFunc) GatewayOption {
	return func(g *Gateway) { g.sleep = fn }
}

func WithEstimator(est pipeline.Estimator) GatewayOption {
	return func(g *Gateway) { g.estimator = est }
}

// Gateway is the only path to the language model. It bounds each attempt,
// retries transient failures with exponential backoff and classifies what
// is left into ErrUpstreamUnavailable or ErrUpstreamRejected.
type Gateway struct {
	client    Completer
	cfg       GatewayConfig
	estimator pipeline.Estimator
	logger    *slog.Logger
	sleep     SleepFunc
}

func NewGateway(client Completer, cfg GatewayConfig, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > maxAttemptsCap {
		cfg.MaxAttempts = maxAttemptsCap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		client:    client,
		cfg:       cfg,
		estimator: pipeline.CharEstimator{},
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Model is the default model name sent when Complete gets none.
func (g *Gateway) Model() string { return g.cfg.Model }

func (g *Gateway) Complete(ctx context.Context, assembled pipeline.AssembledContext, model string) (*Reply, error) {
	if model == "" {
		model = g.cfg.Model
	}
	chatCfg := ChatConfig{
		BaseURL:   g.cfg.BaseURL,
		APIKey:    g.cfg.APIKey,
		Model:     model,
		MaxTokens: g.cfg.MaxTokens,
	}
	messages := make([]ChatMessage, 0, len(assembled.Messages))
	for _, m := range assembled.Messages {
		messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	var lastErr error
	lastStatus := 0
	attempt := 0
	for attempt < g.cfg.MaxAttempts {
		attempt++
		if attempt > 1 {
			backoff := g.cfg.BaseDelay * time.Duration(1<<(attempt-2))
			if err := g.sleep(ctx, backoff); err != nil {
				return nil, &UpstreamError{Kind: KindUnavailable, StatusCode: lastStatus, Attempts: attempt - 1, Err: err}
			}
		}

		completion, err := g.attempt(ctx, chatCfg, messages)
		if err == nil {
			return g.reply(completion, assembled, attempt), nil
		}
		lastErr = err
		lastStatus = statusOf(err)

		if ctx.Err() != nil {
			return nil, &UpstreamError{Kind: KindUnavailable, StatusCode: lastStatus, Attempts: attempt, Err: ctx.Err()}
		}
		if !isTransient(err) {
			return nil, &UpstreamError{Kind: KindRejected, StatusCode: lastStatus, Attempts: attempt, Err: err}
		}
		g.logger.Warn("transient llm failure",
			"model", model,
			"attempt", attempt,
			"max_attempts", g.cfg.MaxAttempts,
			"status", lastStatus,
			"error", err,
		)
	}
	return nil, &UpstreamError{Kind: KindUnavailable, StatusCode: lastStatus, Attempts: attempt, Err: lastErr}
}

func (g *Gateway) attempt(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (*Completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return g.client.Complete(attemptCtx, cfg, messages)
}

func (g *Gateway) reply(c *Completion, assembled pipeline.AssembledContext, attempts int) *Reply {
	r := &Reply{Content: c.Content, Model: c.Model, Attempts: attempts}
	if u := c.Usage; u != nil && (u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0) {
		r.PromptTokens = u.PromptTokens
		r.CompletionTokens = u.CompletionTokens
		r.TokensUsed = u.TotalTokens
		if r.TokensUsed == 0 {
			r.TokensUsed = u.PromptTokens + u.CompletionTokens
		}
		return r
	}

	r.PromptTokens = pipeline.EstimateMessages(g.estimator, assembled.Messages)
	r.CompletionTokens = g.estimator.EstimateTokens(c.Content)
	r.TokensUsed = r.PromptTokens + r.CompletionTokens
	r.UsageEstimated = true
	g.logger.Warn("llm response carried no usage, using estimate",
		"model", c.Model,
		"estimated_tokens", r.TokensUsed,
	)
	return r
}

// isTransient reports whether another attempt could succeed: timeouts,
// transport errors and 5xx replies. Every 4xx, 429 included, is final.
func isTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrEmptyChoices) {
		return false
	}
	return true
}

func statusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
