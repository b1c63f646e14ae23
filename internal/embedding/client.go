// Package embedding wraps the external embedding provider with batching,
// bounded retries, and shared rate-limit backpressure.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnavailable is returned once the retry budget is exhausted. Ingestion
// translates it into a failed document rather than leaving one processing.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider is the external embedding capability. Implementations must return
// one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// rateLimited is implemented by provider errors carrying a server-suggested
// cool-down (e.g. ollama.RateLimitError).
type rateLimited interface {
	error
	RetryAfterDuration() time.Duration
}

const (
	defaultMaxBatch    = 32
	defaultMaxAttempts = 4
	defaultBaseDelay   = 250 * time.Millisecond
	defaultConcurrency = 4
)

// Options tune a Client. Zero values select the defaults.
type Options struct {
	MaxBatch    int           // provider max inputs per call
	MaxAttempts int           // attempts per batch before ErrUnavailable
	BaseDelay   time.Duration // first backoff delay, doubled per attempt
	Concurrency int           // concurrent in-flight batches
}

// Client batches and retries calls to the embedding provider.
type Client struct {
	provider    Provider
	model       string
	gate        *Gate
	maxBatch    int
	maxAttempts int
	baseDelay   time.Duration
	concurrency int
	logger      *slog.Logger
}

// NewClient creates a Client using the given provider, model, and shared
// gate. The gate must not be nil; it is the single owner of the provider's
// cool-down state.
func NewClient(provider Provider, model string, gate *Gate, opts Options) *Client {
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Client{
		provider:    provider,
		model:       model,
		gate:        gate,
		maxBatch:    opts.MaxBatch,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		concurrency: opts.Concurrency,
		logger:      slog.Default(),
	}
}

// EmbedBatch returns one vector per text, in input order, splitting the
// input into provider-sized batches. Any batch failing after retries fails
// the whole call; no partial result is ever returned.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for start := 0; start < len(texts); start += c.maxBatch {
		end := start + c.maxBatch
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := c.embedWithRetry(gCtx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedWithRetry runs one provider call with exponential backoff. Rate-limit
// responses trip the shared gate instead of sleeping privately, so every
// concurrent caller honors the same cool-down.
func (c *Client) embedWithRetry(ctx context.Context, inputs []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := c.provider.Embed(ctx, c.model, inputs)
		if err == nil {
			if len(vecs) != len(inputs) {
				// Partial batch is a contract violation, not a transient
				// fault; treat it as whole-batch failure without retrying.
				return nil, fmt.Errorf("provider returned %d vectors for %d inputs: %w", len(vecs), len(inputs), ErrUnavailable)
			}
			c.gate.Reset()
			return vecs, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var rl rateLimited
		if errors.As(err, &rl) {
			c.gate.Trip(rl.RetryAfterDuration())
			c.logger.Debug("embedding rate limited", "attempt", attempt, "cooldown", rl.RetryAfterDuration())
			continue
		}

		c.logger.Debug("embedding attempt failed", "attempt", attempt, "maxAttempts", c.maxAttempts, "error", err)
		if attempt == c.maxAttempts {
			break
		}

		delay := c.baseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("after %d attempts: %v: %w", c.maxAttempts, lastErr, ErrUnavailable)
}
