// ABOUTME: ServiceRouter selects among prioritized LLM services with fallback on transient failures
// ABOUTME: A turn commits to a service at its first successful chunk; later errors surface in-stream

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/coven-turns/internal/llm"
)

// ErrNoServices is returned when the router has nothing to route to.
var ErrNoServices = errors.New("no llm services configured")

// ErrAllServicesExhausted is matched by *ExhaustedError.
var ErrAllServicesExhausted = errors.New("all llm services exhausted")

// Attempt records one failed service call.
type Attempt struct {
	Service string
	Err     error
}

// ExhaustedError is returned when every service failed with a retryable error.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d llm services failed, last error: %v", len(e.Attempts), e.Last)
}

// Is matches ErrAllServicesExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllServicesExhausted
}

// Unwrap returns the last underlying failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Stream is a committed response from one service.
type Stream struct {
	Service string
	Chunks  <-chan llm.Chunk
}

// Router tries services in priority order.
type Router struct {
	services []llm.Service
	logger   *slog.Logger
}

// New creates a Router. Services are tried in slice order.
func New(services []llm.Service, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		services: services,
		logger:   logger.With("component", "router"),
	}
}

// Services returns the names of the configured services in priority order.
func (r *Router) Services() []string {
	names := make([]string, len(r.services))
	for i, s := range r.services {
		names[i] = s.Name()
	}
	return names
}

// Generate starts a streamed response on the first service that accepts it.
//
// A retryable failure before the first chunk moves on to the next service; a
// fatal one is returned immediately. The request history is passed through
// unchanged to every attempt.
func (r *Router) Generate(ctx context.Context, req *llm.Request) (*Stream, error) {
	if len(r.services) == 0 {
		return nil, ErrNoServices
	}

	input := req.LastUserInput()
	var attempts []Attempt

	for _, svc := range r.services {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := svc.Name()

		ok, err := svc.SafeInputCheck(ctx, input)
		if err != nil {
			if !llm.IsRetryable(err) {
				return nil, fmt.Errorf("safe input check on %s: %w", name, err)
			}
			r.logger.Warn("safe input check failed, trying next", "service", name, "error", err)
			attempts = append(attempts, Attempt{Service: name, Err: err})
			continue
		}
		if !ok {
			// The check is per service (a context window, a content filter), so
			// a later service may still take the input
			r.logger.Info("input rejected, trying next", "service", name)
			attempts = append(attempts, Attempt{Service: name, Err: fmt.Errorf("%s: %w", name, llm.ErrUnsafeInput)})
			continue
		}

		attempt := *req
		if limit := svc.MaxOutputTokens(req.Model); limit > 0 && (attempt.MaxTokens <= 0 || attempt.MaxTokens > limit) {
			attempt.MaxTokens = limit
		}

		stream, err := r.start(ctx, svc, &attempt)
		if err == nil {
			r.logger.Debug("committed to service", "service", name, "failed_attempts", len(attempts))
			return stream, nil
		}
		if !llm.IsRetryable(err) {
			r.logger.Warn("service failed with fatal error", "service", name, "error", err)
			return nil, err
		}

		r.logger.Warn("service call failed, trying next", "service", name, "error", err)
		attempts = append(attempts, Attempt{Service: name, Err: err})
	}

	if allRejected(attempts) {
		return nil, fmt.Errorf("rejected by all %d services: %w", len(attempts), llm.ErrUnsafeInput)
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: attempts[len(attempts)-1].Err}
}

func allRejected(attempts []Attempt) bool {
	for _, a := range attempts {
		if !errors.Is(a.Err, llm.ErrUnsafeInput) {
			return false
		}
	}
	return true
}

// start calls svc and waits for its first chunk. An error returned here has
// not produced any output.
func (r *Router) start(ctx context.Context, svc llm.Service, req *llm.Request) (*Stream, error) {
	src, err := svc.GenerateResponseStreaming(ctx, req)
	if err != nil {
		return nil, err
	}

	var first llm.Chunk
	var ok bool
	select {
	case first, ok = <-src:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	out := make(chan llm.Chunk)
	if !ok {
		close(out)
		return &Stream{Service: svc.Name(), Chunks: out}, nil
	}
	if first.Err != nil {
		return nil, first.Err
	}

	go func() {
		defer close(out)
		chunk := first
		for {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			select {
			case chunk, ok = <-src:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Stream{Service: svc.Name(), Chunks: out}, nil
}
