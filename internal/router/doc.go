// Package router implements the service router used by the response pipeline.
//
// Services are tried in priority order. Before each call the service's
// SafeInputCheck runs on the latest user input, and the requested max tokens
// are clamped to the service's limit. A service that rejects the input is
// skipped; if every service rejects it, Generate returns llm.ErrUnsafeInput.
// Failures before the first chunk are classified with llm.IsRetryable:
//
//   - retryable (rate limits, timeouts, 5xx, unknown): try the next service
//   - fatal (auth, validation, cancellation): return at once
//
// When every service fails, Generate returns *ExhaustedError, which matches
// ErrAllServicesExhausted and unwraps to the last failure. Once a chunk has
// been delivered the turn belongs to that service; no mid-stream fallback.
package router
