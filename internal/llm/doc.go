// Package llm defines the provider-neutral contract between the response
// pipeline and streaming LLM backends.
//
// A Service streams Chunks: text deltas, complete tool calls, a usage report,
// or a terminal error. Errors are classified by IsRetryable; ProviderError
// carries the classification derived from the provider's HTTP status.
//
// Provider adapters live in subpackages (see llm/openai).
package llm
