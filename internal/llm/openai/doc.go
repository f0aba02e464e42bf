// Package openai adapts OpenAI-compatible chat completion endpoints to
// llm.Service. Responses are always streamed; usage is requested through
// stream_options so token accounting does not depend on estimation.
package openai
