// Package response generates bot turns.
//
// GenerateResponse builds the prompt from the conversation history, streams
// model output through the router and runs the tool calls the model asks for,
// looping until the model answers without tools. Every turn stream ends with
// exactly one terminal event: done, error or aborted.
//
// Tools whose policy requires approval are never run automatically. The turn
// emits tool_approval_request, parks, and ends its stream with a suspended
// done event. ResumeTurn continues it once a human decides.
//
// Each stream commits its token, credit and tool-call counts to the
// conversation with a single state cache update, including streams that were
// aborted.
package response
