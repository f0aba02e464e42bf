// Package gateway serves the coven-turns HTTP API.
//
// # Overview
//
// The gateway is a thin transport over the conversation, state cache and
// usage services. It owns no state beyond the HTTP server itself; main wires
// the services and calls Run.
//
// # HTTP API
//
//	GET    /health                                  liveness, returns "OK"
//	POST   /api/conversations                       create a conversation
//	GET    /api/conversations/{id}                  read state (?fresh=true skips caches)
//	PATCH  /api/conversations/{id}/config           update model, system prompt, max tokens
//	PUT    /api/conversations/{id}/team             replace team config
//	DELETE /api/conversations/{id}/cache            evict from L1 and L2
//	POST   /api/conversations/{id}/messages         send a message, stream the bot turn (SSE)
//	GET    /api/conversations/{id}/messages         history (?limit=N, ?format=html)
//	POST   /api/conversations/{id}/approvals        decide a pending tool call, stream the resumed turn (SSE)
//	GET    /api/conversations/{id}/watch            stream saved messages (SSE)
//	GET    /api/conversations/{id}/usage            per-turn usage and totals
//	GET    /api/usage                               usage totals (?since=, ?until=)
//
// # Turn Streams
//
// A turn stream opens with a "started" event carrying the conversation,
// user message and turn IDs. Every turn event follows as an SSE event named
// by its type:
//
//	event: text
//	data: {"type":"text","turnId":"...","text":"Hel"}
//
//	event: tool_call
//	data: {"type":"tool_call","turnId":"...","toolCall":{"id":"c1","name":"note_set","arguments":{...}}}
//
//	event: done
//	data: {"type":"done","turnId":"...","stats":{"inputTokens":12,"outputTokens":3,...}}
//
// Exactly one of done, error or aborted ends the stream. A done event with
// "suspended":true means a tool call waits for approval; POST the decision to
// the approvals endpoint to resume.
//
// # Errors
//
// Non-streaming failures are JSON objects of the form {"error": "..."} with
// 400 for bad input, 404 for unknown conversations or approvals, 409 for a
// duplicate conversation ID and 503 when storage is unavailable.
package gateway
