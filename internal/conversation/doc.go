// Package conversation is the caller-side layer over the response pipeline.
//
// SendMessage follows one rule: record first, then act. The user message is
// saved before the turn starts. The bot's text, tool calls and tool results
// are saved as the turn's events pass through, and the turn's usage is saved
// when its terminal event arrives. Approve does the same for a turn resumed
// after a tool approval.
//
// Stored history is what the next turn sees, so the order of saved messages
// matches the order the model produced them: bot text is split at tool calls.
//
// # Watching
//
// Every saved message is published on a Broadcaster so other clients can
// follow a conversation without polling:
//
//	msgs, id := broadcaster.Watch(ctx, conversationID)
//	defer broadcaster.Unwatch(conversationID, id)
package conversation
