// Package builtins provides the in-process tools registered at startup.
//
//   - note_set: store a note for the conversation (medium risk, needs approval
//     under the default policy)
//   - note_get: retrieve a note by key
//   - note_list: list note keys
//   - current_time: the time in the user's timezone
//
// Note tools are scoped to the conversation the tool call belongs to, taken
// from tools.CallInfo on the context.
package builtins
