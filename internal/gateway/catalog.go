// ABOUTME: HTTP handlers for the tool catalog and pending tool approvals
// ABOUTME: Lets clients see what the bot may call and what is waiting on them

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/coven-turns/internal/llm"
)

// ToolInfo describes one registered tool.
type ToolInfo struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Parameters       json.RawMessage `json:"parameters,omitempty"`
	Risk             string          `json:"risk"`
	RequiresApproval bool            `json:"requiresApproval"`
}

// PendingResponse is the JSON response for GET /api/conversations/{id}/approvals.
type PendingResponse struct {
	ConversationID string         `json:"conversationId"`
	Pending        []llm.ToolCall `json:"pending"`
}

func (g *Gateway) handleListTools(w http.ResponseWriter, r *http.Request) {
	out := []ToolInfo{}
	if g.tools != nil {
		for _, t := range g.tools.List() {
			out = append(out, ToolInfo{
				Name:             t.Name,
				Description:      t.Description,
				Parameters:       t.Parameters,
				Risk:             t.Risk.String(),
				RequiresApproval: g.tools.RequiresApproval(t.Name),
			})
		}
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleListPending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.conversationExists(w, r, id) {
		return
	}

	pending := []llm.ToolCall{}
	if g.approvals != nil {
		pending = append(pending, g.approvals.Pending(id)...)
	}
	g.sendJSON(w, http.StatusOK, PendingResponse{ConversationID: id, Pending: pending})
}
