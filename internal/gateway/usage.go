// ABOUTME: HTTP handlers for the turn usage ledger
// ABOUTME: Per-conversation turn rows and aggregate totals over a time range

package gateway

import (
	"net/http"
	"time"

	"github.com/2389/coven-turns/internal/store"
)

// TurnUsageResponse is one turn in a usage listing.
type TurnUsageResponse struct {
	TurnID       string `json:"turnId"`
	MessageID    string `json:"messageId,omitempty"`
	Service      string `json:"service,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Credits      int64  `json:"credits"`
	ToolCalls    int64  `json:"toolCalls"`
	Outcome      string `json:"outcome"`
	CreatedAt    string `json:"createdAt"`
}

// UsageTotalsResponse aggregates usage rows.
type UsageTotalsResponse struct {
	Turns        int64 `json:"turns"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Credits      int64 `json:"credits"`
	ToolCalls    int64 `json:"toolCalls"`
}

// ConversationUsageResponse is the JSON response for GET /api/conversations/{id}/usage.
type ConversationUsageResponse struct {
	ConversationID string              `json:"conversationId"`
	Turns          []TurnUsageResponse `json:"turns"`
	Totals         UsageTotalsResponse `json:"totals"`
}

func (g *Gateway) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.conversationExists(w, r, id) {
		return
	}

	rows, err := g.usage.GetConversationUsage(r.Context(), id)
	if err != nil {
		g.sendError(w, err, "conversation usage")
		return
	}
	stats, err := g.usage.GetUsageStats(r.Context(), store.UsageFilter{ConversationID: id})
	if err != nil {
		g.sendError(w, err, "conversation usage")
		return
	}

	turns := make([]TurnUsageResponse, 0, len(rows))
	for _, u := range rows {
		turns = append(turns, TurnUsageResponse{
			TurnID:       u.TurnID,
			MessageID:    u.MessageID,
			Service:      u.Service,
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			Credits:      u.Credits,
			ToolCalls:    u.ToolCalls,
			Outcome:      u.Outcome,
			CreatedAt:    u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	g.sendJSON(w, http.StatusOK, ConversationUsageResponse{
		ConversationID: id,
		Turns:          turns,
		Totals:         totals(stats),
	})
}

// handleUsageStats handles GET /api/usage with optional RFC 3339 ?since= and ?until=.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	var filter store.UsageFilter
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &filter.Since},
		{"until", &filter.Until},
	} {
		v := r.URL.Query().Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}

	stats, err := g.usage.GetUsageStats(r.Context(), filter)
	if err != nil {
		g.sendError(w, err, "usage stats")
		return
	}
	g.sendJSON(w, http.StatusOK, totals(stats))
}

func totals(s *store.UsageStats) UsageTotalsResponse {
	if s == nil {
		return UsageTotalsResponse{}
	}
	return UsageTotalsResponse{
		Turns:        s.TurnCount,
		InputTokens:  s.TotalInput,
		OutputTokens: s.TotalOutput,
		Credits:      s.TotalCredits,
		ToolCalls:    s.TotalTools,
	}
}
