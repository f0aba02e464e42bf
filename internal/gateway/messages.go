// ABOUTME: HTTP handlers for sending messages, approving tool calls and reading history
// ABOUTME: Turns and watches stream as SSE; history renders as JSON or markdown HTML

package gateway

import (
	"bytes"
	"context"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-turns/internal/conversation"
	"github.com/2389/coven-turns/internal/response"
	"github.com/2389/coven-turns/internal/store"
)

// watchKeepalive is the interval between comment lines on idle watch streams.
var watchKeepalive = 15 * time.Second

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content  string `json:"content"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Per-turn overrides of the conversation config
	Model        string   `json:"model,omitempty"`
	SystemPrompt string   `json:"systemPrompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	MaxTokens    int      `json:"maxTokens,omitempty"`
}

// ApproveRequest is the JSON request body for POST /api/conversations/{id}/approvals.
type ApproveRequest struct {
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// TurnStarted is the first event of a turn stream.
type TurnStarted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
	TurnID         string `json:"turnId"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string           `json:"conversationId"`
	Messages       []*store.Message `json:"messages"`
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
// The user message is recorded, then the bot turn streams back as SSE with one
// event per turn event, named by its type. Disconnecting aborts the turn.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxTokens < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "maxTokens must not be negative")
		return
	}

	flusher, ok := g.streamer(w)
	if !ok {
		return
	}

	resp, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		ConversationID: r.PathValue("id"),
		UserID:         req.UserID,
		UserName:       req.UserName,
		Timezone:       req.Timezone,
		Content:        req.Content,
		Bot:            response.Bot{Model: req.Model, SystemPrompt: req.SystemPrompt},
		Tools:          req.Tools,
		MaxTokens:      req.MaxTokens,
	})
	if err != nil {
		g.sendError(w, err, "send message")
		return
	}

	setSSEHeaders(w)
	g.writeSSEEvent(w, "started", TurnStarted{
		ConversationID: resp.ConversationID,
		MessageID:      resp.MessageID,
		TurnID:         resp.TurnID,
	})
	flusher.Flush()

	g.streamTurn(r.Context(), w, flusher, resp)
}

// handleApprove handles POST /api/conversations/{id}/approvals and streams the
// resumed turn.
func (g *Gateway) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ToolCallID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "toolCallId is required")
		return
	}

	flusher, ok := g.streamer(w)
	if !ok {
		return
	}

	resp, err := g.conversation.Approve(r.Context(), &conversation.ApproveRequest{
		ConversationID: r.PathValue("id"),
		ToolCallID:     req.ToolCallID,
		Approved:       req.Approved,
		Reason:         req.Reason,
	})
	if err != nil {
		g.sendError(w, err, "approve tool call")
		return
	}

	setSSEHeaders(w)
	g.writeSSEEvent(w, "started", TurnStarted{ConversationID: resp.ConversationID, TurnID: resp.TurnID})
	flusher.Flush()

	g.streamTurn(r.Context(), w, flusher, resp)
}

// streamTurn writes every turn event as SSE. After the client goes away the
// stream is still drained so the turn's output gets persisted.
func (g *Gateway) streamTurn(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, resp *conversation.SendResponse) {
	for ev := range resp.Events {
		if ctx.Err() != nil {
			continue
		}
		g.writeSSEEvent(w, string(ev.Type), ev)
		flusher.Flush()
	}

	if err := resp.Err(); err != nil {
		g.logger.Debug("turn ended with error",
			"conversation_id", resp.ConversationID,
			"turn_id", resp.TurnID,
			"error", err)
	}
}

// handleListMessages handles GET /api/conversations/{id}/messages.
// Supports ?limit=N and ?format=html.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "html" {
		g.sendJSONError(w, http.StatusBadRequest, "format must be json or html")
		return
	}

	if !g.conversationExists(w, r, id) {
		return
	}

	msgs, err := g.conversation.GetHistory(r.Context(), id, limit)
	if err != nil {
		g.sendError(w, err, "list messages")
		return
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}

	if format == "html" {
		g.renderHistory(w, id, msgs)
		return
	}
	g.sendJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Messages: msgs})
}

// handleWatch handles GET /api/conversations/{id}/watch: every message saved
// to the conversation is pushed as a "message" event.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.conversationExists(w, r, id) {
		return
	}

	flusher, ok := g.streamer(w)
	if !ok {
		return
	}

	ch, watchID := g.watches.Watch(r.Context(), id)
	defer g.watches.Unwatch(id, watchID)

	setSSEHeaders(w)
	g.writeSSEEvent(w, "watching", map[string]string{"conversationId": id})
	flusher.Flush()

	ticker := time.NewTicker(watchKeepalive)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "message", msg)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case <-g.closing:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (g *Gateway) conversationExists(w http.ResponseWriter, r *http.Request, id string) bool {
	state, err := g.states.Get(r.Context(), id, false)
	if err != nil {
		g.sendError(w, err, "get conversation")
		return false
	}
	if state == nil {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return false
	}
	return true
}

var historyTemplate = template.Must(template.New("history").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Conversation {{.ConversationID}}</title></head>
<body>
<h1>Conversation {{.ConversationID}}</h1>
{{range .Messages}}<article class="message role-{{.Role}} status-{{.Status}}">
<header><strong>{{.Role}}</strong>{{if .ToolName}} <code>{{.ToolName}}</code>{{end}} <time datetime="{{.Time}}">{{.Time}}</time></header>
{{if .Code}}<pre><code>{{.Content}}</code></pre>{{else}}{{.Body}}{{end}}
</article>
{{end}}</body>
</html>
`))

type renderedMessage struct {
	Role     string
	Status   string
	ToolName string
	Time     string
	Content  string
	Body     template.HTML
	Code     bool
}

// renderHistory writes msgs as an HTML page. Chat text is rendered as markdown;
// tool calls and results are shown verbatim.
func (g *Gateway) renderHistory(w http.ResponseWriter, conversationID string, msgs []*store.Message) {
	rendered := make([]renderedMessage, 0, len(msgs))
	for _, m := range msgs {
		rm := renderedMessage{
			Role:     m.Role,
			Status:   m.Status,
			ToolName: m.ToolName,
			Time:     m.CreatedAt.UTC().Format(time.RFC3339),
			Content:  m.Content,
			Code:     m.ToolCallID != "" || m.Role == store.RoleTool,
		}
		if !rm.Code {
			var buf bytes.Buffer
			if err := g.markdown.Convert([]byte(m.Content), &buf); err != nil {
				g.logger.Error("failed to convert markdown", "message_id", m.ID, "error", err)
				rm.Code = true
			} else {
				rm.Body = template.HTML(buf.String())
			}
		}
		rendered = append(rendered, rm)
	}

	var page bytes.Buffer
	err := historyTemplate.Execute(&page, struct {
		ConversationID string
		Messages       []renderedMessage
	}{conversationID, rendered})
	if err != nil {
		g.logger.Error("failed to render history", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page.Bytes())
}
