// ABOUTME: HTTP handlers for conversation state: create, read, config, team and cache eviction
// ABOUTME: All reads and writes go through the state cache so writes are debounced

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-turns/internal/store"
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ID           string              `json:"id,omitempty"`
	Participants []store.Participant `json:"participants"`
	Model        string              `json:"model,omitempty"`
	SystemPrompt string              `json:"systemPrompt,omitempty"`
	MaxTokens    int                 `json:"maxTokens,omitempty"`
	Team         *store.TeamConfig   `json:"team,omitempty"`
}

// UpdateConfigRequest is the JSON request body for PATCH /api/conversations/{id}/config.
// Omitted fields keep their stored value. Stats are never client-writable.
type UpdateConfigRequest struct {
	Model        *string `json:"model,omitempty"`
	SystemPrompt *string `json:"systemPrompt,omitempty"`
	MaxTokens    *int    `json:"maxTokens,omitempty"`
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateParticipants(req.Participants); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxTokens < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "maxTokens must not be negative")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := time.Now()
	state := &store.ConversationState{
		ID:           req.ID,
		Participants: req.Participants,
		Status:       store.StatusInProgress,
		Config: store.ConversationConfig{
			Model:        req.Model,
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    req.MaxTokens,
		},
		Team:      req.Team,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := g.states.Create(r.Context(), state); err != nil {
		g.sendError(w, err, "create conversation")
		return
	}
	g.sendJSON(w, http.StatusCreated, state)
}

func validateParticipants(participants []store.Participant) error {
	if len(participants) == 0 {
		return fmt.Errorf("at least one participant is required")
	}
	for i, p := range participants {
		if p.ID == "" {
			return fmt.Errorf("participants[%d].id is required", i)
		}
		if p.Kind != store.ParticipantHuman && p.Kind != store.ParticipantBot {
			return fmt.Errorf("participants[%d].kind must be %q or %q", i, store.ParticipantHuman, store.ParticipantBot)
		}
	}
	return nil
}

// handleGetConversation handles GET /api/conversations/{id}.
// With ?fresh=true the cached copy is bypassed after pending writes are flushed.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fresh := false
	if v := r.URL.Query().Get("fresh"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "fresh must be a boolean")
			return
		}
		fresh = b
	}

	state, err := g.states.Get(r.Context(), id, fresh)
	if err != nil {
		g.sendError(w, err, "get conversation")
		return
	}
	if state == nil {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.sendJSON(w, http.StatusOK, state)
}

func (g *Gateway) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Model == nil && req.SystemPrompt == nil && req.MaxTokens == nil {
		g.sendJSONError(w, http.StatusBadRequest, "no config fields to update")
		return
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		g.sendJSONError(w, http.StatusBadRequest, "maxTokens must not be negative")
		return
	}

	patch := store.ConfigPatch{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
	}
	if err := g.states.UpdateConfig(r.Context(), id, patch); err != nil {
		g.sendError(w, err, "update config")
		return
	}
	g.writeState(w, r, id)
}

func (g *Gateway) handleUpdateTeam(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var team store.TeamConfig
	if err := decodeJSON(w, r, &team); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if team.TeamID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "teamId is required")
		return
	}

	if err := g.states.UpdateTeamConfig(r.Context(), id, team); err != nil {
		g.sendError(w, err, "update team")
		return
	}
	g.writeState(w, r, id)
}

// handleEvict handles DELETE /api/conversations/{id}/cache. The durable copy is kept.
func (g *Gateway) handleEvict(w http.ResponseWriter, r *http.Request) {
	if err := g.states.Del(r.Context(), r.PathValue("id")); err != nil {
		g.sendError(w, err, "evict conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeState responds with the current cached state of id.
func (g *Gateway) writeState(w http.ResponseWriter, r *http.Request, id string) {
	state, err := g.states.Get(r.Context(), id, false)
	if err != nil {
		g.sendError(w, err, "get conversation")
		return
	}
	if state == nil {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.sendJSON(w, http.StatusOK, state)
}
