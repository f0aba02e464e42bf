// ABOUTME: Gateway HTTP server exposing conversations, turns and history
// ABOUTME: Owns the route table and runs the listener under an errgroup with graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-turns/internal/conversation"
	"github.com/2389/coven-turns/internal/llm"
	"github.com/2389/coven-turns/internal/store"
	"github.com/2389/coven-turns/internal/tools"
)

// DefaultShutdownTimeout bounds how long Run waits for open requests on exit.
const DefaultShutdownTimeout = 10 * time.Second

// StateStore is the cached conversation state the API reads and mutates.
type StateStore interface {
	Get(ctx context.Context, id string, invalidate bool) (*store.ConversationState, error)
	Create(ctx context.Context, state *store.ConversationState) error
	UpdateConfig(ctx context.Context, id string, patch store.ConfigPatch) error
	UpdateTeamConfig(ctx context.Context, id string, team store.TeamConfig) error
	Del(ctx context.Context, id string) error
}

// UsageStore reads the per-turn usage ledger.
type UsageStore interface {
	GetConversationUsage(ctx context.Context, conversationID string) ([]*store.TurnUsage, error)
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
}

// ToolLister lists the registered tools and their approval requirements.
type ToolLister interface {
	List() []*tools.Tool
	RequiresApproval(name string) bool
}

// PendingLister lists tool calls waiting for a human decision.
type PendingLister interface {
	Pending(conversationID string) []llm.ToolCall
}

// Deps are the services the API is served from.
type Deps struct {
	States       StateStore
	Conversation *conversation.Service
	Watches      *conversation.Broadcaster
	Usage        UsageStore
	Tools        ToolLister
	Approvals    PendingLister
}

// Options configures the HTTP server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Gateway serves the coven-turns HTTP API.
type Gateway struct {
	states       StateStore
	conversation *conversation.Service
	watches      *conversation.Broadcaster
	usage        UsageStore
	tools        ToolLister
	approvals    PendingLister
	markdown     goldmark.Markdown

	httpServer *http.Server
	opts       Options
	logger     *slog.Logger

	// closing is closed when shutdown starts so open watch streams end
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a gateway over the given services.
func New(deps Deps, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}

	g := &Gateway{
		states:       deps.States,
		conversation: deps.Conversation,
		watches:      deps.Watches,
		usage:        deps.Usage,
		tools:        deps.Tools,
		approvals:    deps.Approvals,
		markdown:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		opts:         opts,
		logger:       opts.Logger.With("component", "gateway"),
		closing:      make(chan struct{}),
	}

	g.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer.RegisterOnShutdown(g.stopStreams)

	return g
}

// Handler returns the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	mux.HandleFunc("PATCH /api/conversations/{id}/config", g.handleUpdateConfig)
	mux.HandleFunc("PUT /api/conversations/{id}/team", g.handleUpdateTeam)
	mux.HandleFunc("DELETE /api/conversations/{id}/cache", g.handleEvict)

	mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	mux.HandleFunc("GET /api/conversations/{id}/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversations/{id}/approvals", g.handleApprove)
	mux.HandleFunc("GET /api/conversations/{id}/approvals", g.handleListPending)
	mux.HandleFunc("GET /api/conversations/{id}/watch", g.handleWatch)

	mux.HandleFunc("GET /api/conversations/{id}/usage", g.handleConversationUsage)
	mux.HandleFunc("GET /api/usage", g.handleUsageStats)

	mux.HandleFunc("GET /api/tools", g.handleListTools)

	return mux
}

// Run listens on the configured address and serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.opts.Addr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the server fails, then shuts
// down gracefully.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.ShutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops accepting requests and waits for open ones to finish.
// Running turns are allowed to complete; watch streams are ended.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func (g *Gateway) stopStreams() {
	g.closeOnce.Do(func() { close(g.closing) })
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
