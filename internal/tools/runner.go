// ABOUTME: Runner is the tool registry and executor used by the response pipeline
// ABOUTME: Handles lookup, approval policy checks, timeouts and panic recovery

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-turns/internal/llm"
)

// Runner holds registered tools and executes tool calls.
type Runner struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	policy  ApprovalPolicy
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates an empty runner. A nil policy uses DefaultPolicy.
func NewRunner(policy ApprovalPolicy, logger *slog.Logger) *Runner {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tools:   make(map[string]*Tool),
		policy:  policy,
		timeout: DefaultTimeout,
		logger:  logger.With("component", "tools"),
	}
}

// SetDefaultTimeout changes the timeout applied to tools that set none.
func (r *Runner) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
}

// RegisterTool adds a tool, replacing any tool with the same name.
func (r *Runner) RegisterTool(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, tool.Name)
	}
	if len(tool.Parameters) > 0 && !json.Valid(tool.Parameters) {
		return fmt.Errorf("%w: %s parameters are not valid JSON", ErrInvalidTool, tool.Name)
	}

	r.mu.Lock()
	_, replaced := r.tools[tool.Name]
	r.tools[tool.Name] = tool
	r.mu.Unlock()

	r.logger.Info("=== TOOL REGISTERED ===",
		"tool_name", tool.Name,
		"risk", tool.Risk.String(),
		"replaced", replaced,
	)
	return nil
}

// Get returns a registered tool.
func (r *Runner) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools sorted by name.
func (r *Runner) List() []*Tool {
	r.mu.RLock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the model-facing schemas of the named tools, or of every
// tool when no names are given. Unknown names are skipped.
func (r *Runner) Schemas(names ...string) []llm.ToolSchema {
	var selected []*Tool
	if len(names) == 0 {
		selected = r.List()
	} else {
		for _, name := range names {
			if t, ok := r.Get(name); ok {
				selected = append(selected, t)
			}
		}
	}

	out := make([]llm.ToolSchema, 0, len(selected))
	for _, t := range selected {
		out = append(out, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// RequiresApproval reports whether a call to name must wait for a human.
// Unknown tools do not; executing them fails with ErrToolNotFound.
func (r *Runner) RequiresApproval(name string) bool {
	t, ok := r.Get(name)
	if !ok {
		return false
	}
	return r.policy.RequiresApproval(t)
}

// Execute runs a tool call. It returns ErrToolNotFound for unknown tools and an
// *ExecutionError when the handler fails, panics or times out.
func (r *Runner) Execute(ctx context.Context, call llm.ToolCall) (*Result, error) {
	tool, ok := r.Get(call.Name)
	if !ok {
		r.logger.Debug("tool not found in registry", "tool_name", call.Name, "tool_call_id", call.ID)
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if !json.Valid(args) {
		return nil, &ExecutionError{Tool: tool.Name, Err: fmt.Errorf("arguments are not valid JSON")}
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		r.mu.RLock()
		timeout = r.timeout
		r.mu.RUnlock()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Info("→ executing tool", "tool_name", tool.Name, "tool_call_id", call.ID)
	start := time.Now()

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := tool.Handler(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		err := ctx.Err()
		if err == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		res = outcome{err: err}
	}

	elapsed := time.Since(start)
	if res.err != nil {
		r.logger.Warn("tool error",
			"tool_name", tool.Name,
			"tool_call_id", call.ID,
			"duration", elapsed,
			"error", res.err,
		)
		return nil, &ExecutionError{Tool: tool.Name, Err: res.err}
	}

	output := res.out
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}

	r.logger.Info("← tool responded", "tool_name", tool.Name, "tool_call_id", call.ID, "duration", elapsed)
	return &Result{
		ToolCallID: call.ID,
		Name:       tool.Name,
		Output:     output,
		Duration:   elapsed,
	}, nil
}
