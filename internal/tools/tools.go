// ABOUTME: Tool definitions, risk levels and execution results for the tool runner
// ABOUTME: Tools are in-process handlers invoked with JSON arguments produced by the model

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrToolNotFound indicates the requested tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrInvalidTool indicates a tool definition cannot be registered.
var ErrInvalidTool = errors.New("invalid tool definition")

// ErrToolExecution is matched by *ExecutionError.
var ErrToolExecution = errors.New("tool execution failed")

// DefaultTimeout is the default timeout for tool execution.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool. It receives the raw JSON arguments from the model and
// returns a JSON result.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// RiskLevel grades how much harm a tool can do without a human in the loop.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return fmt.Sprintf("risk(%d)", int(r))
}

// ParseRiskLevel parses "none", "low", "medium" or "high".
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return RiskNone, nil
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return RiskNone, fmt.Errorf("unknown risk level %q", s)
}

// Tool is a callable capability exposed to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema of the arguments
	Risk        RiskLevel
	Timeout     time.Duration // zero uses the runner default
	Handler     Handler
}

// Result is the output of a successful tool execution.
type Result struct {
	ToolCallID string
	Name       string
	Output     json.RawMessage
	Duration   time.Duration
}

// ExecutionError wraps a handler failure, panic or timeout.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

// Is matches ErrToolExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrToolExecution
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CallInfo identifies who a tool call is made for.
type CallInfo struct {
	ConversationID string
	TurnID         string
	UserID         string
	Timezone       string // IANA name; empty means UTC
}

type callInfoKey struct{}

// WithCallInfo returns a context carrying info for the tool handler.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the CallInfo of the current tool call, if any.
func CallInfoFrom(ctx context.Context) CallInfo {
	info, _ := ctx.Value(callInfoKey{}).(CallInfo)
	return info
}

// ConversationID returns the conversation of the current tool call, if any.
func ConversationID(ctx context.Context) string {
	return CallInfoFrom(ctx).ConversationID
}
