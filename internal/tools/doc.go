// Package tools provides the tool runner: a registry of in-process tools, an
// approval policy, and an executor with per-tool timeouts.
//
// # Approval
//
// Every tool has a RiskLevel. The runner asks its ApprovalPolicy whether a
// tool needs human approval before it may run:
//
//   - ThresholdPolicy: risk at or above a threshold (default medium)
//   - PatternPolicy: tool name matches a glob such as "shell_*"
//   - AnyPolicy: any of several policies
//
// The runner itself never asks for approval; the response pipeline checks
// RequiresApproval and parks the call until a decision arrives.
//
// # Errors
//
//   - ErrToolNotFound: no tool with that name
//   - ErrInvalidTool: registration rejected
//   - *ExecutionError (matches ErrToolExecution): handler error, panic or timeout
package tools
