// ABOUTME: Pluggable approval policies deciding which tools need human approval
// ABOUTME: Threshold by risk level, glob patterns on names, or any composition of them

package tools

import (
	"path"
)

// ApprovalPolicy decides whether a tool may run without human approval.
type ApprovalPolicy interface {
	RequiresApproval(tool *Tool) bool
}

// ThresholdPolicy requires approval for tools at or above Threshold.
// A RiskNone threshold disables gating.
type ThresholdPolicy struct {
	Threshold RiskLevel
}

// DefaultPolicy gates medium and high risk tools.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{Threshold: RiskMedium}
}

func (p ThresholdPolicy) RequiresApproval(tool *Tool) bool {
	if p.Threshold == RiskNone {
		return false
	}
	return tool.Risk >= p.Threshold
}

// PatternPolicy requires approval for tools whose name matches any glob pattern.
type PatternPolicy struct {
	Patterns []string
}

func (p PatternPolicy) RequiresApproval(tool *Tool) bool {
	for _, pattern := range p.Patterns {
		if ok, err := path.Match(pattern, tool.Name); err == nil && ok {
			return true
		}
	}
	return false
}

// AnyPolicy requires approval when any of its policies does.
type AnyPolicy []ApprovalPolicy

func (p AnyPolicy) RequiresApproval(tool *Tool) bool {
	for _, policy := range p {
		if policy != nil && policy.RequiresApproval(tool) {
			return true
		}
	}
	return false
}
