package engine

import (
	"strings"
	"time"
)

// Severity classifies how serious an issue is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding produced by a check (or synthesized by the
// engine for planning, routing, and limit failures).
//
// RuleID is always namespaced by the producing check id
// ("<checkId>/<localId>"), except for the engine-level rule ids in
// errors.go and the "_fail_if" suffix forms.
type Issue struct {
	File        string   `json:"file,omitempty"`
	Line        int      `json:"line,omitempty"`
	EndLine     int      `json:"endLine,omitempty"`
	Severity    Severity `json:"severity"`
	RuleID      string   `json:"ruleId"`
	Message     string   `json:"message"`
	Category    string   `json:"category,omitempty"`
	CheckName   string   `json:"checkName"`
	Group       string   `json:"group,omitempty"`
	Schema      string   `json:"schema,omitempty"`
	Template    string   `json:"template,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
}

// NewIssue builds an issue stamped with the current time. Providers use
// it for their failure rules; the engine for synthesized ones.
func NewIssue(check, ruleID, message string, sev Severity) Issue {
	return Issue{
		Severity:  sev,
		RuleID:    ruleID,
		Message:   message,
		CheckName: check,
		Timestamp: time.Now().UnixMilli(),
	}
}

func newIssue(check, ruleID, message string, sev Severity) Issue {
	return NewIssue(check, ruleID, message, sev)
}

// gatingFatalRules are the exact rule id suffixes that suppress descendants.
// Generic severity-only errors propagate as issues but do not gate.
var gatingFatalRules = []string{
	"command/execution_error",
	"command/timeout",
	"command/transform_js_error",
	"command/transform_error",
	"forEach/undefined_output",
}

// IsGatingFatal reports whether the issue belongs to the class that
// suppresses dependents: command execution/transform failures, forEach
// iteration failures, and triggered fail_if conditions.
func (i Issue) IsGatingFatal() bool {
	id := i.RuleID
	for _, rule := range gatingFatalRules {
		if id == rule || strings.HasSuffix(id, "/"+rule) {
			return true
		}
	}
	if strings.HasSuffix(id, "/forEach/iteration_error") {
		return true
	}
	return strings.HasSuffix(id, "_fail_if") || strings.HasSuffix(id, "/global_fail_if")
}

// hasGatingFatal reports whether any issue in the slice gates descendants.
func hasGatingFatal(issues []Issue) bool {
	for _, iss := range issues {
		if iss.IsGatingFatal() {
			return true
		}
	}
	return false
}

// hasSoftFailure reports whether any issue has error or critical severity.
// Soft failure routes a step into its on_fail hooks without a thrown error.
func hasSoftFailure(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError || iss.Severity == SeverityCritical {
			return true
		}
	}
	return false
}
