package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/dvnorth/checkflow-go/engine"
	"github.com/dvnorth/checkflow-go/engine/model"
)

// AI sends a prompt to a chat model and parses the reply into issues
// and/or structured output.
//
// Params:
//   - prompt: user prompt (required); {{check}} style templating is the
//     caller's concern, but dependency outputs are appended when
//     include_outputs is set
//   - system: optional system prompt
//   - schema: "issues" parses the reply as a JSON issue array; "json"
//     decodes the reply as the step output; anything else keeps raw text
//   - include_outputs: append dependency outputs to the prompt
//
// Session continuity: when the engine passes a parent session id, it is
// prepended as conversation context; the provider reports its own session
// id through the result's debug data so later steps can chain onto it.
type AI struct {
	chat  model.ChatModel
	debug bool
}

// NewAI creates an AI provider over a chat model.
func NewAI(chat model.ChatModel) *AI {
	return &AI{chat: chat, debug: providerDebug()}
}

func providerDebug() bool {
	switch strings.ToLower(os.Getenv("CHECKFLOW_PROVIDER_DEBUG")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Execute implements engine.Provider.
func (a *AI) Execute(ctx context.Context, req *engine.StepRequest, deps *engine.DepView, ec *engine.ExecContext) (*engine.StepResult, error) {
	if a.chat == nil {
		return nil, fmt.Errorf("ai check %s: no chat model configured", req.CheckID)
	}
	prompt, _ := req.Params["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("ai check %s: prompt parameter is required", req.CheckID)
	}

	var messages []model.Message
	if system, ok := req.Params["system"].(string); ok && system != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: system})
	}
	if ec.ParentSessionID != "" {
		messages = append(messages, model.Message{
			Role:    model.RoleSystem,
			Content: "Continue conversation " + ec.ParentSessionID + ".",
		})
	}
	if include, _ := req.Params["include_outputs"].(bool); include {
		prompt += dependencyContext(deps)
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := a.chat.Chat(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("ai check %s: %w", req.CheckID, err)
	}

	sessionID := out.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	res := &engine.StepResult{
		Content: out.Text,
		Debug: map[string]any{
			"session_id": sessionID,
			"tokens":     out.TokensUsed,
		},
	}
	if a.debug {
		res.Debug["messages"] = len(messages)
	}

	schema, _ := req.Params["schema"].(string)
	switch schema {
	case "issues":
		issues, perr := parseIssues(req.CheckID, out.Text)
		if perr != nil {
			res.Issues = append(res.Issues, engine.NewIssue(req.CheckID,
				req.CheckID+"/parse_error", perr.Error(), engine.SeverityWarning))
			break
		}
		res.Issues = append(res.Issues, issues...)
	case "json":
		var decoded any
		if err := json.Unmarshal([]byte(extractJSON(out.Text)), &decoded); err != nil {
			res.Issues = append(res.Issues, engine.NewIssue(req.CheckID,
				req.CheckID+"/parse_error", err.Error(), engine.SeverityWarning))
			break
		}
		res.Output = decoded
		res.RawOutput = out.Text
	default:
		res.Output = out.Text
	}
	return res, nil
}

// dependencyContext renders dependency outputs for prompt inclusion.
func dependencyContext(deps *engine.DepView) string {
	var sb strings.Builder
	for _, check := range deps.Checks() {
		out := deps.Output(check)
		if out == nil {
			continue
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			continue
		}
		sb.WriteString("\n\nOutput of ")
		sb.WriteString(check)
		sb.WriteString(":\n")
		sb.Write(encoded)
	}
	return sb.String()
}

// parseIssues decodes a model reply as a JSON array of issues, tolerating
// surrounding prose and markdown fences.
func parseIssues(check, text string) ([]engine.Issue, error) {
	var raw []struct {
		File       string  `json:"file"`
		Line       int     `json:"line"`
		EndLine    int     `json:"endLine"`
		Severity   string  `json:"severity"`
		Category   string  `json:"category"`
		Message    string  `json:"message"`
		Suggestion string  `json:"suggestion"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("no valid issue array in reply: %w", err)
	}
	issues := make([]engine.Issue, 0, len(raw))
	for _, r := range raw {
		sev := engine.Severity(r.Severity)
		switch sev {
		case engine.SeverityInfo, engine.SeverityWarning, engine.SeverityError, engine.SeverityCritical:
		default:
			sev = engine.SeverityWarning
		}
		issue := engine.NewIssue(check, check+"/finding", r.Message, sev)
		issue.File = r.File
		issue.Line = r.Line
		issue.EndLine = r.EndLine
		issue.Category = r.Category
		issue.Suggestion = r.Suggestion
		issues = append(issues, issue)
	}
	return issues, nil
}

// extractJSON strips markdown fences and surrounding prose from a model
// reply, keeping the outermost JSON value.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}
	for _, open := range []string{"[", "{"} {
		close := "]"
		if open == "{" {
			close = "}"
		}
		start := strings.Index(text, open)
		end := strings.LastIndex(text, close)
		if start != -1 && end > start {
			return text[start : end+1]
		}
	}
	return text
}
