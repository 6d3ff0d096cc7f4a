package stream

import "encoding/json"

// Event types carried on the agent wire protocol.
const (
	EventToken           = "token"
	EventToolStart       = "tool_start"
	EventToolEnd         = "tool_end"
	EventArtifactCreated = "artifact_created"
	EventContextDebug    = "context_debug"
	EventDraftUpdate     = "draft_update"
	EventDone            = "done"
)

// Producer node names for token events. The backend may route final-answer
// text through more than one node (the primary responder plus a rewriting
// pass), so membership checks go through IsFinalNode rather than direct
// comparison.
const (
	NodePlanner   = "planner"
	NodeResponder = "responder"
	NodeEditor    = "editor"
	NodeValidator = "validator"
)

// Event is one decoded frame from the agent stream.
//
// The schema is a union over all event types; fields not relevant to a given
// Type are left zero. Unknown types are preserved so routing can decide to
// skip them without the decoder failing.
type Event struct {
	Type string `json:"type"`

	// token / draft_update
	Node    string `json:"node,omitempty"`
	Content string `json:"content,omitempty"`

	// tool_start / tool_end
	Tool         string          `json:"tool,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Commentary   string          `json:"commentary,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	// artifact_created
	RelativePath string `json:"relative_path,omitempty"`
	ArtifactName string `json:"artifact_name,omitempty"`

	// context_debug
	Active                 bool `json:"active,omitempty"`
	TokenEstimate          int  `json:"token_estimate,omitempty"`
	TokenBudget            int  `json:"token_budget,omitempty"`
	SummaryVersion         int  `json:"summary_version,omitempty"`
	SummarizationTriggered bool `json:"summarization_triggered,omitempty"`
}

// IsFinalNode reports whether node contributes final-answer text.
func IsFinalNode(node string) bool {
	return node == NodeResponder || node == NodeEditor
}

// Succeeded interprets the ok flag of a tool_end event; a missing flag counts
// as success.
func (e Event) Succeeded() bool {
	return e.OK == nil || *e.OK
}
