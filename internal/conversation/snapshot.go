package conversation

import "vigil/internal/stream"

// DefaultTokenBudget is assumed when the backend omits or sends an invalid
// budget in a context_debug event.
const DefaultTokenBudget = 128_000

// ContextDebugSnapshot mirrors the backend's view of the conversation context
// window. Each context_debug event replaces the whole snapshot; fields are
// never merged individually.
type ContextDebugSnapshot struct {
	Active                 bool
	TokenEstimate          int
	TokenBudget            int
	SummaryVersion         int
	SummarizationTriggered bool
}

func snapshotFromEvent(ev stream.Event) ContextDebugSnapshot {
	budget := ev.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return ContextDebugSnapshot{
		Active:                 ev.Active,
		TokenEstimate:          ev.TokenEstimate,
		TokenBudget:            budget,
		SummaryVersion:         ev.SummaryVersion,
		SummarizationTriggered: ev.SummarizationTriggered,
	}
}
