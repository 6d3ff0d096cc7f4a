package conversation

import (
	"encoding/json"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"vigil/internal/stream"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolRunning ToolStatus = "running"
	ToolDone    ToolStatus = "done"
	ToolError   ToolStatus = "error"
)

// ToolRun tracks one tool invocation surfaced inline inside a message.
// It is created on a start event, mutated exactly once by its matching end
// event, and immutable afterwards.
type ToolRun struct {
	Name       string
	Status     ToolStatus
	StartedAt  time.Time
	DurationMS int64

	// Commentary is the server's human-readable description of the action.
	Commentary string

	// Input and Output are opaque payloads decoded best-effort: valid JSON
	// becomes structured data, almost-JSON is repaired, anything else is kept
	// as the raw string.
	Input  any
	Output any

	ErrorCode    string
	ErrorMessage string

	// CallID is carried opaquely when the server sends one; end matching does
	// not rely on it yet.
	CallID string
}

// startToolRun allocates a running ToolRun from a tool_start event.
func startToolRun(ev stream.Event, now time.Time) *ToolRun {
	return &ToolRun{
		Name:       ev.Tool,
		Status:     ToolRunning,
		StartedAt:  now,
		Commentary: ev.Commentary,
		Input:      decodePayload(ev.Input),
		CallID:     ev.CallID,
	}
}

// resolveToolEnd finalizes the matching run for a tool_end event.
//
// The wire protocol carries no correlation id, so matching is FIFO by name:
// the first run still running under that name wins. Two concurrent calls of
// the same tool can therefore swap results; until the server issues ids this
// stays the documented behaviour. An end with no running start is a no-op.
func (m *Message) resolveToolEnd(ev stream.Event, now time.Time) *ToolRun {
	for _, run := range m.Tools {
		if run.Status != ToolRunning || run.Name != ev.Tool {
			continue
		}
		if ev.Succeeded() {
			run.Status = ToolDone
		} else {
			run.Status = ToolError
			run.ErrorCode = ev.ErrorCode
			run.ErrorMessage = ev.ErrorMessage
		}
		if ev.DurationMS > 0 {
			run.DurationMS = ev.DurationMS
		} else {
			run.DurationMS = now.Sub(run.StartedAt).Milliseconds()
		}
		if out := decodePayload(ev.Output); out != nil {
			run.Output = out
		}
		return run
	}
	return nil
}

// decodePayload turns an opaque wire payload into structured data when it can.
// Tool inputs and outputs frequently arrive as model-generated JSON with minor
// defects, often double-encoded as a string, so a stringy payload gets a
// repair pass before falling back to the raw text.
func decodePayload(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return repairedOrRaw(string(raw))
	}
	if text, ok := value.(string); ok && looksStructured(text) {
		return repairedOrRaw(text)
	}
	return value
}

func repairedOrRaw(text string) any {
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return text
	}
	var value any
	if err := json.Unmarshal([]byte(repaired), &value); err != nil {
		return text
	}
	return value
}

func looksStructured(text string) bool {
	for _, r := range text {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}
