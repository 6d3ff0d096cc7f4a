package conversation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the sender of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleAgent Role = "agent"
	// RoleContextMarker flags a synthetic message inserted when the subject
	// under discussion shifts inside a continuing session.
	RoleContextMarker Role = "context-marker"
)

// Message is one entry in the transcript.
//
// Agent messages are built incrementally while a turn streams: the router is
// the only writer during that window, and Finalize freezes the message once a
// terminal event (or a stream failure) has been handled.
type Message struct {
	ID       string
	Role     Role
	Segments []Segment

	// Tools is a denormalized view of the tool segments, kept for summary
	// display. Runs are owned by this message and never shared.
	Tools []*ToolRun

	// DisplayText is the flattened final-answer text for simple consumers.
	DisplayText string

	// IsFinalizing is true while a final-answer node is actively streaming
	// but the turn has not terminated yet.
	IsFinalizing bool

	// PlanCollapsed records the auto-collapse decision made at termination.
	PlanCollapsed bool

	CreatedAt time.Time

	final bool
}

// NewMessage returns a message with a fresh id.
func NewMessage(role Role, text string) *Message {
	m := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		CreatedAt: time.Now(),
	}
	if text != "" {
		m.Segments = append(m.Segments, &TextSegment{Content: text})
		m.DisplayText = text
	}
	return m
}

// Final reports whether the message has been frozen.
func (m *Message) Final() bool {
	return m.final
}

// appendFinalText appends content to the trailing text segment, creating one
// when the tail is not already text, and mirrors it into DisplayText.
func (m *Message) appendFinalText(content string) {
	if content == "" {
		return
	}
	if seg, ok := m.tailText(); ok {
		seg.Content += content
	} else {
		m.Segments = append(m.Segments, &TextSegment{Content: content})
	}
	m.DisplayText += content
}

// appendPlanning appends to the message's unique planning segment, creating it
// on first occurrence. There is never a second planning segment.
func (m *Message) appendPlanning(content string) {
	if content == "" {
		return
	}
	for _, seg := range m.Segments {
		if plan, ok := seg.(*PlanningSegment); ok {
			plan.Content += content
			return
		}
	}
	m.Segments = append(m.Segments, &PlanningSegment{Content: content})
}

// appendDraft appends to a trailing draft segment, creating one as needed.
func (m *Message) appendDraft(content string) {
	if content == "" {
		return
	}
	if len(m.Segments) > 0 {
		if draft, ok := m.Segments[len(m.Segments)-1].(*DraftSegment); ok {
			draft.Content += content
			return
		}
	}
	m.Segments = append(m.Segments, &DraftSegment{Content: content})
}

// appendToolRun records a freshly started run as both a segment and a summary
// entry.
func (m *Message) appendToolRun(run *ToolRun) {
	m.Tools = append(m.Tools, run)
	m.Segments = append(m.Segments, &ToolSegment{Run: run})
}

func (m *Message) tailText() (*TextSegment, bool) {
	if len(m.Segments) == 0 {
		return nil, false
	}
	seg, ok := m.Segments[len(m.Segments)-1].(*TextSegment)
	return seg, ok
}

// hasEphemeralSegments reports whether the message carries any collapsible
// deliberation content (planning, tool traces, drafts).
func (m *Message) hasEphemeralSegments() bool {
	for _, seg := range m.Segments {
		switch seg.Kind() {
		case SegmentPlanning, SegmentTool, SegmentDraft:
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to a rendering layer while the
// original keeps mutating.
func (m *Message) Clone() *Message {
	out := *m
	out.Segments = make([]Segment, len(m.Segments))
	out.Tools = make([]*ToolRun, len(m.Tools))

	runs := make(map[*ToolRun]*ToolRun, len(m.Tools))
	for i, run := range m.Tools {
		copied := *run
		runs[run] = &copied
		out.Tools[i] = &copied
	}
	for i, seg := range m.Segments {
		switch s := seg.(type) {
		case *TextSegment:
			copied := *s
			out.Segments[i] = &copied
		case *PlanningSegment:
			copied := *s
			out.Segments[i] = &copied
		case *DraftSegment:
			copied := *s
			out.Segments[i] = &copied
		case *ToolSegment:
			run := runs[s.Run]
			if run == nil && s.Run != nil {
				copied := *s.Run
				run = &copied
			}
			out.Segments[i] = &ToolSegment{Run: run}
		}
	}
	return &out
}

// PlanText returns the planning segment content, if any.
func (m *Message) PlanText() string {
	for _, seg := range m.Segments {
		if plan, ok := seg.(*PlanningSegment); ok {
			return plan.Content
		}
	}
	return ""
}

// trimmedDisplay reports whether any visible final text exists.
func (m *Message) hasFinalText() bool {
	return strings.TrimSpace(m.DisplayText) != ""
}
