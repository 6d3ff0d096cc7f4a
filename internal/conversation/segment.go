package conversation

// SegmentKind discriminates the closed set of segment variants.
type SegmentKind string

const (
	SegmentText     SegmentKind = "text"
	SegmentPlanning SegmentKind = "planning"
	SegmentTool     SegmentKind = "tool"
	SegmentDraft    SegmentKind = "draft"
)

// Segment is one typed chunk of content within an agent message. The variant
// set is closed: every consumer switches over the four concrete types and the
// compiler-visible Kind keeps display code exhaustive when a variant is added.
type Segment interface {
	Kind() SegmentKind
}

// TextSegment holds durable final-answer text.
type TextSegment struct {
	Content string
}

func (*TextSegment) Kind() SegmentKind { return SegmentText }

// PlanningSegment holds the agent's deliberation trace. At most one exists per
// message and it only ever grows.
type PlanningSegment struct {
	Content string
}

func (*PlanningSegment) Kind() SegmentKind { return SegmentPlanning }

// ToolSegment wraps one tool invocation surfaced inline in the transcript.
type ToolSegment struct {
	Run *ToolRun
}

func (*ToolSegment) Kind() SegmentKind { return SegmentTool }

// DraftSegment holds provisional answer text surfaced before the final pass.
type DraftSegment struct {
	Content string
}

func (*DraftSegment) Kind() SegmentKind { return SegmentDraft }
