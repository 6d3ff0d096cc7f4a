package conversation

import (
	"fmt"
	"regexp"
	"time"

	"vigil/internal/logging"
	"vigil/internal/stream"
)

// Router applies decoded wire events to the message being streamed. Each event
// results in exactly one state transition; unknown event types and unknown
// token nodes never fail, so newer backends stay compatible with older
// clients.
type Router struct {
	logger logging.Logger

	// ShowValidation surfaces validator-node tokens as plain text instead of
	// absorbing them. Off outside debug sessions.
	ShowValidation bool

	// OnContextDebug receives the replacement snapshot for each context_debug
	// event.
	OnContextDebug func(ContextDebugSnapshot)

	// OnArtifact is invoked after an artifact pointer has been appended, so
	// the owner can schedule a listing refresh. Never called synchronously
	// with lock ordering obligations beyond the message itself.
	OnArtifact func(ev stream.Event)

	// OnToolFinished observes resolved tool runs (metrics).
	OnToolFinished func(run *ToolRun)

	now func() time.Time
}

// NewRouter returns a router writing through to msg-level state.
func NewRouter(logger logging.Logger) *Router {
	return &Router{
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Apply routes one event to its mutation of m. Events arriving after the
// message was finalized are discarded; that only happens when a stream
// misbehaves after done.
func (r *Router) Apply(m *Message, ev stream.Event) {
	if m.Final() {
		r.logger.Debug("discarding %s event after message finalized", ev.Type)
		return
	}

	switch ev.Type {
	case stream.EventToken:
		r.applyToken(m, ev)

	case stream.EventToolStart:
		m.appendToolRun(startToolRun(ev, r.now()))

	case stream.EventToolEnd:
		run := m.resolveToolEnd(ev, r.now())
		if run == nil {
			// End with no running start: latent protocol inconsistency, not a
			// user-facing failure.
			r.logger.Debug("tool_end for %q matched no running tool", ev.Tool)
			return
		}
		if r.OnToolFinished != nil {
			r.OnToolFinished(run)
		}

	case stream.EventArtifactCreated:
		r.applyArtifact(m, ev)

	case stream.EventContextDebug:
		if r.OnContextDebug != nil {
			r.OnContextDebug(snapshotFromEvent(ev))
		}

	case stream.EventDraftUpdate:
		if stream.IsFinalNode(ev.Node) {
			m.IsFinalizing = !m.IsFinalizing
		}

	case stream.EventDone:
		r.terminate(m)

	default:
		r.logger.Debug("ignoring unknown event type %q", ev.Type)
	}
}

func (r *Router) applyToken(m *Message, ev stream.Event) {
	switch {
	case ev.Node == stream.NodePlanner:
		m.appendPlanning(ev.Content)
	case stream.IsFinalNode(ev.Node):
		m.IsFinalizing = true
		m.appendFinalText(ev.Content)
	case ev.Node == stream.NodeValidator:
		if r.ShowValidation {
			m.appendFinalText(ev.Content)
		}
	default:
		// Unlabeled or future nodes contribute as plain text.
		m.appendFinalText(ev.Content)
	}
}

func (r *Router) applyArtifact(m *Message, ev stream.Event) {
	name := ev.ArtifactName
	if name == "" {
		name = ev.RelativePath
	}
	if ev.RelativePath == "" {
		r.logger.Warn("artifact_created event without relative_path ignored")
		return
	}
	pointer := fmt.Sprintf("\n\n📎 [%s](%s%s)", name, artifactScheme, ev.RelativePath)
	m.appendFinalText(pointer)
	if r.OnArtifact != nil {
		r.OnArtifact(ev)
	}
}

// terminate handles the done event: streaming stops, and the deliberation
// trace auto-collapses only when a real answer exists to take its place.
func (r *Router) terminate(m *Message) {
	m.IsFinalizing = false
	if m.hasEphemeralSegments() && m.hasFinalText() {
		m.PlanCollapsed = true
	}
}

// artifactScheme prefixes artifact references until finalization rewrites
// them into resolvable download links.
const artifactScheme = "artifact://"

var artifactLinkPattern = regexp.MustCompile(`artifact://([^)\s]+)`)

// Finalize runs post-stream processing and freezes the message. resolve maps
// an artifact's relative path to a download URL; it runs over both DisplayText
// and the text segments so every consumer sees resolvable links. Finalize is
// idempotent.
func (r *Router) Finalize(m *Message, resolve func(relativePath string) string) {
	if m.final {
		return
	}
	if resolve != nil {
		rewrite := func(s string) string {
			return artifactLinkPattern.ReplaceAllStringFunc(s, func(match string) string {
				return resolve(match[len(artifactScheme):])
			})
		}
		m.DisplayText = rewrite(m.DisplayText)
		for _, seg := range m.Segments {
			if text, ok := seg.(*TextSegment); ok {
				text.Content = rewrite(text.Content)
			}
		}
	}
	// Aborted streams never see a done event, so the collapse decision is
	// repeated here; it only ever flips false -> true.
	if m.hasEphemeralSegments() && m.hasFinalText() {
		m.PlanCollapsed = true
	}
	m.IsFinalizing = false
	m.final = true
}
