package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"vigil/internal/api"
	"vigil/internal/logging"
	"vigil/internal/observability"
	"vigil/internal/session"
	"vigil/internal/stream"
)

// ErrTurnInFlight is returned when an operation needs exclusive use of the
// panel while a turn is still streaming.
var ErrTurnInFlight = errors.New("a turn is already in flight")

// DefaultGreeting seeds an otherwise empty transcript. It is local only and
// never persisted.
const DefaultGreeting = "Hi — I'm the review agent for this case. Ask me about " +
	"the alert, the trading pattern behind it, or anything in the filing record."

// Backend is the slice of the dashboard API the conversation drives directly.
// *api.Client satisfies it.
type Backend interface {
	SubmitTurn(ctx context.Context, turn api.TurnRequest) (io.ReadCloser, error)
	DescribeArtifacts(ctx context.Context, sessionID string) ([]api.Artifact, error)
	ArtifactURL(sessionID, relativePath string) string
}

// Change tells the rendering layer what kind of mutation happened, so it can
// decide whether to follow the tail of the transcript.
type Change int

const (
	// ChangeStream is an incremental mutation from an active turn; renderers
	// normally scroll to latest.
	ChangeStream Change = iota
	// ChangeHistory means an older page was prepended; renderers must keep
	// the current scroll position.
	ChangeHistory
	// ChangeReset means the transcript was replaced wholesale.
	ChangeReset
	// ChangeArtifacts means the artifact listing was refreshed.
	ChangeArtifacts
)

// Options configures a Conversation.
type Options struct {
	Backend  Backend
	Sessions *session.Manager
	Logger   logging.Logger
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider

	// Notify observes every state change; called outside the internal lock.
	Notify func(Change)

	// Greeting overrides DefaultGreeting when non-empty.
	Greeting string

	// ShowValidation surfaces validator-node tokens (debug only).
	ShowValidation bool
}

// Conversation owns the transcript of one panel: the message list, the
// context snapshot, the artifact listing and the single in-flight turn.
//
// All mutation is serialized behind one mutex; the only concurrent writer is
// the network read loop of the active turn, and there is at most one of those
// at a time.
type Conversation struct {
	backend  Backend
	sessions *session.Manager
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	notify   func(Change)
	greeting string
	router   *Router

	mu        sync.Mutex
	messages  []*Message
	snapshot  ContextDebugSnapshot
	artifacts []api.Artifact
	streaming bool
	cancel    context.CancelFunc
}

// New wires a conversation panel.
func New(opts Options) *Conversation {
	c := &Conversation{
		backend:  opts.Backend,
		sessions: opts.Sessions,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		notify:   opts.Notify,
		greeting: opts.Greeting,
	}
	if c.metrics == nil {
		c.metrics = &observability.MetricsCollector{}
	}
	if c.notify == nil {
		c.notify = func(Change) {}
	}
	if c.greeting == "" {
		c.greeting = DefaultGreeting
	}

	c.router = NewRouter(c.logger)
	c.router.ShowValidation = opts.ShowValidation
	c.router.OnContextDebug = func(snapshot ContextDebugSnapshot) {
		// Called while the apply lock is held.
		c.snapshot = snapshot
	}
	c.router.OnArtifact = func(stream.Event) {
		go c.RefreshArtifacts(context.Background())
	}
	c.router.OnToolFinished = func(run *ToolRun) {
		c.metrics.RecordToolRun(context.Background(), run.Name, string(run.Status),
			time.Duration(run.DurationMS)*time.Millisecond)
	}
	return c
}

// Activate switches the panel to subject, reusing or minting the session and
// loading the most recent history page. A shift between alerts on the same
// ticker keeps the transcript and inserts a context-marker instead.
func (c *Conversation) Activate(ctx context.Context, subject session.Subject) error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.mu.Unlock()

	activation, err := c.sessions.Activate(ctx, subject)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if activation.SubjectShift {
		label := subject.AlertLabel
		if label == "" {
			label = subject.AlertID
		}
		c.messages = append(c.messages, NewMessage(RoleContextMarker,
			fmt.Sprintf("Now discussing: %s", label)))
	} else {
		c.messages = historyToMessages(activation.History)
		if activation.SeedGreeting {
			c.messages = append(c.messages, NewMessage(RoleAgent, c.greeting))
		}
		c.artifacts = nil
		c.snapshot = ContextDebugSnapshot{}
	}
	c.mu.Unlock()

	c.notify(ChangeReset)
	go c.RefreshArtifacts(context.Background())
	return nil
}

// Submit runs one agent turn to completion: it appends the user message and
// an empty agent placeholder, opens the stream and applies every event in
// arrival order. It blocks until the stream terminates or Cancel is called,
// so callers run it off the render loop.
func (c *Conversation) Submit(ctx context.Context, text string) error {
	sessionID := c.sessions.SessionID()
	if sessionID == "" {
		return errors.New("no active session; call Activate first")
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	placeholder := NewMessage(RoleAgent, "")
	c.messages = append(c.messages, NewMessage(RoleUser, text), placeholder)
	c.snapshot = ContextDebugSnapshot{}
	c.streaming = true
	c.cancel = cancel
	c.mu.Unlock()
	c.notify(ChangeStream)

	subject := c.sessions.Subject()
	spanCtx, span := c.tracer.StartSpan(turnCtx, observability.SpanTurnStream,
		append(observability.SessionAttrs(sessionID), observability.SubjectAttrs(subject.Key)...)...)
	defer span.End()

	started := time.Now()
	runErr := c.runTurn(spanCtx, sessionID, subject, text, placeholder)
	c.metrics.RecordTurn(context.Background(), turnStatus(runErr), time.Since(started))

	c.finishTurn(placeholder, sessionID, runErr)
	cancel()
	return nil
}

func (c *Conversation) runTurn(ctx context.Context, sessionID string, subject session.Subject, text string, placeholder *Message) error {
	body, err := c.backend.SubmitTurn(ctx, api.TurnRequest{
		Message:   text,
		SessionID: sessionID,
		SubjectContext: api.SubjectContext{
			Ticker:     subject.Key,
			AlertID:    subject.AlertID,
			AlertLabel: subject.AlertLabel,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	decoder := stream.NewDecoder(c.logger)
	defer func() {
		c.metrics.AddFramesDropped(context.Background(), decoder.Dropped())
	}()

	return decoder.Run(ctx, body, func(ev stream.Event) {
		c.mu.Lock()
		c.router.Apply(placeholder, ev)
		c.mu.Unlock()
		if ev.Type == stream.EventToolEnd {
			status := "ok"
			if !ev.Succeeded() {
				status = "error"
			}
			trace.SpanFromContext(ctx).AddEvent("tool_end", trace.WithAttributes(
				attribute.String(observability.AttrToolName, ev.Tool),
				attribute.String(observability.AttrStatus, status),
			))
		}
		c.metrics.RecordEvent(context.Background(), ev.Type)
		c.notify(ChangeStream)
	})
}

// finishTurn renders the outcome marker, runs finalization post-processing
// and releases the in-flight slot. It runs for every termination path, so a
// partially-built message is kept rather than discarded.
func (c *Conversation) finishTurn(placeholder *Message, sessionID string, runErr error) {
	c.mu.Lock()
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled):
		placeholder.appendFinalText("\n\n⏹ stopped by user")
	default:
		c.logger.Warn("turn stream failed: %v", runErr)
		placeholder.appendFinalText(fmt.Sprintf("\n\n[error: %v]", runErr))
	}
	c.router.Finalize(placeholder, func(relativePath string) string {
		return c.backend.ArtifactURL(sessionID, relativePath)
	})
	c.streaming = false
	c.cancel = nil
	c.mu.Unlock()
	c.notify(ChangeStream)
}

func turnStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "failed"
	}
}

// Cancel aborts the in-flight turn, if any. It returns immediately; the turn
// goroutine observes the cancelled context before applying any further frame,
// even frames that already sit in the decoder's buffer.
func (c *Conversation) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Streaming reports whether a turn is in flight.
func (c *Conversation) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// LoadOlder prepends the next-older history page. It is a no-op (and touches
// no network) when no further pages exist or a fetch is already running.
func (c *Conversation) LoadOlder(ctx context.Context) error {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanHistoryFetch,
		observability.SessionAttrs(c.sessions.SessionID())...)
	defer span.End()

	page, fetched, err := c.sessions.LoadOlder(ctx)
	if err != nil {
		return err
	}
	if !fetched || len(page.Messages) == 0 {
		return nil
	}

	older := historyToMessages(page.Messages)
	c.mu.Lock()
	c.messages = append(older, c.messages...)
	c.mu.Unlock()
	c.notify(ChangeHistory)
	return nil
}

// Clear rotates to a fresh session under the same subject and reseeds the
// greeting. Prior history stays server-side but detaches from the panel.
func (c *Conversation) Clear() error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.mu.Unlock()

	if _, err := c.sessions.Clear(); err != nil {
		return err
	}
	c.resetTranscript()
	return nil
}

// Purge deletes the current session server-side, then behaves like Clear.
func (c *Conversation) Purge(ctx context.Context) error {
	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}
	c.mu.Unlock()

	if _, err := c.sessions.Purge(ctx); err != nil {
		return err
	}
	c.resetTranscript()
	return nil
}

func (c *Conversation) resetTranscript() {
	c.mu.Lock()
	c.messages = []*Message{NewMessage(RoleAgent, c.greeting)}
	c.artifacts = nil
	c.snapshot = ContextDebugSnapshot{}
	c.mu.Unlock()
	c.notify(ChangeReset)
}

// RefreshArtifacts reloads the artifact listing for the active session.
func (c *Conversation) RefreshArtifacts(ctx context.Context) {
	sessionID := c.sessions.SessionID()
	if sessionID == "" {
		return
	}
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanArtifactRefresh,
		observability.SessionAttrs(sessionID)...)
	defer span.End()

	artifacts, err := c.backend.DescribeArtifacts(ctx, sessionID)
	if err != nil {
		c.logger.Warn("artifact refresh failed: %v", err)
		return
	}
	c.mu.Lock()
	c.artifacts = artifacts
	c.mu.Unlock()
	c.notify(ChangeArtifacts)
}

// View is a renderable copy of the panel state.
type View struct {
	Messages  []*Message
	Context   ContextDebugSnapshot
	Artifacts []api.Artifact
	Streaming bool
	HasMore   bool
}

// Snapshot returns a deep copy of the panel state, safe to render while the
// stream keeps mutating the originals.
func (c *Conversation) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := View{
		Messages:  make([]*Message, len(c.messages)),
		Context:   c.snapshot,
		Artifacts: append([]api.Artifact(nil), c.artifacts...),
		Streaming: c.streaming,
		HasMore:   c.sessions.HasMore(),
	}
	for i, m := range c.messages {
		view.Messages[i] = m.Clone()
	}
	return view
}

// historyToMessages converts history wire records into transcript messages.
func historyToMessages(records []api.HistoryMessage) []*Message {
	messages := make([]*Message, 0, len(records))
	for _, record := range records {
		role := RoleAgent
		switch record.Role {
		case "user":
			role = RoleUser
		case "context-marker":
			role = RoleContextMarker
		}
		m := NewMessage(role, record.Content)
		if !record.CreatedAt.IsZero() {
			m.CreatedAt = record.CreatedAt
		}
		m.final = true
		messages = append(messages, m)
	}
	return messages
}
