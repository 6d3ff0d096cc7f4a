package conversation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/api"
	"vigil/internal/session"
)

// fakeBackend scripts both the history surface consumed by the session
// manager and the streaming surface consumed by the conversation.
type fakeBackend struct {
	mu           sync.Mutex
	historyCalls int
	pages        map[int]api.HistoryPage
	purged       []string

	frames    string
	lateFrame string // delivered only after the turn context is cancelled
	openErr   error

	artifacts []api.Artifact
}

func (f *fakeBackend) History(_ context.Context, _ string, _, offset int) (api.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls++
	return f.pages[offset], nil
}

func (f *fakeBackend) Purge(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, sessionID)
	return nil
}

func (f *fakeBackend) SubmitTurn(ctx context.Context, _ api.TurnRequest) (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &scriptedBody{ctx: ctx, data: f.frames, late: f.lateFrame}, nil
}

func (f *fakeBackend) DescribeArtifacts(context.Context, string) ([]api.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Artifact(nil), f.artifacts...), nil
}

func (f *fakeBackend) ArtifactURL(sessionID, rel string) string {
	return "https://backend/dl/" + sessionID + "/" + rel
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyCalls
}

// scriptedBody serves its data, then either ends the stream or, when a late
// frame is scripted, blocks like a stalled connection until the turn context
// is cancelled and only then delivers the late frame.
type scriptedBody struct {
	ctx  context.Context
	data string
	late string
	pos  int
	sent bool
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if b.pos < len(b.data) {
		n := copy(p, b.data[b.pos:])
		b.pos += n
		return n, nil
	}
	if b.late == "" {
		return 0, io.EOF
	}
	if !b.sent {
		<-b.ctx.Done()
		b.sent = true
		return copy(p, b.late), nil
	}
	return 0, io.EOF
}

func (b *scriptedBody) Close() error { return nil }

func frame(payload string) string { return "data: " + payload + "\n\n" }

func newTestConversation(t *testing.T, backend *fakeBackend) (*Conversation, *session.Manager) {
	t.Helper()
	if backend.pages == nil {
		backend.pages = map[int]api.HistoryPage{}
	}
	manager := session.NewManager(session.NewMemoryStore(), backend, 10, nil)
	conv := New(Options{
		Backend:  backend,
		Sessions: manager,
	})
	return conv, manager
}

func activate(t *testing.T, conv *Conversation, ticker string) {
	t.Helper()
	require.NoError(t, conv.Activate(context.Background(), session.Subject{Key: ticker, AlertID: "a-1"}))
}

func TestSubmitBuildsMessageFromStream(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		frames: frame(`{"type":"token","node":"responder","content":"Hello"}`) +
			frame(`{"type":"done"}`),
	}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	require.NoError(t, conv.Submit(context.Background(), "what happened?"))

	view := conv.Snapshot()
	// greeting + user + agent
	require.Len(t, view.Messages, 3)
	agent := view.Messages[2]
	require.Len(t, agent.Segments, 1)
	assert.Equal(t, SegmentText, agent.Segments[0].Kind())
	assert.Equal(t, "Hello", agent.DisplayText)
	assert.False(t, agent.IsFinalizing)
	assert.False(t, agent.PlanCollapsed)
	assert.True(t, agent.Final())
	assert.False(t, view.Streaming)
}

func TestSubmitToolErrorScenario(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		frames: frame(`{"type":"tool_start","tool":"lookup"}`) +
			frame(`{"type":"tool_end","tool":"lookup","ok":false,"error_message":"timeout"}`) +
			frame(`{"type":"done"}`),
	}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	require.NoError(t, conv.Submit(context.Background(), "check filings"))

	agent := conv.Snapshot().Messages[2]
	require.Len(t, agent.Tools, 1)
	assert.Equal(t, "lookup", agent.Tools[0].Name)
	assert.Equal(t, ToolError, agent.Tools[0].Status)
	assert.Equal(t, "timeout", agent.Tools[0].ErrorMessage)
}

func TestSubmitRejectsSecondTurnWhileStreaming(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		frames:    frame(`{"type":"token","node":"responder","content":"slow"}`),
		lateFrame: frame(`{"type":"done"}`),
	}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	done := make(chan error, 1)
	go func() { done <- conv.Submit(context.Background(), "first") }()

	require.Eventually(t, conv.Streaming, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, conv.Submit(context.Background(), "second"), ErrTurnInFlight)

	conv.Cancel()
	require.NoError(t, <-done)
}

func TestCancelAppendsStopMarkerAndBlocksLateFrames(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		frames:    frame(`{"type":"token","node":"responder","content":"partial"}`),
		lateFrame: frame(`{"type":"token","node":"responder","content":" MUST NOT APPEAR"}`),
	}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	done := make(chan error, 1)
	go func() { done <- conv.Submit(context.Background(), "go") }()

	require.Eventually(t, func() bool {
		view := conv.Snapshot()
		return len(view.Messages) == 3 && view.Messages[2].DisplayText == "partial"
	}, time.Second, 5*time.Millisecond)

	conv.Cancel()
	require.NoError(t, <-done)

	agent := conv.Snapshot().Messages[2]
	assert.Contains(t, agent.DisplayText, "partial")
	assert.Contains(t, agent.DisplayText, "stopped by user")
	assert.NotContains(t, agent.DisplayText, "MUST NOT APPEAR")
	assert.True(t, agent.Final())
	assert.False(t, conv.Streaming())
}

func TestStreamOpenFailureRendersErrorMarker(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{openErr: fmt.Errorf("connection refused")}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	require.NoError(t, conv.Submit(context.Background(), "hi"))

	agent := conv.Snapshot().Messages[2]
	assert.Contains(t, agent.DisplayText, "[error: connection refused]")
	assert.True(t, agent.Final())
	assert.False(t, conv.Streaming(), "panel stays usable for the next turn")
}

func TestActivateSeedsGreetingWhenHistoryEmpty(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	view := conv.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, RoleAgent, view.Messages[0].Role)
	assert.Equal(t, DefaultGreeting, view.Messages[0].DisplayText)
}

func TestActivateLoadsHistory(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{pages: map[int]api.HistoryPage{
		0: {
			Messages: []api.HistoryMessage{
				{Role: "user", Content: "earlier question"},
				{Role: "agent", Content: "earlier answer"},
			},
			Pagination: api.Pagination{HasMore: true, NextOffset: 2},
		},
	}}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")

	view := conv.Snapshot()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, RoleUser, view.Messages[0].Role)
	assert.Equal(t, "earlier answer", view.Messages[1].DisplayText)
	assert.True(t, view.HasMore)
}

func TestActivateAlertShiftInsertsContextMarker(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	conv, _ := newTestConversation(t, backend)

	require.NoError(t, conv.Activate(context.Background(),
		session.Subject{Key: "ACME", AlertID: "a-1", AlertLabel: "wash trading"}))
	require.NoError(t, conv.Activate(context.Background(),
		session.Subject{Key: "ACME", AlertID: "a-2", AlertLabel: "spoofing pattern"}))

	view := conv.Snapshot()
	require.Len(t, view.Messages, 2, "transcript continues, no reset")
	marker := view.Messages[1]
	assert.Equal(t, RoleContextMarker, marker.Role)
	assert.Contains(t, marker.DisplayText, "spoofing pattern")
}

func TestLoadOlderPrependsWithoutRefetchAfterExhaustion(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{pages: map[int]api.HistoryPage{
		0: {
			Messages:   []api.HistoryMessage{{Role: "user", Content: "recent"}},
			Pagination: api.Pagination{HasMore: true, NextOffset: 1},
		},
		1: {
			Messages:   []api.HistoryMessage{{Role: "user", Content: "oldest"}},
			Pagination: api.Pagination{HasMore: false},
		},
	}}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")
	require.Equal(t, 1, backend.calls())

	require.NoError(t, conv.LoadOlder(context.Background()))
	view := conv.Snapshot()
	require.Len(t, view.Messages, 2)
	assert.Equal(t, "oldest", view.Messages[0].DisplayText, "older page goes on top")
	assert.False(t, view.HasMore)

	// Exhausted: repeated calls touch no network and change nothing.
	calls := backend.calls()
	require.NoError(t, conv.LoadOlder(context.Background()))
	require.NoError(t, conv.LoadOlder(context.Background()))
	assert.Equal(t, calls, backend.calls())
	assert.Len(t, conv.Snapshot().Messages, 2)
}

func TestClearRotatesSessionAndReseedsGreeting(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{pages: map[int]api.HistoryPage{
		0: {Messages: []api.HistoryMessage{{Role: "user", Content: "old"}}},
	}}
	conv, manager := newTestConversation(t, backend)
	activate(t, conv, "ACME")
	before := manager.SessionID()

	require.NoError(t, conv.Clear())

	assert.NotEqual(t, before, manager.SessionID())
	view := conv.Snapshot()
	require.Len(t, view.Messages, 1)
	assert.Equal(t, DefaultGreeting, view.Messages[0].DisplayText)
	assert.Empty(t, backend.purged, "clear never deletes server-side")
}

func TestPurgeDeletesServerSideThenRotates(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	conv, manager := newTestConversation(t, backend)
	activate(t, conv, "ACME")
	before := manager.SessionID()

	require.NoError(t, conv.Purge(context.Background()))

	require.Len(t, backend.purged, 1)
	assert.Equal(t, before, backend.purged[0])
	assert.NotEqual(t, before, manager.SessionID())
}

func TestNotifyDistinguishesHistoryPrependFromStream(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{pages: map[int]api.HistoryPage{
		0: {
			Messages:   []api.HistoryMessage{{Role: "user", Content: "recent"}},
			Pagination: api.Pagination{HasMore: true, NextOffset: 1},
		},
		1: {Messages: []api.HistoryMessage{{Role: "user", Content: "old"}}},
	}}

	var mu sync.Mutex
	var changes []Change
	manager := session.NewManager(session.NewMemoryStore(), backend, 10, nil)
	conv := New(Options{
		Backend:  backend,
		Sessions: manager,
		Notify: func(change Change) {
			mu.Lock()
			changes = append(changes, change)
			mu.Unlock()
		},
	})
	require.NoError(t, conv.Activate(context.Background(), session.Subject{Key: "ACME"}))
	require.NoError(t, conv.LoadOlder(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, ChangeReset)
	assert.Contains(t, changes, ChangeHistory,
		"prepending must be distinguishable so the view can keep its scroll position")
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{
		frames: frame(`{"type":"token","node":"responder","content":"live"}`) +
			frame(`{"type":"done"}`),
	}
	conv, _ := newTestConversation(t, backend)
	activate(t, conv, "ACME")
	require.NoError(t, conv.Submit(context.Background(), "q"))

	view := conv.Snapshot()
	view.Messages[2].DisplayText = "mutated by renderer"
	assert.Equal(t, "live", conv.Snapshot().Messages[2].DisplayText)
}
