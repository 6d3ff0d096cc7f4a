package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"vigil/internal/api"
	"vigil/internal/logging"
)

// DefaultPageSize is how many prior turns one history fetch recalls.
const DefaultPageSize = 20

// Subject identifies what a conversation is about. Key (the ticker) scopes
// the session; the alert fields narrow it to one case under that ticker.
type Subject struct {
	Key        string
	AlertID    string
	AlertLabel string
}

// Backend is the slice of the dashboard API the manager needs.
type Backend interface {
	History(ctx context.Context, sessionID string, limit, offset int) (api.HistoryPage, error)
	Purge(ctx context.Context, sessionID string) error
}

// Activation describes what the caller must do after switching subjects.
type Activation struct {
	SessionID string
	// History is the most recent page of prior turns, chronological order.
	History []api.HistoryMessage
	// SeedGreeting is set when the session has no server-side history yet.
	SeedGreeting bool
	// SubjectShift is set when the session id was reused but the alert under
	// discussion changed; the caller inserts a context-marker message.
	SubjectShift bool
}

// Manager owns session identity and paginated history recall for one
// conversation panel.
type Manager struct {
	store    Store
	backend  Backend
	logger   logging.Logger
	pageSize int

	mu         sync.Mutex
	subject    Subject
	sessionID  string
	hasMore    bool
	nextOffset int
	loading    bool
}

// NewManager wires a manager over a binding store and the history backend.
func NewManager(store Store, backend Backend, pageSize int, logger logging.Logger) *Manager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Manager{
		store:    store,
		backend:  backend,
		logger:   logging.OrNop(logger),
		pageSize: pageSize,
	}
}

// NewSessionID mints a fresh session identifier.
func NewSessionID() string {
	return "sess-" + uuid.NewString()
}

// Activate resolves or mints the session for subject and loads its most
// recent history page.
//
// Revisiting the same ticker reuses the running session: if only the alert
// changed, the caller gets SubjectShift instead of a fresh transcript, which
// preserves continuity of reasoning while flagging the shift to the analyst.
// A history fetch failure degrades to an empty transcript; the conversation
// stays usable.
func (m *Manager) Activate(ctx context.Context, subject Subject) (Activation, error) {
	if subject.Key == "" {
		return Activation{}, fmt.Errorf("subject key required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" && subject.Key == m.subject.Key {
		shift := subject != m.subject
		m.subject = subject
		return Activation{SessionID: m.sessionID, SubjectShift: shift}, nil
	}

	sessionID, ok, err := m.store.Get(subject.Key)
	if err != nil {
		return Activation{}, fmt.Errorf("resolve session: %w", err)
	}
	if !ok || sessionID == "" {
		sessionID = NewSessionID()
		if err := m.store.Set(subject.Key, sessionID); err != nil {
			return Activation{}, fmt.Errorf("bind session: %w", err)
		}
		m.logger.Info("minted session %s for subject %s", sessionID, subject.Key)
	}

	activation := Activation{SessionID: sessionID}
	page, err := m.backend.History(ctx, sessionID, m.pageSize, 0)
	if err != nil {
		m.logger.Warn("history fetch for %s failed, starting empty: %v", sessionID, err)
		page = api.HistoryPage{}
	}
	activation.History = page.Messages
	activation.SeedGreeting = len(page.Messages) == 0

	m.subject = subject
	m.sessionID = sessionID
	m.hasMore = page.Pagination.HasMore
	m.nextOffset = page.Pagination.NextOffset
	m.loading = false
	return activation, nil
}

// LoadOlder fetches the next-older history page. It reports fetched=false
// without touching the network when no further pages exist or a fetch is
// already in flight.
func (m *Manager) LoadOlder(ctx context.Context) (api.HistoryPage, bool, error) {
	m.mu.Lock()
	if m.sessionID == "" || !m.hasMore || m.loading {
		m.mu.Unlock()
		return api.HistoryPage{}, false, nil
	}
	m.loading = true
	sessionID, offset := m.sessionID, m.nextOffset
	m.mu.Unlock()

	page, err := m.backend.History(ctx, sessionID, m.pageSize, offset)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loading = false
	if err != nil {
		return api.HistoryPage{}, false, fmt.Errorf("load older history: %w", err)
	}
	if m.sessionID != sessionID {
		// Session rotated while the fetch was in flight; drop the page.
		return api.HistoryPage{}, false, nil
	}
	m.hasMore = page.Pagination.HasMore
	m.nextOffset = page.Pagination.NextOffset
	return page, true, nil
}

// Clear rotates to a fresh session id under the same subject. Old history
// stays server-side but is detached from the panel.
func (m *Manager) Clear() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

// Purge deletes the current session server-side, then rotates like Clear.
func (m *Manager) Purge(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return "", fmt.Errorf("no active session")
	}
	if err := m.backend.Purge(ctx, m.sessionID); err != nil {
		return "", fmt.Errorf("purge session: %w", err)
	}
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() (string, error) {
	if m.subject.Key == "" {
		return "", fmt.Errorf("no active subject")
	}
	sessionID := NewSessionID()
	if err := m.store.Set(m.subject.Key, sessionID); err != nil {
		return "", fmt.Errorf("bind session: %w", err)
	}
	m.sessionID = sessionID
	m.hasMore = false
	m.nextOffset = 0
	m.loading = false
	return sessionID, nil
}

// SessionID returns the active session id, empty before first activation.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Subject returns the active subject.
func (m *Manager) Subject() Subject {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subject
}

// HasMore reports whether older history pages remain.
func (m *Manager) HasMore() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}
