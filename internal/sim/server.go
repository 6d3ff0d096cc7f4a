package sim

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"vigil/internal/api"
	"vigil/internal/logging"
	"vigil/internal/stream"
)

// Server replays a scenario over the dashboard wire protocol. Session history
// starts from the scenario's canned entries and then accumulates the turns a
// client actually runs, so pagination and purge behave like the real service.
type Server struct {
	scenario *Scenario
	logger   logging.Logger

	mu       sync.Mutex
	sessions map[string][]api.HistoryMessage
}

// NewServer wires a replay server over scenario.
func NewServer(scenario *Scenario, logger logging.Logger) *Server {
	if scenario == nil {
		scenario = DefaultScenario()
	}
	return &Server{
		scenario: scenario,
		logger:   logging.OrNop(logger),
		sessions: make(map[string][]api.HistoryMessage),
	}
}

// Engine builds the gin engine with every route mounted. Exposed separately
// from Run so tests can drive it through httptest.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
	}))

	engine.GET("/api/sessions/:id/messages", s.handleHistory)
	engine.DELETE("/api/sessions/:id", s.handlePurge)
	engine.POST("/api/agent/stream", s.handleStream)
	engine.GET("/api/sessions/:id/artifacts", s.handleListArtifacts)
	engine.GET("/api/sessions/:id/artifacts/*path", s.handleArtifact)
	engine.GET("/api/subjects/:ticker", s.handleSubject)
	return engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: s.Engine()}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	s.logger.Info("simulator listening on %s", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// history returns the session's transcript, seeding it from the scenario on
// first touch. Callers hold no lock.
func (s *Server) history(sessionID string) []api.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked(sessionID)
}

func (s *Server) historyLocked(sessionID string) []api.HistoryMessage {
	if existing, ok := s.sessions[sessionID]; ok {
		return existing
	}
	seeded := make([]api.HistoryMessage, 0, len(s.scenario.History))
	for _, entry := range s.scenario.History {
		seeded = append(seeded, api.HistoryMessage{
			Role:      entry.Role,
			Content:   entry.Content,
			CreatedAt: time.Now().Add(-time.Hour),
		})
	}
	s.sessions[sessionID] = seeded
	return seeded
}

func (s *Server) appendTurn(sessionID, userText, agentText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sessions[sessionID] = append(s.historyLocked(sessionID),
		api.HistoryMessage{Role: "user", Content: userText, CreatedAt: now},
		api.HistoryMessage{Role: "agent", Content: agentText, CreatedAt: now},
	)
}

// handleHistory pages newest-first: offset 0 is the most recent page, and the
// messages inside a page stay chronological.
func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 20
	}

	all := s.history(c.Param("id"))
	end := len(all) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	c.JSON(http.StatusOK, api.HistoryPage{
		Messages: all[start:end],
		Pagination: api.Pagination{
			HasMore:    start > 0,
			NextOffset: offset + limit,
		},
	})
}

func (s *Server) handlePurge(c *gin.Context) {
	sessionID := c.Param("id")
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	s.logger.Info("purged session %s", sessionID)
	c.Status(http.StatusNoContent)
}

// handleStream replays the scripted reply for the submitted message, one
// frame per step with its scripted delay, flushing after every frame. A
// client disconnect stops the replay mid-turn.
func (s *Server) handleStream(c *gin.Context) {
	var turn api.TurnRequest
	if err := c.ShouldBindJSON(&turn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if turn.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	ctx := c.Request.Context()
	var answer strings.Builder

	for _, step := range s.scenario.Reply(turn.Message) {
		if step.DelayMS > 0 {
			select {
			case <-time.After(time.Duration(step.DelayMS) * time.Millisecond):
			case <-ctx.Done():
				s.logger.Info("client dropped mid-turn on %s", turn.SessionID)
				return
			}
		}
		frame, err := step.Frame()
		if err != nil {
			s.logger.Warn("skipping unencodable step: %v", err)
			continue
		}
		if _, err := c.Writer.WriteString(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if step.Type == stream.EventToken && stream.IsFinalNode(step.Node) {
			answer.WriteString(step.Content)
		}
	}

	s.appendTurn(turn.SessionID, turn.Message, answer.String())
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	refs := make([]api.ArtifactRef, 0, len(s.scenario.Artifacts))
	for _, artifact := range s.scenario.Artifacts {
		refs = append(refs, api.ArtifactRef{
			Name:         artifact.Name,
			RelativePath: artifact.RelativePath,
		})
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": refs})
}

// handleArtifact serves both the metadata and the download form of one
// artifact; a trailing /meta selects metadata.
func (s *Server) handleArtifact(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	wantMeta := strings.HasSuffix(path, "/meta")
	if wantMeta {
		path = strings.TrimSuffix(path, "/meta")
	}

	artifact, ok := s.scenario.ArtifactByPath(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no artifact %q", path)})
		return
	}

	if wantMeta {
		c.JSON(http.StatusOK, api.Artifact{
			Name:         artifact.Name,
			RelativePath: artifact.RelativePath,
			SizeBytes:    int64(len(artifact.Content)),
			ContentType:  artifact.ContentType,
			CreatedAt:    time.Now().Add(-time.Hour),
		})
		return
	}
	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, []byte(artifact.Content))
}

func (s *Server) handleSubject(c *gin.Context) {
	ticker := c.Param("ticker")
	subject, ok := s.scenario.SubjectByTicker(ticker)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown subject %q", ticker)})
		return
	}
	c.JSON(http.StatusOK, api.SubjectDetail{
		Ticker:   subject.Ticker,
		Name:     subject.Name,
		Exchange: subject.Exchange,
		Sector:   subject.Sector,
	})
}
