package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryParsesPage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/sess-1/messages", r.URL.Path)
		assert.Equal(t, "15", r.URL.Query().Get("limit"))
		assert.Equal(t, "30", r.URL.Query().Get("offset"))
		fmt.Fprint(w, `{
			"messages": [
				{"role": "user", "content": "what happened?"},
				{"role": "agent", "content": "an unusual trade burst"}
			],
			"pagination": {"has_more": true, "next_offset": 45}
		}`)
	}))
	defer server.Close()

	client := New(server.URL, nil)
	page, err := client.History(context.Background(), "sess-1", 15, 30)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "user", page.Messages[0].Role)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, 45, page.Pagination.NextOffset)
}

func TestHistoryNonOKStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, nil).History(context.Background(), "sess-1", 20, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHistoryDecodeErrorCarriesPreview(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer server.Close()

	_, err := New(server.URL, nil).History(context.Background(), "sess-1", 20, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not json", "the payload preview aids debugging")
}

func TestPurge(t *testing.T) {
	t.Parallel()

	var method, path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, New(server.URL, nil).Purge(context.Background(), "sess-1"))
	assert.Equal(t, http.MethodDelete, method.Load())
	assert.Equal(t, "/api/sessions/sess-1", path.Load())
}

func TestSubmitTurnStreamsBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var turn TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&turn))
		assert.Equal(t, "sess-1", turn.SessionID)
		assert.Equal(t, "ACME", turn.SubjectContext.Ticker)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"done\"}\n\n")
	}))
	defer server.Close()

	body, err := New(server.URL, nil).SubmitTurn(context.Background(), TurnRequest{
		Message:        "hi",
		SessionID:      "sess-1",
		SubjectContext: SubjectContext{Ticker: "ACME"},
	})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"done\"}\n\n", string(raw))
}

func TestSubmitTurnErrorIncludesServerMessage(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session expired", http.StatusGone)
	}))
	defer server.Close()

	_, err := New(server.URL, nil).SubmitTurn(context.Background(), TurnRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "410")
	assert.Contains(t, err.Error(), "session expired")
}

func TestDescribeArtifactsFansOut(t *testing.T) {
	t.Parallel()

	var describeCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sessions/sess-1/artifacts", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"artifacts": [
			{"name": "report.md", "relative_path": "out/report.md"},
			{"name": "trades.csv", "relative_path": "out/trades.csv"}
		]}`)
	})
	mux.HandleFunc("/api/sessions/sess-1/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		describeCalls.Add(1)
		fmt.Fprintf(w, `{"name": "x", "relative_path": %q, "size_bytes": 12}`, r.URL.Path)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	artifacts, err := New(server.URL, nil).DescribeArtifacts(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.EqualValues(t, 2, describeCalls.Load())
	assert.EqualValues(t, 12, artifacts[0].SizeBytes)
}

func TestSubjectDetailCachesLookups(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/subjects/ACME", r.URL.Path)
		fmt.Fprint(w, `{"ticker": "ACME", "name": "Acme Corp", "exchange": "NYSE"}`)
	}))
	defer server.Close()

	client := New(server.URL, nil)
	for range 3 {
		detail, err := client.SubjectDetail(context.Background(), "ACME")
		require.NoError(t, err)
		assert.Equal(t, "Acme Corp", detail.Name)
	}
	assert.EqualValues(t, 1, calls.Load(), "repeat lookups come from cache")
}

func TestArtifactURL(t *testing.T) {
	t.Parallel()

	client := New("https://dash.example.com/", nil)
	assert.Equal(t,
		"https://dash.example.com/api/sessions/sess-1/artifacts/report.md",
		client.ArtifactURL("sess-1", "report.md"))
}

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "artifact bytes")
	}))
	defer server.Close()

	data, err := New(server.URL, nil).DownloadArtifact(context.Background(), "sess-1", "report.md")
	require.NoError(t, err)
	assert.Equal(t, "artifact bytes", string(data))
}
