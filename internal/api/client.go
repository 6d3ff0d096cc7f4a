package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"vigil/internal/httpclient"
	"vigil/internal/logging"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 4 << 20
	subjectCacheSize    = 128
	describeConcurrency = 4
)

// Client talks to the dashboard backend's conversation surface: history,
// turn streaming, artifacts and subject lookups.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logging.Logger

	// Streaming requests must not inherit the REST timeout: a turn can run
	// for minutes while frames trickle in.
	streamHTTP *http.Client

	subjects *lru.Cache[string, SubjectDetail]
	maxBody  int64
}

// New returns a client rooted at baseURL (scheme://host[:port], no trailing
// slash required).
func New(baseURL string, logger logging.Logger) *Client {
	logger = logging.OrNop(logger)
	subjects, _ := lru.New[string, SubjectDetail](subjectCacheSize)
	return &Client{
		baseURL:    trimSlash(baseURL),
		http:       httpclient.New(defaultTimeout),
		streamHTTP: httpclient.New(0),
		logger:     logger,
		subjects:   subjects,
		maxBody:    defaultMaxBodyBytes,
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// History fetches one page of prior turns for a session.
func (c *Client) History(ctx context.Context, sessionID string, limit, offset int) (HistoryPage, error) {
	var page HistoryPage
	endpoint := fmt.Sprintf("%s/api/sessions/%s/messages?limit=%d&offset=%d",
		c.baseURL, url.PathEscape(sessionID), limit, offset)
	if err := c.getJSON(ctx, endpoint, &page); err != nil {
		return HistoryPage{}, fmt.Errorf("fetch history: %w", err)
	}
	return page, nil
}

// Purge deletes a session's history server-side.
func (c *Client) Purge(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("%s/api/sessions/%s", c.baseURL, url.PathEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("purge session: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SubmitTurn opens one streamed turn and returns the raw event stream. The
// caller owns the returned body and must close it; cancelling ctx tears the
// transport down.
func (c *Client) SubmitTurn(ctx context.Context, turn TurnRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(turn)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + "/api/agent/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open turn stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := httpclient.ReadAllWithLimit(resp.Body, 4096)
		return nil, fmt.Errorf("open turn stream: status %d: %s", resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// ListArtifacts returns the artifact listing for a session.
func (c *Client) ListArtifacts(ctx context.Context, sessionID string) ([]ArtifactRef, error) {
	var out struct {
		Artifacts []ArtifactRef `json:"artifacts"`
	}
	endpoint := fmt.Sprintf("%s/api/sessions/%s/artifacts", c.baseURL, url.PathEscape(sessionID))
	if err := c.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return out.Artifacts, nil
}

// DescribeArtifact fetches the metadata of one artifact.
func (c *Client) DescribeArtifact(ctx context.Context, sessionID, relativePath string) (Artifact, error) {
	var artifact Artifact
	endpoint := fmt.Sprintf("%s/api/sessions/%s/artifacts/%s/meta",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(relativePath))
	if err := c.getJSON(ctx, endpoint, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("describe artifact %s: %w", relativePath, err)
	}
	return artifact, nil
}

// DescribeArtifacts lists and then describes every artifact of a session,
// fanning the describe calls out with bounded concurrency.
func (c *Client) DescribeArtifacts(ctx context.Context, sessionID string) ([]Artifact, error) {
	refs, err := c.ListArtifacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	artifacts := make([]Artifact, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(describeConcurrency)
	for i, ref := range refs {
		g.Go(func() error {
			artifact, err := c.DescribeArtifact(gctx, sessionID, ref.RelativePath)
			if err != nil {
				return err
			}
			artifacts[i] = artifact
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DownloadArtifact fetches an artifact's bytes, bounded by the client's body
// limit.
func (c *Client) DownloadArtifact(ctx context.Context, sessionID, relativePath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ArtifactURL(sessionID, relativePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download artifact: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download artifact: unexpected status %d", resp.StatusCode)
	}
	return httpclient.ReadAllWithLimit(resp.Body, c.maxBody)
}

// ArtifactURL resolves an artifact's relative path to its download URL. Used
// when finalization rewrites inline artifact pointers.
func (c *Client) ArtifactURL(sessionID, relativePath string) string {
	return fmt.Sprintf("%s/api/sessions/%s/artifacts/%s",
		c.baseURL, url.PathEscape(sessionID), url.PathEscape(relativePath))
}

// SubjectDetail resolves ticker metadata, serving repeat lookups from an LRU
// cache.
func (c *Client) SubjectDetail(ctx context.Context, ticker string) (SubjectDetail, error) {
	if detail, ok := c.subjects.Get(ticker); ok {
		return detail, nil
	}
	var detail SubjectDetail
	endpoint := c.baseURL + "/api/subjects/" + url.PathEscape(ticker)
	if err := c.getJSON(ctx, endpoint, &detail); err != nil {
		return SubjectDetail{}, fmt.Errorf("fetch subject %s: %w", ticker, err)
	}
	c.subjects.Add(ticker, detail)
	return detail, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := httpclient.ReadAllWithLimit(resp.Body, c.maxBody)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response (%s): %w", strconv.Quote(preview(body)), err)
	}
	return nil
}

func preview(data []byte) string {
	const max = 120
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
