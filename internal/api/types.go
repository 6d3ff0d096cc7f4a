package api

import "time"

// HistoryMessage is one prior turn returned by the history endpoint.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Pagination carries the cursor state of a history fetch.
type Pagination struct {
	HasMore    bool `json:"has_more"`
	NextOffset int  `json:"next_offset"`
}

// HistoryPage is a newest-first page of prior turns; messages within the page
// are in chronological order.
type HistoryPage struct {
	Messages   []HistoryMessage `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// SubjectContext identifies what the conversation is about. The ticker keys
// the session; the alert narrows it to one case.
type SubjectContext struct {
	Ticker     string `json:"ticker"`
	AlertID    string `json:"alert_id,omitempty"`
	AlertLabel string `json:"alert_label,omitempty"`
}

// TurnRequest opens one streamed agent turn.
type TurnRequest struct {
	Message        string         `json:"message"`
	SessionID      string         `json:"session_id"`
	SubjectContext SubjectContext `json:"subject_context"`
}

// ArtifactRef is one entry of the artifact listing.
type ArtifactRef struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
}

// Artifact is the described form of a listed artifact.
type Artifact struct {
	Name         string    `json:"name"`
	RelativePath string    `json:"relative_path"`
	SizeBytes    int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// SubjectDetail is the dashboard's metadata for a ticker.
type SubjectDetail struct {
	Ticker   string `json:"ticker"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Sector   string `json:"sector"`
}
