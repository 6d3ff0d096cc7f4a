// Package sim is a scripted stand-in for the dashboard backend. It replays
// yaml scenarios over the same wire protocol the real agent service speaks,
// so the terminal client and its integration tests can run without one.
package sim

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vigil/internal/stream"
)

// Scenario is one replayable script: the subjects the dashboard knows about,
// canned history, artifacts and the turn scripts to stream back.
type Scenario struct {
	Subjects  []Subject      `yaml:"subjects"`
	History   []HistoryEntry `yaml:"history"`
	Artifacts []Artifact     `yaml:"artifacts"`
	Turns     []Turn         `yaml:"turns"`
}

// Subject mirrors the dashboard's ticker metadata.
type Subject struct {
	Ticker   string `yaml:"ticker"`
	Name     string `yaml:"name"`
	Exchange string `yaml:"exchange"`
	Sector   string `yaml:"sector"`
}

// HistoryEntry seeds every freshly seen session with prior turns.
type HistoryEntry struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// Artifact is a canned downloadable file.
type Artifact struct {
	Name         string `yaml:"name"`
	RelativePath string `yaml:"relative_path"`
	ContentType  string `yaml:"content_type"`
	Content      string `yaml:"content"`
}

// Turn scripts the reply to one user message. Match is a case-insensitive
// substring of the message; an empty Match makes the turn the fallback.
type Turn struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Step is one timed frame of a scripted turn.
type Step struct {
	DelayMS int `yaml:"delay_ms"`

	Type       string `yaml:"type"`
	Node       string `yaml:"node"`
	Content    string `yaml:"content"`
	Tool       string `yaml:"tool"`
	CallID     string `yaml:"call_id"`
	Input      string `yaml:"input"`
	Output     string `yaml:"output"`
	Commentary string `yaml:"commentary"`
	OK         *bool  `yaml:"ok"`
	DurationMS int64  `yaml:"duration_ms"`
	ErrorCode  string `yaml:"error_code"`
	ErrorMsg   string `yaml:"error_message"`

	RelativePath string `yaml:"relative_path"`
	ArtifactName string `yaml:"artifact_name"`

	Active        bool `yaml:"active"`
	TokenEstimate int  `yaml:"token_estimate"`
	TokenBudget   int  `yaml:"token_budget"`

	// Raw, when set, is framed verbatim instead of the structured fields.
	// Useful for scripting malformed frames.
	Raw string `yaml:"raw"`
}

// Frame renders the step as one wire frame, including the trailing blank line.
func (s Step) Frame() (string, error) {
	if s.Raw != "" {
		return "data: " + s.Raw + "\n\n", nil
	}
	ev := stream.Event{
		Type:          s.Type,
		Node:          s.Node,
		Content:       s.Content,
		Tool:          s.Tool,
		CallID:        s.CallID,
		Commentary:    s.Commentary,
		OK:            s.OK,
		DurationMS:    s.DurationMS,
		ErrorCode:     s.ErrorCode,
		ErrorMessage:  s.ErrorMsg,
		RelativePath:  s.RelativePath,
		ArtifactName:  s.ArtifactName,
		Active:        s.Active,
		TokenEstimate: s.TokenEstimate,
		TokenBudget:   s.TokenBudget,
	}
	if s.Input != "" {
		ev.Input = json.RawMessage(mustJSONString(s.Input))
	}
	if s.Output != "" {
		ev.Output = json.RawMessage(mustJSONString(s.Output))
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode step: %w", err)
	}
	return "data: " + string(payload) + "\n\n", nil
}

// mustJSONString passes already-valid JSON through and string-encodes anything
// else, matching how real tool payloads arrive.
func mustJSONString(s string) []byte {
	if json.Valid([]byte(s)) {
		return []byte(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// Reply picks the script for message: the first turn whose Match is contained
// in the message, else the fallback turn, else a minimal built-in answer.
func (sc *Scenario) Reply(message string) []Step {
	lowered := strings.ToLower(message)
	var fallback []Step
	for _, turn := range sc.Turns {
		if turn.Match == "" {
			if fallback == nil {
				fallback = turn.Steps
			}
			continue
		}
		if strings.Contains(lowered, strings.ToLower(turn.Match)) {
			return turn.Steps
		}
	}
	if fallback != nil {
		return fallback
	}
	return []Step{
		{Type: stream.EventToken, Node: stream.NodeResponder, Content: "Nothing scripted for that; try another question."},
		{Type: stream.EventDone},
	}
}

// SubjectByTicker looks a scripted subject up.
func (sc *Scenario) SubjectByTicker(ticker string) (Subject, bool) {
	for _, subject := range sc.Subjects {
		if strings.EqualFold(subject.Ticker, ticker) {
			return subject, true
		}
	}
	return Subject{}, false
}

// ArtifactByPath looks a canned artifact up by its relative path.
func (sc *Scenario) ArtifactByPath(relativePath string) (Artifact, bool) {
	for _, artifact := range sc.Artifacts {
		if artifact.RelativePath == relativePath {
			return artifact, true
		}
	}
	return Artifact{}, false
}

// LoadScenario reads a scenario from a yaml file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var scenario Scenario
	if err := yaml.Unmarshal(data, &scenario); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &scenario, nil
}

// DefaultScenario is the built-in script used when no file is given: one
// subject, one tool-using reply and one artifact.
func DefaultScenario() *Scenario {
	ok := true
	return &Scenario{
		Subjects: []Subject{
			{Ticker: "ACME", Name: "Acme Corp", Exchange: "NYSE", Sector: "Industrials"},
		},
		Artifacts: []Artifact{{
			Name:         "volume-report.md",
			RelativePath: "reports/volume-report.md",
			ContentType:  "text/markdown",
			Content:      "# Volume anomaly\n\nBurst of 4x average volume at 14:02 UTC.\n",
		}},
		Turns: []Turn{
			{
				Match: "volume",
				Steps: []Step{
					{Type: stream.EventToken, Node: stream.NodePlanner, Content: "Pull the intraday series, compare against the 30-day average, summarize."},
					{Type: stream.EventToolStart, Tool: "trade_history", CallID: "call-1", Input: `{"ticker":"ACME","window":"1d"}`, DelayMS: 40},
					{Type: stream.EventToolEnd, Tool: "trade_history", CallID: "call-1", OK: &ok, Output: `{"points":390}`, DurationMS: 180, DelayMS: 200},
					{Type: stream.EventToken, Node: stream.NodeResponder, Content: "Volume spiked to roughly four times the 30-day average ", DelayMS: 30},
					{Type: stream.EventToken, Node: stream.NodeResponder, Content: "just after 14:00 UTC, concentrated in two venues.", DelayMS: 30},
					{Type: stream.EventArtifactCreated, ArtifactName: "volume-report.md", RelativePath: "reports/volume-report.md"},
					{Type: stream.EventContextDebug, Active: true, TokenEstimate: 2400, TokenBudget: 128000},
					{Type: stream.EventDone, DelayMS: 20},
				},
			},
			{
				Steps: []Step{
					{Type: stream.EventToken, Node: stream.NodeResponder, Content: "This is the scripted fallback answer from the simulator."},
					{Type: stream.EventDone, DelayMS: 20},
				},
			},
		},
	}
}
