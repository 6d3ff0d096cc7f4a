package stream

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frames(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

func feedAll(d *Decoder, raw string, chunkSize int) []Event {
	var events []Event
	for start := 0; start < len(raw); start += chunkSize {
		end := start + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		events = append(events, d.Feed(raw[start:end])...)
	}
	return events
}

func TestDecoderSplitsFramesAtAnyChunkBoundary(t *testing.T) {
	t.Parallel()

	raw := frames(
		`{"type":"token","node":"responder","content":"Hel"}`,
		`{"type":"token","node":"responder","content":"lo"}`,
		`{"type":"tool_start","tool":"lookup"}`,
		`{"type":"done"}`,
	)

	whole := feedAll(NewDecoder(nil), raw, len(raw))
	require.Len(t, whole, 4)

	for chunkSize := 1; chunkSize <= len(raw); chunkSize++ {
		got := feedAll(NewDecoder(nil), raw, chunkSize)
		require.Equalf(t, whole, got, "chunk size %d must not change the event sequence", chunkSize)
	}
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	t.Parallel()

	raw := ": heartbeat\n\n" +
		"event: message\ndata: {\"type\":\"done\"}\n\n" +
		"retry: 3000\n\n"

	events := feedAll(NewDecoder(nil), raw, len(raw))
	require.Len(t, events, 1)
	assert.Equal(t, EventDone, events[0].Type)
}

func TestDecoderJoinsMultipleDataLines(t *testing.T) {
	t.Parallel()

	raw := "data: {\"type\":\"token\",\ndata: \"node\":\"responder\",\"content\":\"hi\"}\n\n"

	events := feedAll(NewDecoder(nil), raw, len(raw))
	require.Len(t, events, 1)
	assert.Equal(t, "hi", events[0].Content)
}

func TestDecoderDropsMalformedFrameAndContinues(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	raw := frames(
		`{"type":"token","node":"responder","content":"a"}`,
		`{not json at all`,
		`{"type":"done"}`,
	)

	events := feedAll(d, raw, len(raw))
	require.Len(t, events, 2)
	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, EventDone, events[1].Type)
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoderRetainsIncompleteTrailingFrame(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	assert.Empty(t, d.Feed(`data: {"type":"to`))
	events := d.Feed("ken\",\"node\":\"responder\",\"content\":\"x\"}\n\n")
	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Content)
}

func TestDecoderCarriesWireFields(t *testing.T) {
	t.Parallel()

	raw := frames(`{"type":"tool_end","tool":"lookup","ok":false,"error_code":"E_TIMEOUT","error_message":"timeout","duration_ms":412}`)
	events := feedAll(NewDecoder(nil), raw, len(raw))
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, EventToolEnd, ev.Type)
	assert.False(t, ev.Succeeded())
	assert.Equal(t, "E_TIMEOUT", ev.ErrorCode)
	assert.Equal(t, "timeout", ev.ErrorMessage)
	assert.Equal(t, int64(412), ev.DurationMS)
}

func TestRunStopsOnCancelBeforeApplyingBufferedEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	raw := frames(
		`{"type":"token","node":"responder","content":"first"}`,
		`{"type":"token","node":"responder","content":"second"}`,
	)

	var applied []Event
	err := NewDecoder(nil).Run(ctx, strings.NewReader(raw), func(ev Event) {
		applied = append(applied, ev)
		cancel()
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, applied, 1, "events buffered after cancellation must not be applied")
	assert.Equal(t, "first", applied[0].Content)
}

func TestRunReturnsNilOnEOF(t *testing.T) {
	t.Parallel()

	var applied int
	err := NewDecoder(nil).Run(context.Background(), strings.NewReader(frames(`{"type":"done"}`)), func(Event) {
		applied++
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

// slowReader yields one byte per Read call to exercise the buffering path in
// Run the way a congested network connection would.
type slowReader struct {
	data string
	pos  int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestRunByteAtATime(t *testing.T) {
	t.Parallel()

	raw := frames(
		`{"type":"token","node":"planner","content":"thinking"}`,
		`{"type":"done"}`,
	)
	var types []string
	err := NewDecoder(nil).Run(context.Background(), &slowReader{data: raw}, func(ev Event) {
		types = append(types, ev.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{EventToken, EventDone}, types)
}
