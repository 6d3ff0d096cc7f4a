package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"vigil/internal/logging"
)

const (
	dataPrefix     = "data:"
	frameDelimiter = "\n\n"
	readChunkSize  = 4096
)

// Decoder turns an incoming sequence of raw text chunks into discrete,
// fully-decoded events.
//
// Chunk boundaries carry no meaning: a frame may arrive split across any
// number of chunks and a single chunk may carry many frames. The decoder
// buffers the incomplete trailing frame between calls, so the buffer is
// bounded by the size of one frame regardless of how many events have been
// processed.
type Decoder struct {
	buf     strings.Builder
	logger  logging.Logger
	dropped int
}

// NewDecoder returns a decoder ready to consume a single stream. Decoders are
// not restartable; use a fresh one per stream.
func NewDecoder(logger logging.Logger) *Decoder {
	return &Decoder{logger: logging.OrNop(logger)}
}

// Feed appends chunk to the internal buffer and returns every event completed
// by it, in arrival order. Malformed payloads are logged and skipped so one
// bad frame cannot stall the remainder of the stream.
func (d *Decoder) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	d.buf.WriteString(chunk)

	pending := d.buf.String()
	pieces := strings.Split(pending, frameDelimiter)
	if len(pieces) == 1 {
		// No complete frame yet; keep buffering.
		return nil
	}

	// The final piece is an incomplete frame (possibly empty); it becomes the
	// new buffer.
	d.buf.Reset()
	d.buf.WriteString(pieces[len(pieces)-1])

	var events []Event
	for _, piece := range pieces[:len(pieces)-1] {
		ev, ok := d.decodeFrame(piece)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// Dropped reports how many complete frames failed to decode so far.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// decodeFrame extracts the payload of one complete frame. Lines that do not
// carry the data prefix are ignored; multiple data lines are joined with
// newlines before decoding.
func (d *Decoder) decodeFrame(frame string) (Event, bool) {
	var payload []string
	for _, line := range strings.Split(frame, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		part := strings.TrimPrefix(line, dataPrefix)
		part = strings.TrimPrefix(part, " ")
		payload = append(payload, part)
	}
	if len(payload) == 0 {
		return Event{}, false
	}

	raw := strings.Join(payload, "\n")
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		d.dropped++
		d.logger.Warn("dropping undecodable frame: %v", err)
		return Event{}, false
	}
	return ev, true
}

// Run reads r in fixed-size chunks and feeds them through the decoder,
// invoking emit for each completed event in order. It returns nil when the
// stream ends and the context's error when cancelled; any trailing incomplete
// frame is discarded.
//
// Cancellation is checked both between reads and between events, so a cancel
// takes effect even when frames are still buffered locally.
func (d *Decoder) Run(ctx context.Context, r io.Reader, emit func(Event)) error {
	chunk := make([]byte, readChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			for _, ev := range d.Feed(string(chunk[:n])) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				emit(ev)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}
