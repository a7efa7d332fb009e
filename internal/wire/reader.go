// Package wire splits a server-sent event byte stream into JSON records.
package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// maxLine bounds a single line. Tool results can embed large payloads; a
// longer line is skipped like any other malformed record.
const maxLine = 4 << 20

// doneMarker is the explicit end-of-stream payload.
var doneMarker = []byte("[DONE]")

// ErrTerminal is wrapped by the error carried in a terminal Record.
var ErrTerminal = errors.New("stream terminated")

// Record is one decoded unit of the stream.
//
// Exactly one of Data, End or Err is meaningful.
type Record struct {
	// Data is a syntactically valid JSON envelope.
	Data json.RawMessage
	// End is set on the end marker, or on a synthetic end when the stream
	// closed without one.
	End bool
	// Synthetic is set when End was produced because the stream closed
	// without an explicit marker.
	Synthetic bool
	// Err is set on the terminal record when the connection failed.
	Err error
}

// Reader pulls Records from a byte stream. It is not safe for concurrent use.
type Reader struct {
	br      *bufio.Reader
	line    []byte
	logW    io.Writer
	log     *slog.Logger
	sawEnd  bool
	done    bool
	skipped int
}

// NewReader returns a Reader over r. If logW is non-nil, every accepted
// record is written to it in the same `data:` framing, so the capture can be
// replayed later.
func NewReader(r io.Reader, logW io.Writer, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{br: bufio.NewReaderSize(r, 64<<10), logW: logW, log: log}
}

// Next returns the next record. After the end record or the terminal error
// record it returns io.EOF. A cancelled ctx is reported as ctx.Err().
//
// Malformed records are logged and skipped; they never surface as errors.
func (r *Reader) Next(ctx context.Context) (Record, error) {
	for {
		if r.done {
			return Record{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Record{}, err
		}
		line, tooLong, err := r.readLine()
		if err != nil {
			r.done = true
			if !errors.Is(err, io.EOF) {
				return Record{Err: fmt.Errorf("%w: read: %w", ErrTerminal, err)}, nil
			}
			if r.sawEnd {
				return Record{}, io.EOF
			}
			return Record{End: true, Synthetic: true}, nil
		}
		if tooLong {
			r.skipped++
			r.log.Warn("skipping oversized record", "limit", maxLine)
			continue
		}
		if rec, ok := r.parseLine(line); ok {
			return rec, nil
		}
	}
}

// readLine returns the next line without its terminator. A line longer than
// maxLine is consumed up to its newline and reported as tooLong with no
// content. An unterminated last line is returned before io.EOF.
func (r *Reader) readLine() (line []byte, tooLong bool, err error) {
	r.line = r.line[:0]
	for {
		chunk, rerr := r.br.ReadSlice('\n')
		if !tooLong {
			if len(r.line)+len(chunk) > maxLine {
				tooLong = true
				r.line = r.line[:0]
			} else {
				r.line = append(r.line, chunk...)
			}
		}
		switch {
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case rerr == nil:
		case errors.Is(rerr, io.EOF) && (tooLong || len(r.line) != 0):
			// The next call reports io.EOF.
		default:
			return nil, false, rerr
		}
		return bytes.TrimRight(r.line, "\r\n"), tooLong, nil
	}
}

// Skipped returns how many malformed records were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

func (r *Reader) parseLine(line []byte) (Record, bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Record{}, false
	}
	var payload []byte
	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		payload = line[len("data:"):]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
	case line[0] == ':':
		return Record{}, false
	case bytes.HasPrefix(line, []byte("event:")), bytes.HasPrefix(line, []byte("id:")), bytes.HasPrefix(line, []byte("retry:")):
		return Record{}, false
	case line[0] == '{':
		// Bare NDJSON line.
		payload = line
	default:
		r.skipped++
		r.log.Debug("skipping unframed line", "line", truncate(line))
		return Record{}, false
	}
	payload = bytes.TrimSpace(payload)
	if bytes.Equal(payload, doneMarker) {
		r.sawEnd = true
		r.done = true
		r.tee(payload)
		return Record{End: true}, true
	}
	if !json.Valid(payload) {
		r.skipped++
		r.log.Warn("skipping unparseable record", "line", truncate(payload))
		return Record{}, false
	}
	r.tee(payload)
	return Record{Data: append(json.RawMessage(nil), payload...)}, true
}

func (r *Reader) tee(payload []byte) {
	if r.logW == nil {
		return
	}
	_, _ = r.logW.Write([]byte("data: "))
	_, _ = r.logW.Write(payload)
	_, _ = r.logW.Write([]byte("\n\n"))
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "…"
	}
	return string(b)
}
