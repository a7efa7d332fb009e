package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func readAll(t *testing.T, r *Reader) []Record {
	t.Helper()
	var out []Record
	for {
		rec, err := r.Next(t.Context())
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, rec)
	}
}

func TestReader(t *testing.T) {
	t.Run("ExplicitEnd", func(t *testing.T) {
		input := "data: {\"type\":\"text_delta\",\"data\":{\"text\":\"Hi\"}}\n\n" +
			"event: message\n" +
			": keepalive\n" +
			"data: [DONE]\n\n" +
			"data: {\"type\":\"late\"}\n"
		recs := readAll(t, NewReader(strings.NewReader(input), nil, nil))
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		if string(recs[0].Data) != `{"type":"text_delta","data":{"text":"Hi"}}` {
			t.Errorf("got %s", recs[0].Data)
		}
		if !recs[1].End || recs[1].Synthetic {
			t.Errorf("got %+v, want explicit end", recs[1])
		}
	})

	t.Run("SyntheticEnd", func(t *testing.T) {
		recs := readAll(t, NewReader(strings.NewReader("data: {\"a\":1}\n"), nil, nil))
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		if !recs[1].End || !recs[1].Synthetic {
			t.Errorf("got %+v, want synthetic end", recs[1])
		}
	})

	t.Run("MalformedSkipped", func(t *testing.T) {
		input := "data: {\"a\":1}\ndata: not json\ndata: {\"b\":2}\ngarbage\n"
		r := NewReader(strings.NewReader(input), nil, nil)
		recs := readAll(t, r)
		if len(recs) != 3 {
			t.Fatalf("got %d records, want 3", len(recs))
		}
		if string(recs[1].Data) != `{"b":2}` {
			t.Errorf("got %s", recs[1].Data)
		}
		if r.Skipped() != 2 {
			t.Errorf("skipped = %d, want 2", r.Skipped())
		}
	})

	t.Run("TooLongSkipped", func(t *testing.T) {
		input := "data: {\"a\":1}\n" +
			"data: {\"big\":\"" + strings.Repeat("x", maxLine) + "\"}\n" +
			"data: {\"b\":2}\n"
		r := NewReader(iotest.HalfReader(strings.NewReader(input)), nil, nil)
		recs := readAll(t, r)
		if len(recs) != 3 {
			t.Fatalf("got %d records, want 3", len(recs))
		}
		if string(recs[0].Data) != `{"a":1}` || string(recs[1].Data) != `{"b":2}` {
			t.Errorf("got %s, %s", recs[0].Data, recs[1].Data)
		}
		if !recs[2].End || recs[2].Err != nil {
			t.Errorf("got %+v, want end", recs[2])
		}
		if r.Skipped() != 1 {
			t.Errorf("skipped = %d, want 1", r.Skipped())
		}
	})

	t.Run("UnterminatedLastLine", func(t *testing.T) {
		recs := readAll(t, NewReader(strings.NewReader("data: {\"a\":1}\ndata: {\"b\":2}"), nil, nil))
		if len(recs) != 3 || string(recs[1].Data) != `{"b":2}` || !recs[2].Synthetic {
			t.Fatalf("got %+v", recs)
		}
	})

	t.Run("BareNDJSON", func(t *testing.T) {
		recs := readAll(t, NewReader(strings.NewReader("{\"type\":\"result\"}\r\n"), nil, nil))
		if len(recs) != 2 || string(recs[0].Data) != `{"type":"result"}` {
			t.Fatalf("got %+v", recs)
		}
	})

	t.Run("OneByteChunks", func(t *testing.T) {
		input := "data: {\"text\":\"split across reads\"}\n\ndata:{\"n\":2}\n"
		recs := readAll(t, NewReader(iotest.OneByteReader(strings.NewReader(input)), nil, nil))
		if len(recs) != 3 {
			t.Fatalf("got %d records, want 3", len(recs))
		}
		if string(recs[1].Data) != `{"n":2}` {
			t.Errorf("got %s", recs[1].Data)
		}
	})

	t.Run("TransportError", func(t *testing.T) {
		boom := errors.New("connection reset")
		src := io.MultiReader(strings.NewReader("data: {\"a\":1}\n"), iotest.ErrReader(boom))
		recs := readAll(t, NewReader(src, nil, nil))
		if len(recs) != 2 {
			t.Fatalf("got %d records, want 2", len(recs))
		}
		last := recs[1]
		if last.Err == nil || last.End {
			t.Fatalf("got %+v, want terminal error", last)
		}
		if !errors.Is(last.Err, boom) || !errors.Is(last.Err, ErrTerminal) {
			t.Errorf("err = %v", last.Err)
		}
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := NewReader(strings.NewReader("data: {}\n"), nil, nil).Next(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})

	t.Run("Tee", func(t *testing.T) {
		var buf bytes.Buffer
		readAll(t, NewReader(strings.NewReader("data: {\"a\":1}\ndata: nope\n"), &buf, nil))
		if got, want := buf.String(), "data: {\"a\":1}\n\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}
