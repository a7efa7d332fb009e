package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maruel/turnsync/internal/event"
)

func TestReplay(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	p := filepath.Join(t.TempDir(), "turn.sse")
	stream := strings.Join([]string{
		`data: {"type":"text_delta","data":{"text":"Hello"}}`,
		`data: {"type":"tool_start","data":{"id":"t1","name":"TodoWrite","input":{"todos":[{"content":"a","status":"completed"}]}}}`,
		`data: {"type":"tool_result","data":{"tool_use_id":"t1","output":"ok"}}`,
		`data: [DONE]`,
	}, "\n\n") + "\n\n"
	if err := os.WriteFile(p, []byte(stream), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"replay", p})
	if err := rootCmd.ExecuteContext(t.Context()); err != nil {
		t.Fatal(err)
	}
	var got struct {
		Timeline struct {
			Messages []struct {
				Text  string
				State string
			}
		}
		Todos       []struct{ Content string }
		Invocations []struct{ Name string }
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("%v: %s", err, out.String())
	}
	if len(got.Timeline.Messages) != 1 || got.Timeline.Messages[0].Text != "Hello" {
		t.Errorf("got %+v", got.Timeline)
	}
	if len(got.Todos) != 1 || got.Todos[0].Content != "a" {
		t.Errorf("got %+v", got.Todos)
	}
	if len(got.Invocations) != 1 || got.Invocations[0].Name != "TodoWrite" {
		t.Errorf("got %+v", got.Invocations)
	}
}

func TestPrintEvent(t *testing.T) {
	var b bytes.Buffer
	p := printEvent(&b)
	p(event.Event{Kind: event.KindTextDelta, Text: &event.Text{Text: "Hi"}})
	p(event.Event{Kind: event.KindToolStart, ToolStart: &event.ToolStart{ID: "t1", Name: "search"}})
	p(event.Event{Kind: event.KindToolResult, ToolResult: &event.ToolResult{ID: "t1", IsError: true}})
	p(event.Event{Kind: event.KindError, Error: &event.Error{Message: "overloaded"}})
	want := "Hi\n[search]\n[t1 failed]\n\n[error: overloaded]\n"
	if got := b.String(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestIsEmpty(t *testing.T) {
	for _, v := range []slog.Value{slog.StringValue(""), slog.IntValue(0), slog.DurationValue(0), slog.AnyValue(nil)} {
		if !isEmpty(v) {
			t.Errorf("%v: want empty", v)
		}
	}
	for _, v := range []slog.Value{slog.StringValue("x"), slog.IntValue(3), slog.BoolValue(false), slog.DurationValue(time.Second)} {
		if isEmpty(v) {
			t.Errorf("%v: want non-empty", v)
		}
	}
}
