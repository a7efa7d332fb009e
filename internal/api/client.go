// Package api talks to the agent backend: it opens the chat stream and
// fetches conversation history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/turnsync/internal/conversation"
	"github.com/maruel/turnsync/internal/jsonx"
	"github.com/maruel/turnsync/internal/toolcall"
)

// ErrNoSession is returned when fetching history without a session id.
var ErrNoSession = errors.New("no session id")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Client is the backend HTTP client.
type Client struct {
	baseURL string
	hc      *http.Client
	log     *slog.Logger
	// RequestEncoding compresses request bodies when set ("zstd", "br" or
	// "gzip").
	RequestEncoding string
}

// New returns a client for baseURL. A nil hc uses a client without timeout;
// the chat stream is long lived.
func New(baseURL string, hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc, log: log}
}

// ChatRequest is the body of a chat request.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Stream is an open chat stream. The caller must close Body.
type Stream struct {
	// ID is the request id sent as X-Request-ID.
	ID   string
	Body io.ReadCloser
}

// Chat sends req and returns the event stream of the turn.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Stream, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	resp, err := c.do(ctx, http.MethodPost, "/chat", b, id, "text/event-stream")
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	return &Stream{ID: id, Body: resp}, nil
}

// historyResponse is the wire shape of a history page.
type historyResponse struct {
	Messages   []historyMessage `json:"messages"`
	FileEvents []historyFile    `json:"file_events"`
	Total      int              `json:"total"`
	HasMore    bool             `json:"has_more"`
}

type historyMessage struct {
	ID        string        `json:"id"`
	Role      string        `json:"role"`
	Sender    string        `json:"sender"`
	Content   string        `json:"content"`
	Text      string        `json:"text"`
	TurnID    string        `json:"turn_id"`
	Timestamp flexTime      `json:"timestamp"`
	ToolCalls []historyTool `json:"tool_calls"`
	ToolInvs  []historyTool `json:"tool_invocations"`
}

type historyTool struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Output  any             `json:"output"`
	IsError bool            `json:"is_error"`
}

type historyFile struct {
	Type      string   `json:"type"`
	Path      string   `json:"path"`
	FilePath  string   `json:"file_path"`
	Name      string   `json:"name"`
	Filename  string   `json:"filename"`
	MimeType  string   `json:"mime_type"`
	Size      int64    `json:"size"`
	URL       string   `json:"url"`
	MessageID string   `json:"message_id"`
	Timestamp flexTime `json:"timestamp"`
}

// FetchHistory fetches a page of the session's messages. It implements
// conversation.HistoryFetcher.
func (c *Client) FetchHistory(ctx context.Context, sessionID string, limit, offset int) (conversation.Page, error) {
	if sessionID == "" {
		return conversation.Page{}, ErrNoSession
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	p := "/sessions/" + url.PathEscape(sessionID) + "/messages?" + q.Encode()
	body, err := c.do(ctx, http.MethodGet, p, nil, uuid.NewString(), "application/json")
	if err != nil {
		return conversation.Page{}, fmt.Errorf("history: %w", err)
	}
	defer func() { _ = body.Close() }()
	var hr historyResponse
	if err := json.NewDecoder(body).Decode(&hr); err != nil {
		return conversation.Page{}, fmt.Errorf("history: decode: %w", err)
	}
	return hr.page(), nil
}

func (hr *historyResponse) page() conversation.Page {
	p := conversation.Page{Total: hr.Total, HasMore: hr.HasMore}
	for _, m := range hr.Messages {
		p.Messages = append(p.Messages, m.message())
	}
	for _, f := range hr.FileEvents {
		p.Files = append(p.Files, f.fileEvent())
	}
	if p.Total < len(p.Messages) {
		p.Total = len(p.Messages)
	}
	return p
}

func (m *historyMessage) message() conversation.Message {
	sender := conversation.SenderAgent
	switch strings.ToLower(firstNonEmpty(m.Sender, m.Role)) {
	case "user", "human":
		sender = conversation.SenderUser
	}
	out := conversation.Message{
		ID:        m.ID,
		Sender:    sender,
		Text:      firstNonEmpty(m.Content, m.Text),
		TurnID:    m.TurnID,
		Timestamp: m.Timestamp.Time,
	}
	tools := m.ToolCalls
	if len(tools) == 0 {
		tools = m.ToolInvs
	}
	for i, t := range tools {
		inv := toolcall.Invocation{
			ID:     t.ID,
			Name:   firstNonEmpty(t.Name, toolcall.UnknownName),
			Input:  decodeInput(t.Input),
			Output: t.Output,
			Seq:    i,
			Status: toolcall.StatusRunning,
		}
		switch {
		case t.IsError:
			inv.Status = toolcall.StatusError
		case t.Output != nil:
			inv.Status = toolcall.StatusSuccess
		}
		out.ToolInvocations = append(out.ToolInvocations, inv)
	}
	return out
}

func (f *historyFile) fileEvent() conversation.FileEvent {
	return conversation.FileEvent{
		Kind:      strings.TrimPrefix(f.Type, "file_"),
		Path:      firstNonEmpty(f.Path, f.FilePath),
		Name:      firstNonEmpty(f.Name, f.Filename),
		MimeType:  f.MimeType,
		Size:      f.Size,
		URL:       f.URL,
		MessageID: f.MessageID,
		Timestamp: f.Timestamp.Time,
	}
}

func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if json.Unmarshal(raw, &m) == nil && m != nil {
		return m
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if m, ok := jsonx.DecodeObject(s); ok {
			return m
		}
	}
	return map[string]any{}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, reqID, accept string) (io.ReadCloser, error) {
	var rd io.Reader
	if body != nil {
		enc, err := encodeBody(c.RequestEncoding, body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(enc)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if c.RequestEncoding != "" {
			req.Header.Set("Content-Encoding", c.RequestEncoding)
		}
	}
	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	c.log.Debug("http", "method", method, "path", path, "status", resp.StatusCode, "request_id", reqID, "dur", time.Since(start).Round(time.Millisecond))
	rc, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = rc.Close() }()
		b, _ := io.ReadAll(io.LimitReader(rc, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return rc, nil
}

// flexTime accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(b, &s) == nil {
		if s == "" {
			return nil
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = v
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if n > 1e12 {
		t.Time = time.UnixMilli(int64(n)).UTC()
	} else {
		t.Time = time.Unix(int64(n), 0).UTC()
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
