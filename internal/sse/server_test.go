package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/venvrun/internal/logger"
)

func TestEventJSONKeys(t *testing.T) {
	code := 0
	ev := logger.Event{
		EventTime: time.Unix(0, 0).UTC(),
		Kind:      logger.KindExit,
		RunID:     "r1",
		ExitCode:  &code,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, k := range []string{"eventTime", "kind", "runID", "exitCode"} {
		if _, ok := m[k]; !ok {
			t.Errorf("key %s missing", k)
		}
	}
}

type brokenWriter struct {
	header  http.Header
	flushed bool
}

func (b *brokenWriter) Header() http.Header { return b.header }
func (b *brokenWriter) Write(p []byte) (int, error) {
	if b.flushed {
		return 0, fmt.Errorf("write after flush")
	}
	return len(p), nil
}
func (b *brokenWriter) WriteHeader(statusCode int) {}
func (b *brokenWriter) Flush()                     { b.flushed = true }
func (b *brokenWriter) FlushErr() error {
	if b.flushed {
		return fmt.Errorf("flush error")
	}
	return nil
}

func TestEventsBrokenConnection(t *testing.T) {
	hub := NewHub(0)
	h := NewHandler(hub)
	req := httptest.NewRequest("GET", "/events", nil)

	bw := &brokenWriter{header: make(http.Header)}
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(bw, req)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Publish([]byte("{}"))

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("handler did not exit")
	}
}

type flushRecorder struct {
	header http.Header
	count  int
}

func (f *flushRecorder) Header() http.Header         { return f.header }
func (f *flushRecorder) Write(p []byte) (int, error) { return len(p), nil }
func (f *flushRecorder) WriteHeader(statusCode int)  {}
func (f *flushRecorder) Flush()                      { f.count++ }
func (f *flushRecorder) FlushErr() error             { return nil }

func TestEventsFlushHeaders(t *testing.T) {
	h := NewHandler(NewHub(0))
	req := httptest.NewRequest("GET", "/events", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	fr := &flushRecorder{header: make(http.Header)}
	done := make(chan struct{})
	go func() {
		h.ServeHTTP(fr, req)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("handler did not exit")
	}
	if fr.count == 0 {
		t.Fatal("headers were not flushed")
	}
	if ct := fr.header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type %q", ct)
	}
}

func TestEventsLogFlushError(t *testing.T) {
	h := NewHandler(NewHub(0))

	var buf bytes.Buffer
	cblog.SetOutput(&buf)
	defer cblog.SetOutput(io.Discard)

	req := httptest.NewRequest("GET", "/events", nil)
	bw := &brokenWriter{header: make(http.Header)}
	h.ServeHTTP(bw, req)

	if !strings.Contains(buf.String(), "flush headers") {
		t.Fatal("expected flush error log")
	}
}

func TestEventsMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(NewHub(0)).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/events", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 got %d", rr.Code)
	}
}

func TestEventsStream(t *testing.T) {
	hub := NewHub(0)
	h := &Handler{Hub: hub, Ping: 20 * time.Millisecond}
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read ping: %v", err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Fatalf("expected ping got %q", line)
	}

	hub.Publish([]byte(`{"kind":"start"}`))
	for {
		line, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	if !strings.Contains(line, `"kind":"start"`) {
		t.Fatalf("unexpected event line %q", line)
	}
}
