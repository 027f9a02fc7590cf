package logger

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	cblog "github.com/charmbracelet/log"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindActivate     Kind = "activate"
	KindStart        Kind = "start"
	KindReady        Kind = "ready"
	KindRestart      Kind = "restart"
	KindExit         Kind = "exit"
	KindError        Kind = "error"
	KindConfigReload Kind = "config_reload"
)

// Event is a single launcher lifecycle record.
type Event struct {
	EventTime time.Time `json:"eventTime"`
	Kind      Kind      `json:"kind"`
	RunID     string    `json:"runID,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Restart   int       `json:"restart"`
	ExitCode  *int      `json:"exitCode,omitempty"`
	Command   []string  `json:"command,omitempty"`
	Addr      string    `json:"addr,omitempty"`
	Venv      string    `json:"venv,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Paths     []string  `json:"paths,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives events besides the log file, e.g. an SSE hub.
type Sink interface {
	Publish([]byte)
}

var kindStyle = map[Kind]lipgloss.Style{
	KindStart:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	KindReady:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	KindRestart: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	KindExit:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	KindError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
}

var dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

// Logger writes events as JSON lines to a file and fans them out to sinks.
// A Logger without a file only fans out; the zero value discards events.
type Logger struct {
	mu    sync.Mutex
	enc   *json.Encoder
	c     io.Closer
	echo  bool
	sinks []Sink
}

// New creates a Logger writing to path. If path is empty, events are not
// persisted.
func New(path string) (*Logger, error) {
	l := &Logger{}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.enc = json.NewEncoder(f)
	l.enc.SetEscapeHTML(false)
	l.c = f
	return l, nil
}

// NewWriter creates a Logger encoding to w.
func NewWriter(w io.Writer) *Logger {
	l := &Logger{enc: json.NewEncoder(w)}
	l.enc.SetEscapeHTML(false)
	return l
}

// SetEcho enables a styled console echo of every event at debug level.
func (l *Logger) SetEcho(on bool) {
	l.mu.Lock()
	l.echo = on
	l.mu.Unlock()
}

// AddSink registers s to receive every encoded event.
func (l *Logger) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.c == nil {
		return nil
	}
	return l.c.Close()
}

// Log records ev.
func (l *Logger) Log(ev Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if l.echo {
		style, ok := kindStyle[ev.Kind]
		if !ok {
			style = dimStyle
		}
		cblog.WithPrefix("EVT").Debug(style.Render(string(ev.Kind)), "data", dimStyle.Render(string(b)))
	}
	for _, s := range l.sinks {
		s.Publish(b)
	}
	if l.enc == nil {
		return nil
	}
	return l.enc.Encode(ev)
}
