package sse

import (
	"fmt"
	"net/http"
	"time"

	cblog "github.com/charmbracelet/log"
)

// flusherErr is implemented by writers that report flush failures.
type flusherErr interface {
	http.Flusher
	FlushErr() error
}

// flush flushes fl and returns any FlushErr result.
func flush(fl http.Flusher) error {
	fl.Flush()
	if fe, ok := fl.(flusherErr); ok {
		return fe.FlushErr()
	}
	return nil
}

// DefaultPing is the keep-alive comment interval.
const DefaultPing = 30 * time.Second

// Handler streams hub events as Server-Sent Events.
type Handler struct {
	Hub  *Hub
	Ping time.Duration
}

// NewHandler returns a Handler for hub with the default ping interval.
func NewHandler(hub *Hub) *Handler {
	return &Handler{Hub: hub, Ping: DefaultPing}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := flush(fl); err != nil {
		cblog.Errorf("flush headers: %v", err)
		return
	}

	ch := h.Hub.Subscribe(r.Context(), 64)
	every := h.Ping
	if every <= 0 {
		every = DefaultPing
	}
	ping := time.NewTicker(every)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				cblog.Errorf("write event: %v", err)
				return
			}
			if err := flush(fl); err != nil {
				cblog.Errorf("flush event: %v", err)
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				cblog.Errorf("write ping: %v", err)
				return
			}
			if err := flush(fl); err != nil {
				cblog.Errorf("flush ping: %v", err)
				return
			}
		}
	}
}
