package status

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	cblog "github.com/charmbracelet/log"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/history"
	"github.com/0x4D31/venvrun/internal/launch"
	"github.com/0x4D31/venvrun/internal/sse"
)

// Supervisor is the part of launch.Supervisor the API drives.
type Supervisor interface {
	Status() launch.Status
	Config() *config.Config
	Restart(reason string) error
	Stop()
	Reconfigure(cfg *config.Config) (bool, error)
}

// Ledger lists recorded runs.
type Ledger interface {
	List(ctx context.Context, limit int) ([]history.Run, error)
}

// Options configures a Server.
type Options struct {
	Addr  string
	Token string
	// Hub enables GET /events when set.
	Hub *sse.Hub
	// Ledger enables GET /history when set.
	Ledger Ledger
	// Path persists configurations accepted by POST /load; empty disables.
	Path string
}

// Server exposes the launcher status API.
type Server struct {
	Addr  string
	token string
	path  string

	sup    Supervisor
	ledger Ledger

	listener net.Listener
	server   *http.Server
}

// New returns a status server for sup.
func New(sup Supervisor, opts Options) *Server {
	s := &Server{Addr: opts.Addr, token: opts.Token, path: opts.Path, sup: sup, ledger: opts.Ledger}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.wrap(s.getStatus))
	mux.HandleFunc("/config", s.wrap(s.getConfig))
	mux.HandleFunc("/load", s.wrap(s.loadConfig))
	mux.HandleFunc("/restart", s.wrap(s.restart))
	mux.HandleFunc("/stop", s.wrap(s.stopServer))
	mux.HandleFunc("/history", s.wrap(s.getHistory))
	if opts.Hub != nil {
		mux.Handle("/events", s.wrap(sse.NewHandler(opts.Hub).ServeHTTP))
	}
	s.server = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	token := h[len(prefix):]
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		h(w, r)
	}
}

// Listen binds the configured address. Addr is updated with the bound
// address, so ":0" may be used.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("status listen %s: %w", s.Addr, err)
	}
	s.listener = ln
	s.Addr = ln.Addr().String()
	return nil
}

// Start serves until Shutdown, binding first when Listen was not called.
func (s *Server) Start() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	cblog.Infof("status API listening on %s", s.Addr)
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and releases a listener that was
// bound but never served.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.sup.Status())
}

// configETag returns the JSON form of cfg and its ETag.
func configETag(cfg *config.Config) ([]byte, string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, "", err
	}
	h := sha256.Sum256(data)
	return data, fmt.Sprintf("\"%x\"", h[:]), nil
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.sup.Config()
	if cfg == nil {
		http.Error(w, "no config", http.StatusNotFound)
		return
	}
	data, etag, err := configETag(cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("ETag", etag)
	_, _ = w.Write(data)
}

func (s *Server) loadConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cur := s.sup.Config()
	if cur == nil {
		http.Error(w, "no config", http.StatusNotFound)
		return
	}
	_, etag, err := configETag(cur)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ifMatch := r.Header.Get("If-Match"); ifMatch == "" || ifMatch != etag {
		http.Error(w, "etag mismatch", http.StatusPreconditionFailed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := "venvrun.hcl"
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		name = "venvrun.json"
	}
	var cfg config.Config
	if err := decode(name, body, &cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	config.ApplyDefaults(&cfg)
	baseDir, err := os.Getwd()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := config.ResolvePaths(&cfg, baseDir); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := config.Validate(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	restarted, err := s.sup.Reconfigure(&cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if s.path != "" {
		if err := config.WriteJSON(s.path, &cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, map[string]bool{"restarted": restarted})
}

func decode(name string, data []byte, out *config.Config) error {
	if len(data) == 0 {
		return errors.New("empty body")
	}
	if strings.HasSuffix(name, ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(out)
	}
	return hclsimple.Decode(name, data, config.EvalContext(), out)
}

func (s *Server) restart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reason := "status API"
	if q := r.URL.Query().Get("reason"); q != "" {
		reason = q
	}
	if err := s.sup.Restart(reason); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopServer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sup.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ledger == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.ledger.List(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, runs)
}
