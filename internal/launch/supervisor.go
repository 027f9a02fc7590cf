package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/logger"
	"github.com/0x4D31/venvrun/internal/probe"
	"github.com/0x4D31/venvrun/internal/venv"
	"github.com/0x4D31/venvrun/internal/watch"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateActivating State = "activating"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopping   State = "stopping"
	StateExited     State = "exited"
)

var (
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("supervisor already started")
	// ErrRestartPending is returned when the restart queue is full.
	ErrRestartPending = errors.New("restart queue full")
)

// ExitError carries a non-zero server exit status to the caller.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("server exited with status %d", e.Code)
}

func exitResult(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// RunInfo summarises one launcher run for a Recorder.
type RunInfo struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	App       string
	Addr      string
	Command   []string
	PID       int
	Restarts  int
	ExitCode  *int
	Error     string
}

// Recorder persists runs. Errors are logged and otherwise ignored.
type Recorder interface {
	Begin(ctx context.Context, run RunInfo) error
	Finish(ctx context.Context, run RunInfo) error
}

// Options configures a Supervisor.
type Options struct {
	Config *config.Config
	// Activate defaults to venv.Activate.
	Activate func(dir string) (*venv.Env, error)
	Events   *logger.Logger
	Recorder Recorder
	Stdio    Stdio
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State       State     `json:"state"`
	RunID       string    `json:"runID,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Ready       bool      `json:"ready"`
	Restarts    int       `json:"restarts"`
	Invocations int       `json:"invocations"`
	StartedAt   time.Time `json:"startedAt"`
	Uptime      string    `json:"uptime,omitempty"`
	Command     []string  `json:"command,omitempty"`
	Addr        string    `json:"addr,omitempty"`
	Venv        string    `json:"venv,omitempty"`
}

type restartReq struct {
	reason string
	paths  []string
	cfg    *config.Config
	env    *venv.Env
	inv    *Invocation
}

// Supervisor activates the environment, runs the server and keeps it
// running across restarts until it exits or is stopped.
type Supervisor struct {
	activate func(string) (*venv.Env, error)
	events   *logger.Logger
	rec      Recorder
	stdio    Stdio

	restartCh chan restartReq

	mu          sync.Mutex
	cfg         *config.Config
	env         *venv.Env
	inv         Invocation
	proc        *Process
	state       State
	ready       bool
	started     bool
	stopping    bool
	interrupts  int
	restarts    int
	invocations int
	runID       string
	runStart    time.Time
	cancel      context.CancelFunc
}

// New returns a Supervisor for opts.Config.
func New(opts Options) *Supervisor {
	act := opts.Activate
	if act == nil {
		act = venv.Activate
	}
	stdio := opts.Stdio
	if stdio.Stdout == nil {
		stdio.Stdout = os.Stdout
	}
	if stdio.Stderr == nil {
		stdio.Stderr = os.Stderr
	}
	return &Supervisor{
		activate:  act,
		events:    opts.Events,
		rec:       opts.Recorder,
		stdio:     stdio,
		restartCh: make(chan restartReq, 8),
		cfg:       opts.Config,
		state:     StateIdle,
	}
}

// VenvDir returns the environment directory for cfg, discovering it next to
// the server working directory when venv.path is unset.
func VenvDir(cfg *config.Config) (string, error) {
	if cfg.Venv != nil && cfg.Venv.Path != "" {
		return cfg.Venv.Path, nil
	}
	base := ""
	if cfg.Server != nil {
		base = cfg.Server.Workdir
	}
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		base = wd
	}
	return venv.Discover(base)
}

// Run activates the environment and, only if that succeeds, starts the
// server. It returns when the server exits: nil for status 0, *ExitError
// otherwise. Launcher failures before the server starts are returned as
// plain errors and no process is spawned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.state = StateActivating
	cfg := s.cfg
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	env, inv, err := s.prepare(cfg)
	if err != nil {
		s.setState(StateExited)
		return err
	}
	if err := runCtx.Err(); err != nil {
		s.setState(StateExited)
		return fmt.Errorf("interrupted before server start: %w", err)
	}
	if cfg.Startup.Preflight() {
		if err := probe.CheckPortFree(cfg.Server.Host, cfg.Server.Port); err != nil {
			s.emit(logger.Event{Kind: logger.KindError, Addr: cfg.Server.Addr(), Reason: "preflight", Error: err.Error()})
			s.setState(StateExited)
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	if cfg.Reload.Mode == config.ReloadLauncher {
		opts := watch.TreeOptions{
			Roots:      cfg.Reload.Paths,
			Extensions: cfg.Reload.Extensions,
			Exclude:    cfg.Reload.Exclude,
			Debounce:   cfg.Reload.Debounce(),
		}
		errCh, err := watch.WatchTree(gctx, opts, func(paths []string) error {
			_ = s.requestRestart(restartReq{reason: "source change", paths: paths})
			return nil
		})
		if err != nil {
			s.setState(StateExited)
			return fmt.Errorf("watch sources: %w", err)
		}
		cblog.Infof("watching %v for changes", cfg.Reload.Paths)
		g.Go(func() error {
			for range errCh {
			}
			return nil
		})
	}

	var result error
	g.Go(func() error {
		defer cancel()
		result = s.loop(gctx, cfg, env, inv)
		return nil
	})
	_ = g.Wait()
	return result
}

func (s *Supervisor) prepare(cfg *config.Config) (*venv.Env, Invocation, error) {
	dir, err := VenvDir(cfg)
	if err != nil {
		s.emit(logger.Event{Kind: logger.KindError, Reason: "activate", Error: err.Error()})
		return nil, Invocation{}, fmt.Errorf("activate environment: %w", err)
	}
	env, err := s.activate(dir)
	if err != nil {
		s.emit(logger.Event{Kind: logger.KindError, Venv: dir, Reason: "activate", Error: err.Error()})
		return nil, Invocation{}, fmt.Errorf("activate environment: %w", err)
	}
	s.emit(logger.Event{Kind: logger.KindActivate, Venv: env.Dir})
	inv, err := Resolve(cfg, env)
	if err != nil {
		s.emit(logger.Event{Kind: logger.KindError, Venv: env.Dir, Reason: "resolve", Error: err.Error()})
		return nil, Invocation{}, err
	}
	return env, inv, nil
}

func (s *Supervisor) loop(ctx context.Context, cfg *config.Config, env *venv.Env, inv Invocation) (result error) {
	s.mu.Lock()
	s.runID = uuid.NewString()
	s.runStart = time.Now()
	s.mu.Unlock()

	proc, err := s.start(ctx, cfg, env, inv)
	if err != nil {
		return err
	}
	s.recordBegin(ctx, cfg, proc)
	defer func() { s.recordFinish(result) }()

	for {
		select {
		case <-proc.Done():
			code := proc.ExitCode()
			s.exited(proc, code, "")
			s.setState(StateExited)
			return exitResult(code)
		case req := <-s.restartCh:
			if s.isStopping() {
				continue
			}
			if req.cfg != nil {
				cfg, env, inv = req.cfg, req.env, *req.inv
			} else {
				s.mu.Lock()
				cfg, env, inv = s.cfg, s.env, s.inv
				s.mu.Unlock()
			}
			s.setState(StateRestarting)
			cblog.Infof("restarting server (%s)", req.reason)
			code := proc.Stop(cfg.Startup.StopGrace())
			s.exited(proc, code, req.reason)
			s.mu.Lock()
			s.restarts++
			n := s.restarts
			s.mu.Unlock()
			s.emit(logger.Event{Kind: logger.KindRestart, Restart: n, Reason: req.reason, Paths: req.paths})
			proc, err = s.start(ctx, cfg, env, inv)
			if err != nil {
				s.setState(StateExited)
				return err
			}
		case <-ctx.Done():
			s.mu.Lock()
			s.stopping = true
			s.state = StateStopping
			cfg = s.cfg
			s.mu.Unlock()
			code := proc.Stop(cfg.Startup.StopGrace())
			s.exited(proc, code, "shutdown")
			s.setState(StateExited)
			return exitResult(code)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, cfg *config.Config, env *venv.Env, inv Invocation) (*Process, error) {
	s.setState(StateStarting)
	proc, err := Start(inv, s.stdio)
	if err != nil {
		s.emit(logger.Event{Kind: logger.KindError, Command: inv.Argv(), Reason: "start", Error: err.Error()})
		return nil, err
	}
	s.mu.Lock()
	s.proc = proc
	s.cfg = cfg
	s.env = env
	s.inv = inv
	s.ready = false
	s.invocations++
	n := s.restarts
	s.mu.Unlock()

	cblog.Infof("started %s (pid %d)", inv, proc.PID())
	s.emit(logger.Event{Kind: logger.KindStart, PID: proc.PID(), Restart: n, Command: inv.Argv(), Addr: cfg.Server.Addr(), Venv: env.Dir})
	go s.awaitReady(ctx, cfg, proc)
	return proc, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, cfg *config.Config, proc *Process) {
	if cfg.Startup.Timeout() <= 0 {
		s.markReady(proc, cfg)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, cfg.Startup.Timeout())
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-pctx.Done():
		}
	}()

	var err error
	if hp := cfg.Startup.HealthPath; hp != "" {
		err = probe.WaitHealthy(pctx, nil, probe.HealthURL(cfg.Server.Host, cfg.Server.Port, hp))
	} else {
		err = probe.WaitListening(pctx, cfg.Server.Host, cfg.Server.Port)
	}
	if proc.Exited() || ctx.Err() != nil {
		return
	}
	if err != nil {
		cblog.Warnf("server not ready on %s after %s: %v", cfg.Server.Addr(), cfg.Startup.Timeout(), err)
		s.emit(logger.Event{Kind: logger.KindError, PID: proc.PID(), Addr: cfg.Server.Addr(), Reason: "readiness", Error: err.Error()})
		return
	}
	s.markReady(proc, cfg)
}

func (s *Supervisor) markReady(proc *Process, cfg *config.Config) {
	s.mu.Lock()
	if s.proc != proc || proc.Exited() {
		s.mu.Unlock()
		return
	}
	s.ready = true
	if s.state == StateStarting {
		s.state = StateRunning
	}
	s.mu.Unlock()
	cblog.Infof("server ready on %s", cfg.Server.Addr())
	s.emit(logger.Event{Kind: logger.KindReady, PID: proc.PID(), Addr: cfg.Server.Addr()})
}

func (s *Supervisor) exited(proc *Process, code int, reason string) {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	c := code
	if code == 0 {
		cblog.Infof("server (pid %d) exited", proc.PID())
	} else {
		cblog.Errorf("server (pid %d) exited with status %d", proc.PID(), code)
	}
	s.emit(logger.Event{Kind: logger.KindExit, PID: proc.PID(), ExitCode: &c, Reason: reason})
}

func (s *Supervisor) recordBegin(ctx context.Context, cfg *config.Config, proc *Process) {
	if s.rec == nil {
		return
	}
	s.mu.Lock()
	run := RunInfo{ID: s.runID, StartedAt: s.runStart, App: cfg.Server.App, Addr: cfg.Server.Addr(), Command: proc.Inv.Argv(), PID: proc.PID()}
	s.mu.Unlock()
	if err := s.rec.Begin(ctx, run); err != nil {
		cblog.Errorf("record run: %v", err)
	}
}

func (s *Supervisor) recordFinish(result error) {
	if s.rec == nil {
		return
	}
	s.mu.Lock()
	run := RunInfo{ID: s.runID, StartedAt: s.runStart, EndedAt: time.Now(), App: s.cfg.Server.App, Addr: s.cfg.Server.Addr(), Command: s.inv.Argv(), Restarts: s.restarts}
	if s.proc != nil {
		run.PID = s.proc.PID()
	}
	s.mu.Unlock()
	var ee *ExitError
	switch {
	case result == nil:
		code := 0
		run.ExitCode = &code
	case errors.As(result, &ee):
		code := ee.Code
		run.ExitCode = &code
	default:
		run.Error = result.Error()
	}
	if err := s.rec.Finish(context.Background(), run); err != nil {
		cblog.Errorf("record run: %v", err)
	}
}

// Interrupt forwards sig to the server once; a second call kills it. Before
// the server has started it cancels the run instead.
func (s *Supervisor) Interrupt(sig os.Signal) {
	s.mu.Lock()
	s.stopping = true
	n := s.interrupts
	s.interrupts++
	p := s.proc
	cancel := s.cancel
	if p != nil && !p.Exited() {
		s.state = StateStopping
	}
	s.mu.Unlock()

	if p == nil || p.Exited() {
		if cancel != nil {
			cancel()
		}
		return
	}
	if n == 0 {
		cblog.Infof("forwarding %s to server (pid %d)", sig, p.PID())
		if err := p.Signal(sig); err != nil {
			cblog.Errorf("signal server: %v", err)
		}
		return
	}
	cblog.Warnf("killing server (pid %d)", p.PID())
	if err := p.Kill(); err != nil {
		cblog.Errorf("kill server: %v", err)
	}
}

// Stop terminates the server gracefully and ends Run.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Restart stops the running server and starts the same invocation again
// with the current config.
func (s *Supervisor) Restart(reason string) error {
	if st := s.Status().State; st != StateStarting && st != StateRunning {
		return fmt.Errorf("server is %s", st)
	}
	return s.requestRestart(restartReq{reason: reason})
}

// Reconfigure applies cfg to the running server. The environment is
// activated and the invocation resolved first; on failure the current server
// keeps running. It reports whether a restart was scheduled.
func (s *Supervisor) Reconfigure(cfg *config.Config) (bool, error) {
	s.mu.Lock()
	cur := s.inv
	curCfg := s.cfg
	running := s.proc != nil && !s.stopping
	s.mu.Unlock()
	if !running {
		return false, fmt.Errorf("server not running")
	}

	env, inv, err := s.prepare(cfg)
	if err != nil {
		return false, err
	}
	if (curCfg.Reload.Mode == config.ReloadLauncher) != (cfg.Reload.Mode == config.ReloadLauncher) {
		cblog.Warnf("reload.mode %s takes effect on the next launch", cfg.Reload.Mode)
	}
	if inv.Equal(cur) {
		s.mu.Lock()
		s.cfg = cfg
		s.env = env
		s.mu.Unlock()
		return false, nil
	}
	if err := s.requestRestart(restartReq{reason: "config change", cfg: cfg, env: env, inv: &inv}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Supervisor) requestRestart(req restartReq) error {
	select {
	case s.restartCh <- req:
		return nil
	default:
		cblog.Warnf("restart queue full; dropping %s", req.reason)
		return ErrRestartPending
	}
}

// Status returns the current supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:       s.state,
		RunID:       s.runID,
		Ready:       s.ready,
		Restarts:    s.restarts,
		Invocations: s.invocations,
		StartedAt:   s.runStart,
	}
	if s.cfg != nil && s.cfg.Server != nil {
		st.Addr = s.cfg.Server.Addr()
	}
	if s.env != nil {
		st.Venv = s.env.Dir
	}
	if s.proc != nil {
		st.Command = s.inv.Argv()
		if !s.proc.Exited() {
			st.PID = s.proc.PID()
			st.Uptime = time.Since(s.proc.StartedAt).Round(time.Second).String()
		}
	}
	return st
}

// Config returns the configuration of the current invocation.
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Supervisor) emit(ev logger.Event) {
	s.mu.Lock()
	ev.RunID = s.runID
	s.mu.Unlock()
	if err := s.events.Log(ev); err != nil {
		cblog.Errorf("log event: %v", err)
	}
}
