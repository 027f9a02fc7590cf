package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultCommand          = "uvicorn"
	DefaultApp              = "main:app"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8000
	DefaultStatusAddr       = "127.0.0.1:9045"
	DefaultHistoryPath      = ".venvrun/history.db"
	DefaultDebounceMS       = 300
	DefaultStartupTimeout   = 30
	DefaultStopGraceSeconds = 10
)

// Reload modes.
const (
	ReloadServer   = "server"
	ReloadLauncher = "launcher"
	ReloadOff      = "off"
)

// DefaultReloadExtensions and DefaultReloadExclude apply to launcher reload.
var (
	DefaultReloadExtensions = []string{".py"}
	DefaultReloadExclude    = []string{".git", "__pycache__", ".venv", "venv", ".venvrun", "node_modules"}
)

// Config represents the launcher configuration file.
type Config struct {
	Venv    *VenvConfig    `hcl:"venv,block" json:"venv,omitempty"`
	Server  *ServerConfig  `hcl:"server,block" json:"server,omitempty"`
	Reload  *ReloadConfig  `hcl:"reload,block" json:"reload,omitempty"`
	Startup *StartupConfig `hcl:"startup,block" json:"startup,omitempty"`
	Status  *StatusConfig  `hcl:"status,block" json:"status,omitempty"`
	History *HistoryConfig `hcl:"history,block" json:"history,omitempty"`
	Events  *EventsConfig  `hcl:"events,block" json:"events,omitempty"`
}

// VenvConfig locates the virtual environment. An empty path means the
// environment is discovered next to the server working directory.
type VenvConfig struct {
	Path string `hcl:"path,optional" json:"path,omitempty"`
}

// ServerConfig describes the server invocation.
type ServerConfig struct {
	Command string            `hcl:"command,optional" json:"command,omitempty"`
	App     string            `hcl:"app,optional" json:"app,omitempty"`
	Host    string            `hcl:"host,optional" json:"host,omitempty"`
	Port    int               `hcl:"port,optional" json:"port,omitempty"`
	Reload  *bool             `hcl:"reload,optional" json:"reload,omitempty"`
	Workdir string            `hcl:"workdir,optional" json:"workdir,omitempty"`
	Args    []string          `hcl:"args,optional" json:"args,omitempty"`
	Env     map[string]string `hcl:"env,optional" json:"env,omitempty"`
}

// ReloadConfig selects who restarts the server on source changes.
type ReloadConfig struct {
	Mode       string   `hcl:"mode,optional" json:"mode,omitempty"`
	Paths      []string `hcl:"paths,optional" json:"paths,omitempty"`
	Extensions []string `hcl:"extensions,optional" json:"extensions,omitempty"`
	Exclude    []string `hcl:"exclude,optional" json:"exclude,omitempty"`
	DebounceMS int      `hcl:"debounce_ms,optional" json:"debounce_ms,omitempty"`
}

// StartupConfig bounds preflight, readiness and shutdown.
type StartupConfig struct {
	PreflightPort *bool  `hcl:"preflight_port,optional" json:"preflight_port,omitempty"`
	HealthPath    string `hcl:"health_path,optional" json:"health_path,omitempty"`

	// TimeoutSeconds bounds readiness probing; 0 skips it.
	TimeoutSeconds *int `hcl:"timeout_seconds,optional" json:"timeout_seconds,omitempty"`

	// StopGraceSeconds is the wait between SIGTERM and kill; 0 kills at once.
	StopGraceSeconds *int `hcl:"stop_grace_seconds,optional" json:"stop_grace_seconds,omitempty"`
}

type StatusConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Addr    string `hcl:"addr,optional" json:"addr,omitempty"`
	Token   string `hcl:"token,optional" json:"token,omitempty"`
}

type HistoryConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Path    string `hcl:"path,optional" json:"path,omitempty"`
}

type EventsConfig struct {
	Log string `hcl:"log,optional" json:"log,omitempty"`
}

// Default returns the configuration equivalent to
// `uvicorn main:app --reload --host 0.0.0.0 --port 8000`.
func Default() Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg with its built-in value.
func ApplyDefaults(cfg *Config) {
	if cfg.Venv == nil {
		cfg.Venv = &VenvConfig{}
	}
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	s := cfg.Server
	if s.Command == "" {
		s.Command = DefaultCommand
	}
	if s.App == "" {
		s.App = DefaultApp
	}
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if cfg.Reload == nil {
		cfg.Reload = &ReloadConfig{}
	}
	r := cfg.Reload
	if r.Mode == "" {
		if s.Reload != nil && !*s.Reload {
			r.Mode = ReloadOff
		} else {
			r.Mode = ReloadServer
		}
	}
	if len(r.Paths) == 0 {
		if s.Workdir != "" {
			r.Paths = []string{s.Workdir}
		} else {
			r.Paths = []string{"."}
		}
	}
	if len(r.Extensions) == 0 {
		r.Extensions = append([]string(nil), DefaultReloadExtensions...)
	}
	if r.Exclude == nil {
		r.Exclude = append([]string(nil), DefaultReloadExclude...)
	}
	if r.DebounceMS == 0 {
		r.DebounceMS = DefaultDebounceMS
	}
	if cfg.Startup == nil {
		cfg.Startup = &StartupConfig{}
	}
	st := cfg.Startup
	if st.PreflightPort == nil {
		on := true
		st.PreflightPort = &on
	}
	if st.TimeoutSeconds == nil {
		n := DefaultStartupTimeout
		st.TimeoutSeconds = &n
	}
	if st.StopGraceSeconds == nil {
		n := DefaultStopGraceSeconds
		st.StopGraceSeconds = &n
	}
	if cfg.Status == nil {
		cfg.Status = &StatusConfig{}
	}
	if cfg.Status.Enabled && cfg.Status.Addr == "" {
		cfg.Status.Addr = DefaultStatusAddr
	}
	if cfg.History == nil {
		cfg.History = &HistoryConfig{}
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		cfg.History.Path = DefaultHistoryPath
	}
	if cfg.Events == nil {
		cfg.Events = &EventsConfig{}
	}
}

// ReloadFlag reports whether --reload is passed to the server.
func (c *Config) ReloadFlag() bool {
	return c.Reload != nil && c.Reload.Mode == ReloadServer
}

// Addr returns the host:port the server binds.
func (s *ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Timeout returns the readiness deadline. Zero disables readiness probing.
func (s *StartupConfig) Timeout() time.Duration {
	return seconds(s.TimeoutSeconds, DefaultStartupTimeout)
}

func (s *StartupConfig) StopGrace() time.Duration {
	return seconds(s.StopGraceSeconds, DefaultStopGraceSeconds)
}

func seconds(v *int, def int) time.Duration {
	if v == nil {
		return time.Duration(def) * time.Second
	}
	return time.Duration(*v) * time.Second
}

// Preflight reports whether the bind address is checked before start.
func (s *StartupConfig) Preflight() bool {
	return s.PreflightPort == nil || *s.PreflightPort
}

func (r *ReloadConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMS) * time.Millisecond
}

// ResolvePaths updates all path fields in cfg to be absolute by joining them
// with baseDir when they are not already absolute. baseDir is resolved to its
// absolute, symlink-free form before joining, mirroring the behavior of Read.
func ResolvePaths(cfg *Config, baseDir string) error {
	if cfg == nil {
		return nil
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	baseDir = abs

	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	if cfg.Venv != nil {
		cfg.Venv.Path = join(cfg.Venv.Path)
	}
	if cfg.Server != nil {
		if cfg.Server.Workdir == "" {
			cfg.Server.Workdir = baseDir
		} else {
			cfg.Server.Workdir = join(cfg.Server.Workdir)
		}
	}
	if cfg.Reload != nil {
		for i, p := range cfg.Reload.Paths {
			cfg.Reload.Paths[i] = join(p)
		}
	}
	if cfg.History != nil {
		cfg.History.Path = join(cfg.History.Path)
	}
	if cfg.Events != nil {
		cfg.Events.Log = join(cfg.Events.Log)
	}
	return nil
}

// Read parses the HCL configuration from path without validating mandatory
// fields. Relative paths are resolved against the configuration file's
// directory and unset fields receive their defaults.
func Read(path string) (Config, error) {
	absPath, err := canonical(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := hclsimple.DecodeFile(absPath, EvalContext(), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that cfg describes a launchable server.
func Validate(cfg *Config) error {
	if cfg.Server == nil {
		return fmt.Errorf("server block required")
	}
	s := cfg.Server
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("server.command required")
	}
	mod, attr, ok := strings.Cut(s.App, ":")
	if !ok || mod == "" || attr == "" {
		return fmt.Errorf("server.app must have the form module:attribute")
	}
	if s.Host == "" {
		return fmt.Errorf("server.host required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server.port invalid")
	}
	for k := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("server.env: invalid variable name %q", k)
		}
	}
	if cfg.Reload != nil {
		switch cfg.Reload.Mode {
		case ReloadServer, ReloadLauncher, ReloadOff:
		default:
			return fmt.Errorf("reload.mode must be server, launcher or off")
		}
		if cfg.Reload.DebounceMS < 0 {
			return fmt.Errorf("reload.debounce_ms must be >= 0")
		}
		for _, ext := range cfg.Reload.Extensions {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("reload.extensions: %q must start with a dot", ext)
			}
		}
		if cfg.Reload.Mode == ReloadLauncher && len(cfg.Reload.Paths) == 0 {
			return fmt.Errorf("reload.paths required when reload.mode is launcher")
		}
	}
	if cfg.Startup != nil {
		if v := cfg.Startup.TimeoutSeconds; v != nil && *v < 0 {
			return fmt.Errorf("startup.timeout_seconds must be >= 0")
		}
		if v := cfg.Startup.StopGraceSeconds; v != nil && *v < 0 {
			return fmt.Errorf("startup.stop_grace_seconds must be >= 0")
		}
		if hp := cfg.Startup.HealthPath; hp != "" && !strings.HasPrefix(hp, "/") {
			return fmt.Errorf("startup.health_path must start with /")
		}
	}
	if cfg.Status != nil && cfg.Status.Enabled {
		if cfg.Status.Addr == "" {
			return fmt.Errorf("status.addr required when status.enabled is true")
		}
		_, port, err := net.SplitHostPort(cfg.Status.Addr)
		if err != nil || port == "" {
			return fmt.Errorf("status.addr invalid")
		}
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			return fmt.Errorf("status.addr invalid")
		}
		if cfg.Status.Addr == s.Addr() {
			return fmt.Errorf("status.addr conflicts with the server address")
		}
	}
	if cfg.History != nil && cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history.path required when history.enabled is true")
	}
	if cfg.Events != nil && cfg.Events.Log != "" {
		if info, err := os.Stat(cfg.Events.Log); err == nil && info.IsDir() {
			return fmt.Errorf("events.log must be a file")
		}
	}
	return nil
}

// Load reads and validates the configuration from path. Files ending in
// .json are decoded with ReadJSON, everything else as HCL.
func Load(path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		cfg, err = ReadJSON(path)
	} else {
		cfg, err = Read(path)
	}
	if err != nil {
		return Config{}, err
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadJSON parses the JSON configuration from path without validating mandatory
// fields. Relative paths are resolved against the configuration file's
// directory.
func ReadJSON(path string) (Config, error) {
	absPath, err := canonical(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := ResolvePaths(&cfg, filepath.Dir(absPath)); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WriteJSON writes cfg encoded as JSON to path.
func WriteJSON(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o600)
}

func canonical(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	absPath, err = filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return absPath, nil
}
