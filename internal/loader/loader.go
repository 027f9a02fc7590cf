package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/0x4D31/venvrun/internal/config"
)

// DefaultConfigFile is picked up from the working directory when no
// --config is given.
const DefaultConfigFile = "venvrun.hcl"

// Overrides contains CLI override values applied on top of a loaded config.
// Zero-value fields are ignored unless the corresponding Set flag is true.
type Overrides struct {
	Venv              string
	VenvSet           bool
	Command           string
	CommandSet        bool
	App               string
	AppSet            bool
	Host              string
	HostSet           bool
	Port              int
	PortSet           bool
	Reload            bool
	ReloadSet         bool
	ReloadMode        string
	ReloadModeSet     bool
	Workdir           string
	WorkdirSet        bool
	HealthPath        string
	HealthPathSet     bool
	StartupTimeout    int
	StartupTimeoutSet bool
	NoPreflight       bool
	NoPreflightSet    bool
	StatusAddr        string
	StatusAddrSet     bool
	StatusToken       string
	StatusTokenSet    bool
	HistoryDB         string
	HistoryDBSet      bool
	EventsLog         string
	EventsLogSet      bool
}

// AbsFromCWD resolves p against the current working directory when not
// already absolute and returns a canonical absolute path.
func AbsFromCWD(p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	abs := filepath.Join(wd, p)
	abs, err = filepath.Abs(abs)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(abs)), nil
}

// LoadMain reads and validates the configuration at path.
func LoadMain(path string) (config.Config, error) {
	return config.Load(path)
}

// FindConfig returns the --config value, or DefaultConfigFile when it exists
// in the working directory, or "".
func FindConfig(cmd *cli.Command) (string, error) {
	if p := cmd.String("config"); p != "" {
		return AbsFromCWD(p)
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return AbsFromCWD(DefaultConfigFile)
	}
	return "", nil
}

// OverridesFromCommand collects every run flag that was set on the command
// line or through its environment variable.
func OverridesFromCommand(cmd *cli.Command) Overrides {
	var ov Overrides
	if cmd.IsSet("venv") {
		ov.Venv, ov.VenvSet = cmd.String("venv"), true
	}
	if cmd.IsSet("command") {
		ov.Command, ov.CommandSet = cmd.String("command"), true
	}
	if cmd.IsSet("app") {
		ov.App, ov.AppSet = cmd.String("app"), true
	}
	if cmd.IsSet("host") {
		ov.Host, ov.HostSet = cmd.String("host"), true
	}
	if cmd.IsSet("port") {
		ov.Port, ov.PortSet = cmd.Int("port"), true
	}
	if cmd.IsSet("reload") {
		ov.Reload, ov.ReloadSet = cmd.Bool("reload"), true
	}
	if cmd.IsSet("reload-mode") {
		ov.ReloadMode, ov.ReloadModeSet = cmd.String("reload-mode"), true
	}
	if cmd.IsSet("workdir") {
		ov.Workdir, ov.WorkdirSet = cmd.String("workdir"), true
	}
	if cmd.IsSet("health-path") {
		ov.HealthPath, ov.HealthPathSet = cmd.String("health-path"), true
	}
	if cmd.IsSet("startup-timeout") {
		ov.StartupTimeout, ov.StartupTimeoutSet = cmd.Int("startup-timeout"), true
	}
	if cmd.IsSet("no-preflight") {
		ov.NoPreflight, ov.NoPreflightSet = cmd.Bool("no-preflight"), true
	}
	if cmd.IsSet("status-addr") {
		ov.StatusAddr, ov.StatusAddrSet = cmd.String("status-addr"), true
	}
	if cmd.IsSet("status-token") {
		ov.StatusToken, ov.StatusTokenSet = cmd.String("status-token"), true
	}
	if cmd.IsSet("history-db") {
		ov.HistoryDB, ov.HistoryDBSet = cmd.String("history-db"), true
	}
	if cmd.IsSet("events-log") {
		ov.EventsLog, ov.EventsLogSet = cmd.String("events-log"), true
	}
	return ov
}

// Merge applies CLI overrides to cfg according to precedence rules and
// validates the result.
func Merge(cfg *config.Config, ov Overrides) error {
	config.ApplyDefaults(cfg)
	abs := func(p string) (string, error) {
		v, err := AbsFromCWD(p)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", p, err)
		}
		return v, nil
	}

	if ov.VenvSet {
		p, err := abs(ov.Venv)
		if err != nil {
			return err
		}
		cfg.Venv.Path = p
	}
	s := cfg.Server
	if ov.CommandSet {
		s.Command = ov.Command
	}
	if ov.AppSet {
		s.App = ov.App
	}
	if ov.HostSet {
		s.Host = ov.Host
	}
	if ov.PortSet {
		s.Port = ov.Port
	}
	if ov.WorkdirSet {
		p, err := abs(ov.Workdir)
		if err != nil {
			return err
		}
		r := cfg.Reload
		if len(r.Paths) == 1 && (r.Paths[0] == s.Workdir || r.Paths[0] == ".") {
			r.Paths = []string{p}
		}
		s.Workdir = p
	}
	if ov.ReloadSet {
		v := ov.Reload
		s.Reload = &v
		switch {
		case !v:
			cfg.Reload.Mode = config.ReloadOff
		case cfg.Reload.Mode == config.ReloadOff:
			cfg.Reload.Mode = config.ReloadServer
		}
	}
	if ov.ReloadModeSet {
		cfg.Reload.Mode = ov.ReloadMode
	}
	if ov.HealthPathSet {
		cfg.Startup.HealthPath = ov.HealthPath
	}
	if ov.StartupTimeoutSet {
		n := ov.StartupTimeout
		cfg.Startup.TimeoutSeconds = &n
	}
	if ov.NoPreflightSet {
		on := !ov.NoPreflight
		cfg.Startup.PreflightPort = &on
	}

	if ov.StatusAddrSet {
		cfg.Status.Addr = ov.StatusAddr
		cfg.Status.Enabled = ov.StatusAddr != ""
	}
	if ov.StatusTokenSet {
		cfg.Status.Token = ov.StatusToken
	}
	if ov.HistoryDBSet {
		p, err := abs(ov.HistoryDB)
		if err != nil {
			return err
		}
		cfg.History.Path = p
		cfg.History.Enabled = p != ""
	}
	if ov.EventsLogSet {
		p, err := abs(ov.EventsLog)
		if err != nil {
			return err
		}
		cfg.Events.Log = p
	}
	config.ApplyDefaults(cfg)
	return config.Validate(cfg)
}

// SynthesiseFromFlags builds a config from the built-in defaults and the
// command's flags when no configuration file is used. Relative paths are
// resolved against the working directory.
func SynthesiseFromFlags(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	wd, err := os.Getwd()
	if err != nil {
		return config.Config{}, err
	}
	if err := config.ResolvePaths(&cfg, wd); err != nil {
		return config.Config{}, err
	}
	if err := Merge(&cfg, OverridesFromCommand(cmd)); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// Resolve loads the configuration for cmd: the config file when one is
// found, otherwise the defaults, with flag and environment overrides
// applied. It returns the config file path, or "".
func Resolve(cmd *cli.Command) (config.Config, string, error) {
	path, err := FindConfig(cmd)
	if err != nil {
		return config.Config{}, "", err
	}
	if path == "" {
		cfg, err := SynthesiseFromFlags(cmd)
		return cfg, "", err
	}
	cfg, err := LoadMain(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if err := Merge(&cfg, OverridesFromCommand(cmd)); err != nil {
		return config.Config{}, "", err
	}
	return cfg, path, nil
}
