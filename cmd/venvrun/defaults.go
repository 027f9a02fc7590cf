package main

import (
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/venvrun/internal/config"
)

const (
	defaultHistoryLimit = 20
	// eventBacklog is how many events the status stream replays to new
	// clients.
	eventBacklog = 64
)

// runFlags returns the flags shared by the root command, run and env. Each
// call returns fresh flag values. Local flags are not inherited by
// subcommands.
func runFlags(local bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "configuration file (HCL or JSON)", DefaultText: "venvrun.hcl if present", Sources: cli.EnvVars("VENVRUN_CONFIG"), Local: local},
		&cli.StringFlag{Name: "venv", Usage: "virtual environment directory", DefaultText: "venv or .venv in the workdir", Sources: cli.EnvVars("VENVRUN_VENV"), Local: local},
		&cli.StringFlag{Name: "command", Usage: "server executable", DefaultText: config.DefaultCommand, Sources: cli.EnvVars("VENVRUN_COMMAND"), Local: local},
		&cli.StringFlag{Name: "app", Usage: "application reference module:attribute", DefaultText: config.DefaultApp, Sources: cli.EnvVars("VENVRUN_APP"), Local: local},
		&cli.StringFlag{Name: "host", Usage: "bind host", DefaultText: config.DefaultHost, Sources: cli.EnvVars("VENVRUN_HOST"), Local: local},
		&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "bind port", DefaultText: "8000", Sources: cli.EnvVars("VENVRUN_PORT"), Local: local},
		&cli.BoolFlag{Name: "reload", Usage: "pass --reload to the server", DefaultText: "true", Sources: cli.EnvVars("VENVRUN_RELOAD"), Local: local},
		&cli.StringFlag{Name: "reload-mode", Usage: "server, launcher or off", DefaultText: config.ReloadServer, Sources: cli.EnvVars("VENVRUN_RELOAD_MODE"), Local: local},
		&cli.StringFlag{Name: "workdir", Usage: "server working directory", Sources: cli.EnvVars("VENVRUN_WORKDIR"), Local: local},
		&cli.StringFlag{Name: "health-path", Usage: "HTTP path polled for readiness", Sources: cli.EnvVars("VENVRUN_HEALTH_PATH"), Local: local},
		&cli.IntFlag{Name: "startup-timeout", Usage: "readiness timeout in seconds", DefaultText: "30", Sources: cli.EnvVars("VENVRUN_STARTUP_TIMEOUT"), Local: local},
		&cli.BoolFlag{Name: "no-preflight", Usage: "skip the port availability check", Sources: cli.EnvVars("VENVRUN_NO_PREFLIGHT"), Local: local},
		&cli.StringFlag{Name: "status-addr", Usage: "enable the status API on this address", Sources: cli.EnvVars("VENVRUN_STATUS_ADDR"), Local: local},
		&cli.StringFlag{Name: "status-token", Usage: "bearer token for the status API", Sources: cli.EnvVars("VENVRUN_STATUS_TOKEN"), Local: local},
		&cli.StringFlag{Name: "history-db", Usage: "record runs in this SQLite database", Sources: cli.EnvVars("VENVRUN_HISTORY_DB"), Local: local},
		&cli.StringFlag{Name: "events-log", Usage: "append lifecycle events as JSON lines", Sources: cli.EnvVars("VENVRUN_EVENTS_LOG"), Local: local},
	}
}
