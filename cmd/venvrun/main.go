package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	cblog "github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/launch"
	"github.com/0x4D31/venvrun/internal/loader"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "venvrun",
		Usage:   "activate a Python virtual environment and run an ASGI server",
		Version: version,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("VENVRUN_LOG_LEVEL"),
			},
		}, runFlags(true)...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			switch strings.ToLower(cmd.String("log-level")) {
			case "debug":
				cblog.SetLevel(cblog.DebugLevel)
			case "warn":
				cblog.SetLevel(cblog.WarnLevel)
			case "error":
				cblog.SetLevel(cblog.ErrorLevel)
			default:
				cblog.SetLevel(cblog.InfoLevel)
			}
			return ctx, nil
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "activate the environment and run the server (default)",
				Flags:  runFlags(false),
				Action: runAction,
			},
			{
				Name:  "validate",
				Usage: "validate a configuration file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Sources: cli.EnvVars("VENVRUN_CONFIG")},
				},
				Action: validateAction,
			},
			{
				Name:   "env",
				Usage:  "activate the environment and print the server invocation without running it",
				Flags:  runFlags(false),
				Action: envAction,
			},
			{
				Name:  "history",
				Usage: "list recorded runs",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "db", Value: config.DefaultHistoryPath, Sources: cli.EnvVars("VENVRUN_HISTORY_DB")},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: defaultHistoryLimit},
				},
				Action: historyAction,
			},
		},
	}
}

func main() {
	cmd := newApp()
	cmd.ErrWriter = os.Stderr

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		var ee *launch.ExitError
		if errors.As(err, &ee) {
			os.Exit(ee.Code)
		}
		cblog.Fatal(err.Error())
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Present() {
		return fmt.Errorf("unexpected argument %q", cmd.Args().First())
	}
	cfg, cfgPath, err := loader.Resolve(cmd)
	if err != nil {
		return err
	}
	cblog.Infof("starting venvrun %s", version)
	if cfgPath != "" {
		cblog.Infof("loaded config from %s", cfgPath)
	}

	pf := parsedFlags{
		ConfigPath: cfgPath,
		LogLevel:   strings.ToLower(cmd.String("log-level")),
		Overrides:  loader.OverridesFromCommand(cmd),
	}
	rt, err := newRuntime(&cfg, pf)
	if err != nil {
		return err
	}
	defer rt.shutdown()
	return rt.run(ctx)
}

func validateAction(ctx context.Context, cmd *cli.Command) error {
	p, err := loader.FindConfig(cmd)
	if err != nil {
		return err
	}
	if p == "" {
		return errors.New("no configuration file: pass --config or create " + loader.DefaultConfigFile)
	}
	if _, err := loader.LoadMain(p); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(cmd.ErrWriter, "config valid"); err != nil {
		return err
	}
	return nil
}
