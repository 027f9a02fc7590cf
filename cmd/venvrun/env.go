package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/venvrun/internal/launch"
	"github.com/0x4D31/venvrun/internal/loader"
	"github.com/0x4D31/venvrun/internal/venv"
)

var (
	keyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))
	valStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// envAction activates the environment and prints what run would execute.
func envAction(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loader.Resolve(cmd)
	if err != nil {
		return err
	}
	dir, err := launch.VenvDir(&cfg)
	if err != nil {
		return err
	}
	env, err := venv.Activate(dir)
	if err != nil {
		return err
	}
	inv, err := launch.Resolve(&cfg, env)
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	if w == nil {
		w = os.Stdout
	}
	prompt, _ := env.Get("VIRTUAL_ENV_PROMPT")
	path, _ := env.Get("PATH")
	rows := [][2]string{
		{"VIRTUAL_ENV", env.Dir},
		{"VIRTUAL_ENV_PROMPT", prompt},
		{"PATH", path},
		{"python", env.Python},
		{"workdir", inv.Dir},
		{"reload", cfg.Reload.Mode},
		{"command", inv.String()},
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%s %s\n", keyStyle.Render(r[0]+":"), valStyle.Render(r[1])); err != nil {
			return err
		}
	}
	for _, k := range slices.Sorted(maps.Keys(cfg.Server.Env)) {
		if _, err := fmt.Fprintf(w, "%s %s\n", dimStyle.Render("env "+k+":"), valStyle.Render(cfg.Server.Env[k])); err != nil {
			return err
		}
	}
	return nil
}
