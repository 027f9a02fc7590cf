package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/urfave/cli/v3"

	"github.com/0x4D31/venvrun/internal/history"
	"github.com/0x4D31/venvrun/internal/loader"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(lipgloss.Color("196"))
)

func historyAction(ctx context.Context, cmd *cli.Command) error {
	p, err := loader.AbsFromCWD(cmd.String("db"))
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no history at %s (enable it with --history-db or a history block)", p)
	}
	store, err := history.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.List(ctx, cmd.Int("limit"))
	if err != nil {
		return err
	}
	w := cmd.Root().Writer
	if w == nil {
		w = os.Stdout
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no runs recorded")
		return err
	}
	_, err = fmt.Fprintln(w, renderRuns(runs))
	return err
}

func renderRuns(runs []history.Run) string {
	rows := make([][]string, 0, len(runs))
	failed := make(map[int]bool)
	for i, r := range runs {
		exit, dur := "running", time.Since(r.StartedAt)
		if r.EndedAt != nil {
			dur = r.EndedAt.Sub(r.StartedAt)
			switch {
			case r.ExitCode != nil:
				exit = strconv.Itoa(*r.ExitCode)
				failed[i] = *r.ExitCode != 0
			case r.Error != "":
				exit = "error"
				failed[i] = true
			}
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			id,
			r.StartedAt.Local().Format(time.DateTime),
			dur.Round(time.Second).String(),
			r.App,
			r.Addr,
			strconv.Itoa(r.PID),
			strconv.Itoa(r.Restarts),
			exit,
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("RUN", "STARTED", "DURATION", "APP", "ADDR", "PID", "RESTARTS", "EXIT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 7 && failed[row]:
				return failStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}
