package main

import (
	"context"

	"github.com/0x4D31/venvrun/internal/history"
	"github.com/0x4D31/venvrun/internal/launch"
)

// ledger records supervisor runs in the history store.
type ledger struct {
	store *history.Store
}

func (l ledger) Begin(ctx context.Context, r launch.RunInfo) error {
	return l.store.Begin(ctx, toRun(r))
}

func (l ledger) Finish(ctx context.Context, r launch.RunInfo) error {
	return l.store.Finish(ctx, toRun(r))
}

func toRun(r launch.RunInfo) history.Run {
	run := history.Run{
		ID:        r.ID,
		StartedAt: r.StartedAt,
		App:       r.App,
		Addr:      r.Addr,
		Command:   r.Command,
		PID:       r.PID,
		Restarts:  r.Restarts,
		ExitCode:  r.ExitCode,
		Error:     r.Error,
	}
	if !r.EndedAt.IsZero() {
		t := r.EndedAt
		run.EndedAt = &t
	}
	return run
}
