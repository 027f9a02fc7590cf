package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenWAL(t *testing.T) {
	s := openStore(t)
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		t.Fatalf("journal mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected wal got %s", mode)
	}
}

func TestBeginFinishList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := Run{ID: "a", StartedAt: base, App: "main:app", Addr: "0.0.0.0:8000", Command: []string{"uvicorn", "main:app"}, PID: 10}
	if err := s.Begin(ctx, first); err != nil {
		t.Fatalf("begin: %v", err)
	}
	code := 3
	ended := base.Add(time.Minute)
	first.EndedAt = &ended
	first.ExitCode = &code
	first.Restarts = 2
	if err := s.Finish(ctx, first); err != nil {
		t.Fatalf("finish: %v", err)
	}

	second := Run{ID: "b", StartedAt: base.Add(time.Hour), App: "main:app", Addr: "0.0.0.0:8000", Command: []string{"uvicorn"}}
	if err := s.Begin(ctx, second); err != nil {
		t.Fatalf("begin: %v", err)
	}

	runs, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[1].ID != "a" {
		t.Fatalf("unexpected order %+v", runs)
	}
	if runs[0].EndedAt != nil || runs[0].ExitCode != nil {
		t.Fatalf("running run has outcome %+v", runs[0])
	}
	a := runs[1]
	if a.ExitCode == nil || *a.ExitCode != 3 || a.Restarts != 2 || a.EndedAt == nil || !a.EndedAt.Equal(ended) {
		t.Fatalf("unexpected finished run %+v", a)
	}
	if len(a.Command) != 2 || a.Command[1] != "main:app" {
		t.Fatalf("command %v", a.Command)
	}

	limited, err := s.List(ctx, 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestFinishWithoutBegin(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	r := Run{ID: "x", StartedAt: time.Now(), App: "main:app", Addr: "127.0.0.1:8000", Error: "activate environment: not found"}
	if err := s.Finish(ctx, r); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, err := s.Get(ctx, "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != r.Error || got.EndedAt == nil {
		t.Fatalf("unexpected run %+v", got)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Begin(context.Background(), Run{ID: "a", StartedAt: time.Now(), Command: []string{"uvicorn"}}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	runs, err := s.List(context.Background(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs %v err %v", runs, err)
	}
}
