package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/history"
	"github.com/0x4D31/venvrun/internal/launch"
	"github.com/0x4D31/venvrun/internal/logger"
	"github.com/0x4D31/venvrun/internal/sse"
	"github.com/0x4D31/venvrun/internal/status"
)

// version is overridden at build time using -ldflags "-X main.version=<version>"
// when building release binaries. It defaults to "dev" for local builds.
var version = "dev"

type runtimeState struct {
	cfg       *config.Config
	pf        parsedFlags
	events    *logger.Logger
	hub       *sse.Hub
	store     *history.Store
	statusSrv *status.Server
	sup       *launch.Supervisor
	stdio     launch.Stdio
	wg        sync.WaitGroup
}

func newRuntime(cfg *config.Config, pf parsedFlags) (*runtimeState, error) {
	rt := &runtimeState{
		cfg:   cfg,
		pf:    pf,
		stdio: launch.Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr},
	}
	var err error
	rt.events, err = logger.New(cfg.Events.Log)
	if err != nil {
		return nil, fmt.Errorf("events log %s: %w", cfg.Events.Log, err)
	}
	rt.events.SetEcho(pf.LogLevel == "debug")

	var rec launch.Recorder
	if cfg.History.Enabled {
		rt.store, err = history.Open(cfg.History.Path)
		if err != nil {
			rt.shutdown()
			return nil, err
		}
		rec = ledger{store: rt.store}
	}

	rt.sup = launch.New(launch.Options{
		Config:   cfg,
		Events:   rt.events,
		Recorder: rec,
		Stdio:    rt.stdio,
	})

	if cfg.Status.Enabled {
		rt.hub = sse.NewHub(eventBacklog)
		rt.events.AddSink(rt.hub)
		opts := status.Options{Addr: cfg.Status.Addr, Token: cfg.Status.Token, Hub: rt.hub}
		if rt.store != nil {
			opts.Ledger = rt.store
		}
		if strings.EqualFold(filepath.Ext(pf.ConfigPath), ".json") {
			opts.Path = pf.ConfigPath
		}
		rt.statusSrv = status.New(rt.sup, opts)
		if err := rt.statusSrv.Listen(); err != nil {
			rt.shutdown()
			return nil, err
		}
	}
	return rt, nil
}

// run starts the auxiliary services and supervises the server until it
// exits.
func (rt *runtimeState) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if rt.statusSrv != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			if err := rt.statusSrv.Start(); err != nil {
				cblog.Errorf("status server: %v", err)
			}
		}()
	}
	if rt.pf.ConfigPath != "" {
		if err := watchConfig(ctx, rt.pf.ConfigPath, rt); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.handleSignals(ctx, sigCh)
	}()

	return rt.sup.Run(ctx)
}

func (rt *runtimeState) handleSignals(ctx context.Context, sigCh <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := rt.sup.Restart("SIGHUP"); err != nil {
					cblog.Warnf("ignoring SIGHUP: %v", err)
				}
				continue
			}
			rt.sup.Interrupt(sig)
		}
	}
}

func (rt *runtimeState) shutdown() {
	if rt == nil {
		return
	}
	if rt.statusSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.statusSrv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cblog.Errorf("shutdown status: %v", err)
		}
		cancel()
	}
	rt.wg.Wait()
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			cblog.Errorf("close history: %v", err)
		}
	}
	if err := rt.events.Close(); err != nil {
		cblog.Errorf("close events log: %v", err)
	}
}
