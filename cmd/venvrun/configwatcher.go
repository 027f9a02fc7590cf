package main

import (
	"context"
	"fmt"
	"reflect"

	cblog "github.com/charmbracelet/log"

	"github.com/0x4D31/venvrun/internal/config"
	"github.com/0x4D31/venvrun/internal/loader"
	"github.com/0x4D31/venvrun/internal/logger"
	"github.com/0x4D31/venvrun/internal/watch"
)

// reloadConfig reads path, re-applies the command line overrides and hands
// the result to the supervisor. Invalid files leave the server untouched.
func reloadConfig(path string, rt *runtimeState) error {
	cfg, err := loader.LoadMain(path)
	if err != nil {
		return err
	}
	if err := loader.Merge(&cfg, rt.pf.Overrides); err != nil {
		return err
	}
	prev := rt.sup.Config()
	if prev != nil && !sameAuxiliary(prev, &cfg) {
		cblog.Warnf("status, history and events settings in %s take effect on the next launch", path)
	}
	ev := logger.Event{Kind: logger.KindConfigReload, Paths: []string{path}}
	restarted, err := rt.sup.Reconfigure(&cfg)
	if err != nil {
		ev.Error = err.Error()
		_ = rt.events.Log(ev)
		return err
	}
	if restarted {
		ev.Reason = "invocation changed"
		cblog.Infof("config %s changed the server invocation; restarting", path)
	} else {
		ev.Reason = "invocation unchanged"
		cblog.Infof("config %s reloaded", path)
	}
	if err := rt.events.Log(ev); err != nil {
		cblog.Errorf("log event: %v", err)
	}
	return nil
}

func sameAuxiliary(a, b *config.Config) bool {
	return reflect.DeepEqual(a.Status, b.Status) &&
		reflect.DeepEqual(a.History, b.History) &&
		reflect.DeepEqual(a.Events, b.Events)
}

// watchConfig watches the configuration file and reconfigures the
// supervisor when it changes.
func watchConfig(ctx context.Context, path string, rt *runtimeState) error {
	errCh, err := watch.Watch(ctx, path, func() error { return reloadConfig(path, rt) })
	if err != nil {
		return fmt.Errorf("watch config %s: %w", path, err)
	}
	go func() {
		for e := range errCh {
			cblog.Errorf("config reload %s failed: %v", path, e)
		}
	}()
	return nil
}
