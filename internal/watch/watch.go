package watch

import (
	"context"
	"os"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

const (
	retryInterval    = 50 * time.Millisecond
	retryMaxInterval = 5 * time.Second
)

// Watch monitors path for modifications and invokes onChange on each change.
// It continues watching even if the file is replaced (editors commonly save
// by renaming a temporary file over the original), using exponential backoff
// to re-add it. The watcher stops when ctx is canceled. Errors returned by
// onChange or reported by fsnotify are sent on the returned channel, which is
// closed when the watcher exits.
func Watch(ctx context.Context, path string, onChange func() error) (<-chan error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	errCh := make(chan error, 1)
	report := func(err error, msg string) {
		select {
		case errCh <- err:
		default:
		}
		cblog.Errorf("%s %s: %v", msg, path, err)
	}

	go func() {
		defer func() {
			_ = w.Close()
			close(errCh)
		}()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					if err := onChange(); err != nil {
						report(err, "watch change")
					}
				}
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					if !readd(ctx, w, path) {
						return
					}
					if err := onChange(); err != nil {
						report(err, "watch change")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					report(err, "watch error")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return errCh, nil
}

// readd waits for path to reappear and adds it back to w. It returns false
// when ctx is canceled first.
func readd(ctx context.Context, w *fsnotify.Watcher, path string) bool {
	backoff := retryInterval
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if _, err := os.Stat(path); err == nil {
			if err := w.Add(path); err == nil {
				return true
			}
		}
		if backoff < retryMaxInterval {
			backoff *= 2
			if backoff > retryMaxInterval {
				backoff = retryMaxInterval
			}
		}
	}
}
