package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cblog "github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// TreeOptions configures WatchTree.
type TreeOptions struct {
	// Roots are the directories watched recursively.
	Roots []string
	// Extensions limits events to files with these suffixes. Empty means
	// every file.
	Extensions []string
	// Exclude lists directory base names that are never descended into.
	Exclude []string
	// Debounce is the quiet period after the last event before onChange
	// runs. Bursts of writes produce a single call.
	Debounce time.Duration
}

func (o TreeOptions) excluded(name string) bool {
	for _, ex := range o.Exclude {
		if name == ex {
			return true
		}
	}
	return false
}

func (o TreeOptions) relevant(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".#") || strings.HasSuffix(base, "~") {
		return false
	}
	if len(o.Extensions) == 0 {
		return true
	}
	ext := filepath.Ext(path)
	for _, e := range o.Extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// WatchTree watches every directory below opts.Roots and calls onChange with
// the sorted, de-duplicated set of changed files once opts.Debounce has
// passed without further events. Directories created later are added as
// they appear. The returned channel carries onChange and fsnotify errors and
// is closed when ctx is canceled.
func WatchTree(ctx context.Context, opts TreeOptions, onChange func(paths []string) error) (<-chan error, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range opts.Roots {
		if err := addTree(w, root, opts); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	errCh := make(chan error, 1)
	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cblog.Errorf("watch tree: %v", err)
	}

	go func() {
		defer func() {
			_ = w.Close()
			close(errCh)
		}()
		pending := make(map[string]struct{})
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						if !opts.excluded(filepath.Base(ev.Name)) {
							if err := addTree(w, ev.Name, opts); err != nil {
								report(err)
							}
						}
						continue
					}
				}
				if ev.Op == fsnotify.Chmod || !opts.relevant(ev.Name) {
					continue
				}
				pending[ev.Name] = struct{}{}
				if timer == nil {
					timer = time.NewTimer(opts.Debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(opts.Debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				paths := make([]string, 0, len(pending))
				for p := range pending {
					paths = append(paths, p)
				}
				sort.Strings(paths)
				pending = make(map[string]struct{})
				if err := onChange(paths); err != nil {
					report(err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					report(err)
				}
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			}
		}
	}()
	return errCh, nil
}

func addTree(w *fsnotify.Watcher, root string, opts TreeOptions) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p != root && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && opts.excluded(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
