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

// Watch monitors path and invokes onChange on every modification. A
// removed or renamed file is re-added with exponential backoff, so
// editors that replace files and config-management tools that swap
// symlinks keep working. The watcher stops when ctx is canceled.
// Errors from onChange and from the underlying watcher are sent on the
// returned channel, which is closed when the watcher exits.
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

	report := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cblog.Errorf("watch %s: %v", path, err)
	}

	// rewatch blocks until the path exists again and is watched, or
	// ctx is canceled. Returns false on cancellation.
	rewatch := func() bool {
		backoff := retryInterval
		for {
			select {
			case <-ctx.Done():
				return false
			default:
			}
			time.Sleep(backoff)
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
						report(err)
					}
				}
				if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					if !rewatch() {
						return
					}
					if err := onChange(); err != nil {
						report(err)
					}
				}
			case err := <-w.Errors:
				if err != nil {
					report(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return errCh, nil
}
