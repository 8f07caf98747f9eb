package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/observability/log"
)

const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a loaded module when its source file is rewritten. The file
// is first copied to a unique name in the staging directory because plugins
// are cached by path. Removing a file never unloads anything.
type Watcher struct {
	loader   *Loader
	logger   log.Log
	fs       *fsnotify.Watcher
	staging  string
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer

	// OnReload, when set, observes every reload attempt the watcher makes.
	OnReload func(source string, result ReloadResult, err error)
}

// NewWatcher watches dirs for changes to loaded modules' files.
func NewWatcher(l *Loader, staging string, debounce time.Duration, dirs ...string) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, errors.Wrap(err, "create staging dir")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fs watcher")
	}
	for _, dir := range dirs {
		if err = fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, errors.Wrapf(err, "watch %s", dir)
		}
	}
	return &Watcher{
		loader:   l,
		logger:   l.logger.Named("watcher"),
		fs:       fsw,
		staging:  staging,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			w.schedule(ctx, path)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", log.Error(err))
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			w.reload(ctx, path)
		}
	})
}

func (w *Watcher) reload(ctx context.Context, source string) {
	h, ok := w.loader.bySource(source)
	if !ok {
		return
	}

	staged, err := w.stage(source)
	var result ReloadResult
	if err == nil {
		result, err = w.loader.reload(ctx, h, staged, source)
		if err != nil {
			_ = os.Remove(staged)
		}
	}

	if err != nil {
		w.logger.Error("hot reload failed", log.Module(h.Name), log.String("source", source), log.Error(err))
	} else {
		w.logger.Info("hot reloaded", log.Module(h.Name), log.String("staged", staged), log.Stringer("state", result.State))
	}
	if w.OnReload != nil {
		w.OnReload(source, result, err)
	}
}

func (w *Watcher) stage(source string) (string, error) {
	in, err := os.Open(source)
	if err != nil {
		return "", errors.Wrap(err, "open source")
	}
	defer func() { _ = in.Close() }()

	staged := filepath.Join(w.staging, uuid.NewString()+filepath.Ext(source))
	out, err := os.OpenFile(staged, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return "", errors.Wrap(err, "create staged copy")
	}
	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(staged)
		return "", errors.Wrap(err, "copy to staging")
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(staged)
		return "", errors.Wrap(err, "close staged copy")
	}
	return staged, nil
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()
	_ = w.fs.Close()
}
