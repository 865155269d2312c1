package access

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Source yields the policy currently in force.
type Source interface {
	Current() Policy
}

// StaticSource serves a fixed policy.
type StaticSource struct {
	Policy Policy
}

func (s StaticSource) Current() Policy {
	return s.Policy
}

// Watcher reloads a YAML policy file whenever it changes on disk. A file
// that fails to parse keeps the previous policy in force.
type Watcher struct {
	path    string
	logger  logrus.FieldLogger
	current atomic.Pointer[Policy]
	watcher *fsnotify.Watcher
}

// NewWatcher loads path once and prepares a watch on its directory, so
// editors that replace the file by rename are still observed.
func NewWatcher(path string, logger logrus.FieldLogger) (*Watcher, error) {
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path), logger: logger.WithField("policy", path), watcher: fsw}
	w.current.Store(&policy)
	return w, nil
}

func (w *Watcher) Current() Policy {
	return *w.current.Load()
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("policy watcher error")
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("policy reload failed; keeping previous rules")
		return
	}
	w.current.Store(&policy)
	w.logger.Info("policy reloaded")
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
