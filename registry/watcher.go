package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher evicts cached artifacts when files under the artifact root change.
// A change inside a subject directory evicts that subject; a change to the
// root itself clears the whole cache.
type Watcher struct {
	registry *Registry
	root     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
}

func NewWatcher(registry *Registry, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	root, err := filepath.Abs(registry.Root())
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		registry: registry,
		root:     root,
		watcher:  fw,
		logger:   logger.Named("watcher"),
	}
	if err := w.addTree(); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watching artifact root", zap.String("root", w.root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	subject, ok := w.subjectOf(event.Name)
	if !ok {
		return
	}
	w.logger.Debug("artifact changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))

	if subject == "" {
		w.registry.ClearCache()
		return
	}
	if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.root {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("cannot watch subject directory", zap.String("path", event.Name), zap.Error(err))
			}
		}
	}
	w.registry.Evict(subject)
}

// subjectOf maps a changed path to its subject; "" means the root itself.
func (w *Watcher) subjectOf(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "", true
	}
	return strings.Split(rel, string(filepath.Separator))[0], true
}

func (w *Watcher) addTree() error {
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.watcher.Add(filepath.Join(w.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
