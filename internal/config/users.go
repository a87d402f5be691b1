package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/meetingnotes/internal/notes"
)

// UserList holds the workspace users whose Drive feeds are watched. The
// static entries from configuration are merged with the optional users
// file, which may be reloaded while the process runs.
type UserList struct {
	mu       sync.RWMutex
	static   []string
	fromFile []string
	path     string
}

func NewUserList(static []string, path string) (*UserList, error) {
	list := &UserList{static: notes.CleanUsers(static), path: path}
	if path != "" {
		if err := list.Reload(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

func (l *UserList) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	merged := make([]string, 0, len(l.static)+len(l.fromFile))
	merged = append(merged, l.static...)
	merged = append(merged, l.fromFile...)
	return notes.CleanUsers(merged)
}

func (l *UserList) Reload() error {
	if l.path == "" {
		return nil
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("read users file %s: %w", l.path, err)
	}
	users := notes.CleanUsers(ParseList(string(raw)))
	l.mu.Lock()
	l.fromFile = users
	l.mu.Unlock()
	return nil
}

// Watch reloads the users file whenever it changes until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are picked up.
func (l *UserList) Watch(ctx context.Context, logger *slog.Logger) error {
	if l.path == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(l.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := l.Reload(); err != nil {
					logger.Warn("users file reload failed", "path", l.path, "error", err)
					continue
				}
				logger.Info("users file reloaded", "path", l.path, "users", len(l.Users()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("users file watch error", "error", err)
			}
		}
	}()
	return nil
}
