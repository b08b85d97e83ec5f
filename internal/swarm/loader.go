package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RulePackFile is the YAML root of a rule pack.
type RulePackFile struct {
	Mode  EvaluationMode `yaml:"mode,omitempty"`
	Rules []Rule         `yaml:"rules"`
}

// LoadRulePack reads and validates a rule pack. A missing file yields an
// empty pack so callers can fall back to DefaultRules.
func LoadRulePack(path string) (RulePackFile, error) {
	var pack RulePackFile
	if path == "" {
		return pack, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pack, nil
		}
		return pack, err
	}
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return pack, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	for _, r := range pack.Rules {
		if err := r.Validate(); err != nil {
			return pack, fmt.Errorf("rule pack %s: %w", path, err)
		}
	}
	return pack, nil
}

// Watcher reloads a rule pack into an engine whenever the file changes.
type Watcher struct {
	path    string
	engine  *RuleEngine
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher watches the directory holding path so editors that replace the
// file atomically are still observed.
func NewWatcher(path string, engine *RuleEngine, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{path: filepath.Clean(path), engine: engine, logger: logger, watcher: fw}, nil
}

// Run blocks until ctx is cancelled or the underlying watcher closes.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("rule watcher error", slog.Any("error", err))
		}
	}
}

// Reload applies the current file contents. Invalid packs leave the active
// rules untouched.
func (w *Watcher) Reload() bool {
	pack, err := LoadRulePack(w.path)
	if err != nil {
		w.logger.Warn("rule pack reload rejected", slog.String("path", w.path), slog.Any("error", err))
		return false
	}
	if len(pack.Rules) == 0 {
		w.logger.Warn("rule pack empty, keeping active rules", slog.String("path", w.path))
		return false
	}
	if err := w.engine.SetRules(pack.Rules); err != nil {
		w.logger.Warn("rule pack reload rejected", slog.String("path", w.path), slog.Any("error", err))
		return false
	}
	w.logger.Info("rule pack reloaded", slog.String("path", w.path), slog.Int("rules", len(pack.Rules)))
	return true
}
