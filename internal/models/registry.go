package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"

	"driftwatch/internal/monitor"
)

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Metadata is the read-only slice of a trained model artifact the monitor
// pipeline needs: the task type, the positive class for binary classifiers,
// and the metric values captured at training time.
type Metadata struct {
	TaskType        monitor.TaskType   `json:"task_type"`
	PositiveClass   string             `json:"positive_class,omitempty"`
	BaselineMetrics map[string]float64 `json:"baseline_metrics"`
}

// BaselineValue returns the training-time value for the metric, if the
// artifact recorded one.
func (m Metadata) BaselineValue(metric monitor.Metric) (float64, bool) {
	value, ok := m.BaselineMetrics[string(metric)]
	return value, ok
}

func (m Metadata) ValidMetrics() []monitor.Metric {
	return monitor.ValidMetrics(m.TaskType)
}

// Registry reads model metadata from <dir>/<model_id>.json artifacts and
// caches the parsed result per model. Watch invalidates cached entries when
// artifact files change on disk; without a watcher the registry still works,
// it just re-reads nothing.
type Registry struct {
	dir string

	mu    sync.RWMutex
	cache map[string]Metadata
}

func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir, cache: map[string]Metadata{}}
}

// Metadata loads the artifact for modelID, from cache when possible.
func (r *Registry) Metadata(modelID string) (Metadata, error) {
	if !modelIDPattern.MatchString(modelID) {
		return Metadata{}, fmt.Errorf("invalid model id %q", modelID)
	}
	r.mu.RLock()
	meta, ok := r.cache[modelID]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}
	meta, err := r.load(modelID)
	if err != nil {
		return Metadata{}, err
	}
	r.mu.Lock()
	r.cache[modelID] = meta
	r.mu.Unlock()
	return meta, nil
}

func (r *Registry) load(modelID string) (Metadata, error) {
	path := filepath.Join(r.dir, modelID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read model artifact: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse model artifact %s: %w", path, err)
	}
	if _, err := monitor.ParseTaskType(string(meta.TaskType)); err != nil {
		return Metadata{}, fmt.Errorf("model artifact %s: %w", path, err)
	}
	return meta, nil
}

func (r *Registry) invalidate(modelID string) {
	r.mu.Lock()
	delete(r.cache, modelID)
	r.mu.Unlock()
}

// Watch invalidates cache entries whenever their artifact file is written,
// created, removed, or renamed. It runs until ctx is cancelled. A watcher
// that fails to start is reported to the caller, who may continue without
// invalidation.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	slog.Info("models: watching artifact directory", slog.String("dir", r.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if filepath.Ext(name) != ".json" {
				continue
			}
			modelID := name[:len(name)-len(".json")]
			r.invalidate(modelID)
			slog.Debug("models: artifact changed, cache invalidated", slog.String("model_id", modelID))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("models: watcher error", slog.String("error", err.Error()))
		}
	}
}
