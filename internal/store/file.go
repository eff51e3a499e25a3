package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskflow/internal/core"
)

// FileStore keeps the task set in a single JSON snapshot:
//
//	{ "tasks": [ ... ], "saved_at": "<RFC3339>" }
//
// Writes go to <path>.tmp and are renamed over the snapshot.
type FileStore struct {
	path     string
	location *time.Location
	logger   zerolog.Logger
}

type snapshot struct {
	Tasks   []json.RawMessage `json:"tasks"`
	SavedAt string            `json:"saved_at"`
}

// NewFileStore returns a snapshot store writing to path.
func NewFileStore(path string, location *time.Location, logger zerolog.Logger) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tasks file path is required")
	}
	if location == nil {
		location = time.Local
	}
	return &FileStore{path: path, location: location, logger: logger}, nil
}

// Path returns the snapshot location.
func (f *FileStore) Path() string { return f.path }

// LoadTasks reads the snapshot. A missing file is an empty task set;
// individual malformed entries are skipped and logged.
func (f *FileStore) LoadTasks(ctx context.Context) ([]*core.Task, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", f.path, err)
	}
	tasks := make([]*core.Task, 0, len(snap.Tasks))
	for i, raw := range snap.Tasks {
		task, err := decodeTask(raw, f.location)
		if err != nil {
			f.logger.Warn().Err(err).Int("index", i).Str("file", f.path).Msg("skipping malformed task entry")
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SaveTasks atomically replaces the snapshot with tasks.
func (f *FileStore) SaveTasks(ctx context.Context, tasks []*core.Task) error {
	snap := snapshot{
		Tasks:   make([]json.RawMessage, 0, len(tasks)),
		SavedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, task := range tasks {
		raw, err := encodeTask(task)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", task.ID, err)
		}
		snap.Tasks = append(snap.Tasks, raw)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("ensure snapshot dir: %w", err)
	}
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
