// Package roster defines the worker roster: which workers exist, what they
// are good at, and how many tasks they can hold at once. A worker is an
// external executable (or an in-process stub in tests); nothing in this
// package cares what the worker actually does with a task.
package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worker describes one roster entry.
type Worker struct {
	Name     string   `json:"name"`
	Role     string   `json:"role"`
	Keywords []string `json:"keywords,omitempty"`
	// Capacity is how many concurrent leases the worker may hold.
	// Zero means one.
	Capacity int `json:"capacity,omitempty"`
	// Command and Args tell the supervisor how to spawn the worker for a
	// claimed task. An empty command means the worker runs out of process
	// and claims work through the bridge or CLI instead.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// PriorityHint nudges the router toward this worker on ties.
	PriorityHint int `json:"priority_hint,omitempty"`
}

// Normalize ensures essential fields are present and canonical.
func (w Worker) Normalize() (Worker, error) {
	name := strings.TrimSpace(w.Name)
	if name == "" {
		return Worker{}, errors.New("roster: worker entry missing name")
	}
	w.Name = name
	w.Role = strings.TrimSpace(w.Role)
	keywords := make([]string, 0, len(w.Keywords))
	for _, kw := range w.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		keywords = nil
	}
	w.Keywords = keywords
	if w.Capacity <= 0 {
		w.Capacity = 1
	}
	w.Command = strings.TrimSpace(w.Command)
	return w, nil
}

// Load reads the worker roster from disk.
func Load(path string) ([]Worker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var workers []Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("roster: parse %s: %w", path, err)
	}
	normalized := make([]Worker, 0, len(workers))
	seen := map[string]struct{}{}
	for i, w := range workers {
		worker, err := w.Normalize()
		if err != nil {
			return nil, fmt.Errorf("roster: entry %d: %w", i, err)
		}
		if _, dup := seen[worker.Name]; dup {
			return nil, fmt.Errorf("roster: duplicate worker %q", worker.Name)
		}
		seen[worker.Name] = struct{}{}
		normalized = append(normalized, worker)
	}
	return normalized, nil
}

// Save writes the worker roster to disk, preserving directory structure.
func Save(path string, workers []Worker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(workers, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
