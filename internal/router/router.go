// Package router picks a worker for a task. Selection is a pure function
// of the task, the roster, and current lease counts: identical inputs
// always produce the identical decision, and the full per-worker scoring
// is returned so callers can journal the reasoning.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/roster"
)

// Scoring weights. Exact capability matches dominate, prefix matches on
// title words come next, role mentions are a weak signal.
const (
	pointsKeywordExact  = 3
	pointsKeywordPrefix = 2
	pointsRoleMention   = 1
)

// Score records how one worker fared for a task.
type Score struct {
	Worker     string   `json:"worker"`
	Points     int      `json:"points"`
	Free       int      `json:"free"`
	Matched    []string `json:"matched,omitempty"`
	AtCapacity bool     `json:"at_capacity,omitempty"`
}

// Decision is the outcome of routing one task.
type Decision struct {
	// Worker is empty when no worker was eligible.
	Worker string `json:"worker,omitempty"`
	// Fallback is true when the configured default worker was used
	// because nobody scored.
	Fallback bool `json:"fallback,omitempty"`
	// Plugin is true when a selector plugin made the call.
	Plugin bool `json:"plugin,omitempty"`
	// Scores lists every considered worker, best first.
	Scores []Score `json:"scores,omitempty"`
}

// Selector overrides the built-in scoring. It returns the chosen worker
// name, or "" to defer to the scorer.
type Selector func(task backlog.Task, workers []roster.Worker) (string, error)

// Router routes tasks against a worker registry.
type Router struct {
	registry      *roster.Registry
	defaultWorker string
	selector      Selector
}

// Option customizes a Router.
type Option func(*Router)

// WithDefaultWorker names the worker that receives tasks nobody scores on.
func WithDefaultWorker(name string) Option {
	return func(r *Router) { r.defaultWorker = strings.TrimSpace(name) }
}

// WithSelector installs a plugin selector consulted before scoring.
func WithSelector(selector Selector) Option {
	return func(r *Router) { r.selector = selector }
}

// New builds a router over the given registry.
func New(registry *roster.Registry, opts ...Option) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("router: registry is required")
	}
	r := &Router{registry: registry}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route picks a worker for the task. inUse maps worker name to currently
// held leases; workers with no free capacity are excluded.
func (r *Router) Route(task backlog.Task, inUse map[string]int) (Decision, error) {
	workers := r.registry.Workers()
	if r.selector != nil {
		name, err := r.selector(task, workers)
		if err != nil {
			return Decision{}, fmt.Errorf("router: selector: %w", err)
		}
		if name != "" {
			worker, ok := r.registry.Lookup(name)
			if !ok {
				return Decision{}, fmt.Errorf("router: selector chose unknown worker %q", name)
			}
			if free(worker, inUse) <= 0 {
				return Decision{}, fmt.Errorf("router: selector chose %q which is at capacity", name)
			}
			return Decision{Worker: name, Plugin: true}, nil
		}
	}

	scores := scoreWorkers(task, workers, inUse)
	decision := Decision{Scores: scores}
	for _, s := range scores {
		if s.AtCapacity {
			continue
		}
		if s.Points > 0 {
			decision.Worker = s.Worker
			return decision, nil
		}
		break
	}
	if r.defaultWorker != "" {
		worker, ok := r.registry.Lookup(r.defaultWorker)
		if !ok {
			return Decision{}, fmt.Errorf("router: default worker %q not in roster", r.defaultWorker)
		}
		if free(worker, inUse) > 0 {
			decision.Worker = r.defaultWorker
			decision.Fallback = true
		}
	}
	return decision, nil
}

// scoreWorkers ranks every worker for the task, best first. Ordering is
// fully deterministic: points, then priority hint, then free capacity,
// then name.
func scoreWorkers(task backlog.Task, workers []roster.Worker, inUse map[string]int) []Score {
	titleWords := fields(task.Title)
	haystack := strings.ToLower(task.Title + " " + task.Detail)
	taskKeywords := map[string]struct{}{}
	for _, kw := range task.Keywords {
		taskKeywords[kw] = struct{}{}
	}

	scores := make([]Score, 0, len(workers))
	hints := make(map[string]int, len(workers))
	for _, w := range workers {
		s := Score{Worker: w.Name, Free: free(w, inUse)}
		s.AtCapacity = s.Free <= 0
		hints[w.Name] = w.PriorityHint
		for _, kw := range w.Keywords {
			if _, ok := taskKeywords[kw]; ok {
				s.Points += pointsKeywordExact
				s.Matched = append(s.Matched, kw)
				continue
			}
			for _, word := range titleWords {
				if strings.HasPrefix(word, kw) {
					s.Points += pointsKeywordPrefix
					s.Matched = append(s.Matched, kw)
					break
				}
			}
		}
		if role := strings.ToLower(w.Role); role != "" && strings.Contains(haystack, role) {
			s.Points += pointsRoleMention
		}
		scores = append(scores, s)
	}
	sort.Slice(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Points != b.Points {
			return a.Points > b.Points
		}
		if hints[a.Worker] != hints[b.Worker] {
			return hints[a.Worker] > hints[b.Worker]
		}
		if a.Free != b.Free {
			return a.Free > b.Free
		}
		return a.Worker < b.Worker
	})
	return scores
}

func free(w roster.Worker, inUse map[string]int) int {
	held := 0
	if inUse != nil {
		held = inUse[w.Name]
	}
	return w.Capacity - held
}

func fields(s string) []string {
	return strings.Fields(strings.ToLower(s))
}
