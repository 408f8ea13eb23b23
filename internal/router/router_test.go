package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/roster"
)

func testRegistry(t *testing.T, workers ...roster.Worker) *roster.Registry {
	t.Helper()
	reg, err := roster.FromWorkers(workers)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func task(title string, keywords ...string) backlog.Task {
	tk := backlog.NewTask(title)
	tk.Keywords = keywords
	return tk.Normalize()
}

func TestRouteExactKeywordWins(t *testing.T) {
	reg := testRegistry(t,
		roster.Worker{Name: "backend", Keywords: []string{"api", "database"}},
		roster.Worker{Name: "frontend", Keywords: []string{"css", "react"}},
	)
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("add endpoint", "api"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "backend" {
		t.Fatalf("routed to %q, want backend", decision.Worker)
	}
	if len(decision.Scores) != 2 || decision.Scores[0].Worker != "backend" {
		t.Fatalf("scores not best-first: %+v", decision.Scores)
	}
	if decision.Scores[0].Points != 3 {
		t.Fatalf("backend points = %d, want 3", decision.Scores[0].Points)
	}
}

func TestRoutePrefixAndRoleScoring(t *testing.T) {
	reg := testRegistry(t,
		// "data" is a prefix of the title word "database" (+2) and the
		// role appears in the title (+1).
		roster.Worker{Name: "dba", Role: "migration", Keywords: []string{"data"}},
		roster.Worker{Name: "docs", Keywords: []string{"readme"}},
	)
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("database migration cleanup"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "dba" {
		t.Fatalf("routed to %q, want dba", decision.Worker)
	}
	if decision.Scores[0].Points != 3 {
		t.Fatalf("dba points = %d, want 3 (prefix 2 + role 1)", decision.Scores[0].Points)
	}
}

func TestRouteSkipsWorkersAtCapacity(t *testing.T) {
	reg := testRegistry(t,
		roster.Worker{Name: "busy", Keywords: []string{"api"}, Capacity: 1},
		roster.Worker{Name: "idle", Keywords: []string{"api"}, Capacity: 1},
	)
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("api work", "api"), map[string]int{"busy": 1})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "idle" {
		t.Fatalf("routed to %q, want idle", decision.Worker)
	}
}

func TestRouteTieBreaksAreDeterministic(t *testing.T) {
	reg := testRegistry(t,
		roster.Worker{Name: "beta", Keywords: []string{"api"}},
		roster.Worker{Name: "alpha", Keywords: []string{"api"}},
	)
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 10; i++ {
		decision, err := r.Route(task("api work", "api"), nil)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if decision.Worker != "alpha" {
			t.Fatalf("run %d routed to %q, want alpha (lexical tie-break)", i, decision.Worker)
		}
	}
}

func TestRoutePriorityHintBeatsLexical(t *testing.T) {
	reg := testRegistry(t,
		roster.Worker{Name: "alpha", Keywords: []string{"api"}},
		roster.Worker{Name: "beta", Keywords: []string{"api"}, PriorityHint: 1},
	)
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("api work", "api"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "beta" {
		t.Fatalf("routed to %q, want beta (priority hint)", decision.Worker)
	}
}

func TestRouteFallsBackToDefaultWorker(t *testing.T) {
	reg := testRegistry(t,
		roster.Worker{Name: "generalist"},
		roster.Worker{Name: "backend", Keywords: []string{"api"}},
	)
	r, err := New(reg, WithDefaultWorker("generalist"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("mysterious chore"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "generalist" || !decision.Fallback {
		t.Fatalf("decision = %+v, want generalist fallback", decision)
	}
}

func TestRouteUnroutableWithoutDefault(t *testing.T) {
	reg := testRegistry(t, roster.Worker{Name: "backend", Keywords: []string{"api"}})
	r, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("mysterious chore"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "" {
		t.Fatalf("expected unroutable, got %q", decision.Worker)
	}
}

func TestSelectorPluginOverridesScoring(t *testing.T) {
	dir := t.TempDir()
	plugin := `package selector

func SelectWorker(task map[string]any, workers []map[string]any) (string, error) {
	for _, w := range workers {
		if w["name"] == "frontend" {
			return "frontend", nil
		}
	}
	return "", nil
}
`
	if err := os.WriteFile(filepath.Join(dir, "prefer_frontend.go"), []byte(plugin), 0o644); err != nil {
		t.Fatalf("write plugin: %v", err)
	}
	selector, err := LoadSelectorDir(dir)
	if err != nil {
		t.Fatalf("load selector: %v", err)
	}
	if selector == nil {
		t.Fatalf("selector not loaded")
	}
	reg := testRegistry(t,
		roster.Worker{Name: "backend", Keywords: []string{"api"}},
		roster.Worker{Name: "frontend"},
	)
	r, err := New(reg, WithSelector(selector))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	decision, err := r.Route(task("api work", "api"), nil)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Worker != "frontend" || !decision.Plugin {
		t.Fatalf("decision = %+v, want frontend via plugin", decision)
	}
}

func TestLoadSelectorDirMissingIsNil(t *testing.T) {
	selector, err := LoadSelectorDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if selector != nil {
		t.Fatalf("expected nil selector for missing dir")
	}
}

func TestSelectorChoosingUnknownWorkerErrors(t *testing.T) {
	reg := testRegistry(t, roster.Worker{Name: "backend"})
	r, err := New(reg, WithSelector(func(backlog.Task, []roster.Worker) (string, error) {
		return "ghost", nil
	}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := r.Route(task("anything"), nil); err == nil {
		t.Fatalf("expected error for unknown selector choice")
	}
}
