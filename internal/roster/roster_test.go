package roster

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	workers := []Worker{
		{Name: "backend", Role: "implementation", Keywords: []string{"API", " http "}, Capacity: 2},
		{Name: "analyzer", Role: "analysis"},
	}
	if err := Save(path, workers); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d workers, want 2", len(loaded))
	}
	if loaded[0].Keywords[0] != "api" || loaded[0].Keywords[1] != "http" {
		t.Fatalf("keywords not normalized: %v", loaded[0].Keywords)
	}
	if loaded[1].Capacity != 1 {
		t.Fatalf("default capacity = %d, want 1", loaded[1].Capacity)
	}
}

func TestLoadRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	raw := `[{"name":"backend"},{"name":" backend "}]`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestLoadRejectsMissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(path, []byte(`[{"role":"analysis"}]`), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestRegistrySortsAndRejects(t *testing.T) {
	reg, err := FromWorkers([]Worker{{Name: "zeta"}, {Name: "alpha"}})
	if err != nil {
		t.Fatalf("from workers: %v", err)
	}
	names := reg.Names()
	if names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("names not sorted: %v", names)
	}
	if err := reg.Register(Worker{Name: "alpha"}); err == nil {
		t.Fatalf("expected duplicate register error")
	}
	if _, ok := reg.Lookup("zeta"); !ok {
		t.Fatalf("lookup failed")
	}
}
