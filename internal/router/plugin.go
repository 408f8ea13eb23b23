package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/roster"
)

const selectorFuncName = "SelectWorker"

// LoadSelectorDir interprets every .go file in dir and chains the declared
// SelectWorker functions into one Selector. Files are consulted in path
// order; the first non-empty answer wins. A missing or empty directory
// yields a nil Selector.
//
// Plugin contract, evaluated with yaegi:
//
//	func SelectWorker(task map[string]any, workers []map[string]any) (string, error)
func LoadSelectorDir(dir string) (Selector, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("router: read selector dir %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)
	selectors := make([]Selector, 0, len(paths))
	for _, path := range paths {
		selector, err := loadSelectorFile(path)
		if err != nil {
			return nil, err
		}
		selectors = append(selectors, selector)
	}
	return chainSelectors(selectors), nil
}

func loadSelectorFile(path string) (Selector, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read selector %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("router: selector %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("router: selector %s: stdlib: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("router: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(selectorFuncName)
	if err != nil {
		return nil, fmt.Errorf("router: %s must define %s(task map[string]any, workers []map[string]any) (string, error): %w",
			path, selectorFuncName, err)
	}
	if !fnValue.IsValid() || fnValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("router: %s: %s is not a function", path, selectorFuncName)
	}
	return func(task backlog.Task, workers []roster.Worker) (string, error) {
		name, err := invokeSelector(fnValue, task, workers)
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return name, nil
	}, nil
}

func invokeSelector(fn reflect.Value, task backlog.Task, workers []roster.Worker) (string, error) {
	taskMap, err := toMap(task)
	if err != nil {
		return "", err
	}
	workerMaps := make([]map[string]any, len(workers))
	for i, w := range workers {
		m, err := toMap(w)
		if err != nil {
			return "", err
		}
		workerMaps[i] = m
	}
	results := fn.Call([]reflect.Value{
		reflect.ValueOf(taskMap),
		reflect.ValueOf(workerMaps),
	})
	if len(results) == 0 || len(results) > 2 {
		return "", fmt.Errorf("%s must return (string[, error])", selectorFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return "", e
		}
		return "", fmt.Errorf("%s returned non-error second value", selectorFuncName)
	}
	name, ok := results[0].Interface().(string)
	if !ok {
		return "", fmt.Errorf("%s must return a worker name string", selectorFuncName)
	}
	return strings.TrimSpace(name), nil
}

func chainSelectors(selectors []Selector) Selector {
	if len(selectors) == 1 {
		return selectors[0]
	}
	return func(task backlog.Task, workers []roster.Worker) (string, error) {
		for _, selector := range selectors {
			name, err := selector(task, workers)
			if err != nil {
				return "", err
			}
			if name != "" {
				return name, nil
			}
		}
		return "", nil
	}
}

// toMap converts a struct to its JSON object form so plugins see the same
// field names as the journals.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
