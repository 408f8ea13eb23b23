package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hivemind-dev/hive/internal/backlog"
	"github.com/hivemind-dev/hive/internal/roster"
	"github.com/hivemind-dev/hive/internal/session"
)

// Claim bundles everything an executor needs to run one leased task.
type Claim struct {
	Session *session.Session
	Lease   backlog.Lease
	Worker  roster.Worker
}

// Result holds the outcome of one execution. Exit code zero acks the
// task; anything else nacks it.
type Result struct {
	ExitCode int
	Output   string
}

// Executor runs one claimed task to completion.
type Executor interface {
	Execute(ctx context.Context, claim Claim) (Result, error)
}

// ExecutorFunc adapts a function into an Executor.
type ExecutorFunc func(ctx context.Context, claim Claim) (Result, error)

// Execute invokes f.
func (f ExecutorFunc) Execute(ctx context.Context, claim Claim) (Result, error) {
	return f(ctx, claim)
}

// ProcessExecutor spawns the worker's configured command for each claim.
// Combined output is captured into the session's artifacts directory and
// returned in the Result.
type ProcessExecutor struct {
	// WorkDir is the working directory for spawned workers. Empty means
	// the current directory.
	WorkDir string
}

// Execute runs worker.Command with the claim's context in the environment.
func (p *ProcessExecutor) Execute(ctx context.Context, claim Claim) (Result, error) {
	worker := claim.Worker
	if worker.Command == "" {
		return Result{}, fmt.Errorf("supervisor: worker %s has no command; external workers must claim via the bridge", worker.Name)
	}
	cmd := exec.CommandContext(ctx, worker.Command, worker.Args...)
	cmd.Dir = p.WorkDir
	cmd.Env = buildEnv(claim)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	runErr := cmd.Run()

	result := Result{Output: output.String()}
	if artifact := claim.Session.ArtifactPath(claim.Lease.Task.ID); artifact != "" {
		if writeErr := os.WriteFile(artifact, output.Bytes(), 0o644); writeErr != nil {
			return result, fmt.Errorf("supervisor: write artifact for %s: %w", claim.Lease.Task.ID, writeErr)
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("supervisor: spawn %s: %w", worker.Command, runErr)
	}
	return result, nil
}

// buildEnv inherits the current environment and adds the HIVE_ built-ins.
// Built-ins always win over anything inherited.
func buildEnv(claim Claim) []string {
	builtins := [][2]string{
		{"HIVE_SESSION", claim.Session.ID},
		{"HIVE_TASK", claim.Lease.Task.ID},
		{"HIVE_TASK_TITLE", claim.Lease.Task.Title},
		{"HIVE_WORKER", claim.Worker.Name},
		{"HIVE_ARTIFACTS", claim.Session.ArtifactsDir()},
	}
	shadowed := map[string]struct{}{}
	for _, kv := range builtins {
		shadowed[kv[0]] = struct{}{}
	}
	inherited := os.Environ()
	env := make([]string, 0, len(inherited)+len(builtins))
	for _, kv := range inherited {
		key := strings.SplitN(kv, "=", 2)[0]
		if _, ok := shadowed[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, kv := range builtins {
		env = append(env, kv[0]+"="+kv[1])
	}
	return env
}
