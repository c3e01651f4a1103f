// Package verifier runs the configured fast/full command lists inside
// the worktree and records their outcome. Grounded on
// original_source/refactor_bot/verifier.py's Verifier (run_fast/
// run_full/run_baseline/_save_result), with child-process streaming
// adapted from teacher internal/buildworker/executor.go's RunJob
// (StdoutPipe/StderrPipe + exit-code classification), and a context
// deadline replacing the Python's subprocess.TimeoutExpired.
package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// Runner executes verifier commands inside one worktree.
type Runner struct {
	WorktreePath string
	Timeout      time.Duration
	// GracePeriod bounds how long a cancelled command is given to exit
	// after SIGTERM before being force-killed (spec.md §5). Zero means
	// os/exec's default immediate-kill behavior.
	GracePeriod time.Duration
	resultsDir  string
}

// New constructs a Runner. timeout caps each individual command
// (spec.md §4.H: "a single configurable process-wide timeout caps each
// command").
func New(worktreePath string, timeout time.Duration) *Runner {
	return &Runner{
		WorktreePath: worktreePath,
		Timeout:      timeout,
		resultsDir:   filepath.Join(worktreePath, ".refactor-orch", "verification"),
	}
}

// RunCommand runs one shell command, capturing stdout/stderr to files
// under the worktree's hidden state directory.
func (r *Runner) RunCommand(ctx context.Context, command, levelName string, index int) domain.CommandResult {
	started := time.Now()

	if err := os.MkdirAll(r.resultsDir, 0o755); err != nil {
		return domain.CommandResult{Command: command, Errored: true, StartedAt: started, Duration: time.Since(started)}
	}

	stdoutPath := filepath.Join(r.resultsDir, fmt.Sprintf("%s_%d_stdout.txt", levelName, index))
	stderrPath := filepath.Join(r.resultsDir, fmt.Sprintf("%s_%d_stderr.txt", levelName, index))

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return domain.CommandResult{Command: command, Errored: true, StartedAt: started, Duration: time.Since(started)}
	}
	defer stdoutFile.Close()

	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return domain.CommandResult{Command: command, Errored: true, StartedAt: started, Duration: time.Since(started), StdoutPath: stdoutPath}
	}
	defer stderrFile.Close()

	cctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = r.WorktreePath
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	if r.GracePeriod > 0 {
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = r.GracePeriod
	}

	runErr := cmd.Run()
	duration := time.Since(started)

	if cctx.Err() == context.DeadlineExceeded {
		fmt.Fprintf(stderrFile, "\ncommand timed out after %s\n", r.Timeout)
		return domain.CommandResult{
			Command: command, Errored: true, StdoutPath: stdoutPath, StderrPath: stderrPath,
			Duration: duration, StartedAt: started,
		}
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return domain.CommandResult{
				Command: command, Errored: true, StdoutPath: stdoutPath, StderrPath: stderrPath,
				Duration: duration, StartedAt: started,
			}
		}
		return domain.CommandResult{
			Command: command, ExitCode: exitErr.ExitCode(), Passed: false,
			StdoutPath: stdoutPath, StderrPath: stderrPath, Duration: duration, StartedAt: started,
		}
	}

	return domain.CommandResult{
		Command: command, ExitCode: 0, Passed: true,
		StdoutPath: stdoutPath, StderrPath: stderrPath, Duration: duration, StartedAt: started,
	}
}

// RunFast runs commands in order, stopping at the first failure
// (spec.md §4.H).
func (r *Runner) RunFast(ctx context.Context, commands []string) domain.VerifierResult {
	result := domain.VerifierResult{Level: domain.VerifierFast, StartedAt: time.Now()}
	for i, command := range commands {
		cr := r.RunCommand(ctx, command, "fast", i)
		result.Commands = append(result.Commands, cr)
		if !cr.Passed {
			break
		}
	}
	result.CompletedAt = time.Now()
	return result
}

// RunFull runs every command regardless of earlier failures.
func (r *Runner) RunFull(ctx context.Context, commands []string) domain.VerifierResult {
	result := domain.VerifierResult{Level: domain.VerifierFull, StartedAt: time.Now()}
	for i, command := range commands {
		cr := r.RunCommand(ctx, command, "full", i)
		result.Commands = append(result.Commands, cr)
	}
	result.CompletedAt = time.Now()
	return result
}

// RunBaseline runs the full verifier against the untouched worktree
// and persists the result as baseline.json; spec.md §4.H/§7 requires
// this to pass before any batch executes.
func (r *Runner) RunBaseline(ctx context.Context, commands []string) (domain.VerifierResult, error) {
	result := r.RunFull(ctx, commands)
	if err := r.saveResult(result, "baseline"); err != nil {
		return result, err
	}
	return result, nil
}

type resultJSON struct {
	Level         string          `json:"level"`
	Passed        bool            `json:"passed"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   time.Time       `json:"completed_at"`
	TotalDuration float64         `json:"total_duration_seconds"`
	Commands      []commandJSON   `json:"commands"`
}

type commandJSON struct {
	Command    string  `json:"command"`
	Passed     bool    `json:"passed"`
	Errored    bool    `json:"errored"`
	ExitCode   int     `json:"exit_code"`
	DurationS  float64 `json:"duration_seconds"`
	StartedAt  time.Time `json:"started_at"`
}

func (r *Runner) saveResult(result domain.VerifierResult, name string) error {
	if err := os.MkdirAll(r.resultsDir, 0o755); err != nil {
		return err
	}

	var total time.Duration
	commands := make([]commandJSON, len(result.Commands))
	for i, c := range result.Commands {
		total += c.Duration
		commands[i] = commandJSON{
			Command: c.Command, Passed: c.Passed, Errored: c.Errored,
			ExitCode: c.ExitCode, DurationS: c.Duration.Seconds(), StartedAt: c.StartedAt,
		}
	}

	data, err := json.MarshalIndent(resultJSON{
		Level: string(result.Level), Passed: result.Passed(),
		StartedAt: result.StartedAt, CompletedAt: result.CompletedAt,
		TotalDuration: total.Seconds(), Commands: commands,
	}, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(r.resultsDir, name+".json"), data, 0o644)
}
