// Package agentdriver invokes the external agent CLI binary (e.g.
// `claude --print`) for the three fixed roles spec.md defines —
// Planner, Patcher, Critic — and validates the structured output it
// returns against a role-specific schema. Grounded on teacher
// internal/executor/agent.go's command building and output streaming,
// and on original_source/claude_driver.py's call_with_schema/
// check_installation/check_authentication, adapted to Go's explicit
// process and error-return idioms.
package agentdriver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/refactor-orch/internal/prompts"
)

// sessionNamespace is a fixed UUID namespace for deterministic session
// IDs (grounded on teacher's orchestratorNamespace), extended here to
// fold in (runID, batchID, attempt) rather than just a task ID, since
// a batch may be retried and spec.md §4.D requires a fresh session ID
// per invocation.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Role is one of the three fixed agent roles this system drives.
type Role string

const (
	RolePlanner Role = "planner"
	RolePatcher Role = "patcher"
	RoleCritic  Role = "critic"
)

// ErrNotInstalled is returned by CheckAvailable when the configured
// binary cannot be found or fails to report a version.
var ErrNotInstalled = fmt.Errorf("agentdriver: binary not installed or not on PATH")

// ErrNotAuthenticated is returned by CheckAvailable when the binary
// runs but a trivial probe prompt fails or reports an auth error.
var ErrNotAuthenticated = fmt.Errorf("agentdriver: binary is not authenticated")

// Config configures how the driver invokes the external binary
// (mirrors config.ClaudeConfig; duplicated here as a narrow view so
// this package does not import internal/config).
type Config struct {
	Binary          string
	AllowedTools    string
	Tools           string
	MaxTurnsPlanner int
	MaxTurnsPatcher int

	// GracePeriod bounds how long a cancelled invocation is given to
	// exit after SIGTERM before being force-killed (spec.md §5:
	// "the currently running child is terminated (signal then kill
	// after a grace period)"). Zero means os/exec's default
	// immediate-kill behavior.
	GracePeriod time.Duration
}

// Driver builds and runs agent CLI invocations for a single target
// worktree.
type Driver struct {
	cfg          Config
	worktreePath string
	loader       *prompts.Loader
}

// New constructs a Driver pinned to worktreePath, using loader to
// render prompts (spec.md §4.D: prompts are loaded once per run via
// internal/prompts, never synthesized inline).
func New(cfg Config, worktreePath string, loader *prompts.Loader) *Driver {
	return &Driver{cfg: cfg, worktreePath: worktreePath, loader: loader}
}

// WithWorktree returns a shallow copy of the Driver bound to a
// different worktree. cmd/refactor-orch constructs one Driver before
// the run ID (and thus the worktree path) is known, then rebinds it
// once Orchestrator.Run has prepared the worktree.
func (d *Driver) WithWorktree(worktreePath string) *Driver {
	clone := *d
	clone.worktreePath = worktreePath
	return &clone
}

// SessionID computes the deterministic session ID for one invocation.
// No conversational continuation is ever used (no --resume/--continue
// flag): every call gets a fresh session ID folding in the attempt
// number, so retries of the same batch do not collide.
func SessionID(runID, batchID string, attempt int) string {
	key := fmt.Sprintf("%s:%s:%d", runID, batchID, attempt)
	return uuid.NewSHA1(sessionNamespace, []byte(key)).String()
}

// Invocation is one call's fully-resolved parameters.
type Invocation struct {
	Role         Role
	Prompt       string
	SessionID    string
	SchemaPath   string
	SystemPrompt string
	MaxTurns     int
}

func (d *Driver) maxTurnsFor(role Role) int {
	switch role {
	case RolePlanner:
		return d.cfg.MaxTurnsPlanner
	case RolePatcher:
		return d.cfg.MaxTurnsPatcher
	default:
		return 6
	}
}

func (d *Driver) buildCommand(ctx context.Context, inv Invocation) *exec.Cmd {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--json-schema", inv.SchemaPath,
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--system-prompt-file", inv.SystemPrompt)
	}
	if d.cfg.AllowedTools != "" {
		args = append(args, "--allowedTools", d.cfg.AllowedTools)
	}
	if d.cfg.Tools != "" {
		args = append(args, "--tools", d.cfg.Tools)
	}
	args = append(args,
		"--session-id", inv.SessionID,
		"--max-turns", fmt.Sprintf("%d", inv.MaxTurns),
		"-p", inv.Prompt,
	)

	binary := d.cfg.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = d.worktreePath
	if d.cfg.GracePeriod > 0 {
		cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
		cmd.WaitDelay = d.cfg.GracePeriod
	}
	return cmd
}

// streamLine is one decoded line of the binary's stream-json output.
type streamLine struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype,omitempty"`
	SessionID        string          `json:"session_id,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	Error            string          `json:"error,omitempty"`
	Usage            struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// CallResult is what a single agent invocation produced.
type CallResult struct {
	RawLines         []string
	StructuredOutput map[string]any
	TokensInput      int
	TokensOutput     int
	CostUSD          float64
	Duration         time.Duration
}

// run executes one invocation to completion, streaming stdout/stderr
// concurrently via errgroup (replacing teacher's raw sync.WaitGroup,
// per the pack's golang.org/x/sync usage).
func (d *Driver) run(ctx context.Context, inv Invocation) (CallResult, error) {
	start := time.Now()
	cmd := d.buildCommand(ctx, inv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return CallResult{}, fmt.Errorf("agentdriver: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return CallResult{}, fmt.Errorf("agentdriver: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return CallResult{}, fmt.Errorf("agentdriver: start: %w", err)
	}

	g, _ := errgroup.WithContext(ctx)
	var stdoutPart, stderrPart streamPart
	g.Go(func() error { return scanLines(stdout, &stdoutPart) })
	g.Go(func() error { return scanLines(stderr, &stderrPart) })

	scanErr := g.Wait()
	waitErr := cmd.Wait()

	result := CallResult{
		RawLines: append(stdoutPart.lines, stderrPart.lines...),
		Duration: time.Since(start),
	}
	// stdout carries the canonical stream-json result/usage lines; only
	// fall back to stderr's if stdout never produced one.
	if stdoutPart.structured != nil {
		result.StructuredOutput = stdoutPart.structured
		result.TokensInput, result.TokensOutput, result.CostUSD = stdoutPart.tokensIn, stdoutPart.tokensOut, stdoutPart.costUSD
	} else {
		result.StructuredOutput = stderrPart.structured
		result.TokensInput, result.TokensOutput, result.CostUSD = stderrPart.tokensIn, stderrPart.tokensOut, stderrPart.costUSD
	}

	if waitErr != nil {
		return result, fmt.Errorf("agentdriver: process exited with error: %w", waitErr)
	}
	if scanErr != nil {
		return result, fmt.Errorf("agentdriver: read output: %w", scanErr)
	}
	return result, nil
}

// streamPart accumulates one stream's (stdout or stderr) decoded
// lines independently, so the two concurrent scanners in run never
// share mutable state.
type streamPart struct {
	lines      []string
	structured map[string]any
	tokensIn   int
	tokensOut  int
	costUSD    float64
}

func scanLines(r io.Reader, part *streamPart) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		part.lines = append(part.lines, line)

		var parsed streamLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			continue
		}
		if parsed.Type == "result" {
			part.tokensIn = parsed.Usage.InputTokens
			part.tokensOut = parsed.Usage.OutputTokens
			part.costUSD = parsed.CostUSD
		}
		if len(parsed.StructuredOutput) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(parsed.StructuredOutput, &decoded); err == nil {
				part.structured = decoded
			}
		}
	}
	return scanner.Err()
}

// CallPlanner invokes the planner role with a strict-reminder retry on
// schema failure. On second failure it returns a blocked-style error
// with the parse failure as the message, per spec.md §4.D.
func (d *Driver) CallPlanner(ctx context.Context, runID, batchID string, attempt int, data prompts.PlannerRefineData, systemPromptFile, schemaPath string) (map[string]any, error) {
	return d.callWithRetry(ctx, RolePlanner, runID, batchID, attempt, schemaPath, systemPromptFile, plannerSchema, func(strict bool) (string, error) {
		data.StrictReminder = strict
		return d.loader.BuildPlannerPrompt(data)
	})
}

// CallPatcher invokes the patcher role with the same retry discipline.
func (d *Driver) CallPatcher(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData, systemPromptFile, schemaPath string) (map[string]any, error) {
	return d.callWithRetry(ctx, RolePatcher, runID, batchID, attempt, schemaPath, systemPromptFile, patcherSchema, func(strict bool) (string, error) {
		data.StrictReminder = strict
		return d.loader.BuildPatcherPrompt(data)
	})
}

// CallCritic invokes the optional critic review role.
func (d *Driver) CallCritic(ctx context.Context, runID, batchID string, attempt int, data prompts.CriticReviewData, systemPromptFile, schemaPath string) (map[string]any, error) {
	return d.callWithRetry(ctx, RoleCritic, runID, batchID, attempt, schemaPath, systemPromptFile, criticSchema, func(strict bool) (string, error) {
		return d.loader.BuildCriticPrompt(data)
	})
}

func (d *Driver) callWithRetry(ctx context.Context, role Role, runID, batchID string, attempt int, schemaPath, systemPromptFile string, schema Schema, buildPrompt func(strict bool) (string, error)) (map[string]any, error) {
	for retryPass := 0; retryPass < 2; retryPass++ {
		strict := retryPass > 0
		prompt, err := buildPrompt(strict)
		if err != nil {
			return nil, fmt.Errorf("agentdriver: build prompt: %w", err)
		}

		inv := Invocation{
			Role:         role,
			Prompt:       prompt,
			SessionID:    SessionID(runID, batchID, attempt*2+retryPass),
			SchemaPath:   schemaPath,
			SystemPrompt: systemPromptFile,
			MaxTurns:     d.maxTurnsFor(role),
		}

		result, err := d.run(ctx, inv)
		if err != nil {
			if retryPass == 0 {
				continue
			}
			return nil, fmt.Errorf("agentdriver: %s call failed after retry: %w", role, err)
		}

		if result.StructuredOutput == nil {
			if retryPass == 0 {
				continue
			}
			return nil, fmt.Errorf("agentdriver: %s returned no structured output after retry", role)
		}

		if err := schema.Validate(result.StructuredOutput); err != nil {
			if retryPass == 0 {
				continue
			}
			return nil, fmt.Errorf("agentdriver: %s structured output failed schema validation: %w", role, err)
		}

		return result.StructuredOutput, nil
	}
	return nil, fmt.Errorf("agentdriver: %s call exhausted retries", role)
}

// CheckAvailable runs the binary with --version, then a trivial
// authentication probe prompt (mirrors claude_driver.py
// check_installation/check_authentication).
func (d *Driver) CheckAvailable(ctx context.Context) error {
	binary := d.cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	versionCmd := exec.CommandContext(ctx, binary, "--version")
	if out, err := versionCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrNotInstalled, err, strings.TrimSpace(string(out)))
	}

	probeCmd := exec.CommandContext(ctx, binary,
		"-p", `Respond with exactly "OK" and nothing else.`,
		"--output-format", "json",
		"--max-turns", "1",
		"--session-id", SessionID("probe", "probe", 0),
	)
	probeCmd.Dir = d.worktreePath
	out, err := probeCmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotAuthenticated, strings.TrimSpace(string(out)))
	}
	if !strings.Contains(string(out), "OK") {
		return fmt.Errorf("%w: unexpected probe response", ErrNotAuthenticated)
	}
	return nil
}
