package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/contextpack"
)

func TestRunFast_StopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 5*time.Second)

	result := r.RunFast(context.Background(), []string{"exit 1", "echo should-not-run"})

	if len(result.Commands) != 1 {
		t.Fatalf("Commands = %d, want 1 (stop at first failure)", len(result.Commands))
	}
	if result.Passed() {
		t.Error("expected RunFast result to be failed")
	}
	if result.Commands[0].ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.Commands[0].ExitCode)
	}
}

func TestRunFull_RunsEveryCommand(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 5*time.Second)

	result := r.RunFull(context.Background(), []string{"exit 1", "echo ok"})

	if len(result.Commands) != 2 {
		t.Fatalf("Commands = %d, want 2 (run every command)", len(result.Commands))
	}
	if result.Passed() {
		t.Error("expected RunFull result to be failed")
	}
	if len(result.FailedCommands()) != 1 {
		t.Errorf("FailedCommands = %d, want 1", len(result.FailedCommands()))
	}
}

func TestRunCommand_CapturesStdout(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 5*time.Second)

	cr := r.RunCommand(context.Background(), "echo hello-world", "test", 0)

	if !cr.Passed {
		t.Fatalf("expected command to pass, got exit code %d", cr.ExitCode)
	}
	data, err := os.ReadFile(cr.StdoutPath)
	if err != nil {
		t.Fatalf("read stdout file: %v", err)
	}
	if got := string(data); got != "hello-world\n" {
		t.Errorf("stdout = %q, want %q", got, "hello-world\n")
	}
}

func TestRunCommand_TimesOut(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 50*time.Millisecond)

	cr := r.RunCommand(context.Background(), "sleep 5", "test", 0)

	if !cr.Errored {
		t.Error("expected a timed-out command to be marked Errored")
	}
	if cr.Passed {
		t.Error("expected a timed-out command to not pass")
	}
}

func TestRunBaseline_PersistsResult(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 5*time.Second)

	if _, err := r.RunBaseline(context.Background(), []string{"echo ok"}); err != nil {
		t.Fatalf("RunBaseline failed: %v", err)
	}

	path := filepath.Join(dir, ".refactor-orch", "verification", "baseline.json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected baseline.json to exist: %v", err)
	}
}

func TestDetectCommands_Go(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fast, full := DetectCommands(dir)

	if len(fast) != 1 || fast[0] != "go test ./..." {
		t.Errorf("fast = %v, want [go test ./...]", fast)
	}
	if len(full) != 2 || full[1] != "go vet ./..." {
		t.Errorf("full = %v, want [go test ./... go vet ./...]", full)
	}
}

func TestDetectCommands_NodeScripts(t *testing.T) {
	dir := t.TempDir()
	pkg := `{"scripts": {"test": "jest", "lint": "eslint ."}}`
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(pkg), 0o644); err != nil {
		t.Fatal(err)
	}

	fast, full := DetectCommands(dir)

	if len(fast) != 1 || fast[0] != "npm test" {
		t.Errorf("fast = %v, want [npm test]", fast)
	}
	found := false
	for _, c := range full {
		if c == "npm run lint" {
			found = true
		}
	}
	if !found {
		t.Errorf("full = %v, want to contain npm run lint", full)
	}
}

func TestDetectCommands_FallsBackWhenNothingDetected(t *testing.T) {
	fast, full := DetectCommands(t.TempDir())

	if len(fast) != 1 || fast[0] != "echo 'No test command detected'" {
		t.Errorf("fast = %v, want fallback", fast)
	}
	if len(full) != 1 || full[0] != fast[0] {
		t.Errorf("full = %v, want to mirror fast fallback", full)
	}
}

type fakeSymbolIndex struct {
	files   []string
	symbols map[string][]contextpack.Symbol
}

func (f *fakeSymbolIndex) Files() []string { return f.files }
func (f *fakeSymbolIndex) FileSymbols(path string) []contextpack.Symbol {
	return f.symbols[path]
}

func TestBuildSnapshotAndDiff_DetectsRemoval(t *testing.T) {
	before := &fakeSymbolIndex{
		files: []string{"a.go"},
		symbols: map[string][]contextpack.Symbol{
			"a.go": {{Kind: "func", Name: "DoThing"}, {Kind: "func", Name: "Helper"}},
		},
	}
	after := &fakeSymbolIndex{
		files: []string{"a.go"},
		symbols: map[string][]contextpack.Symbol{
			"a.go": {{Kind: "func", Name: "DoThing"}},
		},
	}

	beforeSnap := BuildSnapshot(before, []string{"a.go"})
	afterSnap := BuildSnapshot(after, []string{"a.go"})

	diff := beforeSnap.Diff(afterSnap)
	if len(diff) != 1 || diff[0] != "-a.go:func:Helper" {
		t.Errorf("Diff = %v, want [-a.go:func:Helper]", diff)
	}
}

func TestCheckContract_RejectsChangeWhenDisallowed(t *testing.T) {
	before := Snapshot{"a.go:func:DoThing"}
	after := Snapshot{}

	violations, ok := CheckContract(before, after, false)
	if ok {
		t.Error("expected CheckContract to reject a removed exported symbol")
	}
	if len(violations) != 1 {
		t.Errorf("violations = %v, want 1 entry", violations)
	}
}

func TestCheckContract_AllowsChangeWhenPermitted(t *testing.T) {
	before := Snapshot{"a.go:func:DoThing"}
	after := Snapshot{}

	_, ok := CheckContract(before, after, true)
	if !ok {
		t.Error("expected CheckContract to allow the change when allow_public_api_changes is true")
	}
}

func TestCheckContract_NoChangeAlwaysOK(t *testing.T) {
	snap := Snapshot{"a.go:func:DoThing"}
	if _, ok := CheckContract(snap, snap, false); !ok {
		t.Error("expected identical snapshots to report ok")
	}
}
