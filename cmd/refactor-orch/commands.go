package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/refactor-orch/internal/agentdriver"
	"github.com/hochfrequenz/refactor-orch/internal/backupmgr"
	"github.com/hochfrequenz/refactor-orch/internal/config"
	"github.com/hochfrequenz/refactor-orch/internal/domain"
	"github.com/hochfrequenz/refactor-orch/internal/ledger"
	"github.com/hochfrequenz/refactor-orch/internal/notify"
	"github.com/hochfrequenz/refactor-orch/internal/orchestrator"
	"github.com/hochfrequenz/refactor-orch/internal/planner"
	"github.com/hochfrequenz/refactor-orch/internal/progress"
	"github.com/hochfrequenz/refactor-orch/internal/prompts"
	"github.com/hochfrequenz/refactor-orch/internal/repoindex"
	"github.com/hochfrequenz/refactor-orch/internal/reportgen"
	"github.com/hochfrequenz/refactor-orch/internal/reposvc"
	"github.com/hochfrequenz/refactor-orch/internal/runstore"
	"github.com/hochfrequenz/refactor-orch/internal/verifier"
)

var (
	rollbackBackupID string
	runSlackWebhook  string
	runDesktopNotify bool
	runYes           bool
	runDashboardAddr string
	runsStatusFilter string
)

func init() {
	planCmd := &cobra.Command{
		Use:   "plan <repo>",
		Short: "Generate and persist a batch plan without touching the worktree",
		Args:  cobra.ExactArgs(1),
		RunE:  runPlan,
	}
	rootCmd.AddCommand(planCmd)

	runCmd := &cobra.Command{
		Use:   "run <repo>",
		Short: "Run the full backup -> plan -> batch-loop -> report pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runSlackWebhook, "slack-webhook", "", "Slack webhook URL for run-completion notifications")
	runCmd.Flags().BoolVar(&runDesktopNotify, "desktop-notify", false, "send a desktop notification on run completion")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "skip the confirmation prompt before the batch loop starts")
	runCmd.Flags().StringVar(&runDashboardAddr, "dashboard-addr", "", "serve a live websocket ledger feed at this address (e.g. :8090), for an external dashboard")
	rootCmd.AddCommand(runCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <repo>",
		Short: "Run the baseline verifier against the repo as-is",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	rootCmd.AddCommand(verifyCmd)

	rollbackCmd := &cobra.Command{
		Use:   "rollback <repo>",
		Short: "Restore a repo from a named backup artifact",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback,
	}
	rollbackCmd.Flags().StringVar(&rollbackBackupID, "backup-id", "", "run ID of the backup to restore (required)")
	rootCmd.AddCommand(rollbackCmd)

	listBackupsCmd := &cobra.Command{
		Use:   "list-backups <repo>",
		Short: "Enumerate cached backup artifacts for a repo",
		Args:  cobra.ExactArgs(1),
		RunE:  runListBackups,
	}
	rootCmd.AddCommand(listBackupsCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs recorded in the run store",
		Args:  cobra.NoArgs,
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsStatusFilter, "status", "", "filter by run status (running, awaiting_user, completed, aborted, ...)")
	rootCmd.AddCommand(runsCmd)

	statusCmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a single run's status, batches, and ledger history from the run store",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)
}

func openRunStore() (*runstore.Store, error) {
	runStorePath := filepath.Join(config.CacheRoot(), "runs.db")
	if err := os.MkdirAll(filepath.Dir(runStorePath), 0o755); err != nil {
		return nil, fmt.Errorf("create run store dir: %w", err)
	}
	return runstore.New(runStorePath)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

// repoName mirrors backupmgr's own key so list-backups/rollback agree
// with where Snapshot actually wrote things.
func repoName(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	return filepath.Base(abs)
}

func runPlan(cmd *cobra.Command, args []string) error {
	repoPath := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(2, fmt.Errorf("load config: %w", err))
	}

	index, err := repoindex.Build(repoPath)
	if err != nil {
		return withExitCode(2, fmt.Errorf("build repo index: %w", err))
	}

	runID := domain.NewRunID(time.Now())
	draft := planner.GenerateNaivePlan(runID, index, cfg)

	plan := draft
	if cfg.UseAgentPlanner {
		loader := prompts.NewLoaderForRepo(repoPath)
		schemaPaths, err := prompts.WriteSchemaFiles(filepath.Join(config.CacheRoot(), "schemas"))
		if err != nil {
			return withExitCode(2, fmt.Errorf("materialize agent schemas: %w", err))
		}
		driver := agentdriver.New(driverConfig(cfg), repoPath, loader)
		if err := driver.CheckAvailable(cmd.Context()); err != nil {
			fmt.Fprintf(cmd.OutOrStderr(), "agent planner unavailable, keeping naive plan: %v\n", err)
		} else if refined, err := planner.RefineWithAgent(cmd.Context(), driver, draft, cfg, "", 0, "", schemaPaths["planner"]); err == nil {
			plan = refined
		}
	}

	planPath := filepath.Join(config.CacheRoot(), "plans", runID+".json")
	if err := os.MkdirAll(filepath.Dir(planPath), 0o755); err != nil {
		return withExitCode(2, fmt.Errorf("create plans dir: %w", err))
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return withExitCode(2, fmt.Errorf("marshal plan: %w", err))
	}
	if err := os.WriteFile(planPath, data, 0o644); err != nil {
		return withExitCode(2, fmt.Errorf("write plan artifact: %w", err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "plan written to %s (%d batches, ~%d LOC)\n", planPath, len(plan.Batches), plan.TotalEstimatedLOC)
	return nil
}

func driverConfig(cfg *config.Config) agentdriver.Config {
	return agentdriver.Config{
		Binary:          cfg.Claude.Binary,
		AllowedTools:    cfg.Claude.AllowedTools,
		Tools:           cfg.Claude.Tools,
		MaxTurnsPlanner: cfg.Claude.MaxTurnsPlanner,
		MaxTurnsPatcher: cfg.Claude.MaxTurnsPatcher,
		GracePeriod:     time.Duration(cfg.CancelGraceSeconds) * time.Second,
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	repoPath := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(2, fmt.Errorf("load config: %w", err))
	}

	timeout := time.Duration(cfg.VerifierTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	v := verifier.New(repoPath, timeout)
	v.GracePeriod = time.Duration(cfg.CancelGraceSeconds) * time.Second

	result, err := v.RunBaseline(cmd.Context(), cfg.FullVerifier)
	if err != nil {
		return withExitCode(2, fmt.Errorf("run baseline verifier: %w", err))
	}
	if !result.Passed() {
		return withExitCode(3, fmt.Errorf("baseline verifier failed"))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "baseline verifier passed")
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	repoPath := args[0]
	if rollbackBackupID == "" {
		return withExitCode(2, fmt.Errorf("rollback: --backup-id is required"))
	}

	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(2, fmt.Errorf("load config: %w", err))
	}

	backups := backupmgr.New(cfg.BackupsDir())
	artifacts, err := backups.List(repoName(repoPath))
	if err != nil {
		return withExitCode(2, fmt.Errorf("list backups: %w", err))
	}

	var artifact *domain.BackupArtifact
	for i := range artifacts {
		if artifacts[i].RunID == rollbackBackupID {
			artifact = &artifacts[i]
			break
		}
	}
	if artifact == nil {
		return withExitCode(2, fmt.Errorf("rollback: no backup with run id %q for repo %q", rollbackBackupID, repoName(repoPath)))
	}

	if err := backups.Restore(*artifact, repoPath); err != nil {
		return withExitCode(2, fmt.Errorf("restore backup: %w", err))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "restored %s from backup %s\n", repoPath, rollbackBackupID)
	return nil
}

func runListBackups(cmd *cobra.Command, args []string) error {
	repoPath := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(2, fmt.Errorf("load config: %w", err))
	}

	backups := backupmgr.New(cfg.BackupsDir())
	artifacts, err := backups.List(repoName(repoPath))
	if err != nil {
		return withExitCode(2, fmt.Errorf("list backups: %w", err))
	}
	if len(artifacts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no backups found")
		return nil
	}

	for _, a := range artifacts {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d bytes\n", a.RunID, a.CreatedAt.Format(time.RFC3339), a.SizeBytes)
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	store, err := openRunStore()
	if err != nil {
		return withExitCode(2, fmt.Errorf("open run store: %w", err))
	}
	defer store.Close()

	runs, err := store.ListRuns(runstore.ListRunsOptions{Status: domain.RunStatus(runsStatusFilter)})
	if err != nil {
		return withExitCode(2, fmt.Errorf("list runs: %w", err))
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tREPO\tSTATUS\tSTARTED\tFINISHED")
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, repoName(r.RepoPath), r.Status, r.StartedAt.Format(time.RFC3339), finished)
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID := args[0]

	store, err := openRunStore()
	if err != nil {
		return withExitCode(2, fmt.Errorf("open run store: %w", err))
	}
	defer store.Close()

	run, err := store.GetRun(runID)
	if err != nil {
		return withExitCode(2, fmt.Errorf("get run %q: %w", runID, err))
	}

	batches, err := store.ListBatchesForRun(runID)
	if err != nil {
		return withExitCode(2, fmt.Errorf("list batches for run %q: %w", runID, err))
	}
	entries, err := store.ListLedgerEntries(runID)
	if err != nil {
		return withExitCode(2, fmt.Errorf("list ledger entries for run %q: %w", runID, err))
	}

	finished := "-"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s | repo %s | started %s | finished %s | baseline %s\n",
		run.ID, run.Status, run.RepoPath, run.StartedAt.Format(time.RFC3339), finished, run.BaselineRef)

	var applied, skipped, failed int
	for _, e := range entries {
		switch e.Outcome {
		case domain.OutcomeApplied:
			applied++
		case domain.OutcomeNoop, domain.OutcomeBlocked, domain.OutcomeCancelled:
			skipped++
		case domain.OutcomeVerifyFailed, domain.OutcomeApplyFailed, domain.OutcomeRolledBack:
			failed++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "batches: %d total | %d applied | %d skipped/noop | %d failed\n",
		len(batches), applied, skipped, failed)

	if len(batches) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH ID\tGOAL\tSTATE\tATTEMPT\tRISK")
	for _, b := range batches {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", b.ID, b.Goal, b.State, b.Attempt, b.RiskScore)
	}
	return w.Flush()
}

func runRun(cmd *cobra.Command, args []string) error {
	repoPath := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(2, fmt.Errorf("load config: %w", err))
	}

	index, err := repoindex.Build(repoPath)
	if err != nil {
		return withExitCode(2, fmt.Errorf("build repo index: %w", err))
	}

	loader := prompts.NewLoaderForRepo(repoPath)
	schemaPaths, err := prompts.WriteSchemaFiles(filepath.Join(config.CacheRoot(), "schemas"))
	if err != nil {
		return withExitCode(2, fmt.Errorf("materialize agent schemas: %w", err))
	}

	driverTemplate := agentdriver.New(driverConfig(cfg), repoPath, loader)
	if err := driverTemplate.CheckAvailable(cmd.Context()); err != nil {
		return withExitCode(5, err)
	}

	if !runYes {
		fmt.Fprintf(cmd.OutOrStdout(), "about to run the full pipeline against %s. Continue? [y/N] ", repoPath)
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "Y" {
			return withExitCode(130, fmt.Errorf("run: cancelled by user"))
		}
	}

	store, err := openRunStore()
	if err != nil {
		return withExitCode(2, fmt.Errorf("open run store: %w", err))
	}
	defer store.Close()

	orc := &orchestrator.Orchestrator{
		Config:   cfg,
		Repo:     reposvc.New(repoPath, cfg.WorktreesDir()),
		Backups:  backupmgr.New(cfg.BackupsDir()),
		Index:    index,
		Symbols:  index,
		Deps:     index,
		RunStore: store,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
		Patcher: func(ctx context.Context, runID, batchID string, attempt int, data prompts.PatcherPatchData) (map[string]any, error) {
			d := driverTemplate.WithWorktree(reposvc.WorktreePath(cfg.WorktreesDir(), runID))
			return d.CallPatcher(ctx, runID, batchID, attempt, data, "", schemaPaths["patcher"])
		},
	}
	if cfg.UseAgentPlanner {
		orc.PlanRefiner = func(ctx context.Context, draft *domain.Plan, ledgerTail string, attempt int) (*domain.Plan, error) {
			d := driverTemplate.WithWorktree(reposvc.WorktreePath(cfg.WorktreesDir(), draft.RunID))
			return planner.RefineWithAgent(ctx, d, draft, cfg, ledgerTail, attempt, "", schemaPaths["planner"])
		}
	}

	var watcher *progress.LedgerWatcher
	if runDashboardAddr != "" {
		hub := progress.NewHub()
		go hub.Run()
		server := &http.Server{Addr: runDashboardAddr, Handler: hub}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(cmd.OutOrStderr(), "dashboard server stopped: %v\n", err)
			}
		}()
		defer server.Close()

		orc.OnRunStarted = func(runID string, led *ledger.Ledger) {
			w, err := progress.NewLedgerWatcher(runID, led.Path(), led, hub.OnNewEntries)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStderr(), "dashboard ledger watch failed: %v\n", err)
				return
			}
			watcher = w
			watcher.Start()
		}
	}

	notifier := buildNotifier()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if cfg.RunTimeoutSeconds > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, time.Duration(cfg.RunTimeoutSeconds)*time.Second)
		defer timeoutCancel()
	}

	report, runErr := orc.Run(ctx, repoPath)
	if watcher != nil {
		watcher.Stop()
	}

	jsonReport := reportgen.Build(report, runErr)
	reportPath := filepath.Join(config.CacheRoot(), "reports", jsonReport.RunID+".json")
	if err := os.MkdirAll(filepath.Dir(reportPath), 0o755); err != nil {
		return withExitCode(2, fmt.Errorf("create reports dir: %w", err))
	}
	if err := reportgen.Save(jsonReport, reportPath); err != nil {
		fmt.Fprintf(cmd.OutOrStderr(), "warning: failed to save report: %v\n", err)
	}
	reportgen.WriteTerminalSummary(cmd.OutOrStdout(), jsonReport)

	notifyRunComplete(notifier, jsonReport, runErr)

	return withExitCode(exitCodeFor(runErr), runErr)
}

func buildNotifier() notify.Notifier {
	var notifiers []notify.Notifier
	if runSlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(runSlackWebhook))
	}
	if runDesktopNotify {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func notifyRunComplete(notifier notify.Notifier, report reportgen.JSONReport, runErr error) {
	nt := notify.NotifySuccess
	title := "refactor-orch run completed"
	if runErr != nil {
		nt = notify.NotifyError
		title = "refactor-orch run aborted"
	}
	_ = notifier.Send(notify.Notification{
		Title:   title,
		Message: fmt.Sprintf("%d/%d batches applied", report.BatchesApplied, report.BatchesTotal),
		Type:    nt,
		RunID:   report.RunID,
	})
}
