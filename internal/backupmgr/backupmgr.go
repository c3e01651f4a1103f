// Package backupmgr creates and restores full-repository backups before
// a run ever touches the target tree (spec.md §4, invariant: a backup
// exists before the first mutating operation). It is grounded on the
// Python original's backup.py: a git bundle of every ref plus a tar.gz
// archive of the full working tree, keyed by repo name and run ID.
package backupmgr

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/refactor-orch/internal/domain"
)

// excludedDirs are never written into the tar.gz archive (backup.py's
// exclude_filter, extended with .refactor-orch since that's where this
// system keeps its own run state inside a target repo).
var excludedDirs = map[string]struct{}{
	".git":           {},
	"node_modules":   {},
	"__pycache__":    {},
	".venv":          {},
	"venv":           {},
	".tox":           {},
	"dist":           {},
	"build":          {},
	".pytest_cache":  {},
	".mypy_cache":    {},
	".ruff_cache":    {},
	".refactor-orch": {},
}

type metadata struct {
	RunID      string    `json:"run_id"`
	RepoName   string    `json:"repo_name"`
	RepoPath   string    `json:"repo_path"`
	CreatedAt  time.Time `json:"created_at"`
	HasBundle  bool      `json:"has_bundle"`
	HasArchive bool      `json:"has_archive"`
}

// Manager creates and restores backups rooted under a backups
// directory (config.Config.BackupsDir()).
type Manager struct {
	backupsRoot string
}

// New constructs a Manager keyed to the given backups root directory.
func New(backupsRoot string) *Manager {
	return &Manager{backupsRoot: backupsRoot}
}

func repoName(repoPath string) string {
	return filepath.Base(filepath.Clean(repoPath))
}

func isGitRepo(repoPath string) bool {
	info, err := os.Stat(filepath.Join(repoPath, ".git"))
	return err == nil && (info.IsDir() || info.Mode().IsRegular())
}

func (m *Manager) backupDir(runID, repo string) string {
	return filepath.Join(m.backupsRoot, repo, runID)
}

// Snapshot creates a full backup of repoPath for runID: a git bundle of
// all refs (when repoPath is a git repo) and always a tar.gz archive of
// the working tree, excluding VCS/build directories.
func (m *Manager) Snapshot(ctx context.Context, repoPath, runID string) (domain.BackupArtifact, error) {
	repo := repoName(repoPath)
	dir := m.backupDir(runID, repo)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.BackupArtifact{}, fmt.Errorf("backupmgr: create backup dir: %w", err)
	}

	var bundlePath string
	if isGitRepo(repoPath) {
		bundlePath = filepath.Join(dir, "backup.bundle")
		if err := createGitBundle(ctx, repoPath, bundlePath); err != nil {
			return domain.BackupArtifact{}, err
		}
	}

	archivePath := filepath.Join(dir, "snapshot.tar.gz")
	if err := createArchive(repoPath, repo, archivePath); err != nil {
		return domain.BackupArtifact{}, err
	}

	artifact := domain.BackupArtifact{
		RunID:       runID,
		RepoName:    repo,
		BundlePath:  bundlePath,
		ArchivePath: archivePath,
		CreatedAt:   time.Now(),
	}
	if bundlePath != "" {
		if fi, err := os.Stat(bundlePath); err == nil {
			artifact.SizeBytes += fi.Size()
		}
	}
	if fi, err := os.Stat(archivePath); err == nil {
		artifact.SizeBytes += fi.Size()
	}

	meta := metadata{
		RunID:      runID,
		RepoName:   repo,
		RepoPath:   repoPath,
		CreatedAt:  artifact.CreatedAt,
		HasBundle:  bundlePath != "",
		HasArchive: true,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return domain.BackupArtifact{}, fmt.Errorf("backupmgr: marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaBytes, 0o644); err != nil {
		return domain.BackupArtifact{}, fmt.Errorf("backupmgr: write metadata: %w", err)
	}

	return artifact, nil
}

func createGitBundle(ctx context.Context, repoPath, bundlePath string) error {
	cmd := exec.CommandContext(ctx, "git", "bundle", "create", bundlePath, "--all")
	cmd.Dir = repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("backupmgr: git bundle create: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func createArchive(repoPath, arcRoot, archivePath string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("backupmgr: create archive file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(repoPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if _, excluded := excludedDirs[part]; excluded {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.Join(arcRoot, rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("backupmgr: build archive: %w", err)
	}
	return nil
}

// Restore atomically replaces target with the contents of artifact's
// archive. The archive is first extracted into a staging directory
// beside target, so an extraction failure leaves target untouched; only
// then is the existing target, if present, renamed aside
// (<target>.pre-restore) and the extracted tree renamed into place. If
// that final rename fails, the original is swapped back.
func (m *Manager) Restore(artifact domain.BackupArtifact, target string) error {
	if artifact.ArchivePath == "" {
		return fmt.Errorf("backupmgr: artifact has no archive path")
	}
	if _, err := os.Stat(artifact.ArchivePath); err != nil {
		return fmt.Errorf("backupmgr: archive not found: %w", err)
	}

	stagingDir, err := os.MkdirTemp(filepath.Dir(target), ".restore-staging-*")
	if err != nil {
		return fmt.Errorf("backupmgr: create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := extractArchive(artifact.ArchivePath, stagingDir); err != nil {
		return err
	}

	extractedRoot := filepath.Join(stagingDir, artifact.RepoName)
	if _, err := os.Stat(extractedRoot); err != nil {
		return fmt.Errorf("backupmgr: archive did not contain expected root %q: %w", artifact.RepoName, err)
	}

	var preRestore string
	if _, err := os.Stat(target); err == nil {
		preRestore = target + ".pre-restore"
		if err := os.RemoveAll(preRestore); err != nil {
			return fmt.Errorf("backupmgr: clear stale pre-restore dir: %w", err)
		}
		if err := os.Rename(target, preRestore); err != nil {
			return fmt.Errorf("backupmgr: move existing target aside: %w", err)
		}
	}

	if err := os.Rename(extractedRoot, target); err != nil {
		if preRestore != "" {
			_ = os.Rename(preRestore, target)
		}
		return fmt.Errorf("backupmgr: swap in restored tree: %w", err)
	}

	if preRestore != "" {
		_ = os.RemoveAll(preRestore)
	}
	return nil
}

func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("backupmgr: open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("backupmgr: open gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("backupmgr: read tar entry: %w", err)
		}

		target := filepath.Join(destDir, header.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) && target != filepath.Clean(destDir) {
			return fmt.Errorf("backupmgr: tar entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

// List returns the backups available for repo (or every repo, when
// repo is "").
func (m *Manager) List(repo string) ([]domain.BackupArtifact, error) {
	var repoDirs []string
	if repo != "" {
		repoDirs = []string{filepath.Join(m.backupsRoot, repo)}
	} else {
		entries, err := os.ReadDir(m.backupsRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("backupmgr: list repos: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				repoDirs = append(repoDirs, filepath.Join(m.backupsRoot, e.Name()))
			}
		}
	}

	var artifacts []domain.BackupArtifact
	for _, repoDir := range repoDirs {
		runDirs, err := os.ReadDir(repoDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("backupmgr: list runs: %w", err)
		}
		for _, runDir := range runDirs {
			if !runDir.IsDir() {
				continue
			}
			metaPath := filepath.Join(repoDir, runDir.Name(), "metadata.json")
			data, err := os.ReadFile(metaPath)
			if err != nil {
				continue
			}
			var meta metadata
			if err := json.Unmarshal(data, &meta); err != nil {
				continue
			}
			bundlePath := filepath.Join(repoDir, runDir.Name(), "backup.bundle")
			archivePath := filepath.Join(repoDir, runDir.Name(), "snapshot.tar.gz")
			artifact := domain.BackupArtifact{
				RunID:     meta.RunID,
				RepoName:  meta.RepoName,
				CreatedAt: meta.CreatedAt,
			}
			if fi, err := os.Stat(bundlePath); err == nil {
				artifact.BundlePath = bundlePath
				artifact.SizeBytes += fi.Size()
			}
			if fi, err := os.Stat(archivePath); err == nil {
				artifact.ArchivePath = archivePath
				artifact.SizeBytes += fi.Size()
			}
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

// Cleanup removes the on-disk backup directory for a run.
func (m *Manager) Cleanup(repo, runID string) error {
	return os.RemoveAll(m.backupDir(runID, repo))
}
