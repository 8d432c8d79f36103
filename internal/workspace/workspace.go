// Package workspace resolves a project's configuration into the concrete
// Docker mounts passed to internal/engine: the project's own directory (or
// an active git worktree standing in for it), the user's declared
// workspaces[] entries, SSH/GPG credential mounts, and persistent
// per-project config volumes.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/moby/api/types/mount"

	"github.com/boxctl/boxctl/internal/engine"
	"github.com/boxctl/boxctl/internal/projectconfig"
)

// PrimaryMountPath is where the project's working copy (or active
// worktree) is mounted inside every container.
const PrimaryMountPath = "/workspace"

// ExtraWorkspaceRoot is the fixed prefix under which additional
// workspaces[] entries are exposed.
const ExtraWorkspaceRoot = "/mnt/workspaces"

// BuildConfig bundles everything BuildMounts needs to resolve one
// container's mounts.
type BuildConfig struct {
	// ProjectDir is the project's root directory on the host.
	ProjectDir string
	// WorkingPath is what to bind-mount at PrimaryMountPath: either
	// ProjectDir itself or a git worktree path under it.
	WorkingPath string
	// MainRepoGitDir is non-empty when WorkingPath is a linked worktree;
	// it is the main repository's .git directory, which must be mounted
	// at the same absolute path for worktree references to resolve.
	MainRepoGitDir string
	// ProjectName names the project for volume/label purposes.
	ProjectName string
	Config      *projectconfig.Config
}

// Result carries the resolved mounts plus bookkeeping the caller needs for
// first-run seeding and later cleanup.
type Result struct {
	Mounts            []mount.Mount
	ConfigVolumeNames []string
}

// BuildMounts resolves cfg into the full set of Docker mounts for a
// container: the primary working-copy bind (with ignored-directory tmpfs
// overlays and worktree .git support), every workspaces[] entry, SSH/GPG
// credential mounts per cfg.Config.SSH, and the project's persistent
// config volumes (created if missing).
func BuildMounts(ctx context.Context, eng *engine.Engine, cfg BuildConfig) (*Result, error) {
	var mounts []mount.Mount

	primary, err := primaryMount(cfg)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, primary...)

	if cfg.MainRepoGitDir != "" {
		gitMount, err := worktreeGitMount(cfg.MainRepoGitDir)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, *gitMount)
	}

	extra, err := extraWorkspaceMounts(cfg.Config.Workspaces)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, extra...)

	mounts = append(mounts, sshMounts(cfg.Config.SSH)...)
	mounts = append(mounts, gpgMounts(cfg.Config.SSH)...)
	if m := GetGitConfigMount(); m != nil {
		mounts = append(mounts, m...)
	}

	volNames, volMounts, err := ensureConfigVolumes(ctx, eng, cfg.ProjectName)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, volMounts...)

	return &Result{Mounts: mounts, ConfigVolumeNames: volNames}, nil
}

// primaryMount binds cfg.WorkingPath at PrimaryMountPath, with tmpfs
// overlays masking any directory an ignore file excludes.
func primaryMount(cfg BuildConfig) ([]mount.Mount, error) {
	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: cfg.WorkingPath,
			Target: PrimaryMountPath,
			BindOptions: &mount.BindOptions{
				Propagation: mount.PropagationRPrivate,
			},
		},
	}

	patterns, err := LoadIgnorePatterns(filepath.Join(cfg.ProjectDir, IgnoreFileName))
	if err != nil {
		return nil, fmt.Errorf("workspace: loading ignore patterns: %w", err)
	}
	if len(patterns) == 0 {
		return mounts, nil
	}

	dirs, err := FindIgnoredDirs(cfg.WorkingPath, patterns)
	if err != nil {
		return nil, fmt.Errorf("workspace: scanning ignored directories: %w", err)
	}
	for _, dir := range dirs {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeTmpfs,
			Target: filepath.Join(PrimaryMountPath, dir),
		})
	}
	return mounts, nil
}

// worktreeGitMount binds the main repository's .git directory at the same
// absolute path inside the container, so a worktree's .git file (which
// records that path verbatim) keeps resolving once mounted.
func worktreeGitMount(mainRepoGitDir string) (*mount.Mount, error) {
	resolved, err := filepath.EvalSymlinks(mainRepoGitDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving main repo .git path %s: %w", mainRepoGitDir, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("workspace: main repo .git not found at %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace: %s is not a directory (expected main repo .git, not a worktree)", resolved)
	}
	return &mount.Mount{Type: mount.TypeBind, Source: resolved, Target: resolved}, nil
}

// extraWorkspaceMounts maps each workspaces[] entry onto
// ExtraWorkspaceRoot/<mount_name>, read-only or read-write per its mode.
// A missing host path is skipped, not fatal; projectconfig.Validate
// already surfaces it as a warning.
func extraWorkspaceMounts(entries []projectconfig.Workspace) ([]mount.Mount, error) {
	var mounts []mount.Mount
	for _, ws := range entries {
		if _, err := os.Stat(ws.Path); err != nil {
			continue
		}
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   ws.Path,
			Target:   filepath.Join(ExtraWorkspaceRoot, ws.MountName),
			ReadOnly: ws.Mode == projectconfig.WorkspaceReadOnly,
		})
	}
	return mounts, nil
}

// ensureConfigVolumes creates (idempotently) the project's persistent
// home-directory and shell-history volumes, returning both their names
// (for init orchestration / cleanup) and their mount entries.
func ensureConfigVolumes(ctx context.Context, eng *engine.Engine, project string) ([]string, []mount.Mount, error) {
	type volSpec struct {
		purpose string
		target  string
	}
	specs := []volSpec{
		{purpose: "config", target: "/home/agent/.config"},
		{purpose: "history", target: "/commandhistory"},
	}

	var names []string
	var mounts []mount.Mount
	for _, spec := range specs {
		name := engine.VolumeName(project, spec.purpose)
		if _, err := eng.EnsureVolume(ctx, name, engine.VolumeLabels(project, spec.purpose)); err != nil {
			return nil, nil, fmt.Errorf("workspace: ensuring %s volume: %w", spec.purpose, err)
		}
		names = append(names, name)
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: name, Target: spec.target})
	}
	return names, mounts, nil
}
