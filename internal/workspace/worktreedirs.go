package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/boxctl/boxctl/internal/git"
	"github.com/boxctl/boxctl/internal/projectconfig"
)

// worktreesDirName is where per-branch worktree checkouts live, nested
// under the project's own .boxctl directory.
const worktreesDirName = "worktrees"

// ProjectWorktreeDirs implements git.WorktreeDirProvider by laying
// worktree checkouts out under <project>/.boxctl/worktrees/<slug>, where
// slug is the branch name with '/' replaced by '-' (branch names
// routinely contain slashes; directory names can't).
type ProjectWorktreeDirs struct {
	ProjectDir string
}

func (p ProjectWorktreeDirs) root() string {
	return filepath.Join(projectconfig.Dir(p.ProjectDir), worktreesDirName)
}

func slugify(branch string) string {
	return strings.ReplaceAll(branch, "/", "-")
}

// GetOrCreateWorktreeDir returns the directory for branch, creating it
// (and its parents) if necessary.
func (p ProjectWorktreeDirs) GetOrCreateWorktreeDir(branch string) (string, error) {
	dir := filepath.Join(p.root(), slugify(branch))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: creating worktree directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetWorktreeDir returns the directory for branch without creating it.
func (p ProjectWorktreeDirs) GetWorktreeDir(branch string) (string, error) {
	dir := filepath.Join(p.root(), slugify(branch))
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("workspace: worktree directory for %q not found: %w", branch, err)
	}
	return dir, nil
}

// DeleteWorktreeDir removes the directory for branch.
func (p ProjectWorktreeDirs) DeleteWorktreeDir(branch string) error {
	dir := filepath.Join(p.root(), slugify(branch))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: removing worktree directory %s: %w", dir, err)
	}
	return nil
}

// Entries lists every worktree directory currently on disk, for
// reconciliation against git's own worktree metadata via git.ListWorktrees.
func (p ProjectWorktreeDirs) Entries() ([]git.WorktreeDirEntry, error) {
	root := p.root()
	children, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("workspace: listing worktree directories: %w", err)
	}

	var entries []git.WorktreeDirEntry
	for _, c := range children {
		if !c.IsDir() {
			continue
		}
		entries = append(entries, git.WorktreeDirEntry{
			Name: c.Name(),
			Slug: c.Name(),
			Path: filepath.Join(root, c.Name()),
		})
	}
	return entries, nil
}
