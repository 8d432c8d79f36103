package git

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// ErrNotRepository is returned when a path isn't inside a git repository.
var ErrNotRepository = errors.New("git: not a git repository")

// Repo is the facade over one repository's worktree operations, used by
// internal/workspace to set up and tear down a container's working copy.
type Repo struct {
	repo     *gogit.Repository
	repoRoot string

	worktrees     *worktreeManager
	worktreesErr  error
	worktreesOnce sync.Once
}

// Open finds and opens the repository containing path, walking up the
// directory tree to locate its root.
func Open(path string) (*Repo, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("git: opening repository at %s: %w", path, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git: getting worktree: %w", err)
	}

	return &Repo{repo: repo, repoRoot: wt.Filesystem.Root()}, nil
}

// RepoRoot returns the repository's root directory.
func (g *Repo) RepoRoot() string { return g.repoRoot }

func (g *Repo) worktreeManager() (*worktreeManager, error) {
	g.worktreesOnce.Do(func() {
		g.worktrees, g.worktreesErr = newWorktreeManager(g.repo, g.repo.Storer)
	})
	return g.worktrees, g.worktreesErr
}

// SetupWorktree gets or creates a worktree directory (via dirs) and, if
// it's empty, creates the git-level linked worktree checked out onto
// branch (new, based on base, or HEAD if base is empty). It returns the
// worktree path ready for container mounting.
func (g *Repo) SetupWorktree(dirs WorktreeDirProvider, branch, base string) (string, error) {
	wtPath, err := dirs.GetOrCreateWorktreeDir(branch)
	if err != nil {
		return "", fmt.Errorf("git: creating worktree directory: %w", err)
	}

	entries, err := os.ReadDir(wtPath)
	if err != nil {
		return "", fmt.Errorf("git: reading worktree directory: %w", err)
	}
	if len(entries) > 0 {
		wt, err := g.worktreeManager()
		if err != nil {
			return "", fmt.Errorf("git: initializing worktree manager: %w", err)
		}
		if _, err := wt.open(wtPath); err != nil {
			return "", fmt.Errorf("git: worktree directory exists but is invalid: %w", err)
		}
		return wtPath, nil
	}

	exists, err := g.BranchExists(branch)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("git: creating worktree: branch %q already exists", branch)
	}

	var baseCommit plumbing.Hash
	if base != "" {
		hash, err := g.repo.ResolveRevision(plumbing.Revision(base))
		if err != nil {
			return "", fmt.Errorf("git: resolving base %q: %w", base, err)
		}
		baseCommit = *hash
	}

	wt, err := g.worktreeManager()
	if err != nil {
		return "", fmt.Errorf("git: initializing worktree manager: %w", err)
	}
	branchRef := plumbing.NewBranchReferenceName(branch)
	wtName := filepath.Base(wtPath) // the slugified directory name avoids go-git's slash restriction
	if err := wt.addWithNewBranch(wtPath, wtName, branchRef, baseCommit); err != nil {
		if cleanupErr := os.RemoveAll(wtPath); cleanupErr != nil {
			return "", fmt.Errorf("git: creating worktree: %w (cleanup also failed: %v)", err, cleanupErr)
		}
		return "", fmt.Errorf("git: creating worktree: %w", err)
	}
	return wtPath, nil
}

// RemoveWorktree deletes both the git worktree metadata and the
// directory on disk.
func (g *Repo) RemoveWorktree(dirs WorktreeDirProvider, branch string) error {
	wtPath, err := dirs.GetWorktreeDir(branch)
	if err != nil {
		return fmt.Errorf("git: looking up worktree: %w", err)
	}

	wt, err := g.worktreeManager()
	if err != nil {
		return fmt.Errorf("git: initializing worktree manager: %w", err)
	}
	if err := wt.remove(filepath.Base(wtPath)); err != nil {
		return fmt.Errorf("git: removing worktree: %w", err)
	}
	return dirs.DeleteWorktreeDir(branch)
}

// ListWorktrees reconciles git's linked-worktree metadata against the
// directory entries the caller already knows about, reporting orphans on
// either side via WorktreeInfo.Error.
func (g *Repo) ListWorktrees(entries []WorktreeDirEntry) ([]WorktreeInfo, error) {
	wt, err := g.worktreeManager()
	if err != nil {
		return nil, fmt.Errorf("git: initializing worktree manager: %w", err)
	}

	bySlug := make(map[string]WorktreeDirEntry, len(entries))
	for _, e := range entries {
		bySlug[e.Slug] = e
	}

	names, err := wt.list()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(names))
	var infos []WorktreeInfo
	for _, slug := range names {
		seen[slug] = true
		entry, ok := bySlug[slug]
		if !ok {
			infos = append(infos, WorktreeInfo{Name: slug, Error: fmt.Errorf("git: worktree %q has metadata but no directory entry", slug)})
			continue
		}

		info := WorktreeInfo{Name: entry.Name, Slug: slug, Path: entry.Path}
		wtRepo, err := wt.open(entry.Path)
		if err != nil {
			info.Error = fmt.Errorf("git: opening worktree: %w", err)
		} else if head, err := wtRepo.Head(); err != nil {
			info.Error = fmt.Errorf("git: getting HEAD: %w", err)
		} else {
			info.Head = head.Hash()
			info.Branch = head.Name().Short()
			info.IsDetached = head.Name() == plumbing.HEAD
		}
		infos = append(infos, info)
	}

	for _, entry := range entries {
		if seen[entry.Slug] {
			continue
		}
		infos = append(infos, WorktreeInfo{Name: entry.Name, Path: entry.Path, Error: fmt.Errorf("git: worktree %q has a directory but no git metadata", entry.Name)})
	}
	return infos, nil
}

// GetCurrentBranch returns the checked-out branch, or "" for detached HEAD.
func (g *Repo) GetCurrentBranch() (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("git: getting HEAD: %w", err)
	}
	if head.Name() == plumbing.HEAD {
		return "", nil
	}
	return head.Name().Short(), nil
}

// BranchExists reports whether branch exists in the repository.
func (g *Repo) BranchExists(branch string) (bool, error) {
	_, err := g.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("git: checking branch %q: %w", branch, err)
	}
	return true, nil
}

// IsInsideWorktree reports whether path is inside a linked worktree (its
// .git is a file pointing at the main repository) rather than the main
// working copy (.git is a directory).
func IsInsideWorktree(path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("git: resolving absolute path: %w", err)
	}

	for current := abs; ; {
		info, err := os.Stat(filepath.Join(current, ".git"))
		if err == nil {
			return !info.IsDir(), nil
		}
		if !os.IsNotExist(err) {
			return false, fmt.Errorf("git: checking %s: %w", current, err)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return false, nil
		}
		current = parent
	}
}
