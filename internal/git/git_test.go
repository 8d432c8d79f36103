package git

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepoOnDisk creates a real git repository in a temp directory,
// since go-git's worktree API requires filesystem operations.
func newTestRepoOnDisk(t *testing.T) (*gogit.Repository, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	readme := filepath.Join(dir, "README.md")
	require.NoError(t, os.WriteFile(readme, []byte("# boxctl test repo\n"), 0644))

	_, err = wt.Add("README.md")
	require.NoError(t, err)

	_, err = wt.Commit("initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@test.com", When: time.Now()},
	})
	require.NoError(t, err)

	return repo, dir
}

// fakeWorktreeDirProvider implements WorktreeDirProvider for testing.
type fakeWorktreeDirProvider struct {
	baseDir   string
	worktrees map[string]string
}

func newFakeWorktreeDirProvider(t *testing.T) *fakeWorktreeDirProvider {
	return &fakeWorktreeDirProvider{baseDir: t.TempDir(), worktrees: make(map[string]string)}
}

func (f *fakeWorktreeDirProvider) GetOrCreateWorktreeDir(name string) (string, error) {
	if path, ok := f.worktrees[name]; ok {
		return path, nil
	}
	slug := strings.ReplaceAll(name, "/", "-")
	path := filepath.Join(f.baseDir, slug)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	f.worktrees[name] = path
	return path, nil
}

func (f *fakeWorktreeDirProvider) GetWorktreeDir(name string) (string, error) {
	if path, ok := f.worktrees[name]; ok {
		return path, nil
	}
	return "", errors.New("worktree not found: " + name)
}

func (f *fakeWorktreeDirProvider) DeleteWorktreeDir(name string) error {
	path, ok := f.worktrees[name]
	if !ok {
		return errors.New("worktree not found: " + name)
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	delete(f.worktrees, name)
	return nil
}

func (f *fakeWorktreeDirProvider) entries() []WorktreeDirEntry {
	result := make([]WorktreeDirEntry, 0, len(f.worktrees))
	for name, path := range f.worktrees {
		result = append(result, WorktreeDirEntry{Name: name, Slug: filepath.Base(path), Path: path})
	}
	return result
}

func TestOpen(t *testing.T) {
	t.Run("opens repo from root", func(t *testing.T) {
		_, repoDir := newTestRepoOnDisk(t)

		repo, err := Open(repoDir)
		require.NoError(t, err)
		assert.Equal(t, repoDir, repo.RepoRoot())
	})

	t.Run("opens repo from subdirectory", func(t *testing.T) {
		_, repoDir := newTestRepoOnDisk(t)

		subdir := filepath.Join(repoDir, "src", "pkg")
		require.NoError(t, os.MkdirAll(subdir, 0755))

		repo, err := Open(subdir)
		require.NoError(t, err)
		assert.Equal(t, repoDir, repo.RepoRoot())
	})

	t.Run("returns ErrNotRepository for non-git directory", func(t *testing.T) {
		_, err := Open(t.TempDir())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotRepository))
	})
}

func TestRepo_GetCurrentBranch(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	branch, err := repo.GetCurrentBranch()
	require.NoError(t, err)
	assert.Contains(t, []string{"master", "main"}, branch)
}

func TestRepo_BranchExists(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	exists, err := repo.BranchExists("master")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.BranchExists("nonexistent-branch")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIsInsideWorktree(t *testing.T) {
	t.Run("main repo returns false", func(t *testing.T) {
		_, repoDir := newTestRepoOnDisk(t)

		isWT, err := IsInsideWorktree(repoDir)
		require.NoError(t, err)
		assert.False(t, isWT)
	})

	t.Run("non-git directory returns false", func(t *testing.T) {
		isWT, err := IsInsideWorktree(t.TempDir())
		require.NoError(t, err)
		assert.False(t, isWT)
	})
}

func TestRepo_SetupWorktree(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	provider := newFakeWorktreeDirProvider(t)

	t.Run("creates new worktree", func(t *testing.T) {
		path, err := repo.SetupWorktree(provider, "setup-test", "")
		require.NoError(t, err)
		assert.DirExists(t, path)
	})

	t.Run("returns existing worktree", func(t *testing.T) {
		path1, err := repo.SetupWorktree(provider, "reuse-test", "")
		require.NoError(t, err)

		path2, err := repo.SetupWorktree(provider, "reuse-test", "")
		require.NoError(t, err)

		assert.Equal(t, path1, path2)
	})

	t.Run("handles branch names with slashes", func(t *testing.T) {
		path, err := repo.SetupWorktree(provider, "feature/test-slash", "")
		require.NoError(t, err)
		assert.DirExists(t, path)

		wtRepo, err := gogit.PlainOpen(path)
		require.NoError(t, err)

		head, err := wtRepo.Head()
		require.NoError(t, err)
		assert.Equal(t, "feature/test-slash", head.Name().Short())
	})

	t.Run("handles deeply nested branch names", func(t *testing.T) {
		path, err := repo.SetupWorktree(provider, "a/b/c/deep-branch", "")
		require.NoError(t, err)

		wtRepo, err := gogit.PlainOpen(path)
		require.NoError(t, err)

		head, err := wtRepo.Head()
		require.NoError(t, err)
		assert.Equal(t, "a/b/c/deep-branch", head.Name().Short())
	})

	t.Run("fails for an already-existing branch", func(t *testing.T) {
		_, err := repo.SetupWorktree(provider, "master", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "creating worktree")
	})
}

func TestRepo_RemoveWorktree(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	provider := newFakeWorktreeDirProvider(t)

	t.Run("removes simple branch worktree", func(t *testing.T) {
		path, err := repo.SetupWorktree(provider, "to-remove", "")
		require.NoError(t, err)
		assert.DirExists(t, path)

		require.NoError(t, repo.RemoveWorktree(provider, "to-remove"))
		assert.NoDirExists(t, path)
	})

	t.Run("removes slashed branch worktree", func(t *testing.T) {
		path, err := repo.SetupWorktree(provider, "feature/to-remove", "")
		require.NoError(t, err)
		assert.DirExists(t, path)

		require.NoError(t, repo.RemoveWorktree(provider, "feature/to-remove"))
		assert.NoDirExists(t, path)
	})
}

func TestRepo_ListWorktrees(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	provider := newFakeWorktreeDirProvider(t)

	path1, err := repo.SetupWorktree(provider, "feature/foo", "")
	require.NoError(t, err)
	path2, err := repo.SetupWorktree(provider, "bugfix/bar/baz", "")
	require.NoError(t, err)

	infos, err := repo.ListWorktrees(provider.entries())
	require.NoError(t, err)

	byName := make(map[string]WorktreeInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}

	info1, ok := byName["feature/foo"]
	require.True(t, ok)
	assert.Equal(t, path1, info1.Path)
	assert.Equal(t, "feature/foo", info1.Branch)
	assert.NoError(t, info1.Error)

	info2, ok := byName["bugfix/bar/baz"]
	require.True(t, ok)
	assert.Equal(t, path2, info2.Path)
	assert.Equal(t, "bugfix/bar/baz", info2.Branch)
}

func TestRepo_ListWorktrees_OrphanedDirectory(t *testing.T) {
	_, repoDir := newTestRepoOnDisk(t)
	repo, err := Open(repoDir)
	require.NoError(t, err)

	provider := newFakeWorktreeDirProvider(t)

	_, err = repo.SetupWorktree(provider, "real-worktree", "")
	require.NoError(t, err)

	orphanDir := filepath.Join(provider.baseDir, "orphan-worktree")
	require.NoError(t, os.MkdirAll(orphanDir, 0755))

	entries := provider.entries()
	entries = append(entries, WorktreeDirEntry{Name: "orphan-worktree", Slug: "orphan-worktree", Path: orphanDir})

	infos, err := repo.ListWorktrees(entries)
	require.NoError(t, err)

	byName := make(map[string]WorktreeInfo)
	for _, info := range infos {
		byName[info.Name] = info
	}

	real, ok := byName["real-worktree"]
	require.True(t, ok)
	assert.NoError(t, real.Error)

	orphan, ok := byName["orphan-worktree"]
	require.True(t, ok)
	require.Error(t, orphan.Error)
	assert.Contains(t, orphan.Error.Error(), "no git metadata")
}
