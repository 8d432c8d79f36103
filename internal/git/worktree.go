package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/storage"
	xworktree "github.com/go-git/go-git/v6/x/plumbing/worktree"

	"github.com/go-git/go-billy/v6/osfs"
)

// worktreeManager wraps go-git's experimental linked-worktree support for
// one repository.
type worktreeManager struct {
	repo *gogit.Repository
	wt   *xworktree.Worktree
}

func newWorktreeManager(repo *gogit.Repository, storer storage.Storer) (*worktreeManager, error) {
	wt, err := xworktree.New(storer)
	if err != nil {
		return nil, fmt.Errorf("git: creating worktree manager: %w", err)
	}
	return &worktreeManager{repo: repo, wt: wt}, nil
}

// addDetached creates a linked worktree with a detached HEAD, avoiding
// go-git's default of naming a branch after the worktree: container
// branch names frequently contain slashes ("feature/foo"), which a
// slugified worktree name would otherwise collide with.
func (w *worktreeManager) addDetached(path, name string, commit plumbing.Hash) error {
	wtFS := osfs.New(path)
	opts := []xworktree.Option{xworktree.WithDetachedHead()}
	if !commit.IsZero() {
		opts = append(opts, xworktree.WithCommit(commit))
	}
	if err := w.wt.Add(wtFS, name, opts...); err != nil {
		return fmt.Errorf("git: adding detached worktree %q at %s: %w", name, path, err)
	}
	return nil
}

// addWithNewBranch creates a linked worktree and points a new branch at
// base (or HEAD), then checks it out.
func (w *worktreeManager) addWithNewBranch(path, name string, branch plumbing.ReferenceName, base plumbing.Hash) error {
	if err := w.addDetached(path, name, base); err != nil {
		return err
	}

	wtRepo, err := w.open(path)
	if err != nil {
		_ = w.remove(name)
		return fmt.Errorf("git: opening newly created worktree: %w", err)
	}
	wt, err := wtRepo.Worktree()
	if err != nil {
		_ = w.remove(name)
		return fmt.Errorf("git: getting worktree: %w", err)
	}

	commitHash := base
	if commitHash.IsZero() {
		head, err := w.repo.Head()
		if err != nil {
			_ = w.remove(name)
			return fmt.Errorf("git: getting HEAD: %w", err)
		}
		commitHash = head.Hash()
	}

	if err := wtRepo.Storer.SetReference(plumbing.NewHashReference(branch, commitHash)); err != nil {
		_ = w.remove(name)
		return fmt.Errorf("git: creating branch reference: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: branch}); err != nil {
		_ = w.remove(name)
		return fmt.Errorf("git: checking out branch %s: %w", branch.Short(), err)
	}
	return nil
}

func (w *worktreeManager) list() ([]string, error) {
	names, err := w.wt.List()
	if err != nil {
		return nil, fmt.Errorf("git: listing worktrees: %w", err)
	}
	return names, nil
}

func (w *worktreeManager) open(path string) (*gogit.Repository, error) {
	repo, err := w.wt.Open(osfs.New(path))
	if err != nil {
		return nil, fmt.Errorf("git: opening worktree at %s: %w", path, err)
	}
	return repo, nil
}

func (w *worktreeManager) remove(name string) error {
	if err := w.wt.Remove(name); err != nil {
		return fmt.Errorf("git: removing worktree %q: %w", name, err)
	}
	return nil
}
