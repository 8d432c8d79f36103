// Package git wraps go-git worktree operations for boxctl's per-container
// working copies. It is a leaf package: stdlib and go-git only, no
// internal imports, so project/workspace layout stays out of its way.
package git

import "github.com/go-git/go-git/v6/plumbing"

// WorktreeInfo describes one linked worktree as resolved against both git
// metadata and its directory on disk.
type WorktreeInfo struct {
	Name       string
	Slug       string
	Path       string
	Head       plumbing.Hash
	Branch     string
	IsDetached bool
	Error      error
}

// WorktreeDirEntry is the directory-level half of a worktree: name, slug,
// and path, independent of git metadata.
type WorktreeDirEntry struct {
	Name string
	Slug string
	Path string
}

// WorktreeDirProvider is implemented by whatever owns worktree directory
// layout (internal/workspace's project paths), kept as an interface here
// so this package never imports the config/workspace layer.
type WorktreeDirProvider interface {
	GetOrCreateWorktreeDir(name string) (string, error)
	GetWorktreeDir(name string) (string, error)
	DeleteWorktreeDir(name string) error
}
