package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectWorktreeDirsGetOrCreateSlugifiesBranchName(t *testing.T) {
	projectDir := t.TempDir()
	p := ProjectWorktreeDirs{ProjectDir: projectDir}

	dir, err := p.GetOrCreateWorktreeDir("feature/add-logging")
	require.NoError(t, err)
	assert.Equal(t, "feature-add-logging", filepath.Base(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestProjectWorktreeDirsGetWithoutCreateFailsWhenMissing(t *testing.T) {
	p := ProjectWorktreeDirs{ProjectDir: t.TempDir()}
	_, err := p.GetWorktreeDir("nope")
	assert.Error(t, err)
}

func TestProjectWorktreeDirsDeleteRemovesDirectory(t *testing.T) {
	p := ProjectWorktreeDirs{ProjectDir: t.TempDir()}

	dir, err := p.GetOrCreateWorktreeDir("main")
	require.NoError(t, err)

	require.NoError(t, p.DeleteWorktreeDir("main"))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestProjectWorktreeDirsEntriesListsCreatedDirs(t *testing.T) {
	p := ProjectWorktreeDirs{ProjectDir: t.TempDir()}

	_, err := p.GetOrCreateWorktreeDir("feature/x")
	require.NoError(t, err)
	_, err = p.GetOrCreateWorktreeDir("main")
	require.NoError(t, err)

	entries, err := p.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"feature-x", "main"}, names)
}

func TestProjectWorktreeDirsEntriesEmptyWhenRootMissing(t *testing.T) {
	p := ProjectWorktreeDirs{ProjectDir: t.TempDir()}
	entries, err := p.Entries()
	require.NoError(t, err)
	assert.Nil(t, entries)
}
