package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxctl/boxctl/internal/projectconfig"
)

func TestExtraWorkspaceMountsSkipsMissingPaths(t *testing.T) {
	existing := t.TempDir()

	mounts, err := extraWorkspaceMounts([]projectconfig.Workspace{
		{Path: existing, MountName: "docs", Mode: projectconfig.WorkspaceReadOnly},
		{Path: filepath.Join(existing, "does-not-exist"), MountName: "gone"},
	})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, existing, mounts[0].Source)
	assert.Equal(t, filepath.Join(ExtraWorkspaceRoot, "docs"), mounts[0].Target)
	assert.True(t, mounts[0].ReadOnly)
}

func TestExtraWorkspaceMountsReadWriteByDefault(t *testing.T) {
	existing := t.TempDir()
	mounts, err := extraWorkspaceMounts([]projectconfig.Workspace{
		{Path: existing, MountName: "rw-dir", Mode: projectconfig.WorkspaceReadWrite},
	})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.False(t, mounts[0].ReadOnly)
}

func TestWorktreeGitMountRequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("gitdir: ../x"), 0o644))

	_, err := worktreeGitMount(file)
	assert.Error(t, err)
}

func TestWorktreeGitMountBindsResolvedPath(t *testing.T) {
	gitDir := filepath.Join(t.TempDir(), ".git")
	require.NoError(t, os.Mkdir(gitDir, 0o755))

	m, err := worktreeGitMount(gitDir)
	require.NoError(t, err)
	assert.Equal(t, gitDir, m.Source)
	assert.Equal(t, gitDir, m.Target)
}

func TestPrimaryMountAddsTmpfsOverlaysForIgnoredDirs(t *testing.T) {
	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, IgnoreFileName), []byte("node_modules/\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(projectDir, "node_modules"), 0o755))

	mounts, err := primaryMount(BuildConfig{ProjectDir: projectDir, WorkingPath: projectDir})
	require.NoError(t, err)
	require.Len(t, mounts, 2)
	assert.Equal(t, filepath.Join(PrimaryMountPath, "node_modules"), mounts[1].Target)
}

func TestPrimaryMountNoIgnoreFileYieldsOnlyPrimaryBind(t *testing.T) {
	projectDir := t.TempDir()
	mounts, err := primaryMount(BuildConfig{ProjectDir: projectDir, WorkingPath: projectDir})
	require.NoError(t, err)
	require.Len(t, mounts, 1)
}
