package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadIgnorePatternsSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".boxctlignore")
	require.NoError(t, os.WriteFile(path, []byte("node_modules/\n\n# a comment\nvendor/\n"), 0o644))

	patterns, err := LoadIgnorePatterns(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules/", "vendor/"}, patterns)
}

func TestLoadIgnorePatternsMissingFileIsNotAnError(t *testing.T) {
	patterns, err := LoadIgnorePatterns(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, patterns)
}

func TestShouldIgnoreAlwaysMasksGitDir(t *testing.T) {
	assert.True(t, shouldIgnore(".git", true, nil))
	assert.True(t, shouldIgnore(filepath.Join(".git", "HEAD"), false, nil))
}

func TestShouldIgnoreDirOnlyPatternSparesFiles(t *testing.T) {
	patterns := []string{"build/"}
	assert.True(t, shouldIgnore("build", true, patterns))
	assert.False(t, shouldIgnore("build", false, patterns))
}

func TestMatchPatternDoubleStarCrossesSeparators(t *testing.T) {
	assert.True(t, matchPattern(filepath.Join("a", "b", "c.log"), "a/**/*.log"))
	assert.False(t, matchPattern(filepath.Join("a", "b", "c.txt"), "a/**/*.log"))
}

func TestFindIgnoredDirsDoesNotDescendIntoIgnoredDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	dirs, err := FindIgnoredDirs(root, []string{"node_modules/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"node_modules"}, dirs)
}
