package workspace

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName is the per-project file listing directories and files to
// mask from the container's view of the primary workspace mount.
const IgnoreFileName = ".boxctlignore"

// LoadIgnorePatterns reads path, skipping blank lines and '#' comments. A
// missing file yields an empty, non-error result.
func LoadIgnorePatterns(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}

// FindIgnoredDirs walks root and returns, relative to root, every
// directory that shouldIgnore reports as ignored. It does not descend
// into a directory once it has been reported, since a tmpfs overlay at
// that path already masks everything beneath it.
func FindIgnoredDirs(root string, patterns []string) ([]string, error) {
	var dirs []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || !info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if shouldIgnore(rel, true, patterns) {
			dirs = append(dirs, rel)
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// shouldIgnore reports whether path (isDir indicates a directory) matches
// any pattern, or is ".git" / inside ".git" (always ignored regardless of
// the pattern list). A pattern with a trailing '/' only ever masks
// directories, never individual files within one.
func shouldIgnore(path string, isDir bool, patterns []string) bool {
	if path == ".git" || strings.HasPrefix(path, ".git"+string(filepath.Separator)) {
		return true
	}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		dirOnly := strings.HasSuffix(p, "/")
		if dirOnly && !isDir {
			continue
		}
		if matchPattern(path, strings.TrimSuffix(p, "/")) {
			return true
		}
	}
	return false
}

// matchPattern reports whether path matches pattern. A pattern containing
// "**" matches across path separators; otherwise matching is tried
// against the full relative path, the path's base name, and as a
// directory-prefix, mirroring common .gitignore semantics closely enough
// for directory/file masking purposes.
func matchPattern(path, pattern string) bool {
	if strings.Contains(pattern, "**") {
		segments := strings.SplitN(pattern, "**", 2)
		prefix := strings.Trim(segments[0], "/")
		suffix := strings.TrimPrefix(segments[1], "/")
		if prefix != "" && !strings.HasPrefix(path, prefix) {
			return false
		}
		ok, _ := filepath.Match(suffix, filepath.Base(path))
		return ok
	}

	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	return strings.HasPrefix(path, pattern+string(filepath.Separator))
}
