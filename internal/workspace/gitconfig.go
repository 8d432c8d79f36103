package workspace

import (
	"os"
	"path/filepath"

	"github.com/moby/moby/api/types/mount"
)

// HostGitConfigStagingPath is where the host's ~/.gitconfig is mounted
// read-only; the container's init script filters credential.helper lines
// before copying it into the agent user's home directory.
const HostGitConfigStagingPath = "/tmp/host-gitconfig"

// GetGitConfigMount returns a mount for the host's ~/.gitconfig, or nil if
// it doesn't exist.
func GetGitConfigMount() []mount.Mount {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	path := filepath.Join(home, ".gitconfig")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil
	}

	return []mount.Mount{
		{Type: mount.TypeBind, Source: path, Target: HostGitConfigStagingPath, ReadOnly: true},
	}
}
