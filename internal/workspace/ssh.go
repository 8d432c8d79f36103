package workspace

import (
	"os"

	"github.com/moby/moby/api/types/mount"

	"github.com/boxctl/boxctl/internal/projectconfig"
)

// ContainerSSHAgentPath is where the host's SSH agent socket is bind
// mounted inside the container when ssh.mode is "mount".
const ContainerSSHAgentPath = "/tmp/ssh-agent.sock"

// sshMounts resolves cfg.Mode into the mounts needed for SSH access.
// "mount" bind-mounts SSH_AUTH_SOCK directly; "keys"/"config"/"none" need
// no mount here (keys/config material is provisioned by the container's
// init script from credentials the daemon pushes over the control
// channel, and agent *forwarding*, as opposed to a direct socket mount,
// is handled by internal/socketbridge regardless of mode).
func sshMounts(cfg projectconfig.SSH) []mount.Mount {
	if !cfg.Enabled || cfg.Mode != projectconfig.SSHModeMount {
		return nil
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}
	if _, err := os.Stat(sock); err != nil {
		return nil
	}

	return []mount.Mount{
		{Type: mount.TypeBind, Source: sock, Target: ContainerSSHAgentPath},
	}
}
