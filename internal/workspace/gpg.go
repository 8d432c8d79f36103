package workspace

import (
	"os"

	"github.com/moby/moby/api/types/mount"

	"github.com/boxctl/boxctl/internal/projectconfig"
	"github.com/boxctl/boxctl/internal/socketbridge"
)

// ContainerGPGAgentPath is where the host's GPG agent extra socket is
// bind mounted inside the container. GPG looks for it at the fixed
// ~/.gnupg/S.gpg-agent location by default.
const ContainerGPGAgentPath = "/home/agent/.gnupg/S.gpg-agent"

// gpgMounts bind-mounts the host's GPG agent extra socket when SSH is
// enabled with agent forwarding requested. GPG signing commonly rides
// along with SSH-forwarded git credentials, so it's gated on the same
// flag rather than a separate project config field.
func gpgMounts(cfg projectconfig.SSH) []mount.Mount {
	if !cfg.Enabled || !cfg.ForwardAgent {
		return nil
	}

	sock, err := socketbridge.GPGAgentExtraSocket()
	if err != nil || sock == "" {
		return nil
	}
	if _, err := os.Stat(sock); err != nil {
		return nil
	}

	return []mount.Mount{
		{Type: mount.TypeBind, Source: sock, Target: ContainerGPGAgentPath},
	}
}
