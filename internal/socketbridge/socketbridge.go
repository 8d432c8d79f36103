// Package socketbridge forwards a container-opened SSH channel onto a
// Unix-domain socket on the host: the ssh-agent and the GPG agent's
// restricted "extra" socket. Unlike internal/sshtunnel's remote-forward listeners
// (host listens, container connects), the bridge direction here is
// reversed: the container opens the channel and the host dials out to a
// local socket, since the credential agent always lives on the host.
package socketbridge

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// Kind identifies which host agent a bridge channel targets.
type Kind string

const (
	KindSSHAgent Kind = "ssh"
	KindGPGAgent Kind = "gpg"
)

// ChannelType returns the SSH channel type name registered with
// internal/sshtunnel for this kind.
func (k Kind) ChannelType() string {
	return "boxctl-agent-" + string(k)
}

// SocketResolver locates the host-side Unix socket to bridge to. It is
// re-resolved on every channel, since ssh-agent/gpg-agent sockets can be
// recreated with a new path across host sessions.
type SocketResolver func() (string, error)

// SSHAgentSocket resolves SSH_AUTH_SOCK from the daemon's own environment.
func SSHAgentSocket() (string, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return "", fmt.Errorf("socketbridge: SSH_AUTH_SOCK is not set")
	}
	return sock, nil
}

// GPGAgentExtraSocket resolves gpg-agent's restricted extra socket via
// `gpgconf --list-dir agent-extra-socket`, the socket designed for
// exactly this kind of forwarded, less-trusted access.
func GPGAgentExtraSocket() (string, error) {
	out, err := exec.Command("gpgconf", "--list-dir", "agent-extra-socket").Output()
	if err != nil {
		return "", fmt.Errorf("socketbridge: gpgconf: %w", err)
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return "", fmt.Errorf("socketbridge: gpgconf returned an empty socket path")
	}
	return path, nil
}

// Register installs a sshtunnel.ChannelHandler for kind that dials
// resolve() on every accepted channel and pipes bytes in both
// directions until either side closes.
func Register(server *sshtunnel.Server, kind Kind, resolve SocketResolver) {
	server.RegisterChannel(kind.ChannelType(), func(conn *sshtunnel.Connection, _ []byte, ch ssh.Channel) {
		bridgeOne(conn.Name, string(kind), resolve, ch)
	})
}

func bridgeOne(container, kind string, resolve SocketResolver, ch ssh.Channel) {
	defer ch.Close()

	sockPath, err := resolve()
	if err != nil {
		logger.Debug().Err(err).Str("container", container).Str("kind", kind).Msg("socketbridge: socket unavailable")
		return
	}

	local, err := dial(sockPath)
	if err != nil {
		logger.Debug().Err(err).Str("container", container).Str("kind", kind).Str("socket", sockPath).Msg("socketbridge: dial failed")
		return
	}
	defer local.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(local, ch) }()
	go func() { defer wg.Done(); io.Copy(ch, local) }()
	wg.Wait()
}

func dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}
