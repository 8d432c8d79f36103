package socketbridge

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChannel adapts a net.Conn to the subset of ssh.Channel bridgeOne uses.
type fakeChannel struct {
	net.Conn
}

func (f fakeChannel) SendRequest(string, bool, []byte) (bool, error) { return false, nil }
func (f fakeChannel) Stderr() io.ReadWriter                          { return nil }
func (f fakeChannel) CloseWrite() error                              { return nil }

func TestBridgeOne_PipesBothDirections(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "agent.sock")

	l, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	}()

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()

	done := make(chan struct{})
	go func() {
		bridgeOne("boxctl-demo", "ssh", func() (string, error) { return sockPath, nil }, fakeChannel{serverSide})
		close(done)
	}()

	_, err = clientSide.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = io.ReadFull(clientSide, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	clientSide.Close()
	<-done
}
