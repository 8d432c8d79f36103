package sshtunnel

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/boxctl/boxctl/internal/controlchannel"
)

// dialContainer opens an SSH client connection to the server's socket,
// authenticating as containerName, and returns the client plus its
// control channel wrapper.
func dialContainer(t *testing.T, socketPath, containerName string) (ssh.Conn, *controlchannel.Channel) {
	t.Helper()

	raw, err := net.Dial("unix", socketPath)
	require.NoError(t, err)

	clientConn, chans, reqs, err := ssh.NewClientConn(raw, "boxctl", &ssh.ClientConfig{
		User:            containerName,
		Auth:            nil,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)

	go func() {
		for newCh := range chans {
			_ = newCh.Reject(ssh.UnknownChannelType, "test client does not accept channels")
		}
	}()

	ch, reqsCh, err := clientConn.OpenChannel(ControlChannelType, nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqsCh)

	cc := controlchannel.New(ch, containerName)
	go cc.Run()

	return clientConn, cc
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	signer, err := GenerateHostKey()
	require.NoError(t, err)

	s := New(signer, func() []string { return []string{"127.0.0.1"} })

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "ssh.sock")
	require.NoError(t, s.Listen(socketPath))

	go s.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})

	return s, socketPath
}

func TestServer_ConnectAndPing(t *testing.T) {
	s, socketPath := newTestServer(t)

	connected := make(chan string, 1)
	s.OnConnect(func(conn *Connection) { connected <- conn.Name })

	client, cc := dialContainer(t, socketPath, "boxctl-proj")
	defer client.Close()

	select {
	case name := <-connected:
		require.Equal(t, "boxctl-proj", name)
	case <-time.After(time.Second):
		t.Fatal("onConnect not fired")
	}

	resp, err := cc.Request("ping", nil, time.Second)
	require.NoError(t, err)
	var env map[string]bool
	require.NoError(t, json.Unmarshal(resp, &env))
	require.True(t, env["ok"])
}

func TestServer_PortAddRemoteAndConflict(t *testing.T) {
	s, socketPath := newTestServer(t)
	s.AddAllowedPort(18123)

	client, cc := dialContainer(t, socketPath, "boxctl-x")
	defer client.Close()

	// The first dial's client rejects all inbound channels, so re-dial
	// with a handler that accepts ForwardChannelType and echoes bytes
	// back, simulating the container side of a remote forward.
	handled := make(chan struct{}, 1)
	client.Close()
	raw, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	clientConn, chans, reqs, err := ssh.NewClientConn(raw, "boxctl", &ssh.ClientConfig{
		User:            "boxctl-x",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	go func() {
		for newCh := range chans {
			if newCh.ChannelType() != ForwardChannelType {
				_ = newCh.Reject(ssh.UnknownChannelType, "nope")
				continue
			}
			ch, fwdReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(fwdReqs)
			go func() {
				defer ch.Close()
				io.Copy(ch, ch) // echo
				handled <- struct{}{}
			}()
		}
	}()

	ctrlCh, ctrlReqs, err := clientConn.OpenChannel(ControlChannelType, nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(ctrlReqs)
	cc = controlchannel.New(ctrlCh, "boxctl-x")
	go cc.Run()
	defer clientConn.Close()

	resp, err := cc.Request("port_add", map[string]any{
		"direction":      "remote",
		"host_port":      18123,
		"container_port": 80,
	}, time.Second)
	require.NoError(t, err)

	var portResp portAddResponse
	require.NoError(t, json.Unmarshal(resp, &portResp))
	require.True(t, portResp.OK)

	// Dial the listener the server opened and confirm it tunnels through.
	conn, err := net.DialTimeout("tcp", "127.0.0.1:18123", time.Second)
	require.NoError(t, err)
	conn.Write([]byte("hi"))
	conn.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded connection never reached container side")
	}

	// A second attempt on a disallowed port should be refused.
	resp, err = cc.Request("port_add", map[string]any{
		"direction": "remote",
		"host_port": 19999,
	}, time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(resp, &portResp))
	require.False(t, portResp.OK)

	// The forward added above carried no caller-supplied name; it should
	// have been assigned a default rather than left blank.
	conns := s.Connections()
	require.Len(t, conns, 1)
	forwards := conns[0].RemoteForwards()
	require.Len(t, forwards, 1)
	require.NotEmpty(t, forwards[0].Name)

	// Rebind tears down and re-establishes every connection's remote
	// forwards concurrently; the listener should still tunnel afterward.
	s.Rebind()

	conn2, err := net.DialTimeout("tcp", "127.0.0.1:18123", time.Second)
	require.NoError(t, err)
	conn2.Write([]byte("again"))
	conn2.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded connection never reached container side after rebind")
	}
}

func TestServer_DisconnectFiresCallback(t *testing.T) {
	s, socketPath := newTestServer(t)

	disconnected := make(chan string, 1)
	s.OnDisconnect(func(conn *Connection) { disconnected <- conn.Name })

	client, _ := dialContainer(t, socketPath, "boxctl-y")
	client.Close()

	select {
	case name := <-disconnected:
		require.Equal(t, "boxctl-y", name)
	case <-time.After(2 * time.Second):
		t.Fatal("onDisconnect not fired")
	}

	_, ok := s.Connection("boxctl-y")
	require.False(t, ok)
}
