package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/cliproto"
	"github.com/boxctl/boxctl/internal/logger"
	pkgclipboard "github.com/boxctl/boxctl/pkg/clipboard"
)

// maxRequestBytes bounds one CLI request line.
const maxRequestBytes = 10 << 20

// cliIOTimeout bounds each read/write on a CLI connection.
const cliIOTimeout = 5 * time.Second

// cliListener accepts boxctld.sock connections, each carrying exactly one
// newline-delimited JSON request and one JSON reply.
type cliListener struct {
	listener net.Listener
	handle   func(context.Context, cliproto.Request) any
}

func newCLIListener(path string, handle func(context.Context, cliproto.Request) any) (*cliListener, error) {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &cliListener{listener: l, handle: handle}, nil
}

// Serve accepts connections until Close is called.
func (c *cliListener) Serve() {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			return
		}
		go c.serveOne(conn)
	}
}

func (c *cliListener) Close() { _ = c.listener.Close() }

func (c *cliListener) serveOne(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(cliIOTimeout))

	reader := bufio.NewReaderSize(conn, 64<<10)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return
	}
	if len(line) > maxRequestBytes {
		writeReply(conn, cliproto.Err("request_too_large"))
		return
	}

	var req cliproto.Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		writeReply(conn, cliproto.Err("invalid_request"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cliIOTimeout)
	defer cancel()

	resp := c.handle(ctx, req)
	writeReply(conn, resp)
}

func writeReply(conn net.Conn, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Error().Err(err).Msg("daemon: marshal CLI reply failed")
		return
	}
	data = append(data, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(cliIOTimeout))
	_, _ = conn.Write(data)
}

// handleCLIRequest is the action dispatch table for the CLI socket.
func (d *Daemon) handleCLIRequest(ctx context.Context, req cliproto.Request) any {
	switch req.Action {
	case "notify":
		return d.cliNotify(req.Fields)
	case "clipboard":
		return d.cliClipboard(req.Fields)
	case "add_host_port":
		return d.cliAddHostPort(ctx, req.Fields)
	case "add_container_port":
		return d.cliAddContainerPort(req.Fields)
	case "remove_host_port":
		return d.cliRemoveHostPort(req.Fields)
	case "remove_container_port":
		return d.cliRemoveContainerPort(req.Fields)
	case "ensure_container":
		return d.cliEnsureContainer(req.Fields)
	case "get_completions":
		return d.cliGetCompletions(req.Fields)
	case "get_active_ports":
		return cliproto.ActivePortsResponse{Response: cliproto.Ok(), Ports: d.GetActivePorts()}
	case "check_port":
		return d.cliCheckPort(ctx, req.Fields)
	default:
		return cliproto.Err("unknown_action")
	}
}

func (d *Daemon) cliNotify(fields json.RawMessage) any {
	var req cliproto.NotifyRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	res := d.dispatchNotification(req.Metadata.Container, req.Metadata.Session, req.Title, req.Message, req.Urgency)
	return cliproto.NotifyResponse{
		Response: cliproto.Ok(),
		Channels: map[string]bool{"desktop": res.DesktopOK, "telegram": res.TelegramOK},
	}
}

func (d *Daemon) cliClipboard(fields json.RawMessage) any {
	var req cliproto.ClipboardRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	if err := pkgclipboard.Set(req.Data, pkgclipboard.SelectionClipboard); err != nil {
		return cliproto.ErrHint("clipboard_unavailable", "Ensure a clipboard provider (xclip/xsel/wl-clipboard) is installed on the host.")
	}
	return cliproto.Ok()
}

func (d *Daemon) cliAddHostPort(ctx context.Context, fields json.RawMessage) any {
	var req cliproto.PortActionRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	cp := req.ContainerPort
	if cp == 0 {
		cp = req.HostPort
	}
	if err := d.AddHostPort(ctx, req.Container, req.HostPort, cp); err != nil {
		return errResponse(err)
	}
	return cliproto.Ok()
}

func (d *Daemon) cliAddContainerPort(fields json.RawMessage) any {
	var req cliproto.PortActionRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	cp := req.ContainerPort
	if cp == 0 {
		cp = req.HostPort
	}
	if err := d.AddContainerPort(context.Background(), req.Container, req.HostPort, cp); err != nil {
		return errResponse(err)
	}
	return cliproto.Ok()
}

func (d *Daemon) cliRemoveHostPort(fields json.RawMessage) any {
	var req cliproto.PortActionRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	if err := d.RemoveHostPort(req.Container, req.HostPort); err != nil {
		return errResponse(err)
	}
	return cliproto.Ok()
}

func (d *Daemon) cliRemoveContainerPort(fields json.RawMessage) any {
	var req cliproto.PortActionRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	if err := d.RemoveContainerPort(req.Container, req.HostPort); err != nil {
		return errResponse(err)
	}
	return cliproto.Ok()
}

// cliEnsureContainer runs the container lifecycle path. The ready wait
// can far outlive the CLI socket's per-request deadline, so it gets its
// own context sized to the requested (or configured) timeout.
func (d *Daemon) cliEnsureContainer(fields json.RawMessage) any {
	var req cliproto.EnsureContainerRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	if req.ProjectDir == "" {
		return cliproto.Err("missing_field")
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = d.cfg.Timeouts.ReadyWait
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout+10*time.Second)
	defer cancel()

	res, err := d.EnsureContainerReady(ctx, req.ProjectDir, req.Worktree, timeout)
	if err != nil {
		return errResponse(err)
	}

	resp := cliproto.EnsureContainerResponse{
		Response:  cliproto.Ok(),
		Container: res.Container,
		Created:   res.Created,
		Ready:     res.Ready,
		Phase:     string(res.Phase),
		Warnings:  res.Warnings,
	}
	if !res.Ready {
		resp.Response = cliproto.ErrHint("timeout", "Container did not report healthy; check its init logs.")
	}
	return resp
}

func (d *Daemon) cliGetCompletions(fields json.RawMessage) any {
	var req cliproto.CompletionsRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	items, err := d.GetCompletions(CompletionType(req.Type), req.Project)
	if err != nil {
		return errResponse(err)
	}
	return cliproto.CompletionsResponse{Response: cliproto.Ok(), Items: items}
}

func (d *Daemon) cliCheckPort(ctx context.Context, fields json.RawMessage) any {
	var req cliproto.CheckPortRequest
	if err := json.Unmarshal(fields, &req); err != nil {
		return cliproto.Err("invalid_request")
	}
	resp, err := d.CheckPort(ctx, req.Port)
	if err != nil {
		return errResponse(err)
	}
	return resp
}

// errResponse renders a *boxerrors.Error (or any error) as a cliproto
// failure response.
func errResponse(err error) cliproto.Response {
	var be *boxerrors.Error
	if errors.As(err, &be) {
		return cliproto.ErrHint(string(be.Kind), be.NextSteps)
	}
	return cliproto.Err(err.Error())
}
