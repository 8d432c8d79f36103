package daemon

import (
	"context"
	"fmt"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/cliproto"
	"github.com/boxctl/boxctl/internal/portforward"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// AddHostPort drives add_host_port: checks for a conflict, extends the
// tunnel server's remote-forward allowlist (shared by every connection),
// then asks the container's
// control channel to register the forward.
func (d *Daemon) AddHostPort(ctx context.Context, container string, hostPort, containerPort int) error {
	owner, err := d.ports.Check(ctx, hostPort)
	if err != nil {
		return err
	}
	if !owner.Available() {
		return boxerrors.ErrPortConflict(hostPort, nil)
	}

	conn, ok := d.tunnel.Connection(container)
	if !ok {
		return boxerrors.ErrNotConnected(container)
	}

	d.tunnel.AddAllowedPort(hostPort)

	_, err = conn.Channel.Request("port_add", map[string]any{
		"direction":      sshtunnel.DirectionRemote,
		"host_port":      hostPort,
		"container_port": containerPort,
	}, 0)
	return err
}

// AddContainerPort drives add_container_port: the listener lives inside
// the container, so the daemon only needs to confirm the container is
// connected and forward the bookkeeping request.
func (d *Daemon) AddContainerPort(ctx context.Context, container string, hostPort, containerPort int) error {
	conn, ok := d.tunnel.Connection(container)
	if !ok {
		return boxerrors.ErrNotConnected(container)
	}
	_, err := conn.Channel.Request("port_add", map[string]any{
		"direction":      sshtunnel.DirectionLocal,
		"host_port":      hostPort,
		"container_port": containerPort,
	}, 0)
	return err
}

// RemoveHostPort tears down a remote forward.
func (d *Daemon) RemoveHostPort(container string, hostPort int) error {
	conn, ok := d.tunnel.Connection(container)
	if !ok {
		return boxerrors.ErrNotConnected(container)
	}
	_, err := conn.Channel.Request("port_remove", map[string]any{
		"direction": sshtunnel.DirectionRemote,
		"host_port": hostPort,
	}, 0)
	return err
}

// RemoveContainerPort tears down a local forward's bookkeeping.
func (d *Daemon) RemoveContainerPort(container string, hostPort int) error {
	conn, ok := d.tunnel.Connection(container)
	if !ok {
		return boxerrors.ErrNotConnected(container)
	}
	_, err := conn.Channel.Request("port_remove", map[string]any{
		"direction": sshtunnel.DirectionLocal,
		"host_port": hostPort,
	}, 0)
	return err
}

// GetActivePorts lists every forwarded/exposed port across every live
// connection, for the CLI's get_active_ports action.
func (d *Daemon) GetActivePorts() []cliproto.ActivePort {
	var out []cliproto.ActivePort
	for _, conn := range d.tunnel.Connections() {
		for _, f := range conn.RemoteForwards() {
			out = append(out, cliproto.ActivePort{
				Container: conn.Name, HostPort: f.HostPort, ContainerPort: f.ContainerPort, Label: "exposed",
			})
		}
		for _, f := range conn.LocalForwards() {
			out = append(out, cliproto.ActivePort{
				Container: conn.Name, HostPort: f.HostPort, ContainerPort: f.ContainerPort, Label: "forwarded",
			})
		}
	}
	return out
}

// CheckPort classifies a port's current owner for the CLI's check_port action.
func (d *Daemon) CheckPort(ctx context.Context, port int) (cliproto.CheckPortResponse, error) {
	owner, err := d.ports.Check(ctx, port)
	if err != nil {
		return cliproto.CheckPortResponse{}, err
	}
	if owner.Available() {
		return cliproto.CheckPortResponse{Response: cliproto.Ok(), Available: true}, nil
	}

	used := &cliproto.UsedBy{}
	switch owner.Kind {
	case portforward.OwnerBoxctl:
		used.Type = "boxctl"
		used.Container = owner.Container
		used.Direction = owner.Direction
	case portforward.OwnerExternal:
		used.Type = "external"
		used.Process = owner.Process
		used.PID = owner.PID
	default:
		return cliproto.CheckPortResponse{}, fmt.Errorf("daemon: unknown port owner kind %q", owner.Kind)
	}
	return cliproto.CheckPortResponse{Response: cliproto.Ok(), Available: false, UsedBy: used}, nil
}
