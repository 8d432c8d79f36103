// Package engine is boxctld's thin contract over the local container
// runtime: inspect, create, start, stop, remove, exec, and wait-for-health,
// plus the base-image staleness check and init-status file reader.
package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"net/netip"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/pkg/stdcopy"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
	digest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/boxctl/boxctl/internal/boxerrors"
)

// BaseImageTag is the image every managed container is expected to be
// running; ImageIDOfContainer mismatches against it flag the container
// as outdated.
const BaseImageTag = "boxctl-base:latest"

// Engine wraps the Docker-compatible API client with boxctl's container
// lifecycle operations. All methods are safe for concurrent use; the
// underlying client handles its own connection pooling.
type Engine struct {
	cli *client.Client
}

// New dials the local container runtime using the standard Docker
// environment (DOCKER_HOST, TLS certs, etc.).
func New(_ context.Context) (*Engine, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, boxerrors.ErrRuntimeUnavailable(err)
	}
	return &Engine{cli: cli}, nil
}

// Close releases the underlying client's connection.
func (e *Engine) Close() error {
	return e.cli.Close()
}

// ContainerConfig describes a container to create, derived from a
// project's resolved configuration.
type ContainerConfig struct {
	Name           string
	Image          string
	Labels         map[string]string
	Env            []string
	Mounts         []mount.Mount
	Hostname       string
	MemoryMB       int64
	CPUs           float64
	Ports          []PortSpec
	Devices        []string
	CapAdd         []string
	SeccompProfile string

	// Architecture pins the image platform to pull/run (e.g. "arm64",
	// "amd64"); empty leaves platform selection to the runtime's default.
	Architecture string
}

// PortSpec is a single host/container port pair to publish.
type PortSpec struct {
	HostPort      int
	ContainerPort int
	Protocol      string // defaults to "tcp"
}

// GetContainer returns the inspect result for name, or a boxerrors
// KindContainerNotFound error if it doesn't exist.
func (e *Engine) GetContainer(ctx context.Context, name string) (container.InspectResponse, error) {
	resp, err := e.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return container.InspectResponse{}, boxerrors.ErrContainerNotFound(name)
		}
		return container.InspectResponse{}, boxerrors.New(boxerrors.KindInternal, "engine.GetContainer", "inspect failed", err)
	}
	return resp.Container, nil
}

// ContainerExists reports whether a container named name exists, regardless of state.
func (e *Engine) ContainerExists(ctx context.Context, name string) (bool, error) {
	_, err := e.GetContainer(ctx, name)
	if boxerrors.Is(err, boxerrors.KindContainerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsRunning reports whether name's container is currently running.
func (e *Engine) IsRunning(ctx context.Context, name string) (bool, error) {
	resp, err := e.GetContainer(ctx, name)
	if err != nil {
		return false, err
	}
	return resp.State != nil && resp.State.Running, nil
}

// Create makes a new container from cfg without starting it.
func (e *Engine) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	exposed, bindings, err := toPortMaps(cfg.Ports)
	if err != nil {
		return "", boxerrors.New(boxerrors.KindInternal, "engine.Create", "invalid port spec", err)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Hostname:     cfg.Hostname,
		Env:          cfg.Env,
		Labels:       cfg.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Mounts:       cfg.Mounts,
		PortBindings: bindings,
		CapAdd:       cfg.CapAdd,
	}
	if cfg.MemoryMB > 0 {
		hostCfg.Resources.Memory = cfg.MemoryMB * 1024 * 1024
	}
	if cfg.CPUs > 0 {
		hostCfg.Resources.NanoCPUs = int64(cfg.CPUs * 1e9)
	}
	for _, dev := range cfg.Devices {
		hostCfg.Devices = append(hostCfg.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}
	if cfg.SeccompProfile != "" {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "seccomp="+cfg.SeccompProfile)
	}

	var platform *ocispec.Platform
	if cfg.Architecture != "" {
		platform = &ocispec.Platform{OS: "linux", Architecture: cfg.Architecture}
	}

	resp, err := e.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:       cfg.Name,
		Config:     containerCfg,
		HostConfig: hostCfg,
		Platform:   platform,
	})
	if err != nil {
		return "", boxerrors.New(boxerrors.KindStartFailed, "engine.Create", fmt.Sprintf("failed to create container %q", cfg.Name), err)
	}
	return resp.ID, nil
}

// Start starts an already-created container.
func (e *Engine) Start(ctx context.Context, name string) error {
	if _, err := e.cli.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return boxerrors.ErrStartFailed(name, err)
	}
	return nil
}

// CreateAndStart is a convenience wrapper combining Create and Start.
func (e *Engine) CreateAndStart(ctx context.Context, cfg ContainerConfig) (string, error) {
	id, err := e.Create(ctx, cfg)
	if err != nil {
		return "", err
	}
	if err := e.Start(ctx, cfg.Name); err != nil {
		return "", err
	}
	return id, nil
}

// Stop stops a running container, giving it timeout to exit gracefully.
func (e *Engine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if _, err := e.cli.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &secs}); err != nil {
		return boxerrors.New(boxerrors.KindInternal, "engine.Stop", fmt.Sprintf("failed to stop container %q", name), err)
	}
	return nil
}

// Remove deletes a container. If force is true, a running container is killed first.
func (e *Engine) Remove(ctx context.Context, name string, force bool) error {
	if _, err := e.cli.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: force}); err != nil {
		return boxerrors.New(boxerrors.KindInternal, "engine.Remove", fmt.Sprintf("failed to remove container %q", name), err)
	}
	return nil
}

// ExecResult is the outcome of an Exec call.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Exec runs argv inside name's container as user, with the given
// environment, and returns its exit code and combined stdout/stderr.
func (e *Engine) Exec(ctx context.Context, name string, argv []string, user string, env []string) (ExecResult, error) {
	created, err := e.cli.ExecCreate(ctx, name, client.ExecCreateOptions{
		Cmd:          argv,
		User:         user,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, boxerrors.ErrExecFailed(name, err)
	}

	attach, err := e.cli.ExecAttach(ctx, created.ID, client.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, boxerrors.ErrExecFailed(name, err)
	}
	defer attach.Close()

	// The exec was created without a TTY, so the attach stream is
	// multiplexed; demux stdout and stderr into one combined buffer.
	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return ExecResult{}, boxerrors.ErrExecFailed(name, err)
	}

	inspect, err := e.cli.ExecInspect(ctx, created.ID, client.ExecInspectOptions{})
	if err != nil {
		return ExecResult{}, boxerrors.ErrExecFailed(name, err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

// WaitForUser execs `id -u user` in name's container to confirm the user
// exists before attaching an interactive session as that user.
func (e *Engine) WaitForUser(ctx context.Context, name, user string) error {
	res, err := e.Exec(ctx, name, []string{"id", "-u", user}, "root", nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return boxerrors.New(boxerrors.KindExecFailed, "engine.WaitForUser", fmt.Sprintf("user %q not found in container %q", user, name), nil)
	}
	return nil
}

// Health is the engine-reported health status of a container.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthNone      Health = "none"
)

// HealthStatus returns the container's current health check state, or
// HealthNone if the image defines no health check.
func (e *Engine) HealthStatus(ctx context.Context, name string) (Health, error) {
	resp, err := e.GetContainer(ctx, name)
	if err != nil {
		return "", err
	}
	if resp.State == nil || resp.State.Health == nil {
		return HealthNone, nil
	}
	switch string(resp.State.Health.Status) {
	case "starting":
		return HealthStarting, nil
	case "healthy":
		return HealthHealthy, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	default:
		return HealthNone, nil
	}
}

// ImageIDOfContainer returns the image ID a running/stopped container was created from.
func (e *Engine) ImageIDOfContainer(ctx context.Context, name string) (string, error) {
	resp, err := e.GetContainer(ctx, name)
	if err != nil {
		return "", err
	}
	return resp.Image, nil
}

// ImageIDOf resolves a tag (e.g. BaseImageTag) to its current image ID.
func (e *Engine) ImageIDOf(ctx context.Context, tag string) (string, error) {
	resp, err := e.cli.ImageInspect(ctx, tag)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", boxerrors.ErrImageNotFound(tag)
		}
		return "", boxerrors.New(boxerrors.KindInternal, "engine.ImageIDOf", "image inspect failed", err)
	}
	return resp.ID, nil
}

// IsBaseImageOutdated compares name's recorded image ID against the
// current digest of BaseImageTag.
func (e *Engine) IsBaseImageOutdated(ctx context.Context, name string) (bool, error) {
	current, err := e.ImageIDOfContainer(ctx, name)
	if err != nil {
		return false, err
	}
	latest, err := e.ImageIDOf(ctx, BaseImageTag)
	if err != nil {
		return false, err
	}
	return !digestsEqual(current, latest), nil
}

func digestsEqual(a, b string) bool {
	da, errA := digest.Parse(a)
	db, errB := digest.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return da == db
}

// Phase is one symbol from the closed set an init-status file may report.
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseUser            Phase = "user"
	PhaseSSH             Phase = "ssh"
	PhaseMCPPackages     Phase = "mcp_packages"
	PhaseProjectPackages Phase = "project_packages"
	PhaseMCPServers      Phase = "mcp_servers"
	PhaseContainerClient Phase = "container_client"
	PhaseReady           Phase = "ready"
	PhaseUnknown         Phase = "unknown"
)

var validPhases = map[Phase]struct{}{
	PhaseStarting: {}, PhaseUser: {}, PhaseSSH: {}, PhaseMCPPackages: {},
	PhaseProjectPackages: {}, PhaseMCPServers: {}, PhaseContainerClient: {},
	PhaseReady: {}, PhaseUnknown: {},
}

// InstallItem is one entry of /tmp/install-progress.json.
type InstallItem struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// InitStatus is the parsed content of both init-signaling files.
type InitStatus struct {
	Phase   Phase
	Details []InstallItem
}

const (
	initPhasePath       = "/tmp/boxctl-init-phase"
	installProgressPath = "/tmp/install-progress.json"
)

// GetContainerInitStatus reads the two well-known init-signaling files
// from inside name's container via exec and returns the last observed
// phase. A read failure yields PhaseUnknown rather than an error, since a
// single missed probe must not fail the ready-wait loop.
func (e *Engine) GetContainerInitStatus(ctx context.Context, name string) (InitStatus, error) {
	phase := readPhaseFile(ctx, e, name)
	details := readInstallProgress(ctx, e, name)
	return InitStatus{Phase: phase, Details: details}, nil
}

func readPhaseFile(ctx context.Context, e *Engine, name string) Phase {
	res, err := e.Exec(ctx, name, []string{"cat", initPhasePath}, "", nil)
	if err != nil || res.ExitCode != 0 {
		return PhaseUnknown
	}
	line := strings.TrimSpace(firstLine(res.Output))
	p := Phase(line)
	if _, ok := validPhases[p]; !ok {
		return PhaseUnknown
	}
	return p
}

func readInstallProgress(ctx context.Context, e *Engine, name string) []InstallItem {
	res, err := e.Exec(ctx, name, []string{"cat", installProgressPath}, "", nil)
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	var doc struct {
		Items []InstallItem `json:"items"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Output)), &doc); err != nil {
		return nil
	}
	return doc.Items
}

func firstLine(s string) string {
	scanner := bufio.NewScanner(strings.NewReader(s))
	if scanner.Scan() {
		return scanner.Text()
	}
	return ""
}

func toPortMaps(specs []PortSpec) (network.PortSet, network.PortMap, error) {
	exposed := network.PortSet{}
	bindings := network.PortMap{}
	hostIP := netip.MustParseAddr("127.0.0.1")
	for _, s := range specs {
		proto := s.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := network.ParsePort(fmt.Sprintf("%d/%s", s.ContainerPort, proto))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], network.PortBinding{
			HostIP:   hostIP,
			HostPort: fmt.Sprintf("%d", s.HostPort),
		})
	}
	return exposed, bindings, nil
}

// ListManaged returns every container carrying boxctl's managed label,
// optionally scoped to a single project.
func (e *Engine) ListManaged(ctx context.Context, project string) ([]container.Summary, error) {
	resp, err := e.cli.ContainerList(ctx, client.ContainerListOptions{
		All:     true,
		Filters: ManagedFilter(project),
	})
	if err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "engine.ListManaged", "container list failed", err)
	}
	return resp.Items, nil
}

// ManagedFilter builds the label filter for boxctl-managed resources,
// optionally scoped to project.
func ManagedFilter(project string) client.Filters {
	f := client.Filters{}.Add("label", LabelManaged+"="+ManagedLabelValue)
	if project != "" {
		f = f.Add("label", LabelProject+"="+project)
	}
	return f
}
