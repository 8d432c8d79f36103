package daemon

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/containername"
	"github.com/boxctl/boxctl/internal/engine"
	"github.com/boxctl/boxctl/internal/git"
	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/projectconfig"
	"github.com/boxctl/boxctl/internal/readywait"
	"github.com/boxctl/boxctl/internal/workspace"
)

// EnsureResult reports what EnsureContainerReady did and observed.
type EnsureResult struct {
	Container string
	Created   bool
	Ready     bool
	Phase     engine.Phase
	Warnings  []string
}

// EnsureContainerReady resolves projectDir's container, creating and
// starting it if needed, then waits for its init to report healthy.
// branch, when non-empty, names a git worktree to mount as the working
// copy instead of the project root. This is the path every CLI command
// that touches a container goes through before attaching to it.
func (d *Daemon) EnsureContainerReady(ctx context.Context, projectDir, branch string, timeout time.Duration) (EnsureResult, error) {
	if d.eng == nil {
		return EnsureResult{}, boxerrors.ErrRuntimeUnavailable(nil)
	}
	if timeout <= 0 {
		timeout = d.cfg.Timeouts.ReadyWait
	}

	cfg, err := projectconfig.Load(projectDir)
	if err != nil {
		return EnsureResult{}, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return EnsureResult{}, err
	}

	name, err := d.resolveContainerName(ctx, projectDir)
	if err != nil {
		return EnsureResult{}, err
	}
	res := EnsureResult{Container: name, Warnings: warnings}

	exists, err := d.eng.ContainerExists(ctx, name)
	if err != nil {
		return res, err
	}
	if !exists {
		if err := d.createContainer(ctx, projectDir, branch, name, cfg); err != nil {
			return res, err
		}
		res.Created = true
	} else {
		running, err := d.eng.IsRunning(ctx, name)
		if err != nil {
			return res, err
		}
		if !running {
			if err := d.eng.Start(ctx, name); err != nil {
				return res, err
			}
		}
	}

	ready, err := readywait.Wait(ctx, d.eng, name, timeout, func(u readywait.StatusUpdate) {
		res.Phase = u.Phase
		logger.Debug().Str("container", name).Str("phase", string(u.Phase)).Msg("daemon: init phase")
	})
	if err != nil {
		return res, err
	}
	res.Ready = ready
	return res, nil
}

// resolveContainerName derives projectDir's container name, consulting
// the engine's managed containers so a basename collision with a
// different project directory gets the hash-suffix escape.
func (d *Daemon) resolveContainerName(ctx context.Context, projectDir string) (string, error) {
	summaries, err := d.eng.ListManaged(ctx, "")
	if err != nil {
		return "", err
	}
	existing := make([]containername.ExistingContainer, 0, len(summaries))
	for _, s := range summaries {
		if len(s.Names) == 0 {
			continue
		}
		existing = append(existing, containername.ExistingContainer{
			Name:       strings.TrimPrefix(s.Names[0], "/"),
			OriginPath: s.Labels[engine.LabelWorkdir],
		})
	}
	return containername.Resolve(projectDir, existing), nil
}

// createContainer builds the full container definition for projectDir
// (worktree checkout, mounts, resources, security, docker-published
// ports) and creates and starts it.
func (d *Daemon) createContainer(ctx context.Context, projectDir, branch, name string, cfg *projectconfig.Config) error {
	workingPath := projectDir
	mainRepoGitDir := ""
	if branch != "" {
		repo, err := git.Open(projectDir)
		if err != nil {
			return err
		}
		dirs := workspace.ProjectWorktreeDirs{ProjectDir: projectDir}
		wtPath, err := repo.SetupWorktree(dirs, branch, "")
		if err != nil {
			return err
		}
		workingPath = wtPath
		mainRepoGitDir = filepath.Join(repo.RepoRoot(), ".git")
	}

	project := containername.ExtractProjectName(name)
	built, err := workspace.BuildMounts(ctx, d.eng, workspace.BuildConfig{
		ProjectDir:     projectDir,
		WorkingPath:    workingPath,
		MainRepoGitDir: mainRepoGitDir,
		ProjectName:    project,
		Config:         cfg,
	})
	if err != nil {
		return err
	}

	image := cfg.Docker.Image
	if image == "" {
		image = engine.BaseImageTag
	}

	memBytes, err := cfg.Resources.MemoryBytes()
	if err != nil {
		return err
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	// Only docker-mode ports are published by the engine; tunnel-mode
	// ports are realized later over the SSH control channel.
	var ports []engine.PortSpec
	if cfg.Ports.Mode == projectconfig.PortModeDocker {
		for i, host := range cfg.Ports.Host {
			cp := host
			if i < len(cfg.Ports.Container) {
				cp = cfg.Ports.Container[i]
			}
			ports = append(ports, engine.PortSpec{HostPort: host, ContainerPort: cp})
		}
	}

	_, err = d.eng.CreateAndStart(ctx, engine.ContainerConfig{
		Name:           name,
		Image:          image,
		Labels:         engine.ContainerLabels(project, cfg.BoxctlVersion, image, projectDir),
		Env:            env,
		Mounts:         built.Mounts,
		Hostname:       cfg.Hostname,
		MemoryMB:       memBytes / (1024 * 1024),
		CPUs:           cfg.Resources.CPUs,
		Ports:          ports,
		Devices:        cfg.Devices,
		CapAdd:         cfg.Security.Capabilities,
		SeccompProfile: cfg.Security.Seccomp,
	})
	return err
}
