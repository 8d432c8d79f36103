package engine

import (
	"context"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/client"

	"github.com/boxctl/boxctl/internal/boxerrors"
)

// EnsureVolume creates name with labels if it doesn't already exist. It
// returns whether this call created the volume, so callers (e.g.
// internal/workspace's persistent config volumes) know whether to seed it.
func (e *Engine) EnsureVolume(ctx context.Context, name string, labels map[string]string) (created bool, err error) {
	exists, err := e.VolumeExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := e.cli.VolumeCreate(ctx, client.VolumeCreateOptions{Name: name, Labels: labels}); err != nil {
		return false, boxerrors.New(boxerrors.KindInternal, "engine.EnsureVolume", fmt.Sprintf("creating volume %s", name), err)
	}
	return true, nil
}

// VolumeExists reports whether a volume named name exists.
func (e *Engine) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := e.cli.VolumeInspect(ctx, name, client.VolumeInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, boxerrors.New(boxerrors.KindInternal, "engine.VolumeExists", fmt.Sprintf("inspecting volume %s", name), err)
	}
	return true, nil
}

// VolumeRemove removes a volume by name.
func (e *Engine) VolumeRemove(ctx context.Context, name string, force bool) error {
	if _, err := e.cli.VolumeRemove(ctx, name, client.VolumeRemoveOptions{Force: force}); err != nil {
		return boxerrors.New(boxerrors.KindInternal, "engine.VolumeRemove", fmt.Sprintf("removing volume %s", name), err)
	}
	return nil
}
