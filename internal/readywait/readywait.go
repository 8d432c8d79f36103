// Package readywait polls a container's init progress and health status
// until it becomes ready. A single failed probe never
// fails the wait; only the engine-reported terminal health states or the
// caller's deadline do.
package readywait

import (
	"context"
	"time"

	"github.com/boxctl/boxctl/internal/engine"
)

// pollInterval is the ready-wait loop's cadence, roughly 2 Hz.
const pollInterval = 500 * time.Millisecond

// ContainerInspector is the subset of internal/engine.Engine the wait
// loop needs, narrowed to ease testing with a fake.
type ContainerInspector interface {
	IsRunning(ctx context.Context, name string) (bool, error)
	HealthStatus(ctx context.Context, name string) (engine.Health, error)
	GetContainerInitStatus(ctx context.Context, name string) (engine.InitStatus, error)
}

// StatusUpdate is reported to the caller's render callback on every tick
// where the observed init phase changed.
type StatusUpdate struct {
	Phase   engine.Phase
	Health  engine.Health
	Details []engine.InstallItem
}

// RenderFunc is invoked on every phase transition observed during the wait.
type RenderFunc func(StatusUpdate)

// Wait polls name until it is ready, the engine reports it unhealthy, or
// timeout elapses. It returns true only when health transitions to
// healthy. render, if non-nil, is called once per observed phase change.
func Wait(ctx context.Context, insp ContainerInspector, name string, timeout time.Duration, render RenderFunc) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastPhase engine.Phase

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		ready, phase, err := probe(ctx, insp, name, &lastPhase, render)
		if err != nil {
			// A single probe failing (transient engine error, container
			// mid-restart) must not fail the wait.
			continue
		}
		if phase == probeUnhealthy {
			return false, nil
		}
		if ready {
			return true, nil
		}
	}
}

type probeResult int

const (
	probePending probeResult = iota
	probeUnhealthy
)

// probe runs the three checks for one tick: running, health, init status.
// It reports the observed phase transition to render and returns whether
// this tick reached the ready terminal state.
func probe(ctx context.Context, insp ContainerInspector, name string, lastPhase *engine.Phase, render RenderFunc) (ready bool, state probeResult, err error) {
	running, err := insp.IsRunning(ctx, name)
	if err != nil {
		return false, probePending, err
	}
	if !running {
		return false, probePending, nil
	}

	health, err := insp.HealthStatus(ctx, name)
	if err != nil {
		return false, probePending, err
	}

	status, err := insp.GetContainerInitStatus(ctx, name)
	if err != nil {
		// Init-status probe failing is tolerated; fall through using the
		// engine health alone.
		status = engine.InitStatus{Phase: *lastPhase}
	}

	if render != nil && status.Phase != *lastPhase {
		*lastPhase = status.Phase
		render(StatusUpdate{Phase: status.Phase, Health: health, Details: status.Details})
	}

	switch health {
	case engine.HealthHealthy:
		return true, probePending, nil
	case engine.HealthUnhealthy:
		return false, probeUnhealthy, nil
	default:
		return false, probePending, nil
	}
}
