package readywait

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxctl/boxctl/internal/engine"
)

// fakeInspector scripts a sequence of health/phase observations, one
// consumed per tick, repeating the last entry once the script is exhausted.
type fakeInspector struct {
	mu      sync.Mutex
	ticks   []tick
	idx     int
	running bool
}

type tick struct {
	health engine.Health
	phase  engine.Phase
}

func (f *fakeInspector) IsRunning(ctx context.Context, name string) (bool, error) {
	return f.running, nil
}

func (f *fakeInspector) next() tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.ticks) {
		return f.ticks[len(f.ticks)-1]
	}
	t := f.ticks[f.idx]
	f.idx++
	return t
}

func (f *fakeInspector) HealthStatus(ctx context.Context, name string) (engine.Health, error) {
	return f.next().health, nil
}

func (f *fakeInspector) GetContainerInitStatus(ctx context.Context, name string) (engine.InitStatus, error) {
	f.mu.Lock()
	idx := f.idx - 1
	if idx < 0 {
		idx = 0
	}
	var phase engine.Phase
	if idx < len(f.ticks) {
		phase = f.ticks[idx].phase
	} else {
		phase = f.ticks[len(f.ticks)-1].phase
	}
	f.mu.Unlock()
	return engine.InitStatus{Phase: phase}, nil
}

func TestWait_SuccessPath(t *testing.T) {
	insp := &fakeInspector{
		running: true,
		ticks: []tick{
			{health: engine.HealthStarting, phase: engine.PhaseStarting},
			{health: engine.HealthStarting, phase: engine.PhaseMCPPackages},
			{health: engine.HealthHealthy, phase: engine.PhaseReady},
		},
	}

	var phases []engine.Phase
	var mu sync.Mutex
	ok, err := Wait(context.Background(), insp, "boxctl-x", 5*time.Second, func(u StatusUpdate) {
		mu.Lock()
		phases = append(phases, u.Phase)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []engine.Phase{engine.PhaseStarting, engine.PhaseMCPPackages, engine.PhaseReady}, phases)
}

func TestWait_UnhealthyFails(t *testing.T) {
	insp := &fakeInspector{
		running: true,
		ticks: []tick{
			{health: engine.HealthUnhealthy, phase: engine.PhaseStarting},
		},
	}
	ok, err := Wait(context.Background(), insp, "boxctl-x", 5*time.Second, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWait_DeadlineFails(t *testing.T) {
	insp := &fakeInspector{
		running: true,
		ticks:   []tick{{health: engine.HealthStarting, phase: engine.PhaseStarting}},
	}
	ok, err := Wait(context.Background(), insp, "boxctl-x", 50*time.Millisecond, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
