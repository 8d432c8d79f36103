package portforward

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	results map[int][2]string
}

func (f *fakeLookup) FindPort(hostPort int) (string, string, bool) {
	v, ok := f.results[hostPort]
	if !ok {
		return "", "", false
	}
	return v[0], v[1], true
}

func TestChecker_BoxctlOwnedPort(t *testing.T) {
	c := NewChecker(&fakeLookup{results: map[int][2]string{5432: {"boxctl-y", "exposed"}}})

	owner, err := c.Check(context.Background(), 5432)
	require.NoError(t, err)
	assert.Equal(t, OwnerBoxctl, owner.Kind)
	assert.Equal(t, "boxctl-y", owner.Container)
	assert.Equal(t, "exposed", owner.Direction)
	assert.False(t, owner.Available())
}

func TestChecker_ExternalListener(t *testing.T) {
	c := NewChecker(&fakeLookup{})
	c.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`LISTEN 0  128  127.0.0.1:5432  0.0.0.0:*  users:(("postgres",pid=4242,fd=7))`), nil
	}

	owner, err := c.Check(context.Background(), 5432)
	require.NoError(t, err)
	assert.Equal(t, OwnerExternal, owner.Kind)
	assert.Equal(t, "postgres", owner.Process)
	assert.Equal(t, 4242, owner.PID)
}

func TestChecker_Available(t *testing.T) {
	c := NewChecker(&fakeLookup{})
	c.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(""), nil
	}

	owner, err := c.Check(context.Background(), 9999)
	require.NoError(t, err)
	assert.True(t, owner.Available())
}

func TestChecker_ToolUnavailableIsAdvisory(t *testing.T) {
	c := NewChecker(&fakeLookup{})
	c.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, assertErr
	}

	owner, err := c.Check(context.Background(), 9999)
	require.NoError(t, err)
	assert.True(t, owner.Available())
}

var assertErr = context.DeadlineExceeded
