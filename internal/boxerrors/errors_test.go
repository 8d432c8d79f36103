package boxerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrRuntimeUnavailable(cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())
}

func TestKindOf(t *testing.T) {
	err := ErrContainerNotFound("my-project")
	assert.Equal(t, KindContainerNotFound, KindOf(err))

	wrapped := fmt.Errorf("lookup failed: %w", err)
	assert.Equal(t, KindContainerNotFound, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}

func TestIs(t *testing.T) {
	err := ErrPortConflict(8080, nil)
	assert.True(t, Is(err, KindPortConflict))
	assert.False(t, Is(err, KindTimeout))
}

func TestFormatUserError(t *testing.T) {
	err := ErrConfigLocked("/home/user/.boxctl/config.yml", nil)
	formatted := err.FormatUserError()
	assert.Contains(t, formatted, "locked")
	assert.Contains(t, formatted, "stale lock file")

	bare := New(KindInternal, "op", "something broke", nil)
	assert.Equal(t, "something broke", bare.FormatUserError())
}

func TestErrorMessageIncludesOp(t *testing.T) {
	err := ErrStartFailed("my-project", errors.New("exit status 1"))
	assert.Contains(t, err.Error(), "engine:")
	assert.Contains(t, err.Error(), "my-project")
}
