package dynplugerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindNotFound, "not_found"},
		{KindDisabled, "disabled"},
		{KindLoadFailed, "load_failed"},
		{KindAbiMismatch, "abi_mismatch"},
		{KindDuplicateName, "duplicate_name"},
		{KindExecutionFailed, "execution_failed"},
		{KindTimeout, "timeout"},
		{KindConfigError, "config_error"},
		{KindIoError, "io_error"},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.want, tt.kind.String())
	}
}

func TestNotFoundRoundTrip(t *testing.T) {
	err := NotFound("good")
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindNotFound, e.Kind())
	assert.Equal(t, "good", e.Name())
	assert.Contains(t, e.UserMessage(), "good")
}

func TestExecutionFailedUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := ExecutionFailed("flaky", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(IoError("scan", errors.New("disk full"))))
	assert.False(t, IsTransient(NotFound("x")))
	assert.True(t, IsTransient(ExecutionFailed("flaky", errors.New(TransientPrefix+"retry me"))))
	assert.False(t, IsTransient(ExecutionFailed("flaky", errors.New("permanent failure"))))
	assert.False(t, IsTransient(errors.New("not ours")))
}

func TestAbiMismatchMessage(t *testing.T) {
	err := AbiMismatch("good", 2, 1)
	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindAbiMismatch, e.Kind())
	assert.Contains(t, e.UserMessage(), "good")
}
