package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("boom"), Unknown},
		{"lock timeout", New(LockTimeout, "updateDoc", "/ns/room", nil), LockTimeout},
		{"wrapped rejection", fmt.Errorf("join: %w", Reject("connectionGuard", "/ns/room", nil)), HookRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(LockTimeout, "updateDoc", "/ns/room", errors.New("3 attempts"))
	assert.Equal(t, "updateDoc: LOCK_TIMEOUT (room=/ns/room): 3 attempts", err.Error())
	assert.True(t, IsLockTimeout(err))
	assert.False(t, IsHookRejected(err))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(Unknown, "write", "", cause)
	assert.ErrorIs(t, err, cause)
}

func TestRejectDefaultsReason(t *testing.T) {
	err := Reject("initDocument", "/ns/room", nil)
	assert.Contains(t, err.Error(), "rejected")
	assert.True(t, IsHookRejected(err))
}
