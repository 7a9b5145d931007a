package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ErrDependency, "assets", "publish", "manuscript m-1", cause)

	assert.ErrorIs(t, err, ErrDependency)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dependency failure: assets: publish: manuscript m-1: connection refused", err.Error())
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := Wrap(nil, "", "", "", nil)
	assert.ErrorIs(t, err, ErrDependency)
	assert.Equal(t, "dependency failure: failure", err.Error())
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{NotFound("manuscript", "m-1"), "not_found"},
		{Validation("bad status %q", "NOPE"), "validation"},
		{Conflict("manuscript %s changed", "m-1"), "conflict"},
		{UnknownTarget("bot %s", "x"), "unknown_target"},
		{fmt.Errorf("wrapped: %w", Wrap(ErrDependency, "mail", "send", "", nil)), "dependency"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}

func TestConflictIsValidation(t *testing.T) {
	err := Conflict("lost race")
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestClassificationHelpers(t *testing.T) {
	conflict := fmt.Errorf("apply: %w", Conflict("manuscript %s changed", "m-1"))
	assert.True(t, IsConflict(conflict))
	assert.True(t, IsValidation(conflict))
	assert.False(t, IsNotFound(conflict))

	assert.True(t, IsNotFound(NotFound("user", "u-1")))
	assert.True(t, IsUnknownTarget(UnknownTarget("kind %s", "NOPE")))
	assert.False(t, IsValidation(errors.New("boom")))
}
