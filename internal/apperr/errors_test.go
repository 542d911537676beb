package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := NotFound("user %d not found", 7)
	wrapped := fmt.Errorf("lookup: %w", err)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.False(t, errors.Is(wrapped, ErrConflict))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "user 7 not found", DetailOf(wrapped))
}

func TestSigningFailureUnwraps(t *testing.T) {
	cause := errors.New("rng exhausted")
	err := SigningFailure(cause, "sign certificate")

	assert.True(t, errors.Is(err, ErrSigningFailure))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "rng exhausted")
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, "", DetailOf(errors.New("boom")))
}
