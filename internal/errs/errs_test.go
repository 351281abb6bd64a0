package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := errors.New("disk full")
	e := Wrap(Internal, base, "save failed")
	wrapped := fmt.Errorf("persistence: %w", e)

	assert.Equal(t, Internal, KindOf(wrapped))
	assert.True(t, Is(wrapped, Internal))
	assert.False(t, Is(wrapped, Network))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, "save failed", Message(wrapped))
}

func TestUnclassifiedError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(err))
	assert.Equal(t, "internal server error", Message(err))
	assert.Nil(t, Wrap(Internal, nil, "ничего"))
}

func TestErrorString(t *testing.T) {
	e := New(Version, 1, "Version mismatch: update required")
	assert.Equal(t, "Version(1): Version mismatch: update required", e.Error())
	assert.Equal(t, "Auth", Auth.String())
}
