package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrNotFound, "guild lookup")
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("some other error")))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("guild %s has no repository", "g-123")
	assert.True(t, Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "g-123")
}

func TestWrapPreservesChain(t *testing.T) {
	base := New("connection refused")
	wrapped := Wrapf(base, "fetching %s", "prompts/system.md")
	assert.Contains(t, wrapped.Error(), "prompts/system.md")
	assert.Contains(t, wrapped.Error(), "connection refused")
}
