package reason

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesByCode(t *testing.T) {
	err := New(PoolExhausted, "mode=%s size=%d", "paper", 1)
	wrapped := fmt.Errorf("submit run 7: %w", err)

	assert.True(t, errors.Is(wrapped, ErrPoolExhausted))
	assert.False(t, errors.Is(wrapped, ErrInvalidTransition))
	assert.Equal(t, PoolExhausted, CodeOf(wrapped))
	assert.Equal(t, "pool_exhausted: mode=paper size=1", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(LockBusy, cause, "key=%s", "exclusions")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrLockBusy)
	assert.Equal(t, Code(""), CodeOf(cause))
}
