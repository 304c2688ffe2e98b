package proc

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOSAlive(t *testing.T) {
	var p OS
	assert.True(t, p.Alive(os.Getpid()))
	assert.False(t, p.Alive(0))
	assert.False(t, p.Alive(-1))
	assert.NoError(t, p.Terminate(os.Getpid(), 0))
}

func TestFake(t *testing.T) {
	f := NewFake(10)
	assert.True(t, f.Alive(10))
	assert.False(t, f.Alive(11))
	assert.NoError(t, f.Terminate(10, 0))
	assert.False(t, f.Alive(10))
	assert.Equal(t, []int{10}, f.TerminatedPIDs())
}
