package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUnloaded: "unloaded",
		StateLoaded:   "loaded",
		StateStarted:  "started",
		StateStopped:  "stopped",
		StateError:    "error",
		State(99):     "unknown",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateLoaded.IsActive())
	assert.True(t, StateStarted.IsActive())
	assert.False(t, StateStopped.IsActive())
	assert.False(t, StateError.IsActive())

	assert.True(t, StateStopped.CanStart())
	assert.True(t, StateError.CanStart())
	assert.False(t, StateStarted.CanStart())
	assert.False(t, StateUnloaded.CanStart())
}
