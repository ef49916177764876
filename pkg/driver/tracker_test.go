package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompletionTracker_StableResponse(t *testing.T) {
	tracker := newCompletionTracker(3)

	// Streaming: text keeps growing
	assert.False(t, tracker.Observe("Hel", true))
	assert.False(t, tracker.Observe("Hello", true))
	assert.False(t, tracker.Observe("Hello world", true))

	// Generation stopped, text stable for 3 polls
	assert.False(t, tracker.Observe("Hello world", false))
	assert.False(t, tracker.Observe("Hello world", false))
	assert.True(t, tracker.Observe("Hello world", false))

	assert.Equal(t, "Hello world", tracker.Text())
}

func TestCompletionTracker_EmptyNeverCompletes(t *testing.T) {
	tracker := newCompletionTracker(1)

	for i := 0; i < 10; i++ {
		assert.False(t, tracker.Observe("", false))
	}
}

func TestCompletionTracker_GeneratingResetsStability(t *testing.T) {
	tracker := newCompletionTracker(3)
	assert.False(t, tracker.Observe("answer", false))
	assert.False(t, tracker.Observe("answer", false))
	// Stop button reappeared: regeneration in flight
	assert.False(t, tracker.Observe("answer", true))
	assert.False(t, tracker.Observe("answer", false))
	assert.False(t, tracker.Observe("answer", false))
	assert.True(t, tracker.Observe("answer", false))
}

func TestCompletionTracker_TextChangeResets(t *testing.T) {
	tracker := newCompletionTracker(2)

	assert.False(t, tracker.Observe("a", false))
	assert.False(t, tracker.Observe("a", false))
	assert.False(t, tracker.Observe("ab", false))
	assert.False(t, tracker.Observe("ab", false))
	assert.True(t, tracker.Observe("ab", false))
}
