package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent, "no baseline yet")
	assert.NotZero(t, first.MemoryBytes)
	assert.Positive(t, first.Goroutines)

	busy := time.Now().Add(5 * time.Millisecond)
	for time.Now().Before(busy) {
	}
	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)
}

func TestResourceTrackerWithoutSamples(t *testing.T) {
	var missing *resourceTracker
	assert.Equal(t, ResourceUsage{}, missing.Snapshot())

	bare := &resourceTracker{}
	usage := bare.Snapshot()
	assert.Positive(t, usage.Goroutines, "goroutines fall back to the runtime count")
	assert.Zero(t, usage.MemoryBytes)
}
