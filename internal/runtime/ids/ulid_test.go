package ids

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateULIDIsMonotonic(t *testing.T) {
	generated := make([]string, 200)
	for i := range generated {
		generated[i] = CreateULID()
		_, err := ulid.ParseStrict(generated[i])
		require.NoError(t, err)
	}
	assert.True(t, slices.IsSorted(generated), "ids sort in creation order")
	assert.Len(t, slices.Compact(slices.Clone(generated)), len(generated))
}

func TestCreateULIDConcurrentCallers(t *testing.T) {
	const workers, each = 8, 50

	var wg sync.WaitGroup
	results := make([][]string, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				results[w] = append(results[w], CreateULID())
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]struct{}, workers*each)
	for _, batch := range results {
		for _, id := range batch {
			seen[id] = struct{}{}
		}
	}
	assert.Len(t, seen, workers*each)
}

func TestNewMessageUsesULID(t *testing.T) {
	msg := NewMessage([]byte("payload"))
	require.Len(t, msg.UUID, 26)
	assert.Equal(t, []byte("payload"), []byte(msg.Payload))
	assert.NotNil(t, msg.Metadata)
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, ok := Time(CreateULID())
	require.True(t, ok)
	assert.True(t, ts.After(before))

	_, ok = Time("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.False(t, ok, "UUIDs from external producers carry no time")
}
