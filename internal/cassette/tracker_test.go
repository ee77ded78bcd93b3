package cassette

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventTracker(t *testing.T) {
	tracker := NewEventTracker()

	assert.True(t, tracker.AddAndCheck("a"))
	assert.False(t, tracker.AddAndCheck("a"))
	assert.True(t, tracker.AddAndCheck("b"))
	assert.Equal(t, 2, tracker.Len())

	tracker.Reset()
	assert.Equal(t, 0, tracker.Len())
	assert.True(t, tracker.AddAndCheck("a"), "reset should forget recorded ids")
}

func TestEventTrackerConcurrent(t *testing.T) {
	tracker := NewEventTracker()

	const ids = 50
	const workers = 8

	var inserted atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < ids; i++ {
				if tracker.AddAndCheck(fmt.Sprintf("event-%d", i)) {
					inserted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(ids), inserted.Load(), "each id is new exactly once")
	assert.Equal(t, ids, tracker.Len())
}
