package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequence(t *testing.T) {
	var s Sequence
	assert.Equal(t, int64(0), s.Current())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Current())

	s.Reset()
	assert.Equal(t, int64(1), s.Next())
}

func TestSequence_ThreadSafe(t *testing.T) {
	var s Sequence
	const goroutines, calls = 50, 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				v := s.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, goroutines*calls)
	for i := int64(1); i <= goroutines*calls; i++ {
		assert.True(t, seen[i], "missing value %d", i)
	}
}

func TestStepClock(t *testing.T) {
	c := NewStepClock(time.Second)
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Second), c.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), c.Now())
}

func TestNameID_Stable(t *testing.T) {
	assert.Equal(t, NameID("first"), NameID("first"))
	assert.NotEqual(t, NameID("first"), NameID("second"))
}

func TestSeqIDs(t *testing.T) {
	assert.Equal(t, "00000000-0000-7000-8000-000000000003", SeqID(3).String())

	gen := SeqIDs(2)
	assert.Equal(t, SeqID(1), gen.Generate())
	assert.Equal(t, SeqID(2), gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}
