package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescerFlushesAfterCount(t *testing.T) {
	var mu sync.Mutex
	var emitted []string
	c := newTokenCoalescer(func(s string) {
		mu.Lock()
		emitted = append(emitted, s)
		mu.Unlock()
	})

	for i := 0; i < coalesceCount; i++ {
		c.Add("x")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, emitted, 1)
	assert.Len(t, emitted[0], coalesceCount)
}

func TestCoalescerFlushEmitsRemainder(t *testing.T) {
	var emitted []string
	c := newTokenCoalescer(func(s string) { emitted = append(emitted, s) })

	c.Add("par")
	c.Add("tial")
	c.Flush()

	require.Len(t, emitted, 1)
	assert.Equal(t, "partial", emitted[0])

	// flushing an empty buffer emits nothing
	c.Flush()
	assert.Len(t, emitted, 1)
}

func TestCoalescerFlushesAfterInterval(t *testing.T) {
	var mu sync.Mutex
	var emitted []string
	c := newTokenCoalescer(func(s string) {
		mu.Lock()
		emitted = append(emitted, s)
		mu.Unlock()
	})

	c.Add("slow")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(emitted) == 1 && emitted[0] == "slow"
	}, time.Second, 5*time.Millisecond)
}
