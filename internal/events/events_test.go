package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	require.False(t, r.Push(1))
	require.False(t, r.Push(2))
	require.False(t, r.Push(3))
	require.True(t, r.Push(4))
	require.Equal(t, 3, r.Len())
	require.Equal(t, []int{2, 3, 4}, r.Drain())
	require.Equal(t, 0, r.Len())

	r.Push(5)
	require.Equal(t, []int{5}, r.Drain())
	require.Equal(t, 3, r.Cap())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	require.Equal(t, []string{"b"}, r.Drain())
}

func TestEmitterBacklogDrainsOnFirstListener(t *testing.T) {
	e := NewEmitter(2)
	e.Feedback(SeverityInfo, "test", "one")
	e.Feedback(SeverityInfo, "test", "two")
	e.Feedback(SeverityWarning, "test", "three")
	require.Equal(t, 2, e.Pending())

	var first, second []string
	off := e.On(func(ev Event) { first = append(first, ev.Message) })
	require.Equal(t, []string{"two", "three"}, first)
	require.Equal(t, 0, e.Pending())

	e.On(func(ev Event) { second = append(second, ev.Message) })
	require.Empty(t, second, "backlog goes only to the first listener")

	e.Feedback(SeverityError, "test", "four")
	require.Equal(t, []string{"two", "three", "four"}, first)
	require.Equal(t, []string{"four"}, second)

	off()
	off()
	e.Feedback(SeverityInfo, "test", "five")
	require.Equal(t, []string{"two", "three", "four"}, first)
	require.Equal(t, []string{"four", "five"}, second)
}

func TestEmitterStampsTime(t *testing.T) {
	e := NewEmitter(0)
	var got Event
	e.On(func(ev Event) { got = ev })
	e.Emit(Event{Kind: KindLoopDetected})
	require.False(t, got.Time.IsZero())
}

func TestEmitterConcurrent(t *testing.T) {
	e := NewEmitter(10)
	var mu sync.Mutex
	n := 0
	e.On(func(Event) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Feedback(SeverityInfo, "test", "x")
		}()
	}
	wg.Wait()
	require.Equal(t, 20, n)
}
