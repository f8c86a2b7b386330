package trace

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertions)
var (
	_ Recorder = (*InMemoryRecorder)(nil)
	_ Recorder = NopRecorder{}
)

func TestInMemoryRecorder_SequenceAndFilter(t *testing.T) {
	r := NewInMemoryRecorder()
	require.NoError(t, r.Record(Event{Kind: KindDelivered, Process: "a"}))
	require.NoError(t, r.Record(Event{Kind: KindStepCommitted, Process: "a"}))
	require.NoError(t, r.Record(Event{Kind: KindDelivered, Process: "b"}))

	evs := r.Events()
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.False(t, ev.Time.IsZero())
	}

	delivered := r.Filter(KindDelivered)
	assert.Len(t, delivered, 2)

	ev, ok := r.First(func(e Event) bool { return e.Process == "b" })
	require.True(t, ok)
	assert.Equal(t, uint64(3), ev.Seq)

	// copy isolation
	evs[0].Process = "mutated"
	assert.Equal(t, "a", string(r.Events()[0].Process))

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestInMemoryRecorder_Concurrent(t *testing.T) {
	r := NewInMemoryRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Record(Event{Kind: KindHandled})
		}()
	}
	wg.Wait()

	evs := r.Events()
	require.Len(t, evs, 50)
	seen := map[uint64]bool{}
	for _, ev := range evs {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
	assert.Equal(t, 50, len(seen))
	assert.Nil(t, OrNop(nil).Record(Event{}))
}
