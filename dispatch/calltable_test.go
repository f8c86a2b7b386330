package dispatch

import (
	"sync"
	"testing"

	"github.com/hupe1980/procmesh/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallTable_StateMachine(t *testing.T) {
	tests := []struct {
		name string
		path []CallStatus
		ok   bool
	}{
		{"complete", []CallStatus{StatusRunning, StatusCompleted}, true},
		{"fail while running", []CallStatus{StatusRunning, StatusFailed}, true},
		{"no handler", []CallStatus{StatusFailed}, true},
		{"skip running", []CallStatus{StatusCompleted}, false},
		{"double report", []CallStatus{StatusRunning, StatusCompleted, StatusFailed}, false},
		{"regress", []CallStatus{StatusRunning, StatusCompleted, StatusRunning}, false},
		{"running twice", []CallStatus{StatusRunning, StatusRunning}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewCallTable("hub")
			e, err := tbl.Create("list files", "caller", "")
			require.NoError(t, err)
			assert.Equal(t, StatusUnhandled, e.Status)

			var last error
			for _, st := range tt.path {
				if _, err := tbl.Transition(e.LocalID, st); err != nil {
					last = err
				}
			}
			if tt.ok {
				assert.NoError(t, last)
			} else {
				assert.ErrorIs(t, last, ErrInvalidTransition)
			}
		})
	}
}

func TestCallTable_RetireOnlyTerminal(t *testing.T) {
	tbl := NewCallTable("hub")
	e, err := tbl.Create("x", "caller", "up-1")
	require.NoError(t, err)
	assert.Equal(t, "up-1", e.Upstream)

	assert.Error(t, tbl.Retire(e.LocalID))
	_, err = tbl.Transition(e.LocalID, StatusFailed)
	require.NoError(t, err)
	require.NoError(t, tbl.Retire(e.LocalID))

	_, ok := tbl.Lookup(e.LocalID)
	assert.False(t, ok)
	assert.ErrorIs(t, tbl.Retire(e.LocalID), ErrUnknownCall)
	_, err = tbl.Transition(e.LocalID, StatusRunning)
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestCallTable_UniqueIDsUnderConcurrency(t *testing.T) {
	tbl := NewCallTable("hub")
	const n = 200

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := tbl.Create("req", "caller", "")
			assert.NoError(t, err)
			ids <- e.LocalID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, tbl.Len())
}

func TestCallTable_CollisionChecksLiveEntries(t *testing.T) {
	seq := []string{"a", "a", "b"}
	var mu sync.Mutex
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		if len(seq) == 0 {
			return "a"
		}
		id := seq[0]
		seq = seq[1:]
		return id
	}
	tbl := NewCallTable("hub", func(o *CallTableOptions) {
		o.IDGenerator = gen
		o.MaxAttempts = 3
	})

	first, err := tbl.Create("1", "caller", "")
	require.NoError(t, err)
	second, err := tbl.Create("2", "caller", "")
	require.NoError(t, err)
	assert.Equal(t, "a", first.LocalID)
	assert.Equal(t, "b", second.LocalID)

	_, err = tbl.Create("3", "caller", "")
	assert.ErrorIs(t, err, ErrIDSpaceExhausted)

	_, err = tbl.Transition("a", StatusFailed)
	require.NoError(t, err)
	require.NoError(t, tbl.Retire("a"))
	reused, err := tbl.Create("4", "caller", "")
	require.NoError(t, err)
	assert.Equal(t, "a", reused.LocalID)
}

func TestCallTable_TracesTransitions(t *testing.T) {
	rec := trace.NewInMemoryRecorder()
	tbl := NewCallTable("hub", func(o *CallTableOptions) { o.Recorder = rec })
	e, err := tbl.Create("x", "caller", "")
	require.NoError(t, err)
	_, err = tbl.Transition(e.LocalID, StatusRunning)
	require.NoError(t, err)
	_, err = tbl.Transition(e.LocalID, StatusCompleted)
	require.NoError(t, err)

	var details []string
	for _, ev := range rec.Filter(trace.KindCallTransition) {
		details = append(details, ev.Detail)
	}
	assert.Equal(t, []string{"created->unhandled", "unhandled->running", "running->completed"}, details)
}
