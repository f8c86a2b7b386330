package sqlite

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hupe1980/procmesh/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ trace.Recorder = (*Store)(nil)

func TestStore_RecordAndQuery(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(trace.Event{Kind: trace.KindDelivered, Process: "a", Subject: "b", Detail: "hello"}))
	require.NoError(t, s.Record(trace.Event{Kind: trace.KindStepCommitted, Process: "b"}))
	require.NoError(t, s.Record(trace.Event{Kind: trace.KindHandled, Process: "a"}))

	all, err := s.Events("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, trace.KindDelivered, all[0].Kind)
	assert.Equal(t, "hello", all[0].Detail)
	assert.False(t, all[0].Time.IsZero())

	onlyA, err := s.Events("a")
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, uint64(3), onlyA[1].Seq)
}

func TestStore_ResumesSequenceOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(trace.Event{Kind: trace.KindHandled, Process: "x"}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Record(trace.Event{Kind: trace.KindHandled, Process: "x"}))

	evs, err := s2.Events("x")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[1].Seq)
}

func TestOpen_PropagatesDriverError(t *testing.T) {
	orig := openDB
	defer func() { openDB = orig }()
	openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") }

	_, err := Open(":memory:")
	assert.ErrorContains(t, err, "trace: open database")
}
