package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*MockModel)(nil)

func TestMockModel_ResponseOrder(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.AddResponse("ping", "pong")
	m.Enqueue("first")

	ctx := context.Background()
	req := Request{Messages: []Message{{Role: RoleUser, Text: "ping"}}}

	resp, err := Complete(ctx, m, req)
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Text)

	resp, err = Complete(ctx, m, req)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)

	resp, err = Complete(ctx, m, Request{Messages: []Message{{Role: RoleUser, Text: "other"}}})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Text)

	assert.Len(t, m.Requests(), 3)
	assert.Equal(t, "mock", m.Info().Provider)
}

func TestMockModel_Errors(t *testing.T) {
	m := NewMockModel("mock", "mock")
	boom := errors.New("boom")
	m.EnqueueError(boom)

	_, err := Complete(context.Background(), m, Request{Messages: []Message{{Role: RoleUser, Text: "x"}}})
	assert.ErrorIs(t, err, boom)

	_, err = Complete(context.Background(), m, Request{})
	assert.ErrorContains(t, err, "no messages")
}

// streamOnly emits partial chunks and never a final response.
type streamOnly struct{}

func (streamOnly) Generate(context.Context, Request) (<-chan Response, <-chan error) {
	out := make(chan Response, 3)
	errCh := make(chan error)
	out <- Response{Partial: true, Text: "a"}
	out <- Response{Partial: true, Text: "b"}
	close(out)
	close(errCh)
	return out, errCh
}

func (streamOnly) Info() Info { return Info{Name: "stream"} }

func TestComplete_ConcatenatesPartials(t *testing.T) {
	resp, err := Complete(context.Background(), streamOnly{}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "ab", resp.Text)
}

// blocking never answers before its context ends.
type blocking struct{}

func (blocking) Generate(ctx context.Context, _ Request) (<-chan Response, <-chan error) {
	out := make(chan Response)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		<-ctx.Done()
		errCh <- ctx.Err()
	}()
	return out, errCh
}

func (blocking) Info() Info { return Info{Name: "blocking"} }

func TestWithTimeout(t *testing.T) {
	_, err := Complete(context.Background(), WithTimeout(blocking{}, 10*time.Millisecond), Request{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m := NewMockModel("mock", "mock")
	m.Enqueue("fast")
	resp, err := Complete(context.Background(), WithTimeout(m, time.Second), Request{Messages: []Message{{Role: RoleUser, Text: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Text)
	assert.Equal(t, "mock", WithTimeout(m, time.Second).Info().Name)

	assert.Same(t, m, WithTimeout(m, 0))
}
