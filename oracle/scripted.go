package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/procmesh/core"
)

// Reply is one scripted oracle answer.
type Reply struct {
	Decision Decision
	Err      error
}

// Answer wraps a decision built from instructions as a Reply.
func Answer(ins ...Instruction) Reply { return Reply{Decision: Decide(ins...)} }

// Fail wraps an error as a Reply.
func Fail(err error) Reply { return Reply{Err: err} }

// Scripted is a deterministic Oracle returning queued replies in order and
// recording every context it was consulted with. When the script runs out it
// fails with core.ErrOracleUnavailable.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	calls   []Context
}

// NewScripted creates a scripted oracle.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Push appends replies to the script.
func (s *Scripted) Push(replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, replies...)
}

// Decide implements Oracle.
func (s *Scripted) Decide(_ context.Context, c Context) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.State = c.State.Clone()
	s.calls = append(s.calls, c)
	if len(s.replies) == 0 {
		return Decision{}, fmt.Errorf("%w: script exhausted", core.ErrOracleUnavailable)
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r.Decision, r.Err
}

// Calls returns the contexts of all calls so far.
func (s *Scripted) Calls() []Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Context(nil), s.calls...)
}

// Remaining returns the number of unused replies.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies)
}
