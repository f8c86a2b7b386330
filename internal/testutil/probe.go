package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/procmesh/core"
)

// Probe is a process that records every message it handles. It can delay or
// reject deliveries to exercise ordering and failure paths.
type Probe struct {
	addr core.Address
	refs *core.ReferenceTable

	mu       sync.Mutex
	received []core.Message
	delay    time.Duration
	fail     error
	notify   chan struct{}
}

var _ core.Process = (*Probe)(nil)

// NewProbe creates a probe at addr.
func NewProbe(addr core.Address) *Probe {
	return &Probe{addr: addr, refs: core.NewReferenceTable(), notify: make(chan struct{}, 1)}
}

// Delay makes HandleMessage sleep before recording (chainable).
func (p *Probe) Delay(d time.Duration) *Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
	return p
}

// Fail makes HandleMessage reject every message with err (chainable).
func (p *Probe) Fail(err error) *Probe {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
	return p
}

// Address implements core.Process.
func (p *Probe) Address() core.Address { return p.addr }

// References implements core.Process.
func (p *Probe) References() *core.ReferenceTable { return p.refs }

// HandleMessage implements core.Process.
func (p *Probe) HandleMessage(ctx context.Context, msg core.Message) error {
	p.mu.Lock()
	delay, fail := p.delay, p.fail
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}

	p.mu.Lock()
	p.received = append(p.received, msg)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Received returns a copy of the recorded messages.
func (p *Probe) Received() []core.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]core.Message(nil), p.received...)
}

// Await blocks until at least n messages were recorded or timeout passes,
// and returns what was recorded.
func (p *Probe) Await(n int, timeout time.Duration) []core.Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := p.Received(); len(got) >= n {
			return got
		}
		select {
		case <-p.notify:
		case <-deadline.C:
			return p.Received()
		}
	}
}
