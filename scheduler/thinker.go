package scheduler

import (
	"context"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/logging"
	"github.com/hupe1980/procmesh/oracle"
	"github.com/hupe1980/procmesh/process"
	"github.com/hupe1980/procmesh/trace"
)

// Thinker is a process whose behavior is decided step by step by an oracle.
type Thinker struct {
	*process.Base
	sched *Scheduler
}

// ThinkerOptions configures a Thinker.
type ThinkerOptions struct {
	Scheduler Config
	Logger    logging.Logger
	Recorder  trace.Recorder
}

// NewThinker creates a thinker at addr. Spawn it on an engine to start its
// step loop.
func NewThinker(addr core.Address, resolver core.Resolver, o oracle.Oracle, optFns ...func(o *ThinkerOptions)) *Thinker {
	opts := ThinkerOptions{Scheduler: DefaultConfig}
	for _, fn := range optFns {
		fn(&opts)
	}
	base := process.NewBase(addr, resolver, func(po *process.Options) {
		po.Logger = opts.Logger
		po.Recorder = opts.Recorder
	})
	return &Thinker{
		Base: base,
		sched: New(base, o, func(so *Options) {
			so.Config = opts.Scheduler
			so.Logger = opts.Logger
			so.Recorder = opts.Recorder
		}),
	}
}

// Scheduler returns the thinker's step scheduler.
func (t *Thinker) Scheduler() *Scheduler { return t.sched }

// Run implements core.Runnable.
func (t *Thinker) Run(ctx context.Context) error {
	return t.sched.Run(ctx)
}
