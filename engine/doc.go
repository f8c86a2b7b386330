// Package engine implements the process registry of a procmesh system.
//
// The Engine is the resolver every send goes through and the spawner that
// starts long-running process loops. It keeps no message state of its own:
// mailboxes belong to processes and delivery is a direct HandleMessage call.
//
// # Core Responsibilities
//
// Registry:
//   - Thread-safe registration and lookup of processes by address
//   - Optional capacity limit (Config.MaxProcesses)
//   - Automatic removal when a process terminates or its loop returns
//
// Spawning:
//   - Runnable processes (thinkers, sessions) get their own goroutine and a
//     cancellable context
//   - Stop cancels a single loop; Shutdown cancels all and waits
//
// Callbacks:
//   - BeforeSpawn hooks may veto a spawn
//   - AfterSpawn, OnRunError and OnDeregister hooks observe the lifecycle
//
// # Usage
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logger
//	})
//	if err := eng.Spawn(ctx, thinker); err != nil {
//	    return err
//	}
//	defer eng.Shutdown(context.Background())
package engine
