// Package core provides the foundational domain types shared by every process
// in a procmesh system. It defines:
//
//   - Addresses (stable, globally unique process identities)
//   - Messages (immutable envelopes exchanged between processes)
//   - ReferenceTables (per-process directory of peers, subscribers and subscriptions)
//   - The Process contract (handle, send, reference table) and the Resolver used
//     to look up processes by address
//   - The error taxonomy surfaced by sends, steps and API dispatch
//
// The package deliberately contains no scheduling or routing logic; concrete
// process kinds live in the process, scheduler and dispatch packages.
package core
