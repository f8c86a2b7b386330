// Package process provides the shared substrate of every procmesh process:
// the unbounded mailbox and Base, which owns a process's address, reference
// table and lifecycle and implements the send and terminate primitives.
//
// Concrete kinds (thinkers in package scheduler, dispatchers and sessions in
// package dispatch) embed Base and add their own message handling.
package process
