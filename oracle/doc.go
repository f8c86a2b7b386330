// Package oracle defines the decision oracle a step scheduler consults: the
// injected capability that decides what a process says, to whom, how it
// edits its reference table and whether it waits, continues or terminates.
//
// A Decision is a list of incremental instructions. Each instruction either
// appends to a pending list (sends, reference edits), marks a list final,
// sets the wait decision, or terminates the process. State tracks what a
// step has staged so far and validates decisions against it.
//
// Implementations:
//   - Scripted: a deterministic fake for tests
//   - Func: adapts a plain function
//   - ModelOracle: prompts a model.Model and parses a JSON decision
package oracle
