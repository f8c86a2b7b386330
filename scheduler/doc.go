// Package scheduler implements the step scheduler that drives a process's
// decision loop, and the Thinker process kind built on it.
//
// A step drains the mailbox as one batch, consults the decision oracle until
// every step-state field (sends, reference edits, wait decision) is final,
// then commits. Commits are deferred to step end and applied in the order the
// oracle produced them, sends and edits interleaved. A process never runs two
// steps at once; messages arriving mid-step wait for the next step.
//
// Invalid oracle answers are re-prompted once with feedback. A second
// consecutive failure aborts the step without committing anything and hands
// the drained batch to the next step; the configured FailurePolicy then
// decides whether the process continues or terminates as Failed.
package scheduler
