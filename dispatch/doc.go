// Package dispatch implements API dispatch trees: hubs that route requests
// down to terminal modules, modules that call one tool each, the per-node
// call tables that correlate reports with requests, and the interactive
// sessions a module may spawn.
//
// # Flow
//
// A caller sends plain text (or a NewRequest message) to a hub. The hub
// records a CallEntry, picks a child with its Strategy and forwards the
// request carrying the entry's LocalID as correlation id. Its HandleMessage
// returns as soon as the child accepted the request.
//
// A module runs the request on a worker goroutine: Translator.ParseAndValidate,
// Tool.Call, Translator.FormatReturn. It then sends exactly one report back,
// correlated with the id its caller assigned.
//
// Reports travel up by chained awaiting: each hub forwards the report to its
// own caller and returns only when that caller's HandleMessage returned. When
// the chain reaches a caller that is not a dispatcher, the original caller
// holds the report, and only then may the top hub run side effects such as
// opening a channel between a spawned Session and the caller.
//
// # Sessions
//
// A tool returning a tool.SessionSpec makes its module spawn a Session and
// advertise it in the report metadata (MetaSessionAddress,
// MetaSessionDescription). A stop message to the session ends it; the tree
// does not track sessions.
package dispatch
