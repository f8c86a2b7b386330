package dispatch

import (
	"errors"
	"strings"

	"github.com/hupe1980/procmesh/core"
	"github.com/hupe1980/procmesh/internal/util"
)

// Metadata keys carried by dispatch traffic.
const (
	// MetaRole marks a message as a request or a report.
	MetaRole = "dispatch.role"
	// MetaStatus carries the terminal call status of a report.
	MetaStatus = "dispatch.status"
	// MetaError names the dispatcher error behind a failed report.
	MetaError = "dispatch.error"
	// MetaSessionAddress advertises a spawned interactive session.
	MetaSessionAddress = "session.address"
	// MetaSessionDescription describes the advertised session.
	MetaSessionDescription = "session.description"
	// MetaControl carries a session control command.
	MetaControl = "session.control"
	// MetaPeer names the peer of a channel.open command.
	MetaPeer = "session.peer"
)

// Role values for MetaRole.
const (
	RoleRequest = "request"
	RoleReport  = "report"
)

// Session control commands.
const (
	ControlChannelOpen = "channel.open"
	ControlStop        = "stop"
)

// ErrorKind classifies failed reports produced by dispatchers themselves.
type ErrorKind string

const (
	ErrorUnknownMessageType ErrorKind = "unknown_message_type"
	ErrorNoHandler          ErrorKind = "no_handler"
	ErrorUndeterminedStatus ErrorKind = "undetermined_status"
	ErrorForward            ErrorKind = "forward_failed"
	ErrorValidation         ErrorKind = "validation"
	ErrorExecution          ErrorKind = "execution"
)

// MessageType is the classification of an inbound dispatcher message.
type MessageType int

const (
	MessageRequest MessageType = iota
	MessageReport
)

// String returns the type name.
func (t MessageType) String() string {
	if t == MessageReport {
		return RoleReport
	}
	return RoleRequest
}

// NewRequest builds a request message to a dispatcher.
func NewRequest(sender core.Address, content string) core.Message {
	return core.NewMessage(sender, core.KindCommunication, content, map[string]string{MetaRole: RoleRequest})
}

// NewReport builds a report carrying status. correlation is the receiver's
// local id for the call and may be empty.
func NewReport(sender core.Address, content string, status CallStatus, correlation string) core.Message {
	msg := core.NewMessage(sender, core.KindCommunication, content, map[string]string{
		MetaRole:   RoleReport,
		MetaStatus: status.String(),
	})
	return msg.WithCorrelation(correlation)
}

// ReportStatus reads the status of a report.
func ReportStatus(msg core.Message) (CallStatus, bool) {
	s, ok := msg.Meta(MetaStatus)
	if !ok {
		return StatusUnhandled, false
	}
	st, err := ParseCallStatus(s)
	if err != nil {
		return StatusUnhandled, false
	}
	return st, true
}

// SessionOf returns the session advertised by a report, if any.
func SessionOf(msg core.Message) (core.Address, string, bool) {
	addr, ok := msg.Meta(MetaSessionAddress)
	if !ok || addr == "" {
		return "", "", false
	}
	desc, _ := msg.Meta(MetaSessionDescription)
	return core.Address(addr), desc, true
}

// StopMessage builds the command that ends an interactive session.
func StopMessage(sender core.Address) core.Message {
	return core.NewMessage(sender, core.KindCommunication, ControlStop, map[string]string{MetaControl: ControlStop})
}

// IsStop reports whether msg asks a session to stop. Plain "stop" content
// counts, so step logic can stop a session with an ordinary send.
func IsStop(msg core.Message) bool {
	if c, ok := msg.Meta(MetaControl); ok {
		return c == ControlStop
	}
	return strings.EqualFold(strings.TrimSpace(msg.Content), ControlStop)
}

// callerGone reports whether a report delivery failed because the caller is
// unregistered or already terminated.
func callerGone(err error) bool {
	return errors.Is(err, core.ErrUnknownRecipient) || errors.Is(err, core.ErrMailboxClosed)
}

func summarize(content string, n int) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return util.Truncate(line, n)
}
