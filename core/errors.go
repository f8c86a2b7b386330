package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownRecipient is returned when an address cannot be resolved.
	ErrUnknownRecipient = errors.New("unknown recipient")
	// ErrSendAfterTerminal is returned when a terminated process tries to send.
	ErrSendAfterTerminal = errors.New("send after terminal")
	// ErrStepFailure is returned when a scheduler step is aborted.
	ErrStepFailure = errors.New("step failure")
	// ErrOrphanedReply is returned when a report's caller cannot be reached.
	ErrOrphanedReply = errors.New("orphaned reply")
	// ErrValidation is returned when API arguments fail validation.
	ErrValidation = errors.New("validation error")
	// ErrAPI is returned when an external API call fails.
	ErrAPI = errors.New("api error")
	// ErrOracleUnavailable is returned when the decision oracle cannot be reached.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrMalformedDecision is returned when the oracle's decision is invalid.
	ErrMalformedDecision = errors.New("malformed decision")

	// ErrUnknownReference is returned by reference-table edits on missing entries.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrMailboxClosed is returned when delivering to a terminated process.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrEndProcessSend is returned when an end-process message is sent
	// other than by terminating.
	ErrEndProcessSend = errors.New("end-process messages are sent by terminate")
)

// DeliveryError reports the targets a multi-recipient send failed to reach.
// Copies already delivered are not revoked.
type DeliveryError struct {
	MessageID string
	Failed    map[Address]error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	addrs := make([]string, 0, len(e.Failed))
	for addr := range e.Failed {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, fmt.Sprintf("%s: %v", a, e.Failed[Address(a)]))
	}
	return fmt.Sprintf("partial delivery of message %s: %s", e.MessageID, strings.Join(parts, "; "))
}

// Unwrap exposes every per-target cause to errors.Is / errors.As.
func (e *DeliveryError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}
