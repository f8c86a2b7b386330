package core

import (
	"strings"

	"github.com/google/uuid"
)

// Address is the stable, globally resolvable identity of a process.
type Address string

// NewAddress creates a unique address. The prefix is a naming convention only
// (e.g. "hub", "thinker") and carries no routing semantics.
func NewAddress(prefix string) Address {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return Address(uuid.NewString())
	}
	return Address(prefix + "-" + uuid.NewString())
}

// String returns the address as a plain string.
func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return a == "" }

// NewID generates a new unique identifier for messages and call records.
func NewID() string { return uuid.NewString() }
