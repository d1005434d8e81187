package management

import (
	"errors"
	"strings"
)

// NoManagedMemberMessage is the text of ErrNoManagedMember. Remote adapters
// only transport error text, so it doubles as the matching key.
const NoManagedMemberMessage = "no managed member in the cluster"

var (
	// ErrNoManagedMember reports that no member with management capability is
	// available yet. It is expected while a node starts.
	ErrNoManagedMember = errors.New(NoManagedMemberMessage)
	// ErrEntityNotFound reports that a named entity is not registered.
	ErrEntityNotFound = errors.New("management: entity not found")
	// ErrOperationNotFound reports that an entity has no such operation.
	ErrOperationNotFound = errors.New("management: operation not found")
)

// IsNoManagedMember reports whether err denotes the expected-absence
// condition, either as the sentinel or as error text from a remote adapter.
func IsNoManagedMember(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoManagedMember) {
		return true
	}
	return strings.Contains(err.Error(), NoManagedMemberMessage)
}
