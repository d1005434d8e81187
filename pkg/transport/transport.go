// Package transport carries the management query contract between a grid
// node and a remote sidecar. Errors travel as text; DecodeError restores the
// management sentinels on the client side.
package transport

import (
	"errors"
	"strings"

	"github.com/amirimatin/grid-sidecar/pkg/management"
)

var sentinels = []error{
	management.ErrNoManagedMember,
	management.ErrEntityNotFound,
	management.ErrOperationNotFound,
}

// RemoteError is an error reported by the serving side.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return e.Msg }

// Is matches the management sentinel whose text the message carries.
func (e *RemoteError) Is(target error) bool {
	for _, s := range sentinels {
		if target == s {
			return strings.Contains(e.Msg, s.Error())
		}
	}
	return false
}

// EncodeError returns the wire form of err, "" for nil.
func EncodeError(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// DecodeError reverses EncodeError.
func DecodeError(msg string) error {
	if msg == "" {
		return nil
	}
	return &RemoteError{Msg: msg}
}

// StatusCode maps an error to the HTTP status used by the JSON transport.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, management.ErrNoManagedMember):
		return 503
	case errors.Is(err, management.ErrEntityNotFound), errors.Is(err, management.ErrOperationNotFound):
		return 404
	default:
		return 500
	}
}
