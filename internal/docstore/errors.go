package docstore

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnavailable      = errors.New("document store unavailable")
	ErrMalformed        = errors.New("malformed document")
	ErrConflict         = errors.New("document already exists")
)

// IsTransient reports whether err is a connectivity or timeout failure
// that a later retry may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
