package broker

import (
	"errors"
	"fmt"
)

// ErrUnauthenticated is returned when the portal answers 401 or otherwise
// signals a dead session. Recovery belongs to the session keeper; callers
// only restart their own work.
var ErrUnauthenticated = errors.New("broker: unauthenticated")

// TransportError wraps network and HTTP failures against the portal. The
// whole response is unusable when one is returned.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func transportErr(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}
