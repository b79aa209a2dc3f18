package reconciler

import "fmt"

// DecodeError means a stored bar failed to parse. It aborts the instrument's
// current pass; the retry loop decides what happens next.
type DecodeError struct {
	Key string
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode stored bar %s %.80q: %v", e.Key, e.Raw, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
