package transfer

import "fmt"

// ArgumentError reports a caller-supplied parameter that failed validation.
// Engine entry points return it synchronously, before any remote call, so a
// transfer that gets one has moved no bytes and changed no remote state.
type ArgumentError struct {
	// Param names the offending parameter.
	Param string

	// Reason describes the constraint that failed.
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Param, e.Reason)
}
