package transfer

import (
	"errors"
	"fmt"
)

// NetworkError represents failed requests: non-2xx responses, connection
// resets, timeouts.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get", "resume")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ResumableError is a transfer failure that left enough state behind to
// continue with CreateFromToken.
type ResumableError struct {
	ResumeData []byte // opaque token, never empty
	Err        error  // the failure itself
}

func (e *ResumableError) Error() string {
	return fmt.Sprintf("transfer interrupted (resumable): %v", e.Err)
}

func (e *ResumableError) Unwrap() error {
	return e.Err
}

// InvalidResumeDataError reports a token that can not be redeemed: corrupt,
// from an unknown version, or pointing at partial data that is gone. Callers
// fall back to a fresh transfer.
type InvalidResumeDataError struct {
	Reason string // Human-readable explanation of why the token was rejected
	Err    error  // Underlying error, if any
}

func (e *InvalidResumeDataError) Error() string {
	return fmt.Sprintf("invalid resume data: %s", e.Reason)
}

func (e *InvalidResumeDataError) Unwrap() error {
	return e.Err
}

// PlacementError represents a failure to move a finished transfer into the
// archive directory. The item must not be reported complete.
type PlacementError struct {
	ItemID string // The item whose archive could not be placed
	Path   string // Temporary location of the payload
	Err    error  // Underlying error, if any
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("failed to place archive for '%s' from %s: %v", e.ItemID, e.Path, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// ResumeDataFromError extracts the resume token carried by err, if any.
func ResumeDataFromError(err error) ([]byte, bool) {
	var re *ResumableError
	if errors.As(err, &re) && len(re.ResumeData) > 0 {
		return re.ResumeData, true
	}

	return nil, false
}
