package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "get",
				StatusCode: 503,
				Message:    "service unavailable",
			},
			wantFormat: "network error during get (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation: "resume",
				Message:   "connection reset by peer",
			},
			wantFormat: "network error during resume: connection reset by peer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestInvalidResumeDataError_Error verifies error message formatting
func TestInvalidResumeDataError_Error(t *testing.T) {
	err := &InvalidResumeDataError{Reason: "partial file missing"}

	expected := "invalid resume data: partial file missing"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestPlacementError_Error verifies error message formatting
func TestPlacementError_Error(t *testing.T) {
	err := &PlacementError{ItemID: "wiki", Path: "/tmp/1.part", Err: errors.New("disk full")}

	expected := "failed to place archive for 'wiki' from /tmp/1.part: disk full"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrors_Unwrap verifies error chain traversal for every typed error
func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{name: "network", err: &NetworkError{Operation: "get", Err: cause}},
		{name: "resumable", err: &ResumableError{ResumeData: []byte("t"), Err: cause}},
		{name: "invalid resume data", err: &InvalidResumeDataError{Reason: "x", Err: cause}},
		{name: "placement", err: &PlacementError{ItemID: "wiki", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestResumableError_CarriesNetworkError verifies that the failure inside a
// resumable error stays inspectable.
func TestResumableError_CarriesNetworkError(t *testing.T) {
	err := fmt.Errorf("transfer failed: %w", &ResumableError{
		ResumeData: []byte("token"),
		Err:        &NetworkError{Operation: "get", StatusCode: 502, Message: "bad gateway"},
	})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatal("errors.As() should extract NetworkError through ResumableError")
	}

	if netErr.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", netErr.StatusCode)
	}
}

// TestResumeDataFromError verifies token extraction
func TestResumeDataFromError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantToken string
		wantOK    bool
	}{
		{name: "nil error", err: nil},
		{name: "plain error", err: errors.New("boom")},
		{name: "resumable", err: &ResumableError{ResumeData: []byte("T1"), Err: errors.New("reset")}, wantToken: "T1", wantOK: true},
		{name: "wrapped resumable", err: fmt.Errorf("ctx: %w", &ResumableError{ResumeData: []byte("T2")}), wantToken: "T2", wantOK: true},
		{name: "empty token", err: &ResumableError{Err: errors.New("reset")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, ok := ResumeDataFromError(tt.err)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}

			if string(token) != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
		})
	}
}
