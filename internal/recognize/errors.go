package recognize

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a recognition failure by how the caller should react.
type Kind string

const (
	// KindTransient failures may succeed on retry: timeouts, 5xx, 429.
	KindTransient Kind = "transient"
	// KindQuota means the account has no transcription minutes left.
	KindQuota Kind = "quota"
	// KindUnauthenticated means the credential was rejected.
	KindUnauthenticated Kind = "unauthenticated"
	// KindMalformed means the service answered but the payload or response
	// was unusable. Retrying the same request will not help.
	KindMalformed Kind = "malformed"
)

// Error is a classified recognition failure.
type Error struct {
	Kind Kind
	Op   string // provider operation, e.g. "google recognize"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("recognize: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error may succeed on a retry.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// ErrKind extracts the Kind from err, or KindTransient if err is not a
// classified *Error (network-level failures arrive unclassified).
func ErrKind(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// classifyStatus maps an HTTP status onto a failure kind.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthenticated
	case status == http.StatusPaymentRequired, status == http.StatusForbidden:
		return KindQuota
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindMalformed
	}
}

func statusError(op string, status int, body []byte) *Error {
	return &Error{
		Kind: classifyStatus(status),
		Op:   op,
		Err:  fmt.Errorf("status %d: %s", status, truncate(body, 256)),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
