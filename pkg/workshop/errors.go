package workshop

import (
	"errors"
	"fmt"
	"time"
)

// ErrTerminalWorkshop is returned when a stream is requested for a workshop
// that is completed or archived.
var ErrTerminalWorkshop = errors.New("workshop is in a terminal status")

// ErrMountFailed wraps the failure to load the initial workshop snapshot.
// There is no recovery path other than retrying the mount.
var ErrMountFailed = errors.New("failed to load workshop")

// ErrorKind classifies the errors the core surfaces to its observers.
type ErrorKind string

const (
	KindNone       ErrorKind = ""
	KindTransport  ErrorKind = "transport"
	KindRequest    ErrorKind = "request"
	KindTimeout    ErrorKind = "timeout"
	KindValidation ErrorKind = "validation"
)

// TransportError reports that the event stream failed to open or closed
// unexpectedly. It is never fatal.
type TransportError struct {
	WorkshopID string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stream for workshop %s disconnected", e.WorkshopID)
	}
	return fmt.Sprintf("stream for workshop %s disconnected: %v", e.WorkshopID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError reports a failed REST call. Status is zero when the request
// never produced a response.
type RequestError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("%s %s failed: status=%d code=%s: %s", e.Method, e.Path, e.Status, e.Code, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("%s %s failed: status=%d: %s", e.Method, e.Path, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.Path, e.Err)
	default:
		return fmt.Sprintf("%s %s failed: %s", e.Method, e.Path, e.Message)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

// TimeoutError reports that an activity produced neither a terminal event nor
// a single result before its deadline.
type TimeoutError struct {
	Activity string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v without results", e.Activity, e.After)
}

// ValidationError reports an operation rejected locally, before anything was
// sent to the server.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Classify maps an error to its ErrorKind. Unknown errors are treated as
// request errors since they surface from REST plumbing.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TransportError
	var re *RequestError
	var to *TimeoutError
	var ve *ValidationError
	switch {
	case errors.As(err, &to):
		return KindTimeout
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &te):
		return KindTransport
	case errors.As(err, &re):
		return KindRequest
	default:
		return KindRequest
	}
}
