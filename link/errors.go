package link

import "fmt"

// ErrorKind classifies an Error without pinning callers to a concrete type.
type ErrorKind int

const (
	// KindArgument marks a caller-supplied value of the wrong shape (a
	// non-string where a string is required, a non-scalar property value).
	// Always raised synchronously at the API boundary; never reaches an FSM.
	KindArgument ErrorKind = iota

	// KindReference marks a required argument that was falsy (nil, "", 0).
	KindReference

	// KindNotConnected marks an attach attempted while the AmqpClient has no
	// connection.
	KindNotConnected

	// KindUnauthorized marks a CBS put-token response with a non-200 status.
	KindUnauthorized

	// KindTimeout marks a CBS put-token deadline expiring unanswered.
	KindTimeout

	// KindLinkDetached marks a peer detach that failed pending sends. Carries
	// a synthetic amqp:internal-error cause when no transport cause is
	// available.
	KindLinkDetached

	// KindTransport wraps any other AMQP client/link error; the original
	// error is attached as Cause.
	KindTransport
)

func (k ErrorKind) String() string {
	switch k {
	case KindArgument:
		return "Argument"
	case KindReference:
		return "Reference"
	case KindNotConnected:
		return "NotConnected"
	case KindUnauthorized:
		return "Unauthorized"
	case KindTimeout:
		return "Timeout"
	case KindLinkDetached:
		return "LinkDetached"
	case KindTransport:
		return "Transport"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type raised by this package. Callers should
// switch on Kind() rather than compare against a specific *Error value.
type Error struct {
	kind    ErrorKind
	message string
	cause   error
}

// NewError builds an Error of the given kind, optionally wrapping cause and
// carrying an explicit message. Either may be omitted.
func NewError(kind ErrorKind, args ...interface{}) *Error {
	err := &Error{kind: kind}
	for _, arg := range args {
		switch v := arg.(type) {
		case error:
			err.cause = v
		case string:
			err.message = v
		}
	}
	return err
}

// Kind reports the error's taxonomy classification.
func (e *Error) Kind() ErrorKind {
	if e == nil {
		return KindTransport
	}
	return e.kind
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.message != "" && e.cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
	case e.message != "":
		return fmt.Sprintf("%s: %s", e.kind, e.message)
	case e.cause != nil:
		return fmt.Sprintf("%s: %v", e.kind, e.cause)
	default:
		return e.kind.String()
	}
}

// linkDetachedError builds a KindLinkDetached error, substituting a
// synthetic amqp:internal-error cause when none is available.
func linkDetachedError(cause error) *Error {
	if cause == nil {
		cause = fmt.Errorf("amqp:internal-error")
	}
	return NewError(KindLinkDetached, cause)
}

// translateError wraps a transport-level error with a message, the pattern
// TwinClient.SendTwinRequest uses to report send failures.
func translateError(message string, cause error) error {
	if cause == nil {
		return nil
	}
	if e, ok := cause.(*Error); ok {
		return NewError(e.kind, message, e.cause)
	}
	return NewError(KindTransport, message, cause)
}

// unauthorizedFromStatus builds a KindUnauthorized error from a CBS
// status-description, matching section 6's response classification.
func unauthorizedFromStatus(statusDescription string) *Error {
	if statusDescription == "" {
		statusDescription = "CBS put-token request was not authorized"
	}
	return NewError(KindUnauthorized, statusDescription)
}
