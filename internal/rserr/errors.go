// Package rserr types the wire error taxonomy, so a requester's consumer
// can type-switch on what it observes instead of parsing an error code by
// hand, mirroring how ErrBrokenSession / ErrTimeout are exposed as typed
// sentinels elsewhere in this codebase rather than raw strings.
package rserr

import (
	"fmt"

	"github.com/rsocket-engine/core/internal/frame"
)

var ErrConnectionClosed = fmt.Errorf("rsocket: connection closed")

// ApplicationError is what a requester observes when the peer's handler
// raised an error. Message is the handler's
// throwable.String()-equivalent.
type ApplicationError struct{ Message string }

func (e *ApplicationError) Error() string { return "rsocket: application error: " + e.Message }

// CustomError carries a user-chosen error code in the custom range
// (0x00000301-0xFFFFFFFE), preserved on the wire.
type CustomError struct {
	Code    frame.ErrorCode
	Message string
}

func (e *CustomError) Error() string {
	return fmt.Sprintf("rsocket: custom error 0x%08x: %s", uint32(e.Code), e.Message)
}

// InvalidPayloadError is a local, synchronous validation failure.
type InvalidPayloadError struct{ Message string }

func (e *InvalidPayloadError) Error() string { return "rsocket: invalid payload: " + e.Message }

// RejectedSetupError terminates the connection.
type RejectedSetupError struct{ Message string }

func (e *RejectedSetupError) Error() string { return "rsocket: setup rejected: " + e.Message }

// LeaseError terminates the connection when the lease predicate refuses a
// request.
type LeaseError struct{ Message string }

func (e *LeaseError) Error() string { return "rsocket: lease rejected: " + e.Message }

// ConnectionError is a connection-wide failure that is not attributable to
// any single stream: an idle timeout, or a transport-level cause the
// connection driver decides to surface as CONNECTION_ERROR rather than close
// silently.
type ConnectionError struct{ Message string }

func (e *ConnectionError) Error() string { return "rsocket: connection error: " + e.Message }

// ProtocolViolationError models an IllegalState-equivalent condition:
// unexpected frame kind, frame on an invalid stream id, or a duplicate id.
type ProtocolViolationError struct{ Message string }

func (e *ProtocolViolationError) Error() string { return "rsocket: protocol violation: " + e.Message }

// FromErrorFrame converts a decoded ERROR frame into the corresponding typed
// Go error a requester observes on its normal API path.
func FromErrorFrame(f *frame.Frame) error {
	switch f.ErrorCode {
	case frame.ErrorCodeApplicationError:
		return &ApplicationError{Message: f.ErrorData}
	case frame.ErrorCodeRejected, frame.ErrorCodeCanceled, frame.ErrorCodeInvalid:
		return &InvalidPayloadError{Message: f.ErrorData}
	case frame.ErrorCodeRejectedSetup:
		return &RejectedSetupError{Message: f.ErrorData}
	case frame.ErrorCodeConnectionError, frame.ErrorCodeConnectionClose:
		return &ConnectionError{Message: f.ErrorData}
	default:
		if f.ErrorCode >= frame.ErrorCodeCustomRangeStart && f.ErrorCode <= frame.ErrorCodeCustomRangeEnd {
			return &CustomError{Code: f.ErrorCode, Message: f.ErrorData}
		}
		return &ProtocolViolationError{Message: fmt.Sprintf("code=0x%08x msg=%s", uint32(f.ErrorCode), f.ErrorData)}
	}
}

// ToErrorFrame is FromErrorFrame's counterpart, used by the responder side to
// serialise a Go error observed from a handler into an outbound ERROR frame.
// CustomError, InvalidPayloadError, RejectedSetupError and ConnectionError
// decode back to their own type; ProtocolViolationError is sent as REJECTED
// (decoding to InvalidPayloadError), and every other error is sent as
// APPLICATION_ERROR carrying err.Error().
func ToErrorFrame(streamID uint32, err error) *frame.Frame {
	f := &frame.Frame{StreamID: streamID, Type: frame.TypeError}
	switch e := err.(type) {
	case *CustomError:
		f.ErrorCode = e.Code
		f.ErrorData = e.Message
	case *InvalidPayloadError:
		f.ErrorCode = frame.ErrorCodeInvalid
		f.ErrorData = e.Message
	case *RejectedSetupError:
		f.ErrorCode = frame.ErrorCodeRejectedSetup
		f.ErrorData = e.Message
	case *ProtocolViolationError:
		f.ErrorCode = frame.ErrorCodeRejected
		f.ErrorData = e.Message
	case *ConnectionError:
		f.ErrorCode = frame.ErrorCodeConnectionError
		f.ErrorData = e.Message
	default:
		f.ErrorCode = frame.ErrorCodeApplicationError
		f.ErrorData = err.Error()
	}
	return f
}
