package errors

import (
	"fmt"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	log "github.com/davewhat/tchannel/logger"
)

type ErrorCode int

const (
	InvalidArgument ErrorCode = iota + 1000
	Destroyed
	NoSuchEndpoint
	ProtocolError
	ApplicationError
	Timeout ErrorCode = iota + 2000
	SocketError
	SocketClosed
	ParseError
	Shutdown
	InvalidConfiguration ErrorCode = iota + 3000
	InternalError        ErrorCode = iota + 5000
)

// ChannelError is the error type surfaced to callers of the channel. The code
// identifies the failure kind and is what travels on the wire in call-response
// and error frames.
type ChannelError struct {
	Code ErrorCode
	Msg  string
}

func (e ChannelError) Error() string {
	return e.Msg
}

func NewChannelError(code ErrorCode, msg string) ChannelError {
	return ChannelError{Code: code, Msg: msg}
}

func NewChannelErrorf(code ErrorCode, msgFormat string, args ...interface{}) ChannelError {
	return ChannelError{Code: code, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInvalidConfigurationError(msg string) ChannelError {
	return NewChannelErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

// NewInternalError logs the original error with a reference and only passes the
// reference back, so internals are not exposed to remote callers.
func NewInternalError(err error) ChannelError {
	ref := fmt.Sprintf("channel-internal-err-reference-%s", uuid.New().String())
	log.Errorf("internal error with reference %s: %v", ref, err)
	return NewChannelErrorf(InternalError, "an internal error has occurred - please search logs for reference: %s", ref)
}

func IsErrorWithCode(err error, code ErrorCode) bool {
	var cerr ChannelError
	if As(err, &cerr) {
		return cerr.Code == code
	}
	return false
}

func IsTimeoutError(err error) bool {
	return IsErrorWithCode(err, Timeout)
}

func IsShutdownError(err error) bool {
	return IsErrorWithCode(err, Shutdown)
}

// WireCode returns the code and message to encode in a call-response or error
// frame for err. Errors raised by endpoint handlers that are not ChannelErrors
// travel as application errors.
func WireCode(err error) (uint16, string) {
	var cerr ChannelError
	if As(err, &cerr) {
		return uint16(cerr.Code), cerr.Msg
	}
	return uint16(ApplicationError), err.Error()
}

func FromWire(code uint16, msg string) error {
	return ChannelError{Code: ErrorCode(code), Msg: msg}
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}
