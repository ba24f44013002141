package thumbnail

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the integer carried by the Error signal.
type ErrorCode int32

const (
	Unsupported       ErrorCode = 0
	ConnectionError   ErrorCode = 1
	InvalidFormat     ErrorCode = 2
	IsThumbnail       ErrorCode = 3
	SaveFailed        ErrorCode = 4
	UnsupportedFlavor ErrorCode = 5
	// Cancelled marks URIs dropped because their volume went away.
	Cancelled ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case Unsupported:
		return "unsupported"
	case ConnectionError:
		return "connection_error"
	case InvalidFormat:
		return "invalid_format"
	case IsThumbnail:
		return "is_thumbnail"
	case SaveFailed:
		return "save_failed"
	case UnsupportedFlavor:
		return "unsupported_flavor"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("code_%d", int32(c))
	}
}

type codedError struct {
	code ErrorCode
	err  error
}

func (e codedError) Error() string { return e.err.Error() }
func (e codedError) Unwrap() error { return e.err }

// WithCode attaches an ErrorCode to err.
func WithCode(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	return codedError{code: code, err: err}
}

// Errorf is WithCode(code, fmt.Errorf(format, args...)).
func Errorf(code ErrorCode, format string, args ...any) error {
	return WithCode(code, fmt.Errorf(format, args...))
}

// CodeOf extracts the ErrorCode of err. Context cancellation maps to
// Cancelled; errors without a code map to ConnectionError.
func CodeOf(err error) ErrorCode {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ConnectionError
}
