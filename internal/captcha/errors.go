package captcha

import (
	"errors"
	"fmt"
)

var (
	ErrBackendTimeout     = errors.New("captcha backend timeout")
	ErrBackendUnreachable = errors.New("captcha backend unreachable")
	// ErrBackendRejected covers malformed responses, explicit refusals and empty answers.
	ErrBackendRejected = errors.New("captcha backend rejected")
	ErrBadImage        = errors.New("captcha image cannot be decoded")
)

// RecognizerError is the only error type Solve returns. Kind is one of the sentinels above.
type RecognizerError struct {
	Kind error
	Msg  string
	Err  error
}

func (e *RecognizerError) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *RecognizerError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func rejected(format string, args ...any) error {
	return &RecognizerError{Kind: ErrBackendRejected, Msg: fmt.Sprintf(format, args...)}
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBackendTimeout):
		return "timeout"
	case errors.Is(err, ErrBackendUnreachable):
		return "unreachable"
	case errors.Is(err, ErrBackendRejected):
		return "rejected"
	case errors.Is(err, ErrBadImage):
		return "bad_image"
	default:
		return "error"
	}
}
