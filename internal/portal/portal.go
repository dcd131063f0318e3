// Package portal defines the client-observable contract of the enrollment portal:
// logging in, attempting a registration and (optionally) reading a section's enrollment.
package portal

import (
	"context"
	"errors"
	"fmt"

	"autoelect/internal/rules"
)

// Outcome is what the portal said about one registration attempt.
type Outcome int

const (
	// None marks read-only use of a session where no attempt was made.
	None Outcome = iota
	Elected
	CourseFull
	NotOpenYet
	AuthExpired
	ChallengeRequired
	TransientError
	FatalError
)

var outcomeNames = map[Outcome]string{
	None:              "none",
	Elected:           "elected",
	CourseFull:        "course_full",
	NotOpenYet:        "not_open_yet",
	AuthExpired:       "auth_expired",
	ChallengeRequired: "challenge_required",
	TransientError:    "transient_error",
	FatalError:        "fatal_error",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Outcomes lists every outcome in declaration order.
func Outcomes() []Outcome {
	return []Outcome{Elected, CourseFull, NotOpenYet, AuthExpired, ChallengeRequired, TransientError, FatalError}
}

// Credentials identify the student. Identity selects the degree program ("bzx" main,
// "bfx" dual degree) when DualDegree is set.
type Credentials struct {
	StudentID  string
	Password   string
	DualDegree bool
	Identity   string
}

// Identity is what a successful login yields. Token and Meta are opaque to the scheduler.
type Identity struct {
	Token string
	Meta  map[string]string
}

// Authenticator performs one login round-trip. The deadline comes from ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, cred Credentials) (Identity, error)
}

// Attempt is one registration request.
type Attempt struct {
	Course        rules.Course
	CaptchaAnswer string
}

// Result is the portal's answer. Enrolled is meaningful only when EnrolledKnown is set.
// Challenge holds the image to solve when Outcome is ChallengeRequired.
type Result struct {
	Outcome       Outcome
	Enrolled      int
	EnrolledKnown bool
	Challenge     []byte
	Message       string
}

// Attempter issues registration attempts. A returned error is classified with Classify.
type Attempter interface {
	Attempt(ctx context.Context, id Identity, a Attempt) (Result, error)
}

// EnrollmentReader is implemented by clients that can read a section's current enrollment
// without submitting anything.
type EnrollmentReader interface {
	Enrollment(ctx context.Context, id Identity, c rules.Course) (int, error)
}

// Client is the full portal surface.
type Client interface {
	Authenticator
	Attempter
}

// ErrAuthExpired is returned by EnrollmentReader when the portal no longer accepts the identity.
var ErrAuthExpired = errors.New("portal session expired")

// ErrFatal marks errors that must stop the registration loop.
var ErrFatal = errors.New("fatal portal error")

type fatalError struct{ err error }

func (e *fatalError) Error() string   { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() []error { return []error{e.err, ErrFatal} }

// Fatal wraps err so that Classify reports FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Classify turns an attempt error into an outcome: errors wrapping ErrFatal are fatal, every
// other error is transient.
func Classify(err error) Outcome {
	if errors.Is(err, ErrFatal) {
		return FatalError
	}
	return TransientError
}
