// Package captcha turns portal challenge images into answers through an external
// recognition backend. It never retries: the registration loop decides what a failure means.
package captcha

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	logx "autoelect/pkg/logx"
)

// Recognizer is the external backend. Implementations return *RecognizerError.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// RecognizerFunc adapts a function to Recognizer.
type RecognizerFunc func(ctx context.Context, image []byte) (string, error)

func (f RecognizerFunc) Recognize(ctx context.Context, image []byte) (string, error) {
	return f(ctx, image)
}

type Solver struct {
	rec     Recognizer
	timeout time.Duration
	log     logx.Logger
	observe func(kind string, took time.Duration)
}

type Option func(*Solver)

func WithTimeout(d time.Duration) Option {
	return func(s *Solver) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Solver) { s.log = log } }

// WithObserver registers a callback receiving the result kind (see Kind) and latency of
// every Solve call.
func WithObserver(fn func(kind string, took time.Duration)) Option {
	return func(s *Solver) { s.observe = fn }
}

func NewSolver(rec Recognizer, opts ...Option) *Solver {
	s := &Solver{rec: rec, timeout: 20 * time.Second}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "captcha"))
	return s
}

// Solve flattens img and asks the backend for its text, bounded by the solver timeout and ctx.
// All failures are *RecognizerError.
func (s *Solver) Solve(ctx context.Context, img []byte) (answer string, err error) {
	ctx, span := otel.Tracer("autoelect/captcha").Start(ctx, "captcha.solve")
	start := time.Now()
	defer func() {
		took := time.Since(start)
		kind := Kind(err)
		span.SetAttributes(attribute.String("captcha.result", kind))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		}
		span.End()
		if s.observe != nil {
			s.observe(kind, took)
		}
		s.log.Debug("captcha solved", logx.String("result", kind), logx.Duration("took", took))
	}()

	flat, err := Flatten(img)
	if err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	answer, err = s.rec.Recognize(cctx, flat)
	if err != nil {
		var re *RecognizerError
		switch {
		case errors.As(err, &re):
			return "", err
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			return "", &RecognizerError{Kind: ErrBackendTimeout, Err: err}
		default:
			return "", &RecognizerError{Kind: ErrBackendUnreachable, Err: err}
		}
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", rejected("empty answer")
	}
	return answer, nil
}
