package feed

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned by Fetch and Stream when the strategy is
	// currently not available. Callers treat it as an expected steady state
	// and move on to the next candidate.
	ErrUnavailable = errors.New("strategy not available")

	// ErrNoData signals that the source answered but holds nothing for the
	// request. It is an expected condition, not a failure of the strategy.
	ErrNoData = errors.New("no data for request")

	// ErrUnsupportedType is returned when a strategy is asked for a data
	// type outside its descriptor.
	ErrUnsupportedType = errors.New("data type not supported")

	// ErrStreamingUnsupported is returned by Stream on strategies without a
	// live feed.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// TransientError wraps upstream trouble that is expected to clear on its
// own: connection resets, decode glitches, throttled responses. The router
// counts it against the strategy and falls through to the next candidate.
type TransientError struct {
	Code string
	Err  error
}

func (e *TransientError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient %s: %v", e.Code, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err with a dotted diagnosis code such as
// "httpfeed.decode". A nil err yields nil.
func Transient(code string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Code: code, Err: err}
}

// IsTransient reports whether err should be treated as recoverable for
// routing purposes. Timeouts count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsExpected reports whether err belongs to the expected-condition family
// that must never be surfaced to data-path callers as a failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrNoData) ||
		errors.Is(err, ErrUnsupportedType)
}
