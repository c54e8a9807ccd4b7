package exchange

import (
	"errors"
	"fmt"
)

// TransportError means the venue may or may not have seen the call: timeout,
// network failure, 5xx or rate limiting. Reads may retry it, mutations must
// not.
type TransportError struct {
	Venue string
	Op    string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectedError means the venue answered and refused the call.
type RejectedError struct {
	Venue   string
	Op      string
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s %s: rejected (code=%d): %s", e.Venue, e.Op, e.Code, e.Message)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Classify wraps a raw client error that the adapter could not attribute to a
// venue refusal. Already classified errors pass through unchanged.
func Classify(venue, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	var re *RejectedError
	if errors.As(err, &te) || errors.As(err, &re) {
		return err
	}
	return &TransportError{Venue: venue, Op: op, Err: err}
}
