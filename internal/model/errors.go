package model

import (
	"errors"
	"strconv"
)

// Error taxonomy shared by every pipeline stage. Callers wrap these with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// ErrConnection is returned when the stream cannot establish a session.
	ErrConnection = errors.New("connection error")

	// ErrStream means reconnection was exhausted; the stream is closed.
	ErrStream = errors.New("stream error")

	// ErrDataValidation marks a malformed, duplicate or out-of-order tick.
	ErrDataValidation = errors.New("data validation error")

	// ErrDeliveryTransient is retried by the dispatcher.
	ErrDeliveryTransient = errors.New("transient delivery error")

	// ErrDeliveryPermanent marks the recipient inactive; never retried.
	ErrDeliveryPermanent = errors.New("permanent delivery error")

	// ErrLastTimeframe is returned when disabling the only enabled timeframe.
	ErrLastTimeframe = errors.New("cannot disable the last enabled timeframe")

	ErrUnknownTimeframe = errors.New("unknown timeframe")

	// ErrNotFound is returned by repositories for missing rows.
	ErrNotFound = errors.New("not found")
)

// RetryAfterError is a transient delivery error carrying the channel's
// requested wait before the next attempt.
type RetryAfterError struct {
	Seconds int
}

func (e *RetryAfterError) Error() string {
	return "delivery rate limited, retry after " + strconv.Itoa(e.Seconds) + "s"
}

// Unwrap lets errors.Is(err, ErrDeliveryTransient) match.
func (e *RetryAfterError) Unwrap() error { return ErrDeliveryTransient }
