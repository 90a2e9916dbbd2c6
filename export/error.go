// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package export

import (
	"errors"
	"fmt"
	"time"
)

// Class partitions delivery failures into retryable and terminal.
type Class int

const (
	// ClassTransient covers network timeouts, connection resets, 5xx and
	// 429 responses. Transient failures are retried per policy.
	ClassTransient Class = iota

	// ClassPermanent covers responses that will never succeed on retry,
	// e.g. 4xx other than 429. The batch is dropped and recorded.
	ClassPermanent
)

// DeliveryError is a classified failure returned by a Deliverer.
type DeliveryError struct {
	Class Class

	// RetryAfter is an optional hint from the sink (e.g. a Retry-After
	// header on a 429). Zero means no hint.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	switch e.Class {
	case ClassPermanent:
		return fmt.Sprintf("permanent delivery failure: %s", e.Err)
	default:
		return fmt.Sprintf("transient delivery failure: %s", e.Err)
	}
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable delivery failure.
func Transient(err error) *DeliveryError {
	return &DeliveryError{Class: ClassTransient, Err: err}
}

// TransientAfter wraps err as a retryable delivery failure carrying a
// sink-provided retry hint.
func TransientAfter(err error, retryAfter time.Duration) *DeliveryError {
	return &DeliveryError{Class: ClassTransient, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a terminal delivery failure.
func Permanent(err error) *DeliveryError {
	return &DeliveryError{Class: ClassPermanent, Err: err}
}

// Classify returns the failure class of err. Unclassified errors are treated
// as transient so an unknown failure mode never silently discards a batch.
func Classify(err error) Class {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassTransient
}
