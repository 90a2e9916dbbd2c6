// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package signal

import "time"

// Batch is a sealed, ordered group of same-kind envelopes ready for delivery.
// Envelope order is exactly submission order; for log pipelines that order is
// delivery-significant.
//
// A Batch is produced by the batching stage once either the size or the age
// bound is hit and undergoes no state transitions afterwards.
type Batch struct {
	Kind      Kind
	Envelopes []*Envelope

	// FirstAt is when the first envelope was appended. The age bound is
	// measured from here.
	FirstAt time.Time
}

// NewBatch returns an empty open batch for the given kind.
func NewBatch(kind Kind) *Batch {
	return &Batch{Kind: kind}
}

// Append adds an envelope in arrival order.
func (b *Batch) Append(e *Envelope, now time.Time) {
	if len(b.Envelopes) == 0 {
		b.FirstAt = now
	}
	b.Envelopes = append(b.Envelopes, e)
}

// Len returns the number of envelopes in the batch.
func (b *Batch) Len() int {
	return len(b.Envelopes)
}

// Age returns how long ago the first envelope was appended.
func (b *Batch) Age(now time.Time) time.Duration {
	if len(b.Envelopes) == 0 {
		return 0
	}
	return now.Sub(b.FirstAt)
}
