// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package export drains export queues and delivers batches to sinks.
package export

import (
	"context"
	"errors"
	"time"

	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/signal"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Deliverer performs a single delivery attempt of a batch to one sink.
// Implementations classify failures by returning a *DeliveryError; any
// other error is treated as transient.
type Deliverer interface {
	Name() string
	Deliver(context.Context, *signal.Batch) error
}

// Queue is the source an Exporter drains. Dequeue blocks until a batch is
// available, the context is cancelled (ctx.Err is returned), or the queue
// is closed and empty.
type Queue interface {
	Dequeue(context.Context) (*signal.Batch, error)
	TryDequeue() (*signal.Batch, bool)
}

// RetryPolicy is the per-batch backoff schedule. Each (pipeline, sink) pair
// owns an independent policy instance: failure of one sink never delays a
// sibling sink receiving the same signal kind.
type RetryPolicy struct {
	// InitialInterval is the first backoff wait. Doubles per attempt.
	InitialInterval time.Duration `config:"initial_interval"`

	// MaxInterval caps the doubling.
	MaxInterval time.Duration `config:"max_interval"`

	// MaxElapsedTime bounds the total time spent on one batch. Once
	// exceeded the batch is abandoned and counted as a permanent failure.
	MaxElapsedTime time.Duration `config:"max_elapsed_time"`

	// AttemptTimeout bounds every individual delivery call.
	AttemptTimeout time.Duration `config:"attempt_timeout"`
}

// DefaultRetryPolicy mirrors the defaults of the batch processors the
// envelopes originate from.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		AttemptTimeout:  10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxElapsedTime <= 0 {
		p.MaxElapsedTime = def.MaxElapsedTime
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = def.AttemptTimeout
	}
	return p
}

type exporterOptions struct {
	log          *zap.Logger
	policy       RetryPolicy
	numConsumers int
}

// Option configures an Exporter.
type Option func(*exporterOptions)

// Logger sets the logger used for delivery outcomes.
func Logger(log *zap.Logger) Option {
	return func(eo *exporterOptions) {
		eo.log = log
	}
}

// Retry sets the retry policy applied per batch.
func Retry(policy RetryPolicy) Option {
	return func(eo *exporterOptions) {
		eo.policy = policy
	}
}

// Consumers sets how many workers drain the queue concurrently. With more
// than one consumer, cross-batch delivery order is best-effort only.
func Consumers(n int) Option {
	return func(eo *exporterOptions) {
		if n > 0 {
			eo.numConsumers = n
		}
	}
}

// Exporter drains one queue and delivers its batches to one sink, applying
// the retry policy per batch. Delivery outcomes are never surfaced to the
// original producer; they are only observable through counters and logs.
type Exporter struct {
	pipeline string
	sink     Deliverer
	queue    Queue

	log          *zap.Logger
	metrics      *health.Metrics
	policy       RetryPolicy
	numConsumers int
}

// New returns an Exporter bound to one (queue, sink) pair.
func New(pipeline string, q Queue, sink Deliverer, metrics *health.Metrics, opts ...Option) *Exporter {
	eo := &exporterOptions{
		log:          zap.NewNop(),
		policy:       DefaultRetryPolicy(),
		numConsumers: 1,
	}
	for _, opt := range opts {
		opt(eo)
	}

	return &Exporter{
		pipeline:     pipeline,
		sink:         sink,
		queue:        q,
		log:          eo.log.With(zap.String("pipeline", pipeline), zap.String("sink", sink.Name())),
		metrics:      metrics,
		policy:       eo.policy.withDefaults(),
		numConsumers: eo.numConsumers,
	}
}

// Run drains the queue until it is closed and empty, or until ctx is
// cancelled. On cancellation every batch still queued is counted as
// abandoned so shutdown never loses a batch without a record.
func (e *Exporter) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < e.numConsumers; i++ {
		g.Go(func() error {
			return e.consume(gctx)
		})
	}
	return g.Wait()
}

func (e *Exporter) consume(ctx context.Context) error {
	for {
		b, err := e.queue.Dequeue(ctx)
		if err == nil {
			e.deliver(ctx, b)
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.abandonRemaining()
			return nil
		}
		// queue closed and fully drained
		return nil
	}
}

// abandonRemaining records every still-queued batch after the drain window
// expired. Only one consumer will win each TryDequeue so counts stay exact.
func (e *Exporter) abandonRemaining() {
	for {
		b, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		e.metrics.AbandonedBatches.WithLabelValues(e.pipeline, e.sink.Name()).Inc()
		e.log.Warn("abandoning undelivered batch at shutdown",
			zap.String("kind", string(b.Kind)),
			zap.Int("batch_size", b.Len()),
		)
	}
}

// deliver pushes one batch through the retry schedule until terminal
// success or failure. This is the only operation in the pipeline that
// suspends on network I/O.
func (e *Exporter) deliver(ctx context.Context, b *signal.Batch) {
	spanCtx, span := otel.Tracer("export").Start(ctx, "Exporter.deliver", trace.WithAttributes(
		attribute.String("pipeline", e.pipeline),
		attribute.String("sink", e.sink.Name()),
		attribute.String("kind", string(b.Kind)),
		attribute.Int("batch_size", b.Len()),
	))
	defer span.End()

	deadlineCtx, cancel := context.WithTimeout(spanCtx, e.policy.MaxElapsedTime)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.policy.InitialInterval
	bo.MaxInterval = e.policy.MaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = e.policy.MaxElapsedTime
	bo.Reset()

	attempts := 0
	for {
		attempts++
		err := e.attempt(deadlineCtx, b)
		if err == nil {
			e.metrics.DeliveredBatches.WithLabelValues(e.pipeline, e.sink.Name()).Inc()
			e.log.Debug("delivered batch",
				zap.String("kind", string(b.Kind)),
				zap.Int("batch_size", b.Len()),
				zap.Int("attempts", attempts),
			)
			return
		}

		if Classify(err) == ClassPermanent {
			e.metrics.FailedBatches.WithLabelValues(e.pipeline, e.sink.Name()).Inc()
			e.log.Error("dropping batch on permanent delivery failure",
				zap.String("kind", string(b.Kind)),
				zap.Int("batch_size", b.Len()),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			e.abandon(b, attempts, err)
			return
		}
		var de *DeliveryError
		if errors.As(err, &de) && de.RetryAfter > wait {
			wait = de.RetryAfter
		}

		e.log.Warn("delivery attempt failed",
			zap.String("kind", string(b.Kind)),
			zap.Int("attempt", attempts),
			zap.Duration("next_attempt_in", wait),
			zap.Error(err),
		)

		select {
		case <-deadlineCtx.Done():
			e.abandon(b, attempts, err)
			return
		case <-time.After(wait):
		}
	}
}

func (e *Exporter) attempt(ctx context.Context, b *signal.Batch) error {
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
	defer cancel()
	return e.sink.Deliver(attemptCtx, b)
}

func (e *Exporter) abandon(b *signal.Batch, attempts int, err error) {
	e.metrics.AbandonedBatches.WithLabelValues(e.pipeline, e.sink.Name()).Inc()
	e.log.Error("abandoning batch after retry exhaustion",
		zap.String("kind", string(b.Kind)),
		zap.Int("batch_size", b.Len()),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
}
