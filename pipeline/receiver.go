// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package pipeline

import (
	"errors"
	"fmt"

	"github.com/telhaul/telhaul/cost"
	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/signal"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrMalformedSignal is returned when an envelope fails validation.
	// A producer error; never retried.
	ErrMalformedSignal = errors.New("pipeline: malformed signal")

	// ErrOverloaded is returned when every pipeline eligible for an
	// envelope's kind has a full input buffer. Local backpressure; the
	// producer must handle the loss.
	ErrOverloaded = errors.New("pipeline: overloaded")
)

// Router binds signal kinds to the pipelines configured for them. Dispatch
// is a pure lookup; the bindings are read-only for the process lifetime.
type Router struct {
	byKind  map[signal.Kind][]*Pipeline
	metrics *health.Metrics
	log     *zap.Logger
}

// NewRouter indexes the given pipelines by the kinds they accept.
func NewRouter(metrics *health.Metrics, log *zap.Logger, pipelines ...*Pipeline) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	byKind := make(map[signal.Kind][]*Pipeline)
	for _, p := range pipelines {
		for _, k := range p.Kinds() {
			byKind[k] = append(byKind[k], p)
		}
	}
	return &Router{
		byKind:  byKind,
		metrics: metrics,
		log:     log,
	}
}

// Route offers a validated envelope to every pipeline eligible for its kind.
// Each pipeline receives its own clone so fan-out enrichment stays isolated.
//
// A kind matched by no pipeline is dropped with a configuration-error log,
// not a runtime failure. Route fails with ErrOverloaded only when every
// eligible pipeline rejected the envelope.
func (r *Router) Route(e *signal.Envelope) error {
	eligible := r.byKind[e.Kind]
	if len(eligible) == 0 {
		r.metrics.UnroutedSignals.WithLabelValues(string(e.Kind)).Inc()
		r.log.Warn("no pipeline configured for signal kind",
			zap.String("kind", string(e.Kind)),
			zap.String("signal_id", e.ID),
		)
		return nil
	}

	accepted := 0
	for _, p := range eligible {
		err := p.Offer(e.Clone())
		if err != nil {
			continue
		}
		accepted++
		r.metrics.AcceptedSignals.WithLabelValues(p.Name()).Inc()
	}
	if accepted == 0 {
		return ErrOverloaded
	}
	return nil
}

// Receiver is the public ingress of the pipeline. Submission blocks only on
// local validation and the hand-off into the batching stage, never on a
// network round trip.
type Receiver struct {
	router  *Router
	metrics *health.Metrics

	pricing  cost.Pricing
	annotate bool
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// Pricing enables cost annotation at ingress. Envelopes carrying llm.usage
// token counts get the reserved llm.cost attributes attached before routing;
// envelopes already priced by their producer are left alone.
func Pricing(p cost.Pricing) ReceiverOption {
	return func(r *Receiver) {
		r.pricing = p
		r.annotate = true
	}
}

// NewReceiver returns a Receiver dispatching through the given router.
func NewReceiver(router *Router, metrics *health.Metrics, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		router:  router,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// attributeCost attaches cost attributes to an envelope carrying token
// usage. Invalid usage is a producer error and rejects the envelope.
func (r *Receiver) attributeCost(e *signal.Envelope) error {
	if !r.annotate {
		return nil
	}
	prompt, completion, ok := cost.Usage(e)
	if !ok {
		return nil
	}
	if _, priced := e.Attributes[cost.AttrTotalUSD]; priced {
		return nil
	}
	return cost.Annotate(e, prompt, completion, r.pricing)
}

// Submit validates the envelope and hands it to the router. Rejections are
// synchronous: ErrMalformedSignal for shape violations, ErrOverloaded when
// every eligible pipeline is saturated. Delivery-time failures are never
// surfaced here.
func (r *Receiver) Submit(e *signal.Envelope) error {
	if e == nil {
		return fmt.Errorf("%w: nil envelope", ErrMalformedSignal)
	}
	if err := e.Validate(); err != nil {
		r.metrics.RejectedSignals.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %s", ErrMalformedSignal, err)
	}
	if err := r.attributeCost(e); err != nil {
		r.metrics.RejectedSignals.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %s", ErrMalformedSignal, err)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	err := r.router.Route(e)
	if errors.Is(err, ErrOverloaded) {
		r.metrics.RejectedSignals.WithLabelValues("overloaded").Inc()
	}
	return err
}

// SubmitMany submits a producer-assembled batch of envelopes. Validation
// covers the whole batch up front: one malformed envelope rejects the call
// with no partial acceptance. Routing failures of individual envelopes
// surface as ErrOverloaded only if no envelope was accepted; otherwise the
// returned count reports how many envelopes actually entered a pipeline.
func (r *Receiver) SubmitMany(envs []*signal.Envelope) (int, error) {
	for i, e := range envs {
		if e == nil {
			return 0, fmt.Errorf("%w: nil envelope at index %d", ErrMalformedSignal, i)
		}
		if err := e.Validate(); err != nil {
			r.metrics.RejectedSignals.WithLabelValues("malformed").Inc()
			return 0, fmt.Errorf("%w: envelope %d: %s", ErrMalformedSignal, i, err)
		}
		if err := r.attributeCost(e); err != nil {
			r.metrics.RejectedSignals.WithLabelValues("malformed").Inc()
			return 0, fmt.Errorf("%w: envelope %d: %s", ErrMalformedSignal, i, err)
		}
	}

	accepted := 0
	for _, e := range envs {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		err := r.router.Route(e)
		if err == nil {
			accepted++
			continue
		}
		r.metrics.RejectedSignals.WithLabelValues("overloaded").Inc()
	}
	if accepted == 0 && len(envs) > 0 {
		return 0, ErrOverloaded
	}
	return accepted, nil
}
