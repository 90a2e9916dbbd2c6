// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package pipeline routes, batches and queues signal envelopes on their way
// to the export stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/telhaul/telhaul/enrich"
	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/signal"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config binds one named pipeline: which signal kinds it accepts, how it
// enriches them and how its batches are bounded. Two pipelines may accept
// the same kind with different enrichment and sinks (fan-out).
//
// Config is read once at startup and is immutable for the process lifetime.
type Config struct {
	Name string `config:"name"`

	Kinds []signal.Kind `config:"kinds"`

	// ResourceOverrides are merged into every envelope's resource at
	// enrichment time. Identity keys take precedence over producer
	// values; all other keys are union-merged.
	ResourceOverrides map[string]string `config:"resource_overrides"`

	MaxBatchSize int           `config:"max_batch_size"`
	MaxBatchAge  time.Duration `config:"max_batch_age"`
	QueueSize    int           `config:"queue_size"`
	NumConsumers int           `config:"num_consumers"`

	// InputBuffer bounds how many envelopes may sit between Offer and the
	// batching loop. When full, Offer rejects with ErrOverloaded.
	InputBuffer int `config:"input_buffer"`

	// DrainTimeout bounds how long shutdown waits for queued and in-flight
	// batches to flush. Leftovers are abandoned and counted.
	DrainTimeout time.Duration `config:"drain_timeout"`

	Retry export.RetryPolicy `config:"retry"`
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 512
	}
	if cfg.MaxBatchAge <= 0 {
		cfg.MaxBatchAge = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.NumConsumers <= 0 {
		cfg.NumConsumers = 1
	}
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = 1024
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return cfg
}

type pipelineOptions struct {
	log *zap.Logger
}

// Option configures a Pipeline.
type Option func(*pipelineOptions)

// Logger sets the pipeline logger.
func Logger(log *zap.Logger) Option {
	return func(po *pipelineOptions) {
		po.log = log
	}
}

// route is one (queue, exporter) pair bound to a sink. Queues are owned by
// exactly one route; exporters never contend across sinks.
type route struct {
	sink     string
	queue    *Queue
	exporter *export.Exporter
}

// Pipeline is one named path from the receiver to one or more sinks. It owns
// the batch-assembly state for its kinds and an export queue per sink.
type Pipeline struct {
	name         string
	kinds        []signal.Kind
	overrides    map[string]string
	maxBatchSize int
	maxBatchAge  time.Duration
	drainTimeout time.Duration

	in      chan *signal.Envelope
	routes  []*route
	metrics *health.Metrics
	log     *zap.Logger
}

// New builds a pipeline delivering to the given sinks. Every sink gets its
// own queue, exporter and retry state so a failing sink never affects a
// sibling receiving the same batches.
func New(cfg Config, sinks []export.Deliverer, metrics *health.Metrics, opts ...Option) (*Pipeline, error) {
	if cfg.Name == "" {
		return nil, errors.New("pipeline: name is required")
	}
	if len(cfg.Kinds) == 0 {
		return nil, fmt.Errorf("pipeline %q: at least one signal kind is required", cfg.Name)
	}
	for _, k := range cfg.Kinds {
		if !k.Known() {
			return nil, fmt.Errorf("pipeline %q: unknown signal kind %q", cfg.Name, k)
		}
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("pipeline %q: at least one sink is required", cfg.Name)
	}

	po := &pipelineOptions{
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(po)
	}

	cfg = cfg.withDefaults()
	p := &Pipeline{
		name:         cfg.Name,
		kinds:        cfg.Kinds,
		overrides:    cfg.ResourceOverrides,
		maxBatchSize: cfg.MaxBatchSize,
		maxBatchAge:  cfg.MaxBatchAge,
		drainTimeout: cfg.DrainTimeout,
		in:           make(chan *signal.Envelope, cfg.InputBuffer),
		metrics:      metrics,
		log:          po.log.With(zap.String("pipeline", cfg.Name)),
	}

	for _, sink := range sinks {
		q := NewQueue(cfg.QueueSize)
		p.routes = append(p.routes, &route{
			sink:  sink.Name(),
			queue: q,
			exporter: export.New(cfg.Name, q, sink, metrics,
				export.Logger(po.log),
				export.Retry(cfg.Retry),
				export.Consumers(cfg.NumConsumers),
			),
		})
	}
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// Kinds returns the signal kinds this pipeline accepts.
func (p *Pipeline) Kinds() []signal.Kind {
	return p.kinds
}

// Offer hands an envelope to the batching stage without blocking. It fails
// with ErrOverloaded when the input buffer is full; the producer must treat
// the loss as acceptable degraded behavior.
func (p *Pipeline) Offer(e *signal.Envelope) error {
	select {
	case p.in <- e:
		return nil
	default:
		return ErrOverloaded
	}
}

// Run implements the telhaul.Runtime interface. It drives the batching loop
// until ctx is done, then seals all open batches, stops the queues and gives
// in-flight deliveries up to the drain timeout to flush.
func (p *Pipeline) Run(ctx context.Context) error {
	// Exporters outlive ctx so queued batches can still flush during the
	// drain window.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()

	g := new(errgroup.Group)
	for _, rt := range p.routes {
		rt := rt
		g.Go(func() error {
			return rt.exporter.Run(drainCtx)
		})
	}

	p.runBatcher(ctx)

	for _, rt := range p.routes {
		rt.queue.Close()
	}

	timer := time.AfterFunc(p.drainTimeout, cancelDrain)
	defer timer.Stop()
	return g.Wait()
}

// runBatcher owns the per-kind open batches. A periodic timer drives the
// age-based seal even when no new envelopes arrive, so low-volume pipelines
// never starve.
func (p *Pipeline) runBatcher(ctx context.Context) {
	open := make(map[signal.Kind]*signal.Batch)

	tick := p.maxBatchAge / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushRemaining(open)
			return
		case e := <-p.in:
			p.append(open, e)
		case <-ticker.C:
			now := time.Now()
			for kind, b := range open {
				if b.Age(now) >= p.maxBatchAge {
					delete(open, kind)
					p.seal(b, "age")
				}
			}
		}
	}
}

func (p *Pipeline) append(open map[signal.Kind]*signal.Batch, e *signal.Envelope) {
	b := open[e.Kind]
	if b == nil {
		b = signal.NewBatch(e.Kind)
		open[e.Kind] = b
	}
	b.Append(e, time.Now())
	if b.Len() >= p.maxBatchSize {
		delete(open, e.Kind)
		p.seal(b, "size")
	}
}

// flushRemaining empties the input buffer and seals every open batch.
// Shutdown alone never drops an envelope; only the drain timeout can.
func (p *Pipeline) flushRemaining(open map[signal.Kind]*signal.Batch) {
	for {
		select {
		case e := <-p.in:
			p.append(open, e)
		default:
			for _, b := range open {
				if b.Len() > 0 {
					p.seal(b, "shutdown")
				}
			}
			return
		}
	}
}

// seal enriches a completed batch and enqueues it on every sink route.
// Batches are read-only from here on, so routes share the same copy.
func (p *Pipeline) seal(b *signal.Batch, cause string) {
	p.metrics.SealedBatches.WithLabelValues(p.name, cause).Inc()

	enriched := enrich.Apply(b, p.overrides)
	for _, rt := range p.routes {
		err := rt.queue.Enqueue(enriched)
		if err == nil {
			continue
		}
		p.metrics.DroppedBatches.WithLabelValues(p.name, rt.sink).Inc()
		p.log.Warn("dropping sealed batch",
			zap.String("sink", rt.sink),
			zap.String("kind", string(b.Kind)),
			zap.Int("batch_size", b.Len()),
			zap.Error(err),
		)
	}
}
