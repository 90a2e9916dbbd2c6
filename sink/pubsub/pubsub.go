// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package pubsub delivers batches to a Google Cloud Pub/Sub topic, one
// message per envelope.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/signal"

	pubsubpb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type publishClient interface {
	Publish(context.Context, *pubsubpb.PublishRequest, ...gax.CallOption) (*pubsubpb.PublishResponse, error)
}

// Config binds one Pub/Sub sink.
type Config struct {
	// Name identifies this sink in counters and logs. Defaults to "pubsub".
	Name string `config:"name"`

	// Topic is the fully qualified topic name,
	// e.g. projects/my-project/topics/telemetry.
	Topic string `config:"topic"`
}

type sinkOptions struct {
	log    *zap.Logger
	pubsub publishClient
}

// Option configures a Sink.
type Option func(*sinkOptions)

// Logger sets the sink logger.
func Logger(log *zap.Logger) Option {
	return func(so *sinkOptions) {
		so.log = log
	}
}

// Client sets the publisher client used for publishes. It accepts the
// *pubsub.PublisherClient from cloud.google.com/go/pubsub/apiv1.
func Client(c publishClient) Option {
	return func(so *sinkOptions) {
		so.pubsub = c
	}
}

// Sink delivers batches through Publish calls. One Deliver call publishes
// the whole batch; the exporter owns the retry schedule.
type Sink struct {
	cfg    Config
	pubsub publishClient
	log    *zap.Logger
}

// New returns a Sink publishing to the configured topic.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.Topic == "" {
		return nil, errors.New("pubsub: topic is required")
	}
	if cfg.Name == "" {
		cfg.Name = "pubsub"
	}

	so := &sinkOptions{
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(so)
	}
	if so.pubsub == nil {
		return nil, errors.New("pubsub: client is required")
	}

	return &Sink{
		cfg:    cfg,
		pubsub: so.pubsub,
		log:    so.log.Named(cfg.Name),
	}, nil
}

// Name implements the export.Deliverer interface.
func (s *Sink) Name() string {
	return s.cfg.Name
}

// Deliver implements the export.Deliverer interface.
func (s *Sink) Deliver(ctx context.Context, b *signal.Batch) error {
	spanCtx, span := otel.Tracer("pubsub").Start(ctx, "Sink.Deliver", trace.WithAttributes(
		attribute.String("kind", string(b.Kind)),
		attribute.Int("batch_size", b.Len()),
	))
	defer span.End()

	msgs := make([]*pubsubpb.PubsubMessage, 0, b.Len())
	for _, e := range b.Envelopes {
		data, err := json.Marshal(e)
		if err != nil {
			return export.Permanent(fmt.Errorf("pubsub: encoding envelope %s: %w", e.ID, err))
		}
		msgs = append(msgs, &pubsubpb.PubsubMessage{
			Data: data,
			Attributes: map[string]string{
				"kind": string(e.Kind),
			},
		})
	}

	_, err := s.pubsub.Publish(spanCtx, &pubsubpb.PublishRequest{
		Topic:    s.cfg.Topic,
		Messages: msgs,
	})
	if err != nil {
		s.log.Warn("failed to publish messages", zap.Error(err))
		return classify(err)
	}
	return nil
}

// classify maps gRPC status codes onto the exporter's failure classes.
// Invalid requests are the sender's fault; everything else is worth a
// retry.
func classify(err error) error {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied, codes.Unauthenticated:
		return export.Permanent(err)
	default:
		return export.Transient(err)
	}
}
