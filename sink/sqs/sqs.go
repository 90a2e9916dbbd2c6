// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sqs delivers batches to an AWS SQS queue, one message per
// envelope. Meant for handing signals to downstream consumers that prefer a
// queue over an HTTP push.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/signal"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SendMessageBatch caps entries per request.
const maxEntriesPerRequest = 10

type sendClient interface {
	SendMessageBatch(context.Context, *awssqs.SendMessageBatchInput, ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)
}

// Config binds one SQS sink.
type Config struct {
	// Name identifies this sink in counters and logs. Defaults to "sqs".
	Name string `config:"name"`

	QueueURL string `config:"queue_url"`
}

type sinkOptions struct {
	log *zap.Logger
	sqs sendClient
}

// Option configures a Sink.
type Option func(*sinkOptions)

// Logger sets the sink logger.
func Logger(log *zap.Logger) Option {
	return func(so *sinkOptions) {
		so.log = log
	}
}

// Client sets the SQS client used for sends.
func Client(c *awssqs.Client) Option {
	return func(so *sinkOptions) {
		so.sqs = c
	}
}

func withSendClient(c sendClient) Option {
	return func(so *sinkOptions) {
		so.sqs = c
	}
}

// Sink delivers batches through SendMessageBatch calls. One Deliver call
// pushes the whole batch; the exporter owns the retry schedule.
type Sink struct {
	cfg Config
	sqs sendClient
	log *zap.Logger
}

// New returns a Sink sending to the configured queue.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs: queue url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "sqs"
	}

	so := &sinkOptions{
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(so)
	}
	if so.sqs == nil {
		return nil, errors.New("sqs: client is required")
	}

	return &Sink{
		cfg: cfg,
		sqs: so.sqs,
		log: so.log.Named(cfg.Name),
	}, nil
}

// Name implements the export.Deliverer interface.
func (s *Sink) Name() string {
	return s.cfg.Name
}

// Deliver implements the export.Deliverer interface. Envelopes are sent in
// chunks of ten; a sender-fault rejection of any entry fails the batch
// permanently, anything else is left to the retry schedule.
func (s *Sink) Deliver(ctx context.Context, b *signal.Batch) error {
	spanCtx, span := otel.Tracer("sqs").Start(ctx, "Sink.Deliver", trace.WithAttributes(
		attribute.String("kind", string(b.Kind)),
		attribute.Int("batch_size", b.Len()),
	))
	defer span.End()

	entries, err := encodeEntries(b)
	if err != nil {
		return export.Permanent(err)
	}

	for len(entries) > 0 {
		n := min(len(entries), maxEntriesPerRequest)
		err := s.send(spanCtx, entries[:n])
		if err != nil {
			return err
		}
		entries = entries[n:]
	}
	return nil
}

func (s *Sink) send(ctx context.Context, entries []types.SendMessageBatchRequestEntry) error {
	resp, err := s.sqs.SendMessageBatch(ctx, &awssqs.SendMessageBatchInput{
		QueueUrl: &s.cfg.QueueURL,
		Entries:  entries,
	})
	if err != nil {
		s.log.Warn("failed to send message batch", zap.Error(err))
		return export.Transient(err)
	}
	if len(resp.Failed) == 0 {
		return nil
	}

	senderFault := false
	for _, entry := range resp.Failed {
		s.log.Error("sqs rejected message",
			zap.String("sqs_message_id", aws.ToString(entry.Id)),
			zap.String("sqs_error_code", aws.ToString(entry.Code)),
			zap.String("sqs_error_message", aws.ToString(entry.Message)),
			zap.Bool("sqs_sender_fault", entry.SenderFault),
		)
		senderFault = senderFault || entry.SenderFault
	}

	err = fmt.Errorf("sqs: %d of %d entries failed", len(resp.Failed), len(entries))
	if senderFault {
		return export.Permanent(err)
	}
	return export.Transient(err)
}

func encodeEntries(b *signal.Batch) ([]types.SendMessageBatchRequestEntry, error) {
	entries := make([]types.SendMessageBatchRequestEntry, 0, b.Len())
	for i, e := range b.Envelopes {
		body, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("sqs: encoding envelope %s: %w", e.ID, err)
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			// entry ids only need to be unique within one request
			Id:          aws.String(fmt.Sprintf("e%d", i%maxEntriesPerRequest)),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"kind": {
					DataType:    aws.String("String"),
					StringValue: aws.String(string(e.Kind)),
				},
			},
		})
	}
	return entries, nil
}
