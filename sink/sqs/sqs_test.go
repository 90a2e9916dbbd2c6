// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/signal"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sendClientFunc func(context.Context, *awssqs.SendMessageBatchInput, ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)

func (f sendClientFunc) SendMessageBatch(ctx context.Context, in *awssqs.SendMessageBatchInput, opts ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
	return f(ctx, in, opts...)
}

func metricBatch(n int) *signal.Batch {
	now := time.Now()
	b := signal.NewBatch(signal.KindMetricPoint)
	for i := 0; i < n; i++ {
		b.Append(&signal.Envelope{
			ID:        "sig",
			Kind:      signal.KindMetricPoint,
			Timestamp: now,
			Metric:    &signal.MetricPayload{Name: "llm.latency", Value: 1.5, Unit: "s"},
		}, now)
	}
	return b
}

func TestNew(t *testing.T) {
	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the queue url is missing", func(t *testing.T) {
			_, err := New(Config{}, withSendClient(sendClientFunc(nil)))
			assert.Error(t, err)
		})

		t.Run("if no client is given", func(t *testing.T) {
			_, err := New(Config{QueueURL: "example"})
			assert.Error(t, err)
		})
	})
}

func TestSink_Deliver(t *testing.T) {
	t.Run("will chunk the batch", func(t *testing.T) {
		t.Run("if it exceeds the per-request entry cap", func(t *testing.T) {
			var calls []int
			client := sendClientFunc(func(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
				calls = append(calls, len(in.Entries))
				return &awssqs.SendMessageBatchOutput{}, nil
			})

			s, err := New(Config{QueueURL: "example"}, withSendClient(client))
			require.Nil(t, err)

			require.Nil(t, s.Deliver(context.Background(), metricBatch(23)))
			assert.Equal(t, []int{10, 10, 3}, calls)
		})
	})

	t.Run("will encode each envelope as one message", func(t *testing.T) {
		var got *awssqs.SendMessageBatchInput
		client := sendClientFunc(func(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
			got = in
			return &awssqs.SendMessageBatchOutput{}, nil
		})

		s, err := New(Config{QueueURL: "example"}, withSendClient(client))
		require.Nil(t, err)

		require.Nil(t, s.Deliver(context.Background(), metricBatch(1)))
		require.NotNil(t, got)
		require.Len(t, got.Entries, 1)

		var e signal.Envelope
		require.Nil(t, json.Unmarshal([]byte(aws.ToString(got.Entries[0].MessageBody)), &e))
		assert.Equal(t, signal.KindMetricPoint, e.Kind)
		require.NotNil(t, e.Metric)
		assert.Equal(t, "llm.latency", e.Metric.Name)

		attr, ok := got.Entries[0].MessageAttributes["kind"]
		require.True(t, ok)
		assert.Equal(t, "metric-point", aws.ToString(attr.StringValue))
	})

	t.Run("will classify a send failure as transient", func(t *testing.T) {
		client := sendClientFunc(func(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
			return nil, errors.New("throttled")
		})

		s, err := New(Config{QueueURL: "example"}, withSendClient(client))
		require.Nil(t, err)

		err = s.Deliver(context.Background(), metricBatch(1))
		require.Error(t, err)
		assert.Equal(t, export.ClassTransient, export.Classify(err))
	})

	t.Run("will classify a sender fault as permanent", func(t *testing.T) {
		client := sendClientFunc(func(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
			return &awssqs.SendMessageBatchOutput{
				Failed: []types.BatchResultErrorEntry{
					{
						Id:          aws.String("e0"),
						Code:        aws.String("InvalidMessageContents"),
						Message:     aws.String("bad payload"),
						SenderFault: true,
					},
				},
			}, nil
		})

		s, err := New(Config{QueueURL: "example"}, withSendClient(client))
		require.Nil(t, err)

		err = s.Deliver(context.Background(), metricBatch(1))
		require.Error(t, err)
		assert.Equal(t, export.ClassPermanent, export.Classify(err))
	})

	t.Run("will classify a server-side entry failure as transient", func(t *testing.T) {
		client := sendClientFunc(func(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
			return &awssqs.SendMessageBatchOutput{
				Failed: []types.BatchResultErrorEntry{
					{
						Id:          aws.String("e0"),
						Code:        aws.String("InternalError"),
						Message:     aws.String("try again"),
						SenderFault: false,
					},
				},
			}, nil
		})

		s, err := New(Config{QueueURL: "example"}, withSendClient(client))
		require.Nil(t, err)

		err = s.Deliver(context.Background(), metricBatch(1))
		require.Error(t, err)
		assert.Equal(t, export.ClassTransient, export.Classify(err))
	})
}
