// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package hec delivers batches to a Splunk HTTP Event Collector endpoint.
package hec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/httpclient"
	"github.com/telhaul/telhaul/signal"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Config binds one HEC sink.
type Config struct {
	// Name identifies this sink in counters and logs. Defaults to "hec".
	Name string `config:"name"`

	// Endpoint is the collector URL, e.g.
	// https://splunk.example.com:8088/services/collector/event.
	Endpoint string `config:"endpoint"`

	Token string `config:"token"`

	Source     string `config:"source"`
	SourceType string `config:"sourcetype"`
	Index      string `config:"index"`

	// InsecureSkipVerify disables TLS certificate verification. Meant for
	// collectors with self-signed certificates in test environments only.
	InsecureSkipVerify bool `config:"insecure_skip_verify"`
}

type sinkOptions struct {
	log     *zap.Logger
	timeout time.Duration
}

// Option configures a Sink.
type Option func(*sinkOptions)

// Logger sets the sink logger.
func Logger(log *zap.Logger) Option {
	return func(so *sinkOptions) {
		so.log = log
	}
}

// RequestTimeout bounds each collector request independently of the
// exporter's attempt deadline.
func RequestTimeout(d time.Duration) Option {
	return func(so *sinkOptions) {
		so.timeout = d
	}
}

// Sink delivers batches as HEC event payloads. One Deliver call performs
// exactly one collector request; the exporter owns the retry schedule.
type Sink struct {
	cfg    Config
	http   *http.Client
	log    *zap.Logger
}

// New returns a Sink posting to the configured collector.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("hec: endpoint is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("hec: token is required")
	}
	if cfg.Name == "" {
		cfg.Name = "hec"
	}

	so := &sinkOptions{
		log:     zap.NewNop(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(so)
	}

	base := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		base = t
	}

	return &Sink{
		cfg: cfg,
		http: httpclient.New(
			httpclient.Timeout(so.timeout),
			httpclient.Transport(otelhttp.NewTransport(httpclient.Wrap(
				base,
				httpclient.CircuitBreaker(
					httpclient.BreakerName(cfg.Name),
					httpclient.BreakerLogger(so.log),
				),
			))),
		),
		log: so.log.Named(cfg.Name),
	}, nil
}

// Name implements the export.Deliverer interface.
func (s *Sink) Name() string {
	return s.cfg.Name
}

// event is the HEC wire shape for a single envelope.
type event struct {
	Time       float64        `json:"time"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      map[string]any `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Deliver implements the export.Deliverer interface. It posts the whole
// batch as one newline-delimited request and classifies the response for
// the exporter's retry schedule.
func (s *Sink) Deliver(ctx context.Context, b *signal.Batch) error {
	body, err := s.encode(b)
	if err != nil {
		return export.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, body)
	if err != nil {
		return export.Permanent(err)
	}
	req.Header.Set("Authorization", "Splunk "+s.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return export.Transient(ctx.Err())
		}
		return export.Transient(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	return classify(resp)
}

func (s *Sink) encode(b *signal.Batch) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range b.Envelopes {
		ev := event{
			Time:       float64(e.Timestamp.UnixNano()) / float64(time.Second),
			Source:     s.cfg.Source,
			SourceType: s.cfg.SourceType,
			Index:      s.cfg.Index,
			Event:      eventBody(e),
		}
		if len(e.Resource) > 0 {
			ev.Fields = make(map[string]any, len(e.Resource))
			for k, v := range e.Resource {
				ev.Fields[k] = v
			}
		}
		err := enc.Encode(ev)
		if err != nil {
			return nil, fmt.Errorf("hec: encoding envelope %s: %w", e.ID, err)
		}
	}
	return &buf, nil
}

func eventBody(e *signal.Envelope) map[string]any {
	body := map[string]any{
		"signal_id": e.ID,
		"kind":      string(e.Kind),
	}
	for k, v := range e.Attributes {
		body[k] = v
	}
	switch {
	case e.Span != nil:
		body["span.name"] = e.Span.Name
		body["span.duration_ms"] = float64(e.Span.Duration) / float64(time.Millisecond)
		body["span.status"] = e.Span.Status
	case e.Metric != nil:
		body["metric.name"] = e.Metric.Name
		body["metric.value"] = e.Metric.Value
		if e.Metric.Unit != "" {
			body["metric.unit"] = e.Metric.Unit
		}
	case e.Log != nil:
		body["severity"] = e.Log.Severity
		body["message"] = e.Log.Message
	}
	return body
}

// classify maps a collector response onto the exporter's failure classes.
// Client errors are the sender's fault and never retried, with 408 and 429
// as the usual exceptions.
func classify(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return export.TransientAfter(
			fmt.Errorf("hec: collector throttled: %s", resp.Status),
			retryAfter(resp),
		)
	case code == http.StatusRequestTimeout:
		return export.Transient(fmt.Errorf("hec: collector timeout: %s", resp.Status))
	case code >= 400 && code < 500:
		return export.Permanent(fmt.Errorf("hec: collector rejected batch: %s", resp.Status))
	default:
		return export.Transient(fmt.Errorf("hec: collector unavailable: %s", resp.Status))
	}
}

// retryAfter parses a delay-seconds Retry-After header. HTTP-date values
// and absent headers fall back to zero, leaving the wait to the exporter's
// backoff schedule.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
