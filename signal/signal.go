// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package signal defines the envelope model shared by every pipeline stage.
package signal

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies which class of telemetry an Envelope carries. It is
// immutable after creation and decides which pipelines the envelope is
// eligible for.
type Kind string

const (
	KindTraceSpan   Kind = "trace-span"
	KindMetricPoint Kind = "metric-point"
	KindLogRecord   Kind = "log-record"
)

// Known reports whether k is one of the supported signal kinds.
func (k Kind) Known() bool {
	switch k {
	case KindTraceSpan, KindMetricPoint, KindLogRecord:
		return true
	default:
		return false
	}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (k *Kind) UnmarshalText(b []byte) error {
	v := Kind(b)
	if !v.Known() {
		return fmt.Errorf("unknown signal kind: %q", string(b))
	}
	*k = v
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k), nil
}

// SpanPayload is the kind-specific body for trace spans.
type SpanPayload struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
}

// MetricPayload is the kind-specific body for metric points.
type MetricPayload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// LogPayload is the kind-specific body for log records.
type LogPayload struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Envelope is the unit flowing through the pipeline. Exactly one of the
// payload fields must be set and it must match Kind.
//
// Attributes hold namespaced scalar values (llm.*, http.*, service.*,
// deployment.*). Resource describes the producing process and is merged
// with pipeline-level overrides at enrichment time; the producer copy is
// never mutated.
type Envelope struct {
	ID         string            `json:"id,omitempty"`
	Kind       Kind              `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]any    `json:"attributes,omitempty"`
	Resource   map[string]string `json:"resource,omitempty"`

	Span   *SpanPayload   `json:"span,omitempty"`
	Metric *MetricPayload `json:"metric,omitempty"`
	Log    *LogPayload    `json:"log,omitempty"`
}

var (
	errUnknownKind     = errors.New("unknown kind")
	errMissingPayload  = errors.New("missing payload for kind")
	errConflictPayload = errors.New("payload does not match kind")
)

// Validate checks that the envelope's kind is known, that the payload shape
// matches the kind and that attribute values are scalars. There is no partial
// acceptance: any violation fails the whole envelope.
func (e *Envelope) Validate() error {
	if !e.Kind.Known() {
		return fmt.Errorf("%w: %q", errUnknownKind, e.Kind)
	}
	set := 0
	if e.Span != nil {
		set++
	}
	if e.Metric != nil {
		set++
	}
	if e.Log != nil {
		set++
	}
	if set == 0 {
		return fmt.Errorf("%w %q", errMissingPayload, e.Kind)
	}
	if set > 1 {
		return fmt.Errorf("%w: multiple payloads set", errConflictPayload)
	}

	var ok bool
	switch e.Kind {
	case KindTraceSpan:
		ok = e.Span != nil
	case KindMetricPoint:
		ok = e.Metric != nil
	case KindLogRecord:
		ok = e.Log != nil
	}
	if !ok {
		return fmt.Errorf("%w: kind is %q", errConflictPayload, e.Kind)
	}

	for k, v := range e.Attributes {
		if !scalar(v) {
			return fmt.Errorf("attribute %q holds a non-scalar value of type %T", k, v)
		}
	}
	return nil
}

func scalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

// SetAttribute sets a single attribute, allocating the map on first use.
// Last writer wins on duplicate keys.
func (e *Envelope) SetAttribute(key string, value any) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	e.Attributes[key] = value
}

// Clone returns a deep copy of the envelope. Pipelines operate on clones so
// fan-out and enrichment never mutate the producer's copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := &Envelope{
		ID:        e.ID,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
	}
	if e.Attributes != nil {
		c.Attributes = make(map[string]any, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	if e.Resource != nil {
		c.Resource = make(map[string]string, len(e.Resource))
		for k, v := range e.Resource {
			c.Resource[k] = v
		}
	}
	if e.Span != nil {
		span := *e.Span
		c.Span = &span
	}
	if e.Metric != nil {
		metric := *e.Metric
		c.Metric = &metric
	}
	if e.Log != nil {
		log := *e.Log
		c.Log = &log
	}
	return c
}
