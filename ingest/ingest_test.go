// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/telhaul/telhaul/export"
	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/pipeline"
	"github.com/telhaul/telhaul/signal"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type nopSink struct{}

func (nopSink) Name() string { return "nop" }

func (nopSink) Deliver(ctx context.Context, b *signal.Batch) error { return nil }

type fixture struct {
	recv    *pipeline.Receiver
	metrics *health.Metrics
}

func newFixture(t *testing.T, inputBuffer int) fixture {
	t.Helper()

	m := health.New()
	p, err := pipeline.New(pipeline.Config{
		Name:        "all",
		Kinds:       []signal.Kind{signal.KindTraceSpan, signal.KindMetricPoint, signal.KindLogRecord},
		InputBuffer: inputBuffer,
	}, []export.Deliverer{nopSink{}}, m)
	require.Nil(t, err)

	router := pipeline.NewRouter(m, nil, p)
	return fixture{
		recv:    pipeline.NewReceiver(router, m),
		metrics: m,
	}
}

func postSignals(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/signals", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSignalHandler(t *testing.T) {
	t.Run("will accept a single envelope", func(t *testing.T) {
		f := newFixture(t, 10)
		h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

		w := postSignals(t, h, `{
			"kind": "log-record",
			"timestamp": "2025-03-01T12:00:00Z",
			"log": {"severity": "INFO", "message": "hello"}
		}`)

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp acceptedResponse
		require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Accepted)
	})

	t.Run("will accept a batch of envelopes", func(t *testing.T) {
		f := newFixture(t, 10)
		h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

		w := postSignals(t, h, `[
			{"kind": "log-record", "log": {"severity": "INFO", "message": "a"}},
			{"kind": "metric-point", "metric": {"name": "llm.tokens", "value": 42}}
		]`)

		assert.Equal(t, http.StatusAccepted, w.Code)

		var resp acceptedResponse
		require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Accepted)
	})

	t.Run("will reject the request", func(t *testing.T) {
		t.Run("if the body is not json", func(t *testing.T) {
			f := newFixture(t, 10)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			w := postSignals(t, h, "not json")
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RejectedSignals.WithLabelValues("malformed")))
		})

		t.Run("if the body is empty", func(t *testing.T) {
			f := newFixture(t, 10)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			w := postSignals(t, h, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})

		t.Run("if the payload does not match the kind", func(t *testing.T) {
			f := newFixture(t, 10)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			w := postSignals(t, h, `{
				"kind": "log-record",
				"span": {"name": "op", "duration": 1000, "status": "ok"}
			}`)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})

		t.Run("if one envelope in a batch is malformed", func(t *testing.T) {
			f := newFixture(t, 10)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			w := postSignals(t, h, `[
				{"kind": "log-record", "log": {"severity": "INFO", "message": "a"}},
				{"kind": "log-record"}
			]`)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			// no partial acceptance
			assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.AcceptedSignals.WithLabelValues("all")))
		})

		t.Run("if the method is not POST", func(t *testing.T) {
			f := newFixture(t, 10)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			req := httptest.NewRequest(http.MethodGet, "/v1/signals", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	})

	t.Run("will report overload", func(t *testing.T) {
		t.Run("if the pipeline input buffer is full", func(t *testing.T) {
			f := newFixture(t, 1)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			// the pipeline is not running, so the first envelope fills the buffer
			w := postSignals(t, h, `{"kind": "log-record", "log": {"severity": "INFO", "message": "a"}}`)
			require.Equal(t, http.StatusAccepted, w.Code)

			w = postSignals(t, h, `{"kind": "log-record", "log": {"severity": "INFO", "message": "b"}}`)
			assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		})

		t.Run("and count only the envelopes that entered the pipeline", func(t *testing.T) {
			f := newFixture(t, 1)
			h := &signalHandler{recv: f.recv, metrics: f.metrics, log: zap.NewNop()}

			// the pipeline is not running, so the second envelope
			// overflows the buffer
			w := postSignals(t, h, `[
				{"kind": "log-record", "log": {"severity": "INFO", "message": "a"}},
				{"kind": "log-record", "log": {"severity": "INFO", "message": "b"}}
			]`)

			assert.Equal(t, http.StatusAccepted, w.Code)

			var resp acceptedResponse
			require.Nil(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, 1, resp.Accepted)
		})
	})
}

func TestScrubHeaders(t *testing.T) {
	t.Run("will redact sensitive headers", func(t *testing.T) {
		h := http.Header{}
		h.Set("Authorization", "Bearer secret")
		h.Set("Cookie", "session=abc")
		h.Set("X-Api-Key", "key123")
		h.Set("Content-Type", "application/json")

		scrubbed := scrubHeaders(h)
		assert.Equal(t, "[REDACTED]", scrubbed["Authorization"])
		assert.Equal(t, "[REDACTED]", scrubbed["Cookie"])
		assert.Equal(t, "[REDACTED]", scrubbed["X-Api-Key"])
		assert.Equal(t, "application/json", scrubbed["Content-Type"])
	})
}

func TestRuntime_Run(t *testing.T) {
	t.Run("will serve until the context is cancelled", func(t *testing.T) {
		f := newFixture(t, 10)
		rt := NewRuntime(f.recv, f.metrics)

		ls, err := net.Listen("tcp", "127.0.0.1:0")
		require.Nil(t, err)
		rt.listen = func(string, string) (net.Listener, error) {
			return ls, nil
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- rt.Run(ctx)
		}()

		base := fmt.Sprintf("http://%s", ls.Addr())

		var resp *http.Response
		require.Eventually(t, func() bool {
			var err error
			resp, err = http.Get(base + "/healthz")
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		resp, err = http.Post(
			base+"/v1/signals",
			"application/json",
			strings.NewReader(`{"kind": "log-record", "log": {"severity": "INFO", "message": "a"}}`),
		)
		require.Nil(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, err = http.Get(base + "/metrics")
		require.Nil(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		require.Nil(t, <-done)
	})
}
