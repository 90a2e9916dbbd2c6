// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package health

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	t.Run("will count per pipeline and sink", func(t *testing.T) {
		m := New()

		m.AcceptedSignals.WithLabelValues("logs").Inc()
		m.AcceptedSignals.WithLabelValues("logs").Inc()
		m.DroppedBatches.WithLabelValues("logs", "splunk").Inc()

		assert.Equal(t, 2.0, testutil.ToFloat64(m.AcceptedSignals.WithLabelValues("logs")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedBatches.WithLabelValues("logs", "splunk")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.AbandonedBatches.WithLabelValues("logs", "splunk")))
	})

	t.Run("will serve the exposition format", func(t *testing.T) {
		m := New()
		m.DeliveredBatches.WithLabelValues("metrics", "splunk").Inc()

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/metrics", nil)
		m.Handler().ServeHTTP(w, r)

		assert.Equal(t, 200, w.Code)
		assert.Contains(t, w.Body.String(), "telhaul_batches_delivered_total")
	})

	t.Run("will isolate registries between instances", func(t *testing.T) {
		a := New()
		b := New()
		a.AcceptedSignals.WithLabelValues("logs").Inc()

		assert.Equal(t, 0.0, testutil.ToFloat64(b.AcceptedSignals.WithLabelValues("logs")))
	})
}
