// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("will retry the request", func(t *testing.T) {
		t.Run("if retries are enabled and the server returns a 5xx", func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if hits.Add(1) < 3 {
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			client := New(RetryRequests(
				RetryMaxAttempts(3),
				RetryWaitBounds(time.Millisecond, 5*time.Millisecond),
			))

			resp, err := client.Get(srv.URL)
			require.Nil(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, int64(3), hits.Load())
		})
	})

	t.Run("will not retry the request", func(t *testing.T) {
		t.Run("if retries are not enabled", func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			client := New()
			resp, err := client.Get(srv.URL)
			require.Nil(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
			assert.Equal(t, int64(1), hits.Load())
		})
	})
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("will open the circuit", func(t *testing.T) {
		t.Run("if the failure status code repeats", func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusServiceUnavailable)
			}))
			defer srv.Close()

			client := New(Transport(Wrap(
				http.DefaultTransport,
				CircuitBreaker(
					BreakerName("test"),
					BreakerTripCount(2),
				),
			)))

			// failure statuses still surface as responses so callers can
			// classify them, but the breaker counts them
			for i := 0; i < 2; i++ {
				resp, err := client.Get(srv.URL)
				require.Nil(t, err)
				resp.Body.Close()
				assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
			}

			// the circuit is open now; this request must not reach the server
			resp, err := client.Get(srv.URL)
			require.Error(t, err)
			require.Nil(t, resp)
			assert.Equal(t, int64(2), hits.Load())
		})
	})

	t.Run("will keep the circuit closed", func(t *testing.T) {
		t.Run("if requests succeed", func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			client := New(Transport(Wrap(
				http.DefaultTransport,
				CircuitBreaker(BreakerName("test"), BreakerTripCount(2)),
			)))

			for i := 0; i < 5; i++ {
				resp, err := client.Get(srv.URL)
				require.Nil(t, err)
				resp.Body.Close()
				assert.Equal(t, http.StatusOK, resp.StatusCode)
			}
			assert.Equal(t, int64(5), hits.Load())
		})

		t.Run("if the status code is not registered as a failure", func(t *testing.T) {
			var hits atomic.Int64
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer srv.Close()

			client := New(Transport(Wrap(
				http.DefaultTransport,
				CircuitBreaker(BreakerName("test"), BreakerTripCount(1)),
			)))

			for i := 0; i < 3; i++ {
				resp, err := client.Get(srv.URL)
				require.Nil(t, err)
				resp.Body.Close()
				assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			}
			assert.Equal(t, int64(3), hits.Load())
		})
	})
}
