// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package httpclient builds the http.Clients sinks deliver through. A sink
// transport composes a circuit breaker around the base round tripper and,
// optionally, transport-level retries for one-shot control calls that sit
// outside the per-batch retry schedule.
package httpclient

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type clientOptions struct {
	timeout   time.Duration
	transport http.RoundTripper
	retry     *retryOptions
}

// ClientOption configures a client returned by New.
type ClientOption func(*clientOptions)

// Timeout bounds the total time per request, including redirects and body
// reads. Per-attempt deadlines for batch deliveries come from the exporter's
// context instead.
func Timeout(timeout time.Duration) ClientOption {
	return func(co *clientOptions) {
		co.timeout = timeout
	}
}

// Transport sets the underlying round tripper.
func Transport(rt http.RoundTripper) ClientOption {
	return func(co *clientOptions) {
		co.transport = rt
	}
}

// New returns a http.Client assembled from the given options.
func New(opts ...ClientOption) *http.Client {
	co := &clientOptions{
		transport: http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(co)
	}

	c := &http.Client{
		Timeout:   co.timeout,
		Transport: co.transport,
	}
	if co.retry == nil {
		return c
	}

	log := co.retry.logger
	rc := retryablehttp.Client{
		HTTPClient:   c,
		Logger:       nil,
		RetryWaitMin: co.retry.waitMin,
		RetryWaitMax: co.retry.waitMax,
		RetryMax:     co.retry.maxRetries,
		RequestLogHook: func(l retryablehttp.Logger, req *http.Request, i int) {
			log.Info("sending http request", zap.String("url", req.URL.String()), zap.Int("request_attempt_count", i))
		},
		ResponseLogHook: func(l retryablehttp.Logger, resp *http.Response) {
			log.Info("received http response", zap.String("url", resp.Request.URL.String()), zap.Int("http_status_code", resp.StatusCode))
		},
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rc.StandardClient()
}

type retryOptions struct {
	logger     *zap.Logger
	maxRetries int
	waitMin    time.Duration
	waitMax    time.Duration
}

// RetryOption configures transport-level retries.
type RetryOption func(*retryOptions)

// RetryWaitBounds sets the minimum and maximum wait between transport
// retries.
func RetryWaitBounds(min, max time.Duration) RetryOption {
	return func(ro *retryOptions) {
		ro.waitMin = min
		ro.waitMax = max
	}
}

// RetryMaxAttempts caps the number of transport retries per request.
func RetryMaxAttempts(n int) RetryOption {
	return func(ro *retryOptions) {
		ro.maxRetries = n
	}
}

// RetryLogger sets the logger used for per-attempt request logs.
func RetryLogger(logger *zap.Logger) RetryOption {
	return func(ro *retryOptions) {
		ro.logger = logger
	}
}

// RetryRequests adds request retry logic to the client. Batch deliveries
// must NOT enable this: the exporter owns the per-batch retry schedule, and
// stacking transport retries underneath it multiplies the attempt count. It
// is meant for one-shot control calls like health probes.
func RetryRequests(opts ...RetryOption) ClientOption {
	return func(co *clientOptions) {
		ro := &retryOptions{
			logger:     zap.NewNop(),
			waitMin:    100 * time.Millisecond,
			waitMax:    5 * time.Second,
			maxRetries: 2,
		}
		for _, opt := range opts {
			opt(ro)
		}
		co.retry = ro
	}
}

type breakerOptions struct {
	name        string
	logger      *zap.Logger
	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	tripCount   uint32
	statusCodes []int
}

// BreakerOption configures the circuit breaker wrapped around a transport.
type BreakerOption func(*breakerOptions)

// BreakerName names the breaker. State changes are logged under this name
// so operators can tell which sink endpoint tripped.
func BreakerName(name string) BreakerOption {
	return func(bo *breakerOptions) {
		bo.name = name
	}
}

// BreakerLogger sets the logger used for breaker state changes.
func BreakerLogger(logger *zap.Logger) BreakerOption {
	return func(bo *breakerOptions) {
		bo.logger = logger
	}
}

// BreakerMaxRequests is the number of probe requests allowed through while
// the breaker is half-open. Zero allows a single probe.
func BreakerMaxRequests(n uint32) BreakerOption {
	return func(bo *breakerOptions) {
		bo.maxRequests = n
	}
}

// BreakerInterval is the cyclic period of the closed state after which the
// breaker clears its internal counts. Zero keeps counts for the whole
// closed state.
func BreakerInterval(interval time.Duration) BreakerOption {
	return func(bo *breakerOptions) {
		bo.interval = interval
	}
}

// BreakerTimeout is how long the breaker stays open before moving to
// half-open. Zero falls back to 60 seconds.
func BreakerTimeout(timeout time.Duration) BreakerOption {
	return func(bo *breakerOptions) {
		bo.timeout = timeout
	}
}

// BreakerTripCount is the number of consecutive failures required to trip
// the circuit.
func BreakerTripCount(n uint32) BreakerOption {
	return func(bo *breakerOptions) {
		bo.tripCount = n
	}
}

// BreakerErrorOnStatusCode registers an HTTP status code the breaker should
// count as a failure.
//
// Default: 401, 403, 500, 502, 503
func BreakerErrorOnStatusCode(n int) BreakerOption {
	return func(bo *breakerOptions) {
		bo.statusCodes = append(bo.statusCodes, n)
	}
}

var errStatusCode = errors.New("status code error")

func isConnError(err error) bool {
	e := errors.Unwrap(err)
	switch e.(type) {
	case *net.AddrError:
		return true
	case *net.DNSError:
		return true
	case *net.OpError:
		return true
	default:
		return false
	}
}

// RoundTripperOption wraps a http.RoundTripper with additional behavior.
type RoundTripperOption func(http.RoundTripper) http.RoundTripper

// Wrap applies the given options to rt, innermost first.
func Wrap(rt http.RoundTripper, opts ...RoundTripperOption) http.RoundTripper {
	for _, opt := range opts {
		rt = opt(rt)
	}
	return rt
}

// CircuitBreaker wraps a round tripper with a gobreaker circuit. A sink
// whose endpoint is hard down then fails fast instead of burning its whole
// retry schedule on connection timeouts.
func CircuitBreaker(opts ...BreakerOption) RoundTripperOption {
	return func(rt http.RoundTripper) http.RoundTripper {
		bo := &breakerOptions{
			logger:      zap.NewNop(),
			tripCount:   5,
			timeout:     60 * time.Second,
			maxRequests: 1,
		}
		for _, opt := range opts {
			opt(bo)
		}

		if len(bo.statusCodes) == 0 {
			bo.statusCodes = append(
				bo.statusCodes,
				http.StatusUnauthorized,        // 401
				http.StatusForbidden,           // 403
				http.StatusInternalServerError, // 500
				http.StatusBadGateway,          // 502
				http.StatusServiceUnavailable,  // 503
			)
		}
		codes := map[int]struct{}{}
		for _, code := range bo.statusCodes {
			codes[code] = struct{}{}
		}

		log := bo.logger.Named(bo.name)

		return &circuitRoundTripper{
			RoundTripper: rt,
			cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        bo.name,
				MaxRequests: bo.maxRequests,
				Interval:    bo.interval,
				Timeout:     bo.timeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= bo.tripCount
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					switch to {
					case gobreaker.StateOpen:
						log.Error("circuit has been opened")
					case gobreaker.StateHalfOpen:
						log.Warn("circuit is now half open and letting some requests through", zap.Uint32("max_requests_allowed_through", bo.maxRequests))
					case gobreaker.StateClosed:
						log.Info("circuit has been closed")
					}
				},
				IsSuccessful: func(err error) bool {
					if err == nil {
						return true
					}
					return err != errStatusCode && !isConnError(err)
				},
			}),
			onStatusCode: func(n int) error {
				_, ok := codes[n]
				if !ok {
					return nil
				}
				return errStatusCode
			},
		}
	}
}

type circuitRoundTripper struct {
	http.RoundTripper
	cb           *gobreaker.CircuitBreaker
	onStatusCode func(int) error
}

func (rt *circuitRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	v, err := rt.cb.Execute(func() (interface{}, error) {
		resp, err := rt.RoundTripper.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		return resp, rt.onStatusCode(resp.StatusCode)
	})
	if errors.Is(err, errStatusCode) {
		// the breaker counted the failure but the caller still gets the
		// response, so sinks can classify the status themselves
		return v.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}
