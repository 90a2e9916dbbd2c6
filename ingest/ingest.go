// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package ingest exposes the HTTP surface producers push signals into. It
// implements the telhaul.Runtime interface so the app layer can run it next
// to the pipelines.
package ingest

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/telhaul/telhaul/health"
	"github.com/telhaul/telhaul/pipeline"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config binds the ingress listener.
type Config struct {
	Port uint `config:"port"`
}

type runtimeOptions struct {
	port uint
	log  *zap.Logger
	mux  *http.ServeMux
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*runtimeOptions)

// ListenOnPort will configure the HTTP server to listen on the given port.
//
// Default port is 8080.
func ListenOnPort(port uint) RuntimeOption {
	return func(ro *runtimeOptions) {
		if port > 0 {
			ro.port = port
		}
	}
}

// Logger sets the runtime logger.
func Logger(log *zap.Logger) RuntimeOption {
	return func(ro *runtimeOptions) {
		ro.log = log
	}
}

// Handle registers an extra http.Handler for the given path pattern.
func Handle(pattern string, h http.Handler) RuntimeOption {
	return func(ro *runtimeOptions) {
		registerEndpoint(ro.mux, pattern, h)
	}
}

// Runtime is the ingress HTTP server. It mounts the signal submission
// endpoint, the health probe and the counter exposition endpoint.
type Runtime struct {
	port   uint
	listen func(string, string) (net.Listener, error)

	log *zap.Logger
	h   http.Handler
}

// NewRuntime returns a Runtime serving the given receiver.
func NewRuntime(recv *pipeline.Receiver, metrics *health.Metrics, opts ...RuntimeOption) *Runtime {
	ros := &runtimeOptions{
		port: 8080,
		log:  zap.NewNop(),
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(ros)
	}

	registerEndpoint(ros.mux, "/v1/signals", &signalHandler{
		recv:    recv,
		metrics: metrics,
		log:     ros.log,
	})
	registerEndpoint(ros.mux, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	registerEndpoint(ros.mux, "/metrics", metrics.Handler())

	return &Runtime{
		port:   ros.port,
		listen: net.Listen,
		log:    ros.log,
		h:      ros.mux,
	}
}

// Run implements the telhaul.Runtime interface.
func (rt *Runtime) Run(ctx context.Context) error {
	ls, err := rt.listen("tcp", fmt.Sprintf(":%d", rt.port))
	if err != nil {
		rt.log.Error("failed to listen for connections", zap.Error(err))
		return err
	}

	s := &http.Server{
		Handler: otelhttp.NewHandler(
			rt.h,
			"ingest",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		defer rt.log.Info("shut down ingress")

		rt.log.Info("shutting down ingress")
		return s.Shutdown(ctx)
	})
	g.Go(func() error {
		rt.log.Info("started ingress", zap.Uint("port", rt.port))
		return s.Serve(ls)
	})

	err = g.Wait()
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	rt.log.Error("ingress encountered unexpected error", zap.Error(err))
	return err
}

func registerEndpoint(mux *http.ServeMux, path string, h http.Handler) {
	mux.Handle(
		path,
		otelhttp.WithRouteTag(path, h),
	)
}
