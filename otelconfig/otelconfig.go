// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otelconfig initializes the trace provider for telhaul's own
// telemetry. The pipeline both forwards signals and emits spans about the
// forwarding itself; this package configures where the latter go.
package otelconfig

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Common carries the identity attached to every span telhaul emits about
// itself.
type Common struct {
	ServiceName      string `config:"service_name"`
	ServiceNamespace string `config:"service_namespace"`
	Environment      string `config:"environment"`
}

func (c Common) resource() (*resource.Resource, error) {
	attrs := make([]attribute.KeyValue, 0, 3)
	if c.ServiceName != "" {
		attrs = append(attrs, semconv.ServiceName(c.ServiceName))
	}
	if c.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespace(c.ServiceNamespace))
	}
	if c.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(c.Environment))
	}
	return resource.New(
		context.Background(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
}

// CommonOption applies to every Initializer flavor.
type CommonOption interface {
	LocalOption
	OTLPOption
}

type commonOptionFunc func(*Common)

func (f commonOptionFunc) ApplyLocal(cfg *LocalConfig) {
	f(&cfg.Common)
}

func (f commonOptionFunc) ApplyOTLP(cfg *OTLPConfig) {
	f(&cfg.Common)
}

// ServiceName sets the service.name resource attribute.
func ServiceName(name string) CommonOption {
	return commonOptionFunc(func(c *Common) {
		c.ServiceName = name
	})
}

// ServiceNamespace sets the service.namespace resource attribute.
func ServiceNamespace(ns string) CommonOption {
	return commonOptionFunc(func(c *Common) {
		c.ServiceNamespace = ns
	})
}

// Environment sets the deployment.environment resource attribute.
func Environment(env string) CommonOption {
	return commonOptionFunc(func(c *Common) {
		c.Environment = env
	})
}

// Initializer builds a trace provider.
type Initializer interface {
	Init() (trace.TracerProvider, error)
}

// Noop leaves the globally registered provider in place.
var Noop = noopConfiger{}

type noopConfiger struct{}

func (noopConfiger) Init() (trace.TracerProvider, error) {
	return otel.GetTracerProvider(), nil
}

// LocalConfig writes spans to a local writer.
type LocalConfig struct {
	Common

	Out io.Writer
}

// LocalOption configures Local.
type LocalOption interface {
	ApplyLocal(*LocalConfig)
}

// Local returns an Initializer writing spans to stdout. Meant for
// development.
func Local(opts ...LocalOption) Initializer {
	cfg := LocalConfig{
		Out: os.Stdout,
	}
	for _, opt := range opts {
		opt.ApplyLocal(&cfg)
	}
	return cfg
}

// Init implements the Initializer interface.
func (cfg LocalConfig) Init() (trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(cfg.Out),
	)
	if err != nil {
		return nil, err
	}

	res, err := cfg.Common.resource()
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return tp, nil
}
