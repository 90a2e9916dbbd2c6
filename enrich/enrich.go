// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package enrich attaches pipeline-level resource attributes to batches.
package enrich

import (
	"os"

	"github.com/telhaul/telhaul/signal"
)

// Reserved identity keys. Pipeline overrides take precedence over
// producer-set values for these keys only; all other keys are union-merged
// with the producer value winning.
const (
	KeyServiceName      = "service.name"
	KeyServiceNamespace = "service.namespace"
	KeyServiceInstance  = "service.instance.id"
	KeyEnvironment      = "deployment.environment"
)

var identityKeys = map[string]struct{}{
	KeyServiceName:      {},
	KeyServiceNamespace: {},
	KeyServiceInstance:  {},
	KeyEnvironment:      {},
}

// Identity describes the producing service. Unset fields are left alone
// during enrichment.
type Identity struct {
	ServiceName      string `config:"service_name"`
	ServiceNamespace string `config:"service_namespace"`
	Environment      string `config:"environment"`
}

// Overrides flattens an Identity into resource override keys, filling
// service.instance.id from the local hostname.
func (id Identity) Overrides() map[string]string {
	m := make(map[string]string, 4)
	if id.ServiceName != "" {
		m[KeyServiceName] = id.ServiceName
	}
	if id.ServiceNamespace != "" {
		m[KeyServiceNamespace] = id.ServiceNamespace
	}
	if id.Environment != "" {
		m[KeyEnvironment] = id.Environment
	}
	if host, err := os.Hostname(); err == nil {
		m[KeyServiceInstance] = host
	}
	return m
}

// Apply merges overrides into the resource of every envelope in the batch
// and returns a new batch. The input batch and its envelopes are never
// mutated (copy-on-enrich). Apply is idempotent and order-independent:
// re-applying the same overrides produces no further change.
func Apply(b *signal.Batch, overrides map[string]string) *signal.Batch {
	if len(overrides) == 0 {
		return b
	}

	out := &signal.Batch{
		Kind:      b.Kind,
		Envelopes: make([]*signal.Envelope, len(b.Envelopes)),
		FirstAt:   b.FirstAt,
	}
	for i, e := range b.Envelopes {
		c := e.Clone()
		c.Resource = mergeResource(c.Resource, overrides)
		out.Envelopes[i] = c
	}
	return out
}

func mergeResource(resource map[string]string, overrides map[string]string) map[string]string {
	if resource == nil {
		resource = make(map[string]string, len(overrides))
	}
	for k, v := range overrides {
		if _, reserved := identityKeys[k]; reserved {
			resource[k] = v
			continue
		}
		if _, exists := resource[k]; !exists {
			resource[k] = v
		}
	}
	return resource
}
