// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package telhaul

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// MultiRuntime takes inspiration from io.MultiWriter to allow running
// multiple Runtimes concurrently behind a single Runtime. The ingress
// server and the pipelines of the forwarding service are composed this way.
type MultiRuntime struct {
	rs []Runtime
}

// Runtimes composes the given Runtimes into a single MultiRuntime.
func Runtimes(rs ...Runtime) *MultiRuntime {
	return &MultiRuntime{rs: rs}
}

// Run implements the Runtime interface. The first failure cancels the
// context shared by all composed runtimes.
func (mr *MultiRuntime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range mr.rs {
		r := r
		g.Go(func() (err error) {
			defer errRecover(&err)
			return r.Run(gctx)
		})
	}
	return g.Wait()
}
