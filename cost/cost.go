// Copyright (c) 2025 Telhaul Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package cost derives monetary cost attributes from LLM token usage.
package cost

import (
	"errors"
	"fmt"
	"math"

	"github.com/telhaul/telhaul/signal"
)

// Reserved attribute keys owned by this package. Annotate overwrites any
// producer-set values under these keys.
const (
	AttrPromptTokens     = "llm.usage.prompt_tokens"
	AttrCompletionTokens = "llm.usage.completion_tokens"
	AttrTotalTokens      = "llm.usage.total_tokens"
	AttrInputUSD         = "llm.cost.input_usd"
	AttrOutputUSD        = "llm.cost.output_usd"
	AttrTotalUSD         = "llm.cost.usd"
)

// ErrInvalidUsage is returned when a token count is negative. Missing usage
// data upstream must be reported as zero, never as a negative placeholder.
var ErrInvalidUsage = errors.New("cost: token counts must be non-negative")

// Pricing is the process-wide pricing configuration. It is read once at
// startup and passed explicitly to every caller; it is never mutated.
type Pricing struct {
	// InPerKToken is the price in USD per 1000 prompt tokens.
	InPerKToken float64 `config:"price_in_per_ktoken"`

	// OutPerKToken is the price in USD per 1000 completion tokens.
	OutPerKToken float64 `config:"price_out_per_ktoken"`

	// Scale multiplies only the values reported downstream. The true
	// computed cost is always kept alongside the scaled one.
	Scale float64 `config:"cost_scale"`
}

// DefaultPricing returns a zero-cost pricing with an identity scale.
func DefaultPricing() Pricing {
	return Pricing{Scale: 1.0}
}

// Cost is the result of attributing token usage against a Pricing.
type Cost struct {
	InputUSD  float64
	OutputUSD float64
	USD       float64

	// ScaledUSD is USD multiplied by Pricing.Scale. This is the value
	// reported on envelopes; USD is the internally computed truth.
	ScaledUSD float64
}

// Compute derives cost from token counts. It is pure and deterministic:
// for fixed pricing the result is monotonically non-decreasing in each
// token count, and Compute(0, 0, p) is always zero.
func Compute(promptTokens, completionTokens int, p Pricing) (Cost, error) {
	if promptTokens < 0 || completionTokens < 0 {
		return Cost{}, fmt.Errorf("%w: prompt=%d completion=%d", ErrInvalidUsage, promptTokens, completionTokens)
	}

	scale := p.Scale
	if scale == 0 {
		scale = 1.0
	}

	in := roundUSD(float64(promptTokens) / 1000 * p.InPerKToken)
	out := roundUSD(float64(completionTokens) / 1000 * p.OutPerKToken)
	total := roundUSD(in + out)

	return Cost{
		InputUSD:  in,
		OutputUSD: out,
		USD:       total,
		ScaledUSD: roundUSD(total * scale),
	}, nil
}

// Annotate computes cost for the given token counts and attaches the result
// to the envelope under the reserved llm.* keys. The reported cost values
// carry the configured scale. On ErrInvalidUsage nothing is attached and the
// caller must not forward the envelope.
func Annotate(e *signal.Envelope, promptTokens, completionTokens int, p Pricing) error {
	c, err := Compute(promptTokens, completionTokens, p)
	if err != nil {
		return err
	}

	scale := p.Scale
	if scale == 0 {
		scale = 1.0
	}

	e.SetAttribute(AttrPromptTokens, promptTokens)
	e.SetAttribute(AttrCompletionTokens, completionTokens)
	e.SetAttribute(AttrTotalTokens, promptTokens+completionTokens)
	e.SetAttribute(AttrInputUSD, roundUSD(c.InputUSD*scale))
	e.SetAttribute(AttrOutputUSD, roundUSD(c.OutputUSD*scale))
	e.SetAttribute(AttrTotalUSD, c.ScaledUSD)
	return nil
}

// Usage reads the llm.usage token counts off an envelope. ok reports
// whether the envelope carries usage data at all; producers reporting
// neither prompt nor completion tokens are not LLM signals and must not be
// annotated with a zero cost.
//
// JSON producers deliver numbers as float64, in-process producers as int;
// both are accepted. Negative counts are passed through for Compute to
// reject.
func Usage(e *signal.Envelope) (promptTokens, completionTokens int, ok bool) {
	p, pok := intAttribute(e, AttrPromptTokens)
	c, cok := intAttribute(e, AttrCompletionTokens)
	return p, c, pok || cok
}

func intAttribute(e *signal.Envelope, key string) (int, bool) {
	v, ok := e.Attributes[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int:
		return x, true
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case float32:
		return int(x), true
	default:
		return 0, false
	}
}

// roundUSD rounds to 6 decimal places, the finest granularity sinks ingest.
func roundUSD(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
