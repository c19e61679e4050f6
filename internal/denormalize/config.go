// Package denormalize flattens catch batch trees into fully resolved,
// denormalized batch lists: pre-order linearization, top-down inheritance,
// bottom-up inference of missing weights and counts, and elevation of
// sampled quantities to the whole catch.
//
// The package is pure: it performs no I/O and keeps no state between calls,
// so trees may be processed concurrently as long as each call owns its input.
package denormalize

import (
	"strings"

	"catchcore/pkg/domain"
)

// Defaults applied by Config when the corresponding field is zero.
const (
	DefaultMaxDepth            = 64
	DefaultMaxNodes            = 100000
	DefaultSamplingLabelSuffix = ".%"
)

// Config carries the reference-data predicates and lookups the engine needs.
// Every function field is optional; nil functions answer "no" or "unknown".
type Config struct {
	// IsSamplingBatch reports whether a batch is a sub-sample of its parent.
	// Defaults to a label ending with DefaultSamplingLabelSuffix.
	IsSamplingBatch func(domain.SourceBatch) bool
	// IsWeightMeasurement reports whether a pmfm carries the batch weight.
	IsWeightMeasurement func(pmfmID int) bool
	// IsLandingDiscardMeasurement reports whether a pmfm carries the
	// landing/discard classification.
	IsLandingDiscardMeasurement func(pmfmID int) bool
	LandingValueID              int
	DiscardValueID              int
	LookupParameter             func(pmfmID int) (domain.ParameterDescriptor, bool)
	LookupUnit                  func(pmfmID int) (domain.UnitDescriptor, bool)
	// DefaultQualityFlagID is used for batches without a quality flag.
	DefaultQualityFlagID int
	// OutOfStatsQualityFlagID is the first flag excluding a batch from
	// statistics. Zero disables the check.
	OutOfStatsQualityFlagID int
	// MaxPasses caps fixed-point passes. Zero means 2N+1 for N batches.
	MaxPasses int
	MaxDepth  int
	MaxNodes  int
}

func (c Config) withDefaults() Config {
	if c.IsSamplingBatch == nil {
		c.IsSamplingBatch = func(b domain.SourceBatch) bool {
			return strings.HasSuffix(b.Label, DefaultSamplingLabelSuffix)
		}
	}
	if c.IsWeightMeasurement == nil {
		c.IsWeightMeasurement = func(int) bool { return false }
	}
	if c.IsLandingDiscardMeasurement == nil {
		c.IsLandingDiscardMeasurement = func(int) bool { return false }
	}
	if c.LookupParameter == nil {
		c.LookupParameter = func(int) (domain.ParameterDescriptor, bool) { return domain.ParameterDescriptor{}, false }
	}
	if c.LookupUnit == nil {
		c.LookupUnit = func(int) (domain.UnitDescriptor, bool) { return domain.UnitDescriptor{}, false }
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	return c
}
