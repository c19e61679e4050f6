// Package referential loads catch reference data (pmfms, units, qualitative
// values and quality flags) and turns it into a denormalization Config.
package referential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"catchcore/internal/denormalize"
	"catchcore/pkg/domain"
)

// Pmfm is one parameter/matrix/fraction/method entry of the reference file.
type Pmfm struct {
	ID                int                       `json:"id"`
	ParameterID       int                       `json:"parameter_id,omitempty"`
	Label             string                    `json:"label"`
	Name              string                    `json:"name"`
	Type              domain.MeasurementType    `json:"type"`
	MethodID          *int                      `json:"method_id,omitempty"`
	Unit              *domain.UnitDescriptor    `json:"unit,omitempty"`
	QualitativeValues []domain.QualitativeValue `json:"qualitative_values,omitempty"`
}

// QualityFlags holds the quality flag ids the engine cares about.
type QualityFlags struct {
	Default    int `json:"default"`
	OutOfStats int `json:"out_of_stats"`
}

// LandingDiscard identifies the classification pmfm and its two values.
type LandingDiscard struct {
	PmfmID         int `json:"pmfm_id"`
	LandingValueID int `json:"landing_value_id"`
	DiscardValueID int `json:"discard_value_id"`
}

// Referential is the decoded reference file.
type Referential struct {
	Pmfms               []Pmfm         `json:"pmfms"`
	WeightPmfmIDs       []int          `json:"weight_pmfm_ids"`
	LandingDiscard      LandingDiscard `json:"landing_discard"`
	QualityFlags        QualityFlags   `json:"quality_flags"`
	SamplingLabelSuffix string         `json:"sampling_label_suffix,omitempty"`
	MaxPasses           int            `json:"max_passes,omitempty"`
	MaxDepth            int            `json:"max_depth,omitempty"`
	MaxNodes            int            `json:"max_nodes,omitempty"`
}

// Decode reads a reference file from r and validates it.
func Decode(r io.Reader) (Referential, error) {
	var ref Referential
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ref); err != nil {
		return Referential{}, fmt.Errorf("decode referential: %w", err)
	}
	if err := ref.Validate(); err != nil {
		return Referential{}, err
	}
	return ref, nil
}

// Load reads and validates the reference file at path.
func Load(path string) (Referential, error) {
	// #nosec G304 -- path comes from operator configuration.
	f, err := os.Open(path)
	if err != nil {
		return Referential{}, fmt.Errorf("open referential: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Validate reports duplicate pmfms and references to undeclared pmfms.
func (r Referential) Validate() error {
	var errs []error
	known := make(map[int]Pmfm, len(r.Pmfms))
	for _, p := range r.Pmfms {
		if p.ID <= 0 {
			errs = append(errs, fmt.Errorf("pmfm %q: id must be positive", p.Label))
			continue
		}
		if _, dup := known[p.ID]; dup {
			errs = append(errs, fmt.Errorf("pmfm %d: declared twice", p.ID))
			continue
		}
		switch p.Type {
		case domain.MeasurementNumeric, domain.MeasurementAlphanumeric, domain.MeasurementQualitative, domain.MeasurementDate:
		default:
			errs = append(errs, fmt.Errorf("pmfm %d: unsupported type %q", p.ID, p.Type))
		}
		known[p.ID] = p
	}
	for _, id := range r.WeightPmfmIDs {
		if p, ok := known[id]; !ok {
			errs = append(errs, &domain.UnknownReferenceError{Reference: "pmfm", ID: id})
		} else if p.Type != domain.MeasurementNumeric {
			errs = append(errs, fmt.Errorf("weight pmfm %d: must be numeric", id))
		}
	}
	if ld := r.LandingDiscard; ld.PmfmID != 0 {
		p, ok := known[ld.PmfmID]
		switch {
		case !ok:
			errs = append(errs, &domain.UnknownReferenceError{Reference: "pmfm", ID: ld.PmfmID})
		case p.Type != domain.MeasurementQualitative:
			errs = append(errs, fmt.Errorf("landing/discard pmfm %d: must be qualitative", ld.PmfmID))
		}
	}
	if q := r.QualityFlags; q.OutOfStats != 0 && q.Default >= q.OutOfStats {
		errs = append(errs, fmt.Errorf("default quality flag %d must be below out of statistics flag %d", q.Default, q.OutOfStats))
	}
	return errors.Join(errs...)
}

// Config builds the engine configuration backed by this reference data.
func (r Referential) Config() denormalize.Config {
	params := make(map[int]domain.ParameterDescriptor, len(r.Pmfms))
	units := make(map[int]domain.UnitDescriptor, len(r.Pmfms))
	for _, p := range r.Pmfms {
		params[p.ID] = domain.ParameterDescriptor{
			PmfmID:            p.ID,
			ParameterID:       p.ParameterID,
			Label:             p.Label,
			Name:              p.Name,
			Type:              p.Type,
			MethodID:          p.MethodID,
			QualitativeValues: p.QualitativeValues,
		}
		if p.Unit != nil {
			units[p.ID] = *p.Unit
		}
	}
	weights := make(map[int]struct{}, len(r.WeightPmfmIDs))
	for _, id := range r.WeightPmfmIDs {
		weights[id] = struct{}{}
	}
	suffix := r.SamplingLabelSuffix
	if suffix == "" {
		suffix = denormalize.DefaultSamplingLabelSuffix
	}
	landingPmfm := r.LandingDiscard.PmfmID

	return denormalize.Config{
		IsSamplingBatch: func(b domain.SourceBatch) bool {
			return strings.HasSuffix(b.Label, suffix)
		},
		IsWeightMeasurement: func(pmfmID int) bool {
			_, ok := weights[pmfmID]
			return ok
		},
		IsLandingDiscardMeasurement: func(pmfmID int) bool {
			return landingPmfm != 0 && pmfmID == landingPmfm
		},
		LandingValueID: r.LandingDiscard.LandingValueID,
		DiscardValueID: r.LandingDiscard.DiscardValueID,
		LookupParameter: func(pmfmID int) (domain.ParameterDescriptor, bool) {
			p, ok := params[pmfmID]
			return p.Clone(), ok
		},
		LookupUnit: func(pmfmID int) (domain.UnitDescriptor, bool) {
			u, ok := units[pmfmID]
			return u, ok
		},
		DefaultQualityFlagID:    r.QualityFlags.Default,
		OutOfStatsQualityFlagID: r.QualityFlags.OutOfStats,
		MaxPasses:               r.MaxPasses,
		MaxDepth:                r.MaxDepth,
		MaxNodes:                r.MaxNodes,
	}
}
