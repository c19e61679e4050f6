package denormalize

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"catchcore/pkg/domain"
)

// NativeRankBase offsets the rank order of a batch's own sorting values so
// that values inherited from ancestors, ranked at a tenth of their source
// rank, always come first.
const NativeRankBase = 10000

// UnknownQualitativeLabel labels a qualitative value id missing from its
// parameter's allowed values.
const UnknownQualitativeLabel = "?"

var abbreviationPattern = regexp.MustCompile(`\(([A-Z][A-Z0-9_]*)\)\s*$`)

var dateLayouts = []struct {
	layout   string
	dateOnly bool
}{
	{time.RFC3339, false},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", true},
	{"02/01/2006", true},
}

// mapMeasurements scans the raw measurements of the batch at h. Weight and
// landing/discard measurements update the batch itself; every other
// measurement becomes a sorting value, merged after the values inherited
// from the parent.
func (s *state) mapMeasurements(h int) error {
	b := &s.tree.Batches[h]
	src := s.sources[h]

	var native []domain.SortingValue
	classified := false
	for _, m := range src.Measurements {
		value := strings.TrimSpace(m.Value)
		if value == "" {
			continue
		}
		param, ok := s.cfg.LookupParameter(m.PmfmID)
		if !ok {
			return &domain.UnknownReferenceError{BatchID: b.ID, BatchLabel: b.Label, Reference: "pmfm", ID: m.PmfmID}
		}
		invalid := func(err error) error {
			return &domain.InvalidMeasurementValueError{
				BatchID: b.ID, BatchLabel: b.Label, PmfmID: m.PmfmID,
				Value: m.Value, Type: param.Type, Err: err,
			}
		}

		switch {
		case s.cfg.IsWeightMeasurement(m.PmfmID):
			d, err := parseDecimal(value)
			if err != nil {
				return invalid(err)
			}
			if b.Weight == nil {
				w := d.InexactFloat64()
				b.Weight = &w
			}
			b.WeightMethodID = cloneInt(param.MethodID)
			continue
		case s.cfg.IsLandingDiscardMeasurement(m.PmfmID):
			id, err := strconv.Atoi(value)
			if err != nil {
				return invalid(err)
			}
			b.IsLanding = id == s.cfg.LandingValueID
			b.IsDiscard = id == s.cfg.DiscardValueID
			classified = true
			continue
		}

		unit, _ := s.cfg.LookupUnit(m.PmfmID)
		sv, err := newSortingValue(param, unit, value)
		if err != nil {
			return invalid(err)
		}
		sv.PmfmID = m.PmfmID
		sv.RankOrder = NativeRankBase + len(native) + 1
		native = append(native, sv)
	}

	var values []domain.SortingValue
	if b.Parent >= 0 {
		parent := &s.tree.Batches[b.Parent]
		if !classified {
			b.IsLanding, b.IsDiscard = parent.IsLanding, parent.IsDiscard
		}
		for _, pv := range parent.SortingValues {
			if hasSameConcept(native, pv) {
				continue
			}
			cp := pv.Clone()
			cp.IsInherited = true
			cp.RankOrder = pv.RankOrder / 10
			values = append(values, cp)
		}
	}
	values = append(values, native...)
	sort.SliceStable(values, func(i, j int) bool { return values[i].RankOrder < values[j].RankOrder })

	b.SortingValues = values
	b.SortingValuesText = SortingValuesText(values)
	return nil
}

// SortingValuesText joins the display texts of values.
func SortingValuesText(values []domain.SortingValue) string {
	texts := make([]string, 0, len(values))
	for _, v := range values {
		texts = append(texts, v.Text)
	}
	return strings.Join(texts, ", ")
}

// Abbreviation returns the trailing parenthesized uppercase token of a
// parameter name: "Length (LM)" gives "LM".
func Abbreviation(name string) string {
	m := abbreviationPattern.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1]
}

func newSortingValue(param domain.ParameterDescriptor, unit domain.UnitDescriptor, value string) (domain.SortingValue, error) {
	sv := domain.SortingValue{Parameter: param.Clone(), Unit: unit}
	var text string
	switch param.Type {
	case domain.MeasurementNumeric:
		d, err := parseDecimal(value)
		if err != nil {
			return domain.SortingValue{}, err
		}
		f := d.InexactFloat64()
		sv.NumericalValue = &f
		text = d.String()
		if !unit.IsNone() {
			text += " " + strings.TrimSpace(unit.Label)
		}
	case domain.MeasurementAlphanumeric:
		v := value
		sv.AlphanumericalValue = &v
		text = v
	case domain.MeasurementDate:
		v, err := normalizeDate(value)
		if err != nil {
			return domain.SortingValue{}, err
		}
		sv.AlphanumericalValue = &v
		text = v
	case domain.MeasurementQualitative:
		id, err := strconv.Atoi(value)
		if err != nil {
			return domain.SortingValue{}, err
		}
		qv, ok := param.QualitativeValue(id)
		if !ok {
			qv = domain.QualitativeValue{ID: id, Label: UnknownQualitativeLabel}
		}
		sv.QualitativeValue = &qv
		text = qv.Label
	default:
		return domain.SortingValue{}, fmt.Errorf("unsupported measurement type %q", param.Type)
	}
	if abbr := Abbreviation(param.Name); abbr != "" {
		text = abbr + "=" + text
	}
	sv.Text = text
	return sv, nil
}

func normalizeDate(value string) (string, error) {
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, value)
		if err != nil {
			continue
		}
		if l.dateOnly {
			return t.Format("2006-01-02"), nil
		}
		return t.Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("unrecognised date %q", value)
}

func hasSameConcept(values []domain.SortingValue, other domain.SortingValue) bool {
	for _, v := range values {
		if v.PmfmID == other.PmfmID {
			return true
		}
		if v.Parameter.ParameterID != 0 && v.Parameter.ParameterID == other.Parameter.ParameterID {
			return true
		}
	}
	return false
}
