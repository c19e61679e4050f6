package denormalize

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"catchcore/pkg/domain"
)

// ratio is a resolved sampling ratio and its inverse, the elevate factor.
// When the ratio came from a text fraction, numerator and denominator keep
// the literal parts.
type ratio struct {
	value       float64
	factor      float64
	fromText    bool
	numerator   decimal.Decimal
	denominator decimal.Decimal
}

// ParseRatioText parses a sampling ratio written as a fraction such as "1/8"
// or "2,5/10" and returns its numerator and denominator. Both parts must be
// positive numbers.
func ParseRatioText(text string) (numerator, denominator decimal.Decimal, ok bool) {
	num, den, found := strings.Cut(strings.TrimSpace(text), "/")
	if !found {
		return decimal.Zero, decimal.Zero, false
	}
	n, err := parseDecimal(num)
	if err != nil || !n.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	d, err := parseDecimal(den)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return n, d, true
}

func parseDecimal(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", "."))
}

// explicitRatio applies the explicit rule: a ratio text fraction wins over
// the numeric field, which is used alone when the text is absent or invalid.
func explicitRatio(b *domain.DenormalizedBatch) (ratio, bool) {
	if num, den, ok := ParseRatioText(b.SamplingRatioText); ok {
		return ratio{
			value:       num.Div(den).InexactFloat64(),
			factor:      den.Div(num).InexactFloat64(),
			fromText:    true,
			numerator:   num,
			denominator: den,
		}, true
	}
	if b.SamplingRatio != nil && isPositive(*b.SamplingRatio) {
		return ratio{value: *b.SamplingRatio, factor: 1 / *b.SamplingRatio}, true
	}
	return ratio{}, false
}

// resolveSamplingRatio resolves the ratio of the batch at h to its parent by
// the first rule that applies: explicit ratio, own weight over parent weight,
// then children weight sum over parent weight. The last two only apply to
// sampling batches.
func (s *state) resolveSamplingRatio(h int) (ratio, bool) {
	b := &s.tree.Batches[h]
	if r, ok := explicitRatio(b); ok {
		return r, true
	}
	if b.Parent < 0 || !b.IsSamplingBatch {
		return ratio{}, false
	}
	parentWeight, ok := positive(s.tree.Batches[b.Parent].EffectiveWeight())
	if !ok {
		return ratio{}, false
	}
	if w, ok := positive(b.EffectiveWeight()); ok {
		return ratio{value: w / parentWeight, factor: parentWeight / w}, true
	}
	if len(b.Children) == 0 {
		return ratio{}, false
	}
	sum, ok := s.childrenWeightSum(h)
	if !ok || !isPositive(sum) {
		return ratio{}, false
	}
	return ratio{value: sum / parentWeight, factor: parentWeight / sum}, true
}

// samplingBatchWeight infers the weight of a sampling batch from its parent's
// weight and its resolved ratio. A text denominator equal to the parent
// weight means the numerator is the sample weight itself.
func (s *state) samplingBatchWeight(h int) (float64, bool) {
	b := &s.tree.Batches[h]
	if b.Parent < 0 {
		return 0, false
	}
	parentWeight, ok := positive(s.tree.Batches[b.Parent].EffectiveWeight())
	if !ok {
		return 0, false
	}
	r, ok := s.resolveSamplingRatio(h)
	if !ok {
		return 0, false
	}
	if r.fromText && r.denominator.Equal(decimal.NewFromFloat(parentWeight)) {
		return r.numerator.InexactFloat64(), true
	}
	return parentWeight * r.value, true
}

// parentWeightFromSamplingChild infers the weight of the batch at h from its
// only sampling child. A text numerator equal to the child's weight means the
// denominator is the parent weight itself.
func (s *state) parentWeightFromSamplingChild(h int) (float64, bool) {
	child := -1
	for _, c := range s.tree.Batches[h].Children {
		if !s.tree.Batches[c].IsSamplingBatch {
			continue
		}
		if child >= 0 {
			return 0, false
		}
		child = c
	}
	if child < 0 {
		return 0, false
	}
	c := &s.tree.Batches[child]
	w, ok := positive(c.EffectiveWeight())
	if !ok {
		return 0, false
	}
	r, ok := explicitRatio(c)
	if !ok {
		return 0, false
	}
	if r.fromText && r.numerator.Equal(decimal.NewFromFloat(w)) {
		return r.denominator.InexactFloat64(), true
	}
	return w / r.value, true
}

// childrenWeightSum sums the effective weights of the children of h,
// descending into children without a weight. Any unresolved branch fails
// the whole sum.
func (s *state) childrenWeightSum(h int) (float64, bool) {
	children := s.tree.Batches[h].Children
	if len(children) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, c := range children {
		child := &s.tree.Batches[c]
		if w := child.EffectiveWeight(); w != nil {
			sum += *w
			continue
		}
		w, ok := s.childrenWeightSum(c)
		if !ok {
			return 0, false
		}
		sum += w
	}
	return sum, true
}

// childrenCountSum mirrors childrenWeightSum over individual counts.
func (s *state) childrenCountSum(h int) (int, bool) {
	children := s.tree.Batches[h].Children
	if len(children) == 0 {
		return 0, false
	}
	sum := 0
	for _, c := range children {
		child := &s.tree.Batches[c]
		if n := child.EffectiveIndividualCount(); n != nil {
			sum += *n
			continue
		}
		n, ok := s.childrenCountSum(c)
		if !ok {
			return 0, false
		}
		sum += n
	}
	return sum, true
}

func positive(v *float64) (float64, bool) {
	if v == nil || !isPositive(*v) {
		return 0, false
	}
	return *v, true
}

func isPositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// round6 rounds inferred quantities to six decimals, dropping float noise
// from ratio products.
func round6(v float64) float64 {
	return decimal.NewFromFloat(v).Round(6).InexactFloat64()
}
