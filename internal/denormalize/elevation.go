package denormalize

import "math"

// computeElevatedValues scales effective weights and counts to the whole
// catch. Handles are visited in pre-order so a parent's factor is final
// before its children read it. The root factor is 1; every other batch
// multiplies its parent's factor by its own resolved one, which is recorded
// in SamplingRatio.
func (s *state) computeElevatedValues() {
	for h := range s.tree.Batches {
		b := &s.tree.Batches[h]
		factor := 1.0
		if b.Parent >= 0 {
			factor = *s.tree.Batches[b.Parent].ElevateFactor
			if r, ok := s.resolveSamplingRatio(h); ok {
				value := r.value
				b.SamplingRatio = &value
				factor *= r.factor
			}
		}
		f := factor
		b.ElevateFactor = &f

		if w := b.EffectiveWeight(); w != nil {
			ew := elevate(*w, factor)
			b.ElevateWeight = &ew
		}
		if n := b.EffectiveIndividualCount(); n != nil {
			en := int(math.Trunc(elevate(float64(*n), factor)))
			b.ElevateIndividualCount = &en
		}
	}
}

// elevate returns v scaled by factor, rounded to six decimals so that
// truncated counts do not lose a unit to float error.
func elevate(v, factor float64) float64 {
	if factor == 1 {
		return v
	}
	return round6(v * factor)
}
