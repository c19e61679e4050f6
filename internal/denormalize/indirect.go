package denormalize

import (
	"fmt"

	"catchcore/pkg/domain"
)

// computeIndirectValues fills IndirectWeight and IndirectIndividualCount by
// fixed-point iteration over handles in descending flat rank order. A value
// is written at most once, so a tree of N batches settles within 2N+1
// passes; hitting the bound means the caps were set too low.
func (s *state) computeIndirectValues() error {
	n := len(s.tree.Batches)
	limit := s.cfg.MaxPasses
	if limit <= 0 {
		limit = 2*n + 1
	}
	for pass := 0; pass < limit; pass++ {
		changed := false
		for h := n - 1; h >= 0; h-- {
			if s.inferWeight(h) {
				changed = true
			}
			if s.inferIndividualCount(h) {
				changed = true
			}
		}
		if !changed {
			return nil
		}
	}
	return fmt.Errorf("indirect values unsettled after %d passes: %w", limit, domain.ErrResourceExhausted)
}

func (s *state) inferWeight(h int) bool {
	b := &s.tree.Batches[h]
	if b.Weight != nil || b.IndirectWeight != nil {
		return false
	}
	w, ok := 0.0, false
	if b.IsSamplingBatch {
		w, ok = s.samplingBatchWeight(h)
	}
	if !ok {
		w, ok = s.parentWeightFromSamplingChild(h)
	}
	// Only an exhaustive inventory may be summed; its children need not be.
	if !ok && isTrue(b.ExhaustiveInventory) {
		w, ok = s.childrenWeightSum(h)
	}
	if !ok {
		return false
	}
	w = round6(w)
	b.IndirectWeight = &w
	return true
}

func (s *state) inferIndividualCount(h int) bool {
	b := &s.tree.Batches[h]
	if b.IndividualCount != nil || b.IndirectIndividualCount != nil || !isTrue(b.ExhaustiveInventory) {
		return false
	}
	n, ok := s.childrenCountSum(h)
	if !ok {
		return false
	}
	b.IndirectIndividualCount = &n
	return true
}
