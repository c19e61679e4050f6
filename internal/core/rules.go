package core

import (
	"context"
	"fmt"
	"math"
	"sort"

	"catchcore/internal/denormalize"
)

// Default rule names.
const (
	RuleQualityFlagMonotonic     = "quality_flag_monotonic"
	RuleTreeShape                = "tree_shape"
	RuleSamplingRatioConsistency = "sampling_ratio_consistency"
	RuleElevatedWeightBounds     = "elevated_weight_bounds"
)

// ratioTolerance is the largest accepted gap between a numeric sampling
// ratio and the ratio its text expresses.
const ratioTolerance = 1e-6

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewQualityFlagMonotonicRule())
	engine.Register(NewTreeShapeRule())
	engine.Register(NewSamplingRatioConsistencyRule())
	engine.Register(NewElevatedWeightBoundsRule())
	return engine
}

// changedCatches returns the catches touched by changes on entity, in key order.
func changedCatches(changes []Change, entity EntityType) []CatchRef {
	seen := make(map[string]CatchRef)
	for _, c := range changes {
		if c.Entity != entity || c.Action == ActionDelete {
			continue
		}
		seen[c.Catch.String()] = c.Catch
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]CatchRef, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

// NewQualityFlagMonotonicRule blocks denormalized lists where a batch carries
// a lower quality flag than its parent.
func NewQualityFlagMonotonicRule() Rule {
	return qualityFlagMonotonicRule{}
}

type qualityFlagMonotonicRule struct{}

func (qualityFlagMonotonicRule) Name() string { return RuleQualityFlagMonotonic }

func (qualityFlagMonotonicRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ref := range changedCatches(changes, EntityDenormalizedBatch) {
		tree, ok := view.Denormalized(ref)
		if !ok {
			continue
		}
		for i, b := range tree.Batches {
			parent, ok := tree.Parent(i)
			if !ok || b.QualityFlagID >= parent.QualityFlagID {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleQualityFlagMonotonic,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("catch %s: batch %s quality flag %d below parent %s flag %d", ref, b.ID, b.QualityFlagID, parent.ID, parent.QualityFlagID),
				Entity:   EntityDenormalizedBatch,
				EntityID: b.ID,
			})
		}
	}
	return res, nil
}

// NewTreeShapeRule blocks denormalized lists that are not a pre-order
// listing: flat rank orders must run 1..N and each level must be its
// parent's plus one.
func NewTreeShapeRule() Rule {
	return treeShapeRule{}
}

type treeShapeRule struct{}

func (treeShapeRule) Name() string { return RuleTreeShape }

func (treeShapeRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ref := range changedCatches(changes, EntityDenormalizedBatch) {
		tree, ok := view.Denormalized(ref)
		if !ok {
			continue
		}
		block := func(id, format string, args ...any) {
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleTreeShape,
				Severity: SeverityBlock,
				Message:  fmt.Sprintf("catch %s: ", ref) + fmt.Sprintf(format, args...),
				Entity:   EntityDenormalizedBatch,
				EntityID: id,
			})
		}
		for i, b := range tree.Batches {
			if b.FlatRankOrder != i+1 {
				block(b.ID, "batch %s at position %d has flat rank order %d", b.ID, i+1, b.FlatRankOrder)
			}
			parent, hasParent := tree.Parent(i)
			switch {
			case i == 0 && (hasParent || b.TreeLevel != 1):
				block(b.ID, "root batch %s must be parentless at level 1", b.ID)
			case i > 0 && !hasParent:
				block(b.ID, "batch %s has no parent", b.ID)
			case hasParent && b.TreeLevel != parent.TreeLevel+1:
				block(b.ID, "batch %s level %d under parent level %d", b.ID, b.TreeLevel, parent.TreeLevel)
			case hasParent && b.Parent >= i:
				block(b.ID, "batch %s listed before its parent %s", b.ID, parent.ID)
			}
		}
	}
	return res, nil
}

// NewSamplingRatioConsistencyRule warns when a source batch carries both a
// numeric sampling ratio and a ratio text that disagree. The text wins
// during denormalization.
func NewSamplingRatioConsistencyRule() Rule {
	return samplingRatioConsistencyRule{}
}

type samplingRatioConsistencyRule struct{}

func (samplingRatioConsistencyRule) Name() string { return RuleSamplingRatioConsistency }

func (samplingRatioConsistencyRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ref := range changedCatches(changes, EntitySourceBatch) {
		for _, b := range view.SourceBatches(ref) {
			if b.SamplingRatio == nil || b.SamplingRatioText == "" {
				continue
			}
			num, den, ok := denormalize.ParseRatioText(b.SamplingRatioText)
			if !ok {
				continue
			}
			fromText := num.Div(den).InexactFloat64()
			if math.Abs(fromText-*b.SamplingRatio) <= ratioTolerance {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleSamplingRatioConsistency,
				Severity: SeverityWarn,
				Message:  fmt.Sprintf("catch %s: batch %s sampling ratio %g disagrees with ratio text %q", ref, b.ID, *b.SamplingRatio, b.SamplingRatioText),
				Entity:   EntitySourceBatch,
				EntityID: b.ID,
			})
		}
	}
	return res, nil
}

// NewElevatedWeightBoundsRule warns when a batch's elevated weight exceeds
// the elevated weight of its parent.
func NewElevatedWeightBoundsRule() Rule {
	return elevatedWeightBoundsRule{}
}

type elevatedWeightBoundsRule struct{}

func (elevatedWeightBoundsRule) Name() string { return RuleElevatedWeightBounds }

func (elevatedWeightBoundsRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	res := Result{}
	for _, ref := range changedCatches(changes, EntityDenormalizedBatch) {
		tree, ok := view.Denormalized(ref)
		if !ok {
			continue
		}
		for i, b := range tree.Batches {
			parent, ok := tree.Parent(i)
			if !ok || b.ElevateWeight == nil || parent.ElevateWeight == nil {
				continue
			}
			if *b.ElevateWeight <= *parent.ElevateWeight+ratioTolerance {
				continue
			}
			res.Violations = append(res.Violations, Violation{
				Rule:     RuleElevatedWeightBounds,
				Severity: SeverityWarn,
				Message:  fmt.Sprintf("catch %s: batch %s elevated weight %g exceeds parent %s elevated weight %g", ref, b.ID, *b.ElevateWeight, parent.ID, *parent.ElevateWeight),
				Entity:   EntityDenormalizedBatch,
				EntityID: b.ID,
			})
		}
	}
	return res, nil
}
