package denormalize

import (
	"fmt"

	"catchcore/pkg/domain"
)

// RootIndent is the tree indent of the catch root.
const RootIndent = "-"

// state is the arena for one denormalization: batches are addressed by
// handle (their index, equal to FlatRankOrder-1) and sources[h] is the source
// batch that produced batches[h].
type state struct {
	cfg     Config
	tree    domain.DenormalizedTree
	sources []*domain.SourceBatch
	// continuation is the indent prefix inherited by a batch's children.
	continuation []string
}

// Denormalize flattens the tree rooted at root. The returned tree lists every
// batch once in pre-order, root first. Hard failures (invalid measurement
// values, unknown references, exhausted caps) return no tree at all.
func Denormalize(root domain.SourceBatch, cfg Config) (domain.DenormalizedTree, error) {
	s := &state{cfg: cfg.withDefaults()}
	if err := s.linearize(&root, -1, 1, false); err != nil {
		return domain.DenormalizedTree{}, err
	}
	if err := s.computeIndirectValues(); err != nil {
		return domain.DenormalizedTree{}, err
	}
	s.computeElevatedValues()
	return s.tree, nil
}

// DenormalizeRows assembles flat rows into a tree and denormalizes it.
func DenormalizeRows(rows []domain.SourceBatch, cfg Config) (domain.DenormalizedTree, []domain.Warning, error) {
	root, warnings, err := AssembleTree(rows)
	if err != nil {
		return domain.DenormalizedTree{}, warnings, err
	}
	tree, err := Denormalize(root, cfg)
	if err != nil {
		return domain.DenormalizedTree{}, warnings, err
	}
	return tree, warnings, nil
}

// linearize appends src and its subtree in pre-order, applying inheritance
// and sorting value mapping on the way down so that every parent is complete
// before its children are visited.
func (s *state) linearize(src *domain.SourceBatch, parent, level int, last bool) error {
	if level > s.cfg.MaxDepth {
		return fmt.Errorf("batch %s: tree deeper than %d levels: %w", src.ID, s.cfg.MaxDepth, domain.ErrResourceExhausted)
	}
	if len(s.tree.Batches) >= s.cfg.MaxNodes {
		return fmt.Errorf("tree larger than %d batches: %w", s.cfg.MaxNodes, domain.ErrResourceExhausted)
	}

	h := len(s.tree.Batches)
	b := newDenormalizedBatch(src, h, parent, level)
	b.IsSamplingBatch = parent >= 0 && s.cfg.IsSamplingBatch(*src)
	b.TreeIndent, b.Children = RootIndent, nil
	continuation := ""
	if parent >= 0 {
		prefix := s.continuation[parent]
		if last {
			b.TreeIndent, continuation = prefix+`\-`, prefix+"  "
		} else {
			b.TreeIndent, continuation = prefix+"|-", prefix+"| "
		}
		parentID := s.tree.Batches[parent].ID
		b.ParentID = &parentID
		s.tree.Batches[parent].Children = append(s.tree.Batches[parent].Children, h)
	}
	s.tree.Batches = append(s.tree.Batches, b)
	s.sources = append(s.sources, src)
	s.continuation = append(s.continuation, continuation)

	s.inherit(h)
	if err := s.mapMeasurements(h); err != nil {
		return err
	}

	for i := range src.Children {
		if err := s.linearize(&src.Children[i], h, level+1, i == len(src.Children)-1); err != nil {
			return err
		}
	}
	return nil
}

func newDenormalizedBatch(src *domain.SourceBatch, h, parent, level int) domain.DenormalizedBatch {
	cp := src.Clone()
	return domain.DenormalizedBatch{
		ID:                  cp.ID,
		Label:               cp.Label,
		RankOrder:           cp.RankOrder,
		Comments:            cp.Comments,
		TreeLevel:           level,
		FlatRankOrder:       h + 1,
		Parent:              parent,
		TaxonGroupID:        cp.TaxonGroupID,
		TaxonNameID:         cp.TaxonNameID,
		LocationID:          cp.LocationID,
		ExhaustiveInventory: cp.ExhaustiveInventory,
		Weight:              cp.Weight,
		IndividualCount:     cp.IndividualCount,
		SamplingRatio:       cp.SamplingRatio,
		SamplingRatioText:   cp.SamplingRatioText,
	}
}

// inherit resolves the attributes a batch takes from its ancestors.
func (s *state) inherit(h int) {
	b := &s.tree.Batches[h]
	src := s.sources[h]

	b.QualityFlagID = s.cfg.DefaultQualityFlagID
	if src.QualityFlagID != nil {
		b.QualityFlagID = *src.QualityFlagID
	}

	if b.Parent < 0 {
		b.InheritedTaxonGroupID = cloneInt(b.TaxonGroupID)
		b.InheritedTaxonNameID = cloneInt(b.TaxonNameID)
		b.InheritedLocationID = cloneInt(b.LocationID)
		s.applyOutOfStats(h)
		return
	}

	p := &s.tree.Batches[b.Parent]
	b.InheritedTaxonGroupID = firstInt(b.TaxonGroupID, p.InheritedTaxonGroupID)
	b.InheritedTaxonNameID = firstInt(b.TaxonNameID, p.InheritedTaxonNameID)
	b.InheritedLocationID = firstInt(b.LocationID, p.InheritedLocationID)
	if b.ExhaustiveInventory == nil && p.ExhaustiveInventory != nil {
		v := *p.ExhaustiveInventory
		b.ExhaustiveInventory = &v
	}
	if p.QualityFlagID > b.QualityFlagID {
		b.QualityFlagID = p.QualityFlagID
	}
	s.applyOutOfStats(h)
}

// applyOutOfStats clears exhaustive inventory on a batch flagged out of
// statistics, and on its parent whose children no longer add up.
func (s *state) applyOutOfStats(h int) {
	threshold := s.cfg.OutOfStatsQualityFlagID
	b := &s.tree.Batches[h]
	if threshold <= 0 || b.QualityFlagID < threshold {
		return
	}
	no := false
	b.ExhaustiveInventory = &no
	if b.Parent >= 0 {
		parentNo := false
		s.tree.Batches[b.Parent].ExhaustiveInventory = &parentNo
	}
}

func firstInt(own, inherited *int) *int {
	if own != nil {
		return cloneInt(own)
	}
	return cloneInt(inherited)
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func isTrue(v *bool) bool { return v != nil && *v }
