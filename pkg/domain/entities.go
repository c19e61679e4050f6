// Package domain defines the persistent catch batch entities, value types,
// and rule evaluation primitives used by catchcore.
package domain

import (
	"fmt"
	"strings"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntitySourceBatch identifies a raw catch batch row as captured on board or at sale.
	EntitySourceBatch EntityType = "source_batch"
	// EntityDenormalizedBatch identifies a computed, flattened batch record.
	EntityDenormalizedBatch EntityType = "denormalized_batch"
)

// CatchKind identifies what a catch batch tree hangs off.
type CatchKind string

// Catch parents recognised by the stores.
const (
	CatchKindOperation CatchKind = "operation"
	CatchKindSale      CatchKind = "sale"
)

// CatchRef keys a batch tree by its parent fishing operation or sale.
type CatchRef struct {
	Kind CatchKind `json:"kind"`
	ID   string    `json:"id"`
}

// String renders the ref as kind/id, the form used for storage keys.
func (r CatchRef) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Validate reports whether the ref can be used as a storage key.
func (r CatchRef) Validate() error {
	switch r.Kind {
	case CatchKindOperation, CatchKindSale:
	default:
		return fmt.Errorf("unknown catch kind %q", r.Kind)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("catch %s id required", r.Kind)
	}
	return nil
}

// ParseCatchRef parses the kind/id form produced by CatchRef.String.
func ParseCatchRef(s string) (CatchRef, error) {
	kind, id, ok := strings.Cut(s, "/")
	if !ok {
		return CatchRef{}, fmt.Errorf("invalid catch ref %q", s)
	}
	ref := CatchRef{Kind: CatchKind(kind), ID: id}
	return ref, ref.Validate()
}

// MeasurementType is the value type declared by a pmfm.
type MeasurementType string

// Measurement value types.
const (
	MeasurementNumeric      MeasurementType = "numeric"
	MeasurementAlphanumeric MeasurementType = "alphanumeric"
	MeasurementQualitative  MeasurementType = "qualitative"
	MeasurementDate         MeasurementType = "date"
)

// Measurement is a raw pmfm value attached to a batch. The value is kept as
// text; its interpretation depends on the pmfm's declared type.
type Measurement struct {
	PmfmID int    `json:"pmfm_id"`
	Value  string `json:"value"`
}

// SourceBatch is a catch batch as captured, possibly nested. Only the fields
// actually observed are set.
type SourceBatch struct {
	ID                  string        `json:"id"`
	ParentID            *string       `json:"parent_id,omitempty"`
	Label               string        `json:"label"`
	RankOrder           *int          `json:"rank_order,omitempty"`
	Weight              *float64      `json:"weight,omitempty"`
	IndividualCount     *int          `json:"individual_count,omitempty"`
	SamplingRatio       *float64      `json:"sampling_ratio,omitempty"`
	SamplingRatioText   string        `json:"sampling_ratio_text,omitempty"`
	ExhaustiveInventory *bool         `json:"exhaustive_inventory,omitempty"`
	TaxonGroupID        *int          `json:"taxon_group_id,omitempty"`
	TaxonNameID         *int          `json:"taxon_name_id,omitempty"`
	LocationID          *int          `json:"location_id,omitempty"`
	QualityFlagID       *int          `json:"quality_flag_id,omitempty"`
	Comments            string        `json:"comments,omitempty"`
	Measurements        []Measurement `json:"measurements,omitempty"`
	Children            []SourceBatch `json:"children,omitempty"`
}

// Count returns the number of batches in the subtree rooted at b.
func (b SourceBatch) Count() int {
	n := 1
	for _, child := range b.Children {
		n += child.Count()
	}
	return n
}

// Flatten returns the subtree as pre-order rows with parent ids set and
// children stripped, the shape stores persist.
func (b SourceBatch) Flatten() []SourceBatch {
	out := make([]SourceBatch, 0, b.Count())
	var walk func(node SourceBatch, parent *string)
	walk = func(node SourceBatch, parent *string) {
		row := node.Clone()
		row.Children = nil
		if parent != nil {
			row.ParentID = cloneString(parent)
		}
		out = append(out, row)
		id := node.ID
		for _, child := range node.Children {
			walk(child, &id)
		}
	}
	walk(b, b.ParentID)
	return out
}

// Clone returns a deep copy of the batch and its subtree.
func (b SourceBatch) Clone() SourceBatch {
	cp := b
	cp.ParentID = cloneString(b.ParentID)
	cp.RankOrder = cloneInt(b.RankOrder)
	cp.Weight = cloneFloat(b.Weight)
	cp.IndividualCount = cloneInt(b.IndividualCount)
	cp.SamplingRatio = cloneFloat(b.SamplingRatio)
	cp.ExhaustiveInventory = cloneBool(b.ExhaustiveInventory)
	cp.TaxonGroupID = cloneInt(b.TaxonGroupID)
	cp.TaxonNameID = cloneInt(b.TaxonNameID)
	cp.LocationID = cloneInt(b.LocationID)
	cp.QualityFlagID = cloneInt(b.QualityFlagID)
	if b.Measurements != nil {
		cp.Measurements = append([]Measurement(nil), b.Measurements...)
	}
	if b.Children != nil {
		cp.Children = make([]SourceBatch, len(b.Children))
		for i, child := range b.Children {
			cp.Children[i] = child.Clone()
		}
	}
	return cp
}

// QualitativeValue is one allowed value of a qualitative parameter.
type QualitativeValue struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
	Name  string `json:"name,omitempty"`
}

// ParameterDescriptor describes the parameter behind a pmfm.
type ParameterDescriptor struct {
	PmfmID            int                `json:"pmfm_id"`
	ParameterID       int                `json:"parameter_id,omitempty"`
	Label             string             `json:"label"`
	Name              string             `json:"name"`
	Type              MeasurementType    `json:"type"`
	MethodID          *int               `json:"method_id,omitempty"`
	QualitativeValues []QualitativeValue `json:"qualitative_values,omitempty"`
}

// QualitativeValue looks up an allowed value by id.
func (p ParameterDescriptor) QualitativeValue(id int) (QualitativeValue, bool) {
	for _, qv := range p.QualitativeValues {
		if qv.ID == id {
			return qv, true
		}
	}
	return QualitativeValue{}, false
}

// Clone returns a deep copy of the descriptor.
func (p ParameterDescriptor) Clone() ParameterDescriptor {
	cp := p
	cp.MethodID = cloneInt(p.MethodID)
	if p.QualitativeValues != nil {
		cp.QualitativeValues = append([]QualitativeValue(nil), p.QualitativeValues...)
	}
	return cp
}

// UnitDescriptor describes the unit a pmfm is expressed in.
type UnitDescriptor struct {
	ID    int    `json:"id"`
	Label string `json:"label"`
}

// IsNone reports whether the unit stands for "no unit".
func (u UnitDescriptor) IsNone() bool {
	label := strings.TrimSpace(u.Label)
	return label == "" || strings.EqualFold(label, "none")
}

// SortingValue is a structured, ranked rendering of one measurement.
// Exactly one of the value fields is set.
type SortingValue struct {
	PmfmID              int                 `json:"pmfm_id"`
	Parameter           ParameterDescriptor `json:"parameter"`
	Unit                UnitDescriptor      `json:"unit"`
	RankOrder           int                 `json:"rank_order"`
	IsInherited         bool                `json:"is_inherited"`
	NumericalValue      *float64            `json:"numerical_value,omitempty"`
	AlphanumericalValue *string             `json:"alphanumerical_value,omitempty"`
	QualitativeValue    *QualitativeValue   `json:"qualitative_value,omitempty"`
	Text                string              `json:"text"`
}

// Clone returns a deep copy with no memory shared with the receiver.
func (v SortingValue) Clone() SortingValue {
	cp := v
	cp.Parameter = v.Parameter.Clone()
	cp.NumericalValue = cloneFloat(v.NumericalValue)
	cp.AlphanumericalValue = cloneString(v.AlphanumericalValue)
	if v.QualitativeValue != nil {
		qv := *v.QualitativeValue
		cp.QualitativeValue = &qv
	}
	return cp
}

// DenormalizedBatch is a batch after linearization, inheritance, inference
// and elevation. Parent and Children are handles into the owning
// DenormalizedTree.
type DenormalizedBatch struct {
	ID                      string         `json:"id"`
	ParentID                *string        `json:"parent_id,omitempty"`
	Label                   string         `json:"label"`
	RankOrder               *int           `json:"rank_order,omitempty"`
	Comments                string         `json:"comments,omitempty"`
	TreeLevel               int            `json:"tree_level"`
	FlatRankOrder           int            `json:"flat_rank_order"`
	TreeIndent              string         `json:"tree_indent"`
	Parent                  int            `json:"-"`
	Children                []int          `json:"-"`
	IsSamplingBatch         bool           `json:"is_sampling_batch"`
	TaxonGroupID            *int           `json:"taxon_group_id,omitempty"`
	TaxonNameID             *int           `json:"taxon_name_id,omitempty"`
	LocationID              *int           `json:"location_id,omitempty"`
	InheritedTaxonGroupID   *int           `json:"inherited_taxon_group_id,omitempty"`
	InheritedTaxonNameID    *int           `json:"inherited_taxon_name_id,omitempty"`
	InheritedLocationID     *int           `json:"inherited_location_id,omitempty"`
	ExhaustiveInventory     *bool          `json:"exhaustive_inventory,omitempty"`
	QualityFlagID           int            `json:"quality_flag_id"`
	Weight                  *float64       `json:"weight,omitempty"`
	WeightMethodID          *int           `json:"weight_method_id,omitempty"`
	IndividualCount         *int           `json:"individual_count,omitempty"`
	IndirectWeight          *float64       `json:"indirect_weight,omitempty"`
	IndirectIndividualCount *int           `json:"indirect_individual_count,omitempty"`
	SamplingRatio           *float64       `json:"sampling_ratio,omitempty"`
	SamplingRatioText       string         `json:"sampling_ratio_text,omitempty"`
	ElevateFactor           *float64       `json:"elevate_factor,omitempty"`
	ElevateWeight           *float64       `json:"elevate_weight,omitempty"`
	ElevateIndividualCount  *int           `json:"elevate_individual_count,omitempty"`
	IsLanding               bool           `json:"is_landing"`
	IsDiscard               bool           `json:"is_discard"`
	SortingValues           []SortingValue `json:"sorting_values,omitempty"`
	SortingValuesText       string         `json:"sorting_values_text,omitempty"`
}

// EffectiveWeight returns the direct weight, else the indirect one.
func (b DenormalizedBatch) EffectiveWeight() *float64 {
	if b.Weight != nil {
		return b.Weight
	}
	return b.IndirectWeight
}

// EffectiveIndividualCount returns the direct count, else the indirect one.
func (b DenormalizedBatch) EffectiveIndividualCount() *int {
	if b.IndividualCount != nil {
		return b.IndividualCount
	}
	return b.IndirectIndividualCount
}

// Clone returns a deep copy of the record, handles included.
func (b DenormalizedBatch) Clone() DenormalizedBatch {
	cp := b
	cp.ParentID = cloneString(b.ParentID)
	cp.RankOrder = cloneInt(b.RankOrder)
	if b.Children != nil {
		cp.Children = append([]int(nil), b.Children...)
	}
	cp.TaxonGroupID = cloneInt(b.TaxonGroupID)
	cp.TaxonNameID = cloneInt(b.TaxonNameID)
	cp.LocationID = cloneInt(b.LocationID)
	cp.InheritedTaxonGroupID = cloneInt(b.InheritedTaxonGroupID)
	cp.InheritedTaxonNameID = cloneInt(b.InheritedTaxonNameID)
	cp.InheritedLocationID = cloneInt(b.InheritedLocationID)
	cp.ExhaustiveInventory = cloneBool(b.ExhaustiveInventory)
	cp.Weight = cloneFloat(b.Weight)
	cp.WeightMethodID = cloneInt(b.WeightMethodID)
	cp.IndividualCount = cloneInt(b.IndividualCount)
	cp.IndirectWeight = cloneFloat(b.IndirectWeight)
	cp.IndirectIndividualCount = cloneInt(b.IndirectIndividualCount)
	cp.SamplingRatio = cloneFloat(b.SamplingRatio)
	cp.ElevateFactor = cloneFloat(b.ElevateFactor)
	cp.ElevateWeight = cloneFloat(b.ElevateWeight)
	cp.ElevateIndividualCount = cloneInt(b.ElevateIndividualCount)
	if b.SortingValues != nil {
		cp.SortingValues = make([]SortingValue, len(b.SortingValues))
		for i, sv := range b.SortingValues {
			cp.SortingValues[i] = sv.Clone()
		}
	}
	return cp
}

// DenormalizedTree owns the flat list of denormalized batches. Index i holds
// the batch with FlatRankOrder i+1; Parent and Children fields are indexes
// into Batches, so the slice is both the flat and the tree view.
type DenormalizedTree struct {
	Batches []DenormalizedBatch `json:"batches"`
}

// Len returns the number of batches.
func (t DenormalizedTree) Len() int { return len(t.Batches) }

// Root returns the catch batch. It panics on an empty tree.
func (t DenormalizedTree) Root() DenormalizedBatch { return t.Batches[0] }

// Parent returns the parent of the batch at handle i.
func (t DenormalizedTree) Parent(i int) (DenormalizedBatch, bool) {
	p := t.Batches[i].Parent
	if p < 0 {
		return DenormalizedBatch{}, false
	}
	return t.Batches[p], true
}

// Children returns the children of the batch at handle i in order.
func (t DenormalizedTree) Children(i int) []DenormalizedBatch {
	out := make([]DenormalizedBatch, 0, len(t.Batches[i].Children))
	for _, c := range t.Batches[i].Children {
		out = append(out, t.Batches[c])
	}
	return out
}

// Find returns the handle of the batch with the given id.
func (t DenormalizedTree) Find(id string) (int, bool) {
	for i := range t.Batches {
		if t.Batches[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// Clone returns a deep copy of the tree.
func (t DenormalizedTree) Clone() DenormalizedTree {
	out := DenormalizedTree{Batches: make([]DenormalizedBatch, len(t.Batches))}
	for i, b := range t.Batches {
		out.Batches[i] = b.Clone()
	}
	return out
}

// Relink rebuilds Parent and Children handles from ParentID, for lists read
// back from storage where only ids survive serialization. Batches must be in
// flat rank order.
func (t *DenormalizedTree) Relink() {
	index := make(map[string]int, len(t.Batches))
	for i := range t.Batches {
		index[t.Batches[i].ID] = i
		t.Batches[i].Parent = -1
		t.Batches[i].Children = nil
	}
	for i := range t.Batches {
		if t.Batches[i].ParentID == nil {
			continue
		}
		if p, ok := index[*t.Batches[i].ParentID]; ok {
			t.Batches[i].Parent = p
			t.Batches[p].Children = append(t.Batches[p].Children, i)
		}
	}
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
