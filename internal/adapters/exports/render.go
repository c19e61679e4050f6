package exports

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"catchcore/internal/core"
)

// Format is an artifact encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// SheetName is the worksheet holding the batch rows in XLSX exports.
const SheetName = "Batches"

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// Extension is the artifact key suffix.
func (f Format) Extension() string { return string(f) }

// ContentType is the MIME type stored with the artifact.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// column renders one attribute of a batch. Value returns nil for absent values.
type column struct {
	Name  string
	Value func(core.DenormalizedBatch) any
}

func optInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func optFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func optString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// Columns lists the tabular layout shared by CSV and XLSX exports.
var Columns = []column{
	{"flat_rank_order", func(b core.DenormalizedBatch) any { return b.FlatRankOrder }},
	{"tree_level", func(b core.DenormalizedBatch) any { return b.TreeLevel }},
	{"tree_indent", func(b core.DenormalizedBatch) any { return b.TreeIndent }},
	{"id", func(b core.DenormalizedBatch) any { return b.ID }},
	{"parent_id", func(b core.DenormalizedBatch) any { return optString(b.ParentID) }},
	{"label", func(b core.DenormalizedBatch) any { return b.Label }},
	{"is_sampling_batch", func(b core.DenormalizedBatch) any { return b.IsSamplingBatch }},
	{"taxon_group_id", func(b core.DenormalizedBatch) any { return optInt(b.TaxonGroupID) }},
	{"taxon_name_id", func(b core.DenormalizedBatch) any { return optInt(b.TaxonNameID) }},
	{"location_id", func(b core.DenormalizedBatch) any { return optInt(b.LocationID) }},
	{"inherited_taxon_group_id", func(b core.DenormalizedBatch) any { return optInt(b.InheritedTaxonGroupID) }},
	{"inherited_taxon_name_id", func(b core.DenormalizedBatch) any { return optInt(b.InheritedTaxonNameID) }},
	{"inherited_location_id", func(b core.DenormalizedBatch) any { return optInt(b.InheritedLocationID) }},
	{"exhaustive_inventory", func(b core.DenormalizedBatch) any { return optBool(b.ExhaustiveInventory) }},
	{"quality_flag_id", func(b core.DenormalizedBatch) any { return b.QualityFlagID }},
	{"weight", func(b core.DenormalizedBatch) any { return optFloat(b.Weight) }},
	{"weight_method_id", func(b core.DenormalizedBatch) any { return optInt(b.WeightMethodID) }},
	{"individual_count", func(b core.DenormalizedBatch) any { return optInt(b.IndividualCount) }},
	{"indirect_weight", func(b core.DenormalizedBatch) any { return optFloat(b.IndirectWeight) }},
	{"indirect_individual_count", func(b core.DenormalizedBatch) any { return optInt(b.IndirectIndividualCount) }},
	{"sampling_ratio", func(b core.DenormalizedBatch) any { return optFloat(b.SamplingRatio) }},
	{"sampling_ratio_text", func(b core.DenormalizedBatch) any { return b.SamplingRatioText }},
	{"elevate_factor", func(b core.DenormalizedBatch) any { return optFloat(b.ElevateFactor) }},
	{"elevate_weight", func(b core.DenormalizedBatch) any { return optFloat(b.ElevateWeight) }},
	{"elevate_individual_count", func(b core.DenormalizedBatch) any { return optInt(b.ElevateIndividualCount) }},
	{"is_landing", func(b core.DenormalizedBatch) any { return b.IsLanding }},
	{"is_discard", func(b core.DenormalizedBatch) any { return b.IsDiscard }},
	{"sorting_values_text", func(b core.DenormalizedBatch) any { return b.SortingValuesText }},
	{"comments", func(b core.DenormalizedBatch) any { return b.Comments }},
}

// Document is the JSON export payload.
type Document struct {
	Catch   core.CatchRef            `json:"catch"`
	Batches []core.DenormalizedBatch `json:"batches"`
}

// Render encodes the denormalized list of ref in format.
func Render(format Format, ref core.CatchRef, tree core.DenormalizedTree) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(ref, tree)
	case FormatCSV:
		return renderCSV(tree)
	case FormatXLSX:
		return renderXLSX(tree)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func renderJSON(ref core.CatchRef, tree core.DenormalizedTree) ([]byte, error) {
	batches := tree.Batches
	if batches == nil {
		batches = []core.DenormalizedBatch{}
	}
	payload, err := json.MarshalIndent(Document{Catch: ref, Batches: batches}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return payload, nil
}

func renderCSV(tree core.DenormalizedTree) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	headers := make([]string, len(Columns))
	for i, c := range Columns {
		headers[i] = c.Name
	}
	if err := writer.Write(headers); err != nil {
		return nil, err
	}
	for _, batch := range tree.Batches {
		row := make([]string, len(Columns))
		for i, c := range Columns {
			row[i] = FormatValue(c.Value(batch))
		}
		if err := writer.Write(row); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(tree core.DenormalizedTree) (payload []byte, err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	header, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#D9E1F2"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}
	for i, c := range Columns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(SheetName, cell, c.Name); err != nil {
			return nil, err
		}
	}
	last, err := excelize.CoordinatesToCellName(len(Columns), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetName, "A1", last, header); err != nil {
		return nil, err
	}
	for r, batch := range tree.Batches {
		for i, c := range Columns {
			v := c.Value(batch)
			if v == nil {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(i+1, r+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return nil, fmt.Errorf("set %s: %w", cell, err)
			}
		}
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// FormatValue renders a cell for text formats. Floats are printed exactly,
// without exponent notation.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return decimal.NewFromFloat(val).String()
	default:
		return fmt.Sprint(val)
	}
}
