package domain

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted is returned when a computation exceeds its iteration,
// depth or size caps, which only malformed input trees can trigger.
var ErrResourceExhausted = errors.New("resource exhausted")

// ErrNotFound is returned when a referenced catch or record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// InvalidMeasurementValueError reports a measurement whose raw value does not
// parse as the type declared by its pmfm.
type InvalidMeasurementValueError struct {
	BatchID    string
	BatchLabel string
	PmfmID     int
	Value      string
	Type       MeasurementType
	Err        error
}

func (e *InvalidMeasurementValueError) Error() string {
	msg := fmt.Sprintf("batch %s (%s): invalid %s value %q for pmfm %d", e.BatchID, e.BatchLabel, e.Type, e.Value, e.PmfmID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidMeasurementValueError) Unwrap() error { return e.Err }

// UnknownReferenceError reports a reference (pmfm, unit, taxon...) used for
// enrichment that the reference data does not know.
type UnknownReferenceError struct {
	BatchID    string
	BatchLabel string
	Reference  string
	ID         int
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("batch %s (%s): unknown %s %d", e.BatchID, e.BatchLabel, e.Reference, e.ID)
}

// WarningCode classifies soft diagnostics raised while building a tree.
type WarningCode string

// Diagnostics that never abort a computation.
const (
	WarningAmbiguousRoot WarningCode = "ambiguous_root_batch"
	WarningOrphanBatch   WarningCode = "orphan_batch"
	WarningCycle         WarningCode = "batch_cycle"
)

// Warning is a soft diagnostic attached to a batch.
type Warning struct {
	Code    WarningCode `json:"code"`
	BatchID string      `json:"batch_id"`
	Message string      `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Code, w.Message)
}
