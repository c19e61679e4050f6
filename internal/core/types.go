package core

import "catchcore/pkg/domain"

type (
	EntityType         = domain.EntityType
	Severity           = domain.Severity
	CatchRef           = domain.CatchRef
	CatchKind          = domain.CatchKind
	SourceBatch        = domain.SourceBatch
	DenormalizedBatch  = domain.DenormalizedBatch
	DenormalizedTree   = domain.DenormalizedTree
	Warning            = domain.Warning
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
)

const (
	EntitySourceBatch       = domain.EntitySourceBatch
	EntityDenormalizedBatch = domain.EntityDenormalizedBatch
)

const (
	CatchKindOperation = domain.CatchKindOperation
	CatchKindSale      = domain.CatchKindSale
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
