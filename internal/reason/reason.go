// Package reason holds the closed catalog of reason codes carried by every
// gate and decision outcome (spec.md §6). The set is closed: IsKnown is
// consulted on every terminal path, and an unknown code fails closed.
package reason

// Code is a stable positive identifier categorizing a gate/decision outcome.
type Code int64

// Catalog. Values are stable once assigned; never renumber a released code.
const (
	// Tenant / clarify
	NeedsClarify            Code = 1001
	ClarifyOwnerViolation   Code = 1002
	CorrelationTurnConflict Code = 1003

	// Access
	AccessAllow             Code = 1100
	AccessDeny              Code = 1101
	AccessEscalate          Code = 1102
	ApApprovalRequired      Code = 1103
	AccessOverlayConflict   Code = 1104

	// Policy
	PolicyDuplicatePrompt   Code = 1200
	PolicySnapshotInvalid   Code = 1201

	// Work / lease
	WaitForLease            Code = 1300
	LeaseConflict           Code = 1301
	LeaseExpired            Code = 1302
	LeaseTakenOver          Code = 1303

	// Quota
	QuotaAllow              Code = 1400
	QuotaWait               Code = 1401
	QuotaRefuse             Code = 1402

	// Simulation
	SimulationDraftMissing  Code = 1500
	SimulationCommitRejected Code = 1501
	SimulationDuplicateCommit Code = 1502

	// Budget
	BudgetExceeded          Code = 1600

	// Runtime boundary
	RuntimeBoundaryViolation Code = 1700

	// Storage
	StorageInvalidSchema    Code = 1800 // D_FAIL_INVALID_SCHEMA
	StorageIdempotencyConflict Code = 1801
	StorageForeignKeyViolation Code = 1802

	// Health report
	HealthDateRangeInvalid  Code = 1900 // PH1_HEALTH_DATE_RANGE_INVALID
	PrefetchBudgetExceeded  Code = 1901 // PH1_PREFETCH_BUDGET_EXCEEDED

	// Builder release controller
	StaleCanaryTelemetry    Code = 2000
	JudgeEvidenceMissing    Code = 2001
	JudgeEvidenceNotAccept  Code = 2002
	ApprovalArithmeticUnmet Code = 2003
	ValidationGateFailed    Code = 2004
	DailyReviewStale        Code = 2005
	EvidenceRefMissing      Code = 2006
	AutoRollbackTriggered   Code = 2007
)

var names = map[Code]string{
	NeedsClarify:               "NEEDS_CLARIFY",
	ClarifyOwnerViolation:      "CLARIFY_OWNER_VIOLATION",
	CorrelationTurnConflict:    "CORRELATION_TURN_CONFLICT",
	AccessAllow:                "ACCESS_ALLOW",
	AccessDeny:                 "ACCESS_DENY",
	AccessEscalate:             "ACCESS_ESCALATE",
	ApApprovalRequired:         "AP_APPROVAL_REQUIRED",
	AccessOverlayConflict:      "ACCESS_OVERLAY_CONFLICT",
	PolicyDuplicatePrompt:      "POLICY_DUPLICATE_PROMPT",
	PolicySnapshotInvalid:      "POLICY_SNAPSHOT_INVALID",
	WaitForLease:               "WAIT_FOR_LEASE",
	LeaseConflict:              "LEASE_CONFLICT",
	LeaseExpired:               "LEASE_EXPIRED",
	LeaseTakenOver:             "LEASE_TAKEN_OVER",
	QuotaAllow:                 "QUOTA_ALLOW",
	QuotaWait:                  "QUOTA_WAIT",
	QuotaRefuse:                "QUOTA_REFUSE",
	SimulationDraftMissing:     "SIMULATION_DRAFT_MISSING",
	SimulationCommitRejected:   "SIMULATION_COMMIT_REJECTED",
	SimulationDuplicateCommit:  "SIMULATION_DUPLICATE_COMMIT",
	BudgetExceeded:             "BUDGET_EXCEEDED",
	RuntimeBoundaryViolation:   "RUNTIME_BOUNDARY_VIOLATION",
	StorageInvalidSchema:       "D_FAIL_INVALID_SCHEMA",
	StorageIdempotencyConflict: "STORAGE_IDEMPOTENCY_CONFLICT",
	StorageForeignKeyViolation: "STORAGE_FOREIGN_KEY_VIOLATION",
	HealthDateRangeInvalid:     "PH1_HEALTH_DATE_RANGE_INVALID",
	PrefetchBudgetExceeded:     "PH1_PREFETCH_BUDGET_EXCEEDED",
	StaleCanaryTelemetry:       "STALE_CANARY_TELEMETRY",
	JudgeEvidenceMissing:       "JUDGE_EVIDENCE_MISSING",
	JudgeEvidenceNotAccept:     "JUDGE_EVIDENCE_NOT_ACCEPT",
	ApprovalArithmeticUnmet:    "APPROVAL_ARITHMETIC_UNMET",
	ValidationGateFailed:       "VALIDATION_GATE_FAILED",
	DailyReviewStale:           "DAILY_REVIEW_STALE",
	EvidenceRefMissing:         "EVIDENCE_REF_MISSING",
	AutoRollbackTriggered:      "AUTO_ROLLBACK_TRIGGERED",
}

// String renders the stable mnemonic for a code, or "UNKNOWN" if the code
// is not in the closed catalog.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "UNKNOWN"
}

// IsKnown reports whether c belongs to the closed catalog. Every terminal
// path must check this and fail closed on false.
func IsKnown(c Code) bool {
	_, ok := names[c]
	return ok && c > 0
}
