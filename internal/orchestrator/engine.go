// Package orchestrator implements the Turn Orchestrator (spec.md §4.1):
// it sequences the Always-On chain, invokes Turn-Optional engines under a
// budget, runs the mandatory Gate Evaluator, and computes exactly one
// terminal directive per turn.
//
// Grounded on quantumlife-canon-core's internal/orchestrator.LoopOrchestrator
// (a seven-step loop coordinating layer services and emitting audit
// events at each step) — generalized here from the fixed seven-step Canon
// loop to Selene's configurable Always-On/Turn-Optional engine chains,
// and composed with optional-engine concurrency via golang.org/x/sync/errgroup
// (as used for bounded fan-out elsewhere in the example pack).
package orchestrator

import (
	"context"
	"time"
)

// Tier classifies when an engine is eligible to run.
type Tier string

const (
	TierAlwaysOn           Tier = "ALWAYS_ON"
	TierTurnOptional       Tier = "TURN_OPTIONAL"
	TierOfflineOnly        Tier = "OFFLINE_ONLY"
	TierEnterpriseSupport  Tier = "ENTERPRISE_SUPPORT"
)

// OptionalCostTier orders Turn-Optional engines deterministically.
type OptionalCostTier int

const (
	TierStrict OptionalCostTier = iota
	TierBalanced
	TierRich
)

// ActionClass is the Action Contract classification for one engine
// outcome (spec.md §4.1 "Outcome classification").
type ActionClass string

const (
	ActNow     ActionClass = "ACT_NOW"
	QueueLearn ActionClass = "QUEUE_LEARN"
	AuditOnly  ActionClass = "AUDIT_ONLY"
	Drop       ActionClass = "DROP"
)

// EngineOutcome is the mandatory metadata envelope attached to every
// engine outcome emitted during a turn. An outcome missing ActionClass is
// a hard fail (spec.md §4.1).
type EngineOutcome struct {
	EngineID       string
	OutcomeType    string
	CorrelationID  string
	TurnID         string
	ActionClass    ActionClass
	ConsumedBy     string
	LatencyCostMs  int64
	DecisionDelta  float64
	ReasonCode     int64
}

// Valid reports whether the outcome carries everything the Action
// Contract requires.
func (o EngineOutcome) Valid() bool {
	switch o.ActionClass {
	case ActNow, QueueLearn, AuditOnly, Drop:
	default:
		return false
	}
	return o.EngineID != "" && o.CorrelationID != "" && o.TurnID != ""
}

// Intent, NLPResult and friends are the bounded outputs the orchestrator
// consumes from external engines (spec.md §1 "Out of scope: Specific
// engines' internal algorithms... The orchestrator consumes their bounded
// outputs"). Engines themselves are collaborators; only their contracts
// live here.
type Intent struct {
	RequiredFieldsMissing []string
	Classification        string
	SuggestedAction        string
}

// Engine is implemented by every Always-On or Turn-Optional component.
// Invoke must return within the supplied context's deadline; a timeout
// is recovered by the caller, never by the engine itself.
type Engine interface {
	ID() string
	Tier() Tier
	Invoke(ctx context.Context, turn TurnContext) (EngineOutcome, error)
}

// OptionalEngine additionally declares its deterministic ordering key and
// its cost tier, used to sort the Turn-Optional chain (spec.md §4.1).
type OptionalEngine interface {
	Engine
	OrderKey() string
	CostTier() OptionalCostTier
}

// TurnContext is the immutable per-turn snapshot passed to every engine
// invocation (spec.md §9 "Global mutable state: none. Configuration is
// passed as an immutable snapshot per turn.").
type TurnContext struct {
	TenantID        string
	CorrelationID   string
	TurnID          string
	UserID          string
	DeviceID        string
	SessionID       string
	Modality        Modality
	Payload         string
	DisplayTarget   DisplayTarget
	ReportContextID string
	StartedAt       time.Time
}

// DisplayTarget is the rendering surface a turn's caller is bound to, when
// known. It is carried through the ingress envelope unchanged (spec.md §6
// "Ingress envelope ... display_target?") but this repository renders
// nothing; surfaces consuming a Directive decide how to lay it out for
// the target.
type DisplayTarget string

const (
	DisplayTargetUnspecified DisplayTarget = ""
	DisplayTargetDesktop     DisplayTarget = "DESKTOP"
	DisplayTargetPhone       DisplayTarget = "PHONE"
)

// Modality is the turn's input channel.
type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityText  Modality = "text"
)

// CanonicalAlwaysOnPath returns the fixed engine-id sequence for a
// modality. The orchestrator verifies the configured sequence matches
// this path exactly and fails closed on any deviation (spec.md §4.1).
func CanonicalAlwaysOnPath(m Modality) []string {
	switch m {
	case ModalityVoice:
		return []string{"capture", "wake", "voice_id", "speech_to_text", "semantic_role", "nlp", "policy", "decision"}
	case ModalityText:
		return []string{"ingress", "nlp", "policy", "decision"}
	default:
		return nil
	}
}
