package orchestrator

import "github.com/SeleneOSv1/selene-os/internal/reason"

// Directive is the single terminal instruction Decision Compute emits per
// turn (spec.md §4.1 "Decision Compute emits exactly one directive").
type Directive string

const (
	DirectiveClarify Directive = "clarify"
	DirectiveConfirm Directive = "confirm"
	DirectiveRespond Directive = "respond"
	DirectiveDispatch Directive = "dispatch"
	DirectiveWait    Directive = "wait"
)

// Decision is the outcome of Decision Compute: exactly one directive, the
// reason code driving it, and an optional clarify prompt for the NLP
// engine to render. Clarify directives may only originate from the NLP
// engine's required-field gap (spec.md §4.1 "clarify ownership") — the
// orchestrator itself never invents a clarify prompt.
type Decision struct {
	Directive     Directive
	ReasonCode    reason.Code
	ClarifyPrompt string
	MissingFields []string
}

// Compute derives the single directive for a turn from the gate outcome
// and the NLP intent. Gate refusals take priority over intent-derived
// clarify/dispatch so that a DENY or WAIT can never be silently overridden
// by a downstream engine's opinion.
func Compute(gate GateOutcome, intent Intent, hasAcceptedDraft bool) Decision {
	if gate.Refused {
		switch gate.RefusedAt {
		case "access":
			if gate.AccessVerdict == "ESCALATE" {
				return Decision{Directive: DirectiveWait, ReasonCode: gate.ReasonCode}
			}
			return Decision{Directive: DirectiveRespond, ReasonCode: gate.ReasonCode}
		case "work_lease", "quota":
			return Decision{Directive: DirectiveWait, ReasonCode: gate.ReasonCode}
		case "simulation":
			return Decision{Directive: DirectiveRespond, ReasonCode: gate.ReasonCode}
		default:
			return Decision{Directive: DirectiveRespond, ReasonCode: gate.ReasonCode}
		}
	}

	if len(intent.RequiredFieldsMissing) > 0 {
		return Decision{Directive: DirectiveClarify, ReasonCode: reason.NeedsClarify, MissingFields: intent.RequiredFieldsMissing}
	}

	switch intent.SuggestedAction {
	case "dispatch":
		if !hasAcceptedDraft {
			return Decision{Directive: DirectiveConfirm, ReasonCode: reason.SimulationDraftMissing}
		}
		return Decision{Directive: DirectiveDispatch}
	case "confirm":
		return Decision{Directive: DirectiveConfirm}
	default:
		return Decision{Directive: DirectiveRespond}
	}
}
