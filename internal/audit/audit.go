// Package audit implements the audit event ledger (spec.md §3, §6): an
// append-only, bounded-payload record of every gate and decision outcome,
// plus the static ownership matrix ("tenant→table→owner-engine") that
// refuses writes from non-owners.
//
// Grounded on ManuGH-xg2g's internal/audit.Logger (structured WHO/WHAT/WHEN
// events over zerolog) combined with quantumlife-canon-core's append-only
// storelog discipline — here both land in the same ledger.Family so audit
// rows are queryable, not just logged.
package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// MaxPayloadMinBytes bounds the serialized audit payload (spec.md §3
// "bounded payload_min").
const MaxPayloadMinBytes = 2048

// Event is one audit row.
type Event struct {
	EventType     string
	TenantID      string
	WorkOrderID   string // optional; empty if this event isn't work-order scoped
	CorrelationID string
	PayloadMin    string
	ReasonCode    int64
}

// Emitter owns the audit ledger family and the static ownership matrix.
type Emitter struct {
	family *ledger.Family
	log    zerolog.Logger
	owners map[string]string // table family name -> owning engine id
}

// NewEmitter opens the audit ledger and registers the ownership matrix.
// owners maps a table family name (e.g. "workorder", "access_instance")
// to the single engine id permitted to write it; Emit refuses writes
// asserted by any other engine id.
func NewEmitter(ctx context.Context, db *sqlx.DB, clk clock.Clock, log zerolog.Logger, owners map[string]string) (*Emitter, error) {
	fam, err := ledger.Open(ctx, db, clk, "audit")
	if err != nil {
		return nil, err
	}
	return &Emitter{family: fam, log: log.With().Str("component", "audit").Logger(), owners: owners}, nil
}

// AssertOwner fails closed if writerEngineID is not the registered owner
// of tableFamily. The orchestrator calls this before routing any commit
// through a domain store (spec.md §3 "The orchestrator never writes
// engine-owned tables directly; it routes a commit through the owner.").
func (e *Emitter) AssertOwner(tableFamily, writerEngineID string) error {
	owner, ok := e.owners[tableFamily]
	if !ok {
		return fmt.Errorf("audit: %w: no owner registered for %s", kernerr.ErrMalformedInput, tableFamily)
	}
	if owner != writerEngineID {
		return fmt.Errorf("audit: %w: %s is not the owner of %s (owner is %s)", kernerr.ErrDirectEngineCall, writerEngineID, tableFamily, owner)
	}
	return nil
}

// Emit appends one bounded audit row, deduped per spec.md §3: scoped to
// (tenant, work_order, idempotency_key) when WorkOrderID is set, else
// (correlation_id, idempotency_key).
func (e *Emitter) Emit(ctx context.Context, ev Event, idempotencyKey string) (ledger.AppendResult, error) {
	if len(ev.PayloadMin) > MaxPayloadMinBytes {
		ev.PayloadMin = ev.PayloadMin[:MaxPayloadMinBytes]
	}
	scope := ev.CorrelationID
	if ev.WorkOrderID != "" {
		scope = ev.WorkOrderID
	}
	payload := encode(ev)
	res, err := e.family.Append(ctx, ev.TenantID, scope, ev.EventType, payload, ev.ReasonCode, idempotencyKey, fold)
	if err != nil {
		e.log.Error().Err(err).Str("event_type", ev.EventType).Str("tenant_id", ev.TenantID).Msg("audit emit failed")
		return ledger.AppendResult{}, err
	}
	e.log.Info().
		Str("event_type", ev.EventType).
		Str("tenant_id", ev.TenantID).
		Str("correlation_id", ev.CorrelationID).
		Int64("reason_code", ev.ReasonCode).
		Int64("event_id", res.EventID).
		Bool("idempotent", res.Idempotent).
		Msg("audit event")
	return res, nil
}

// ReadTrail returns the audit rows recorded under scope (a work order id
// or correlation id), in event order.
func (e *Emitter) ReadTrail(ctx context.Context, tenantID, scope string) ([]ledger.Event, error) {
	return e.family.ReadLedger(ctx, tenantID, scope)
}

func encode(ev Event) string {
	return fmt.Sprintf("audit|type:%s|wo:%s|correlation:%s|payload:%s",
		ev.EventType, ev.WorkOrderID, ev.CorrelationID, strings.ReplaceAll(ev.PayloadMin, "|", "\\|"))
}

func fold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
