// Package workorder implements the WorkOrder status ledger from spec.md
// §4.3: a single append-only event family per work order whose current
// projection tracks the runtime-enforced status machine
// DRAFT→CLARIFY→CONFIRM→EXECUTING→(DONE|FAILED|CANCELED).
//
// Grounded on quantumlife-canon-core's internal/persist (ledger+projection
// per domain) generalized onto internal/ledger.Family.
package workorder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Status is a runtime-enforced work order lifecycle state. The SQL schema
// has no CHECK on status values (its only CHECK is reason_code > 0); enum
// membership and transition legality are enforced here, in Go, by
// legalTransitions.
type Status string

const (
	Draft     Status = "DRAFT"
	Clarify   Status = "CLARIFY"
	Confirm   Status = "CONFIRM"
	Executing Status = "EXECUTING"
	Done      Status = "DONE"
	Failed    Status = "FAILED"
	Canceled  Status = "CANCELED"
)

var legalTransitions = map[Status]map[Status]bool{
	Draft:     {Clarify: true, Confirm: true, Canceled: true},
	Clarify:   {Confirm: true, Canceled: true},
	Confirm:   {Executing: true, Canceled: true},
	Executing: {Done: true, Failed: true, Canceled: true},
}

// IsTerminal reports whether s has no further legal transitions.
func (s Status) IsTerminal() bool {
	return s == Done || s == Failed || s == Canceled
}

// WorkOrder is the current projection for one work order.
type WorkOrder struct {
	WorkOrderID   string
	TenantID      string
	CorrelationID string
	Status        Status
	LastEventID   int64
	UpdatedAt     int64
}

// Store owns all writes to the workorder ledger family (ownership matrix,
// spec.md §3 "Ownership is strict").
type Store struct {
	family *ledger.Family
	clk    clock.Clock
}

// NewStore opens (creating if absent) the workorder ledger family.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Store, error) {
	fam, err := ledger.Open(ctx, db, clk, "workorder")
	if err != nil {
		return nil, err
	}
	return &Store{family: fam, clk: clk}, nil
}

// Create appends the DRAFT-creating event for a new work order. Retried
// creates with the same idempotencyKey collapse onto the first one; Create
// does not check that correlationID is unique within the tenant.
func (s *Store) Create(ctx context.Context, tenantID, workOrderID, correlationID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	payload := encode(WorkOrder{
		WorkOrderID: workOrderID, TenantID: tenantID, CorrelationID: correlationID, Status: Draft,
	})
	return s.family.Append(ctx, tenantID, workOrderID, "CREATED", payload, reasonCode, idempotencyKey, fold)
}

// Transition appends a status-changing event, refusing illegal transitions
// per legalTransitions. Callers must have already confirmed, for
// side-effecting transitions into EXECUTING, that an accepted Simulation
// DRAFT exists (spec.md §4.4) — the transition itself does not re-check
// that; it enforces state-machine legality only.
func (s *Store) Transition(ctx context.Context, tenantID, workOrderID string, to Status, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, workOrderID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !legalTransitions[cur.Status][to] {
		return ledger.AppendResult{}, fmt.Errorf("workorder: %w: %s -> %s not legal", kernerr.ErrMalformedInput, cur.Status, to)
	}
	next := cur
	next.Status = to
	payload := encode(next)
	return s.family.Append(ctx, tenantID, workOrderID, "TRANSITION:"+string(to), payload, reasonCode, idempotencyKey, fold)
}

// Get returns the current projection for a work order.
func (s *Store) Get(ctx context.Context, tenantID, workOrderID string) (WorkOrder, error) {
	payload, lastEventID, ok, err := s.family.ReadCurrent(ctx, tenantID, workOrderID)
	if err != nil {
		return WorkOrder{}, err
	}
	if !ok {
		return WorkOrder{}, kernerr.ErrNotFound
	}
	wo := decode(payload)
	wo.LastEventID = lastEventID
	return wo, nil
}

// Rebuild replays the ledger for a work order and rewrites its current row.
func (s *Store) Rebuild(ctx context.Context, tenantID, workOrderID string) (WorkOrder, error) {
	payload, err := s.family.Rebuild(ctx, tenantID, workOrderID, fold)
	if err != nil {
		return WorkOrder{}, err
	}
	return decode(payload), nil
}

// --- canonical payload codec (teacher idiom: pipe-delimited, self-describing) ---

func encode(wo WorkOrder) string {
	var b strings.Builder
	b.WriteString("workorder|id:")
	b.WriteString(wo.WorkOrderID)
	b.WriteString("|correlation:")
	b.WriteString(wo.CorrelationID)
	b.WriteString("|status:")
	b.WriteString(string(wo.Status))
	return b.String()
}

func decode(payload string) WorkOrder {
	wo := WorkOrder{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			wo.WorkOrderID = part[3:]
		case strings.HasPrefix(part, "correlation:"):
			wo.CorrelationID = part[len("correlation:"):]
		case strings.HasPrefix(part, "status:"):
			wo.Status = Status(part[len("status:"):])
		}
	}
	return wo
}

func fold(current *string, ev ledger.Event) (string, error) {
	wo := decode(ev.Payload)
	return encode(wo), nil
}

// nowMillis formats c.Now() as Unix milliseconds. Nothing in this
// repository calls it.
func nowMillis(c clock.Clock) string {
	return strconv.FormatInt(c.Now().UnixNano()/int64(time.Millisecond), 10)
}
