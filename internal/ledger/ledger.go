// Package ledger implements the uniform append-only event log plus
// rebuildable current-projection primitive described in spec.md §4.2. It is
// instantiated once per domain family (workorder, access, memory,
// onboarding, capreq, enrollment, builder approvals, ...) via Open.
//
// Grounded on quantumlife-canon-core's internal/persist/*_store.go +
// pkg/domain/storelog (file-backed append log replayed into in-memory
// projections) — generalized here into one family type and moved onto a
// real embedded RDBMS (modernc.org/sqlite via jmoiron/sqlx) so idempotency
// and uniqueness are enforced by the storage engine itself, not emulated.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// Event is one immutable row in a domain's ledger table.
type Event struct {
	EventID        int64          `db:"event_id"`
	TenantID       string         `db:"tenant_id"`
	ScopeKey       string         `db:"scope_key"`
	EventType      string         `db:"event_type"`
	Payload        string         `db:"payload"`
	ReasonCode     int64          `db:"reason_code"`
	IdempotencyKey sql.NullString `db:"idempotency_key"`
	CreatedAt      int64          `db:"created_at"` // monotonic unix-ns
}

// AppendResult is returned by Family.Append.
type AppendResult struct {
	EventID    int64
	Idempotent bool
}

// Fold replays one event onto the current projection payload (nil on the
// first call for a scope) and returns the new projection payload. Fold
// must be a pure function of (current, event) — no wall-clock reads, no
// randomness — so that Rebuild is observationally equal to the
// incrementally maintained projection (Testable Property 3).
type Fold func(current *string, ev Event) (next string, err error)

// Family is one instantiation of the ledger/current pattern for a single
// domain (e.g. "workorder", "access_instance", "memory").
type Family struct {
	db    *sqlx.DB
	clock clock.Clock
	name  string
}

// Open creates (if absent) the ledger_<name> and current_<name> tables and
// returns a Family bound to them. name must be a static, code-controlled
// identifier (a Go constant from the owning package) — it is interpolated
// into DDL/DML, so it must never come from request input.
func Open(ctx context.Context, db *sqlx.DB, clk clock.Clock, name string) (*Family, error) {
	if !isSafeIdent(name) {
		return nil, fmt.Errorf("ledger: unsafe family name %q", name)
	}
	f := &Family{db: db, clock: clk, name: name}
	if err := f.migrate(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func isSafeIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return true
}

func (f *Family) ledgerTable() string  { return "ledger_" + f.name }
func (f *Family) currentTable() string { return "current_" + f.name }

func (f *Family) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id       TEXT NOT NULL,
	scope_key       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         TEXT NOT NULL,
	reason_code     INTEGER NOT NULL CHECK (reason_code > 0),
	idempotency_key TEXT,
	created_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS %[1]s_idem
	ON %[1]s (tenant_id, scope_key, idempotency_key)
	WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS %[1]s_scope ON %[1]s (tenant_id, scope_key, event_id);

CREATE TABLE IF NOT EXISTS %[2]s (
	tenant_id      TEXT NOT NULL,
	scope_key      TEXT NOT NULL,
	last_event_id  INTEGER NOT NULL,
	payload        TEXT NOT NULL,
	updated_at     INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, scope_key)
);
`, f.ledgerTable(), f.currentTable())
	_, err := f.db.ExecContext(ctx, ddl)
	return err
}

// Append inserts the next monotonic event for (tenant, scope) and folds it
// into the current projection, in one transaction. If idempotencyKey is
// non-empty and a row already exists for (tenant, scope, idempotencyKey),
// the original event_id is returned with Idempotent=true and no new row is
// written — retries during network partitions collapse to the first
// attempt (Testable Property 2).
func (f *Family) Append(ctx context.Context, tenantID, scopeKey, eventType, payload string, reasonCode int64, idempotencyKey string, fold Fold) (AppendResult, error) {
	if tenantID == "" || scopeKey == "" {
		return AppendResult{}, fmt.Errorf("ledger: %w: tenant/scope required", kernerr.ErrMissingField)
	}
	if reasonCode <= 0 {
		return AppendResult{}, fmt.Errorf("ledger: %w: reason_code must be positive", kernerr.ErrMalformedInput)
	}

	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	if idempotencyKey != "" {
		var existing struct {
			EventID int64  `db:"event_id"`
			Payload string `db:"payload"`
		}
		q := fmt.Sprintf(`SELECT event_id, payload FROM %s WHERE tenant_id=? AND scope_key=? AND idempotency_key=?`, f.ledgerTable())
		err := tx.GetContext(ctx, &existing, q, tenantID, scopeKey, idempotencyKey)
		switch {
		case err == nil:
			if existing.Payload != payload {
				return AppendResult{}, fmt.Errorf("ledger: %w (scope=%s key=%s)", kernerr.ErrIdempotencyDivergent, scopeKey, idempotencyKey)
			}
			return AppendResult{EventID: existing.EventID, Idempotent: true}, tx.Commit()
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return AppendResult{}, err
		}
	}

	now := f.clock.UnixNano()
	insertQ := fmt.Sprintf(`INSERT INTO %s (tenant_id, scope_key, event_type, payload, reason_code, idempotency_key, created_at)
		VALUES (?,?,?,?,?,?,?)`, f.ledgerTable())
	var idemArg interface{}
	if idempotencyKey != "" {
		idemArg = idempotencyKey
	}
	res, err := tx.ExecContext(ctx, insertQ, tenantID, scopeKey, eventType, payload, reasonCode, idemArg, now)
	if err != nil {
		if isUniqueViolation(err) {
			return AppendResult{}, fmt.Errorf("ledger: %w", kernerr.ErrIdempotencyDivergent)
		}
		return AppendResult{}, err
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return AppendResult{}, err
	}

	ev := Event{
		EventID: eventID, TenantID: tenantID, ScopeKey: scopeKey, EventType: eventType,
		Payload: payload, ReasonCode: reasonCode, CreatedAt: now,
	}

	var cur struct {
		Payload string `db:"payload"`
	}
	curQ := fmt.Sprintf(`SELECT payload FROM %s WHERE tenant_id=? AND scope_key=?`, f.currentTable())
	var curPtr *string
	err = tx.GetContext(ctx, &cur, curQ, tenantID, scopeKey)
	switch {
	case err == nil:
		curPtr = &cur.Payload
	case errors.Is(err, sql.ErrNoRows):
		curPtr = nil
	default:
		return AppendResult{}, err
	}

	nextPayload, err := fold(curPtr, ev)
	if err != nil {
		return AppendResult{}, err
	}

	upsertQ := fmt.Sprintf(`INSERT INTO %[1]s (tenant_id, scope_key, last_event_id, payload, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(tenant_id, scope_key) DO UPDATE SET last_event_id=excluded.last_event_id, payload=excluded.payload, updated_at=excluded.updated_at`,
		f.currentTable())
	if _, err := tx.ExecContext(ctx, upsertQ, tenantID, scopeKey, eventID, nextPayload, now); err != nil {
		return AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{EventID: eventID}, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

// ReadLedger returns every event for (tenant, scope) in event_id order.
// Tenant-scoped only — the caller must never pass an empty tenantID to
// fan out across tenants.
func (f *Family) ReadLedger(ctx context.Context, tenantID, scopeKey string) ([]Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("ledger: %w: tenant required", kernerr.ErrCrossTenantAccess)
	}
	q := fmt.Sprintf(`SELECT event_id, tenant_id, scope_key, event_type, payload, reason_code, idempotency_key, created_at
		FROM %s WHERE tenant_id=? AND scope_key=? ORDER BY event_id ASC`, f.ledgerTable())
	var rows []Event
	if err := f.db.SelectContext(ctx, &rows, q, tenantID, scopeKey); err != nil {
		return nil, err
	}
	return rows, nil
}

// ReadCurrent returns the projected payload for (tenant, scope), or
// (false, nil) if no events have been appended for that scope.
func (f *Family) ReadCurrent(ctx context.Context, tenantID, scopeKey string) (payload string, lastEventID int64, ok bool, err error) {
	if tenantID == "" {
		return "", 0, false, fmt.Errorf("ledger: %w: tenant required", kernerr.ErrCrossTenantAccess)
	}
	var row struct {
		Payload     string `db:"payload"`
		LastEventID int64  `db:"last_event_id"`
	}
	q := fmt.Sprintf(`SELECT payload, last_event_id FROM %s WHERE tenant_id=? AND scope_key=?`, f.currentTable())
	err = f.db.GetContext(ctx, &row, q, tenantID, scopeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return row.Payload, row.LastEventID, true, nil
}

// Rebuild truncates the current row for (tenant, scope) and replays the
// ledger from scratch, writing a fresh projection. The result is
// byte-for-byte identical to the incrementally maintained projection
// whenever Fold is pure (Testable Property 3).
func (f *Family) Rebuild(ctx context.Context, tenantID, scopeKey string, fold Fold) (string, error) {
	events, err := f.ReadLedger(ctx, tenantID, scopeKey)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", kernerr.ErrNotFound
	}

	tx, err := f.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback() //nolint:errcheck

	delQ := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id=? AND scope_key=?`, f.currentTable())
	if _, err := tx.ExecContext(ctx, delQ, tenantID, scopeKey); err != nil {
		return "", err
	}

	var cur *string
	var lastID int64
	for _, ev := range events {
		next, err := fold(cur, ev)
		if err != nil {
			return "", err
		}
		cur = &next
		lastID = ev.EventID
	}

	insQ := fmt.Sprintf(`INSERT INTO %s (tenant_id, scope_key, last_event_id, payload, updated_at) VALUES (?,?,?,?,?)`, f.currentTable())
	if _, err := tx.ExecContext(ctx, insQ, tenantID, scopeKey, lastID, *cur, f.clock.UnixNano()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return *cur, nil
}

// RebuildAllScopes rebuilds the current projection for every distinct
// scope that has ever been appended to, for the given tenant. Used after
// a disaster-recovery restore where `current` was truncated wholesale.
func (f *Family) RebuildAllScopes(ctx context.Context, tenantID string, fold Fold) (int, error) {
	q := fmt.Sprintf(`SELECT DISTINCT scope_key FROM %s WHERE tenant_id=?`, f.ledgerTable())
	var scopes []string
	if err := f.db.SelectContext(ctx, &scopes, q, tenantID); err != nil {
		return 0, err
	}
	for _, s := range scopes {
		if _, err := f.Rebuild(ctx, tenantID, s, fold); err != nil {
			return 0, fmt.Errorf("rebuild scope %s: %w", s, err)
		}
	}
	return len(scopes), nil
}
