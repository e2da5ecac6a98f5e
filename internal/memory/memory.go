// Package memory implements the Memory event ledger/current family
// (spec.md §4.2 table: "Memory event" / "Memory current"): an append-only
// STORED/UPDATED/FORGOTTEN event log per (user, memory_key), projected
// into a current row that tombstones forgotten keys instead of deleting
// them.
//
// Grounded on the same ledger.Family pattern as internal/access and
// internal/simulation, itself generalized from quantumlife-canon-core's
// internal/persist per-domain ledger+projection files.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/SeleneOSv1/selene-os/internal/kernerr"
	"github.com/SeleneOSv1/selene-os/internal/ledger"
	"github.com/SeleneOSv1/selene-os/pkg/clock"
)

// EventKind is the memory event lifecycle marker.
type EventKind string

const (
	Stored    EventKind = "STORED"
	Updated   EventKind = "UPDATED"
	Forgotten EventKind = "FORGOTTEN"
)

// Record is the current projection for one (user, memory_key).
type Record struct {
	UserID      string
	MemoryKey   string
	Value       string
	Active      bool
	LastEventID int64
}

// Store owns the memory ledger family.
type Store struct {
	family *ledger.Family
	clk    clock.Clock
}

// NewStore opens the memory ledger family.
func NewStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*Store, error) {
	fam, err := ledger.Open(ctx, db, clk, "memory")
	if err != nil {
		return nil, err
	}
	return &Store{family: fam, clk: clk}, nil
}

// Store writes a STORED or UPDATED event, keyed by idempotencyKey so a
// retried write collapses to the original (spec.md §4.2 "(user,
// idempotency_key) unique").
func (s *Store) Store(ctx context.Context, tenantID, userID, memoryKey, value string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	kind := Stored
	if _, err := s.Get(ctx, tenantID, userID, memoryKey); err == nil {
		kind = Updated
	}
	rec := Record{UserID: userID, MemoryKey: memoryKey, Value: value, Active: true}
	return s.family.Append(ctx, tenantID, scopeKey(userID, memoryKey), string(kind), encode(rec), reasonCode, idempotencyKey, fold)
}

// Forget tombstones a memory key: the current row is retained with
// Active=false rather than deleted, preserving the append-only discipline.
func (s *Store) Forget(ctx context.Context, tenantID, userID, memoryKey string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, userID, memoryKey)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	cur.Active = false
	return s.family.Append(ctx, tenantID, scopeKey(userID, memoryKey), string(Forgotten), encode(cur), reasonCode, idempotencyKey, fold)
}

// Get returns the current projection for (user, memory_key), including
// tombstoned (Active=false) rows — callers that need only live memories
// should filter on Active themselves.
func (s *Store) Get(ctx context.Context, tenantID, userID, memoryKey string) (Record, error) {
	payload, lastEventID, ok, err := s.family.ReadCurrent(ctx, tenantID, scopeKey(userID, memoryKey))
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, kernerr.ErrNotFound
	}
	rec := decode(payload)
	rec.LastEventID = lastEventID
	return rec, nil
}

// Rebuild replays the ledger for (user, memory_key) and rewrites the
// current row.
func (s *Store) Rebuild(ctx context.Context, tenantID, userID, memoryKey string) (Record, error) {
	payload, err := s.family.Rebuild(ctx, tenantID, scopeKey(userID, memoryKey), fold)
	if err != nil {
		return Record{}, err
	}
	return decode(payload), nil
}

func scopeKey(userID, memoryKey string) string { return userID + ":" + memoryKey }

func encode(r Record) string {
	return fmt.Sprintf("memory|user:%s|key:%s|value:%s|active:%t",
		r.UserID, r.MemoryKey, strings.ReplaceAll(r.Value, "|", "\\|"), r.Active)
}

func decode(payload string) Record {
	r := Record{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "user:"):
			r.UserID = part[len("user:"):]
		case strings.HasPrefix(part, "key:"):
			r.MemoryKey = part[len("key:"):]
		case strings.HasPrefix(part, "value:"):
			r.Value = strings.ReplaceAll(part[len("value:"):], "\\|", "|")
		case strings.HasPrefix(part, "active:"):
			r.Active = part[len("active:"):] == "true"
		}
	}
	return r
}

func fold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
