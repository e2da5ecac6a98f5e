package builder

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

// Stage is a fixed release rollout stage, bound one-to-one to a rollout
// percentage (spec.md §4.5).
type Stage string

const (
	StageStaging    Stage = "STAGING"
	StageCanary     Stage = "CANARY"
	StageRamp25     Stage = "RAMP_25"
	StageRamp50     Stage = "RAMP_50"
	StageProduction Stage = "PRODUCTION"
	StageRolledBack Stage = "ROLLED_BACK"
)

// RolloutPercent returns the fixed rollout percentage bound to a stage.
func (s Stage) RolloutPercent() int {
	switch s {
	case StageStaging:
		return 0
	case StageCanary:
		return 5
	case StageRamp25:
		return 25
	case StageRamp50:
		return 50
	case StageProduction:
		return 100
	case StageRolledBack:
		return 0
	default:
		return 0
	}
}

var stageOrder = []Stage{StageStaging, StageCanary, StageRamp25, StageRamp50, StageProduction}

var stageTransitions = map[Stage]map[Stage]bool{
	StageStaging:    {StageCanary: true, StageRolledBack: true},
	StageCanary:     {StageRamp25: true, StageRolledBack: true},
	StageRamp25:     {StageRamp50: true, StageRolledBack: true},
	StageRamp50:     {StageProduction: true, StageRolledBack: true},
	StageProduction: {StageRolledBack: true},
}

// ReleaseStatus is bound one-to-one to certain stages: PRODUCTION<->COMPLETED,
// ROLLED_BACK<->REVERTED.
type ReleaseStatus string

const (
	ReleaseInProgress ReleaseStatus = "IN_PROGRESS"
	ReleaseCompleted  ReleaseStatus = "COMPLETED"
	ReleaseReverted   ReleaseStatus = "REVERTED"
)

// ReleaseState is the current projection for one proposal's release.
type ReleaseState struct {
	ReleaseStateID string
	ProposalID     string
	Stage          Stage
	Status         ReleaseStatus
}

// MaxTelemetryAgeMinutes is the default freshness bound for judge
// evidence advancing past CANARY (spec.md §4.5).
const MaxTelemetryAgeMinutes = 180

// JudgeAction is a post-deploy judge's verdict.
type JudgeAction string

const (
	JudgeAccept JudgeAction = "ACCEPT"
	JudgeRevert JudgeAction = "REVERT"
)

// JudgeResult is one judge row, bound to (proposal, release_state).
type JudgeResult struct {
	ProposalID     string
	ReleaseStateID string
	Action         JudgeAction
	RecordedAtUnix int64
	P95BeforeMs    float64
	P95AfterMs     float64
	P99BeforeMs    float64
	P99AfterMs     float64
}

// RolloutRegression reports whether the before/after windows show the
// two latency-regression automatic-rollback triggers (spec.md §4.5,
// triggers 3 and 4). sustainedP95Minutes/sustainedP99Minutes are the
// caller-measured durations the regression has persisted for.
func (j JudgeResult) RolloutRegression(sustainedP95Minutes, sustainedP99Minutes float64) (p95Triggered, p99Triggered bool) {
	if j.P95BeforeMs > 0 {
		p95Pct := (j.P95AfterMs - j.P95BeforeMs) / j.P95BeforeMs * 100
		p95Triggered = p95Pct > 3 && sustainedP95Minutes >= 30
	}
	if j.P99BeforeMs > 0 {
		p99Pct := (j.P99AfterMs - j.P99BeforeMs) / j.P99BeforeMs * 100
		p99Triggered = p99Pct > 5 && sustainedP99Minutes >= 15
	}
	return
}

// ReleaseStore owns the release-state and judge-result ledger families.
type ReleaseStore struct {
	releases *ledger.Family
	judges   *ledger.Family
	clk      clock.Clock
}

// NewReleaseStore opens the release-state and judge ledger families.
func NewReleaseStore(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*ReleaseStore, error) {
	releases, err := ledger.Open(ctx, db, clk, "builder_release")
	if err != nil {
		return nil, err
	}
	judges, err := ledger.Open(ctx, db, clk, "builder_judge")
	if err != nil {
		return nil, err
	}
	return &ReleaseStore{releases: releases, judges: judges, clk: clk}, nil
}

// Start appends the initial STAGING release-state row for a proposal.
func (s *ReleaseStore) Start(ctx context.Context, tenantID, releaseStateID, proposalID string, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	rs := ReleaseState{ReleaseStateID: releaseStateID, ProposalID: proposalID, Stage: StageStaging, Status: ReleaseInProgress}
	return s.releases.Append(ctx, tenantID, releaseStateID, "STARTED", encodeRelease(rs), reasonCode, idempotencyKey, releaseFold)
}

// RecordJudge appends a judge result row bound to (proposalID, releaseStateID).
func (s *ReleaseStore) RecordJudge(ctx context.Context, tenantID, proposalID, releaseStateID string, action JudgeAction, recordedAtUnix int64, p95Before, p95After, p99Before, p99After float64, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	j := JudgeResult{
		ProposalID: proposalID, ReleaseStateID: releaseStateID, Action: action, RecordedAtUnix: recordedAtUnix,
		P95BeforeMs: p95Before, P95AfterMs: p95After, P99BeforeMs: p99Before, P99AfterMs: p99After,
	}
	scope := proposalID + ":" + releaseStateID
	return s.judges.Append(ctx, tenantID, scope, "JUDGE_"+string(action), encodeJudge(j), reasonCode, idempotencyKey, judgeFold)
}

// LatestJudge returns the most recently recorded judge row for
// (proposalID, releaseStateID), or kernerr.ErrNotFound if none exists.
func (s *ReleaseStore) LatestJudge(ctx context.Context, tenantID, proposalID, releaseStateID string) (JudgeResult, error) {
	scope := proposalID + ":" + releaseStateID
	payload, _, ok, err := s.judges.ReadCurrent(ctx, tenantID, scope)
	if err != nil {
		return JudgeResult{}, err
	}
	if !ok {
		return JudgeResult{}, kernerr.ErrNotFound
	}
	return decodeJudge(payload), nil
}

// Advance moves the release from its current stage to the next stage in
// stageOrder. Advancing past CANARY (i.e. the current stage is CANARY or
// later) requires a fresh ACCEPT judge row bound to the *current* release
// state, with telemetry age within maxTelemetryAgeMinutes of nowUnix.
// Missing, stale, or non-ACCEPT judge evidence fails closed with
// kernerr.ErrMalformedInput wrapping a description naming the exact
// failure (the caller maps this to reason.StaleCanaryTelemetry /
// reason.JudgeEvidenceMissing / reason.JudgeEvidenceNotAccept).
func (s *ReleaseStore) Advance(ctx context.Context, tenantID, releaseStateID string, nowUnix int64, maxTelemetryAgeMinutes int, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, releaseStateID)
	if err != nil {
		return ledger.AppendResult{}, err
	}

	next, ok := nextStage(cur.Stage)
	if !ok || !stageTransitions[cur.Stage][next] {
		return ledger.AppendResult{}, fmt.Errorf("builder: %w: release %s cannot advance from %s", kernerr.ErrMalformedInput, releaseStateID, cur.Stage)
	}

	if requiresJudgeEvidence(cur.Stage) {
		judge, err := s.LatestJudge(ctx, tenantID, cur.ProposalID, releaseStateID)
		if err != nil {
			return ledger.AppendResult{}, fmt.Errorf("builder: %w: no judge evidence for release %s at %s", kernerr.ErrMalformedInput, releaseStateID, cur.Stage)
		}
		if judge.Action != JudgeAccept {
			return ledger.AppendResult{}, fmt.Errorf("builder: %w: judge evidence for %s is %s, not ACCEPT", kernerr.ErrMalformedInput, releaseStateID, judge.Action)
		}
		ageMinutes := float64(nowUnix-judge.RecordedAtUnix) / float64(time.Minute/time.Second)
		if ageMinutes > float64(maxTelemetryAgeMinutes) {
			return ledger.AppendResult{}, fmt.Errorf("builder: %w: judge evidence for %s is %.1f minutes stale", kernerr.ErrMalformedInput, releaseStateID, ageMinutes)
		}
	}

	cur.Stage = next
	eventType := "ADVANCED:" + string(next)
	if next == StageProduction {
		cur.Status = ReleaseCompleted
		eventType = "COMPLETED"
	}
	return s.releases.Append(ctx, tenantID, releaseStateID, eventType, encodeRelease(cur), reasonCode, idempotencyKey, releaseFold)
}

// RollBack appends a ROLLED_BACK release-state event and a paired REVERT
// judge row, per spec.md §4.5 "On trigger the controller appends a
// ROLLED_BACK event and a REVERT judge row."
func (s *ReleaseStore) RollBack(ctx context.Context, tenantID, releaseStateID string, nowUnix int64, reasonCode int64, idempotencyKey string) (ledger.AppendResult, error) {
	cur, err := s.Get(ctx, tenantID, releaseStateID)
	if err != nil {
		return ledger.AppendResult{}, err
	}
	if !stageTransitions[cur.Stage][StageRolledBack] {
		return ledger.AppendResult{}, fmt.Errorf("builder: %w: release %s cannot roll back from %s", kernerr.ErrMalformedInput, releaseStateID, cur.Stage)
	}

	if _, err := s.RecordJudge(ctx, tenantID, cur.ProposalID, releaseStateID, JudgeRevert, nowUnix, 0, 0, 0, 0, reasonCode, idempotencyKey+":judge"); err != nil {
		return ledger.AppendResult{}, err
	}

	cur.Stage = StageRolledBack
	cur.Status = ReleaseReverted
	return s.releases.Append(ctx, tenantID, releaseStateID, "ROLLED_BACK", encodeRelease(cur), reasonCode, idempotencyKey, releaseFold)
}

// Get returns the current projection for a release state.
func (s *ReleaseStore) Get(ctx context.Context, tenantID, releaseStateID string) (ReleaseState, error) {
	payload, _, ok, err := s.releases.ReadCurrent(ctx, tenantID, releaseStateID)
	if err != nil {
		return ReleaseState{}, err
	}
	if !ok {
		return ReleaseState{}, kernerr.ErrNotFound
	}
	return decodeRelease(payload), nil
}

func nextStage(cur Stage) (Stage, bool) {
	for i, st := range stageOrder {
		if st == cur && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// requiresJudgeEvidence reports whether advancing *from* stage requires
// fresh ACCEPT judge evidence. Advancing past CANARY — i.e. leaving
// CANARY, RAMP_25, or RAMP_50 — requires it; leaving STAGING (entering
// CANARY itself) does not, since there is no prior rollout to judge yet.
func requiresJudgeEvidence(from Stage) bool {
	switch from {
	case StageCanary, StageRamp25, StageRamp50:
		return true
	default:
		return false
	}
}

func encodeRelease(r ReleaseState) string {
	return fmt.Sprintf("release|id:%s|proposal:%s|stage:%s|status:%s", r.ReleaseStateID, r.ProposalID, r.Stage, r.Status)
}

func decodeRelease(payload string) ReleaseState {
	r := ReleaseState{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "id:"):
			r.ReleaseStateID = part[3:]
		case strings.HasPrefix(part, "proposal:"):
			r.ProposalID = part[len("proposal:"):]
		case strings.HasPrefix(part, "stage:"):
			r.Stage = Stage(part[len("stage:"):])
		case strings.HasPrefix(part, "status:"):
			r.Status = ReleaseStatus(part[len("status:"):])
		}
	}
	return r
}

func releaseFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }

func encodeJudge(j JudgeResult) string {
	return fmt.Sprintf("judge|proposal:%s|release:%s|action:%s|recorded:%d|p95_before:%s|p95_after:%s|p99_before:%s|p99_after:%s",
		j.ProposalID, j.ReleaseStateID, j.Action, j.RecordedAtUnix,
		strconv.FormatFloat(j.P95BeforeMs, 'f', -1, 64), strconv.FormatFloat(j.P95AfterMs, 'f', -1, 64),
		strconv.FormatFloat(j.P99BeforeMs, 'f', -1, 64), strconv.FormatFloat(j.P99AfterMs, 'f', -1, 64))
}

func decodeJudge(payload string) JudgeResult {
	j := JudgeResult{}
	for _, part := range strings.Split(payload, "|") {
		switch {
		case strings.HasPrefix(part, "proposal:"):
			j.ProposalID = part[len("proposal:"):]
		case strings.HasPrefix(part, "release:"):
			j.ReleaseStateID = part[len("release:"):]
		case strings.HasPrefix(part, "action:"):
			j.Action = JudgeAction(part[len("action:"):])
		case strings.HasPrefix(part, "recorded:"):
			v, _ := strconv.ParseInt(part[len("recorded:"):], 10, 64)
			j.RecordedAtUnix = v
		case strings.HasPrefix(part, "p95_before:"):
			v, _ := strconv.ParseFloat(part[len("p95_before:"):], 64)
			j.P95BeforeMs = v
		case strings.HasPrefix(part, "p95_after:"):
			v, _ := strconv.ParseFloat(part[len("p95_after:"):], 64)
			j.P95AfterMs = v
		case strings.HasPrefix(part, "p99_before:"):
			v, _ := strconv.ParseFloat(part[len("p99_before:"):], 64)
			j.P99BeforeMs = v
		case strings.HasPrefix(part, "p99_after:"):
			v, _ := strconv.ParseFloat(part[len("p99_after:"):], 64)
			j.P99AfterMs = v
		}
	}
	return j
}

func judgeFold(_ *string, ev ledger.Event) (string, error) { return ev.Payload, nil }
