// Package escrow drives the per-session stake state machine. Prepare
// and settle are idempotent; the automation loop and manual settle
// calls converge on the same terminal row because every transition
// moves monotonically toward settled or refunded.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"moltd/apierr"
	"moltd/store"
)

// Settle outcomes reported to callers and the automation tick.
const (
	OutcomeSettled   = "settled"
	OutcomeRefunded  = "refunded"
	OutcomePending   = "pending"
	OutcomeNone      = "none"
	OutcomeFailed    = "failed"
)

// No-op settle reasons.
const (
	ReasonAlreadyFinalized = "already_finalized"
	ReasonSessionNotFinal  = "session_not_final"
	ReasonFundingPending   = "funding_pending"
)

// Manager runs the escrow state machine against the store.
type Manager struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New builds a manager.
func New(st *store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Prepare creates the escrow row from the session's escrow terms. A
// second call returns the existing row unchanged.
func (m *Manager) Prepare(ctx context.Context, sess *store.Session) (*store.EscrowRecord, error) {
	if existing, err := m.store.GetEscrowBySession(ctx, sess.ID); err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	cfg, configured, err := sess.EscrowConfig()
	if !configured {
		return nil, apierr.New(apierr.CodeInvalidRequest, "session terms carry no escrow configuration")
	}
	if err != nil {
		return nil, apierr.Newf(apierr.CodeInvalidRequest, "invalid escrow configuration: %v", err)
	}

	playerA := cfg.PlayerAAgentID
	if playerA == "" {
		playerA = sess.ProposerAgentID
	}
	playerB := cfg.PlayerBAgentID
	if playerB == "" && sess.CounterpartyAgentID != nil {
		playerB = *sess.CounterpartyAgentID
	}
	if playerA == "" || playerB == "" {
		return nil, apierr.New(apierr.CodeInvalidRequest, "escrow requires both players to be known")
	}

	rec := &store.EscrowRecord{
		ID:              uuid.NewString(),
		SessionID:       sess.ID,
		ContractAddress: cfg.ContractAddress,
		TokenAddress:    cfg.TokenAddress,
		StakeAmount:     cfg.AmountPerPlayer,
		Status:          store.EscrowPrepared,
		PlayerAAgentID:  playerA,
		PlayerBAgentID:  playerB,
	}
	if err := m.store.CreateEscrow(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Deposit records a stake claim from one player. The claimed amount
// must cover the stake; amounts compare as decimal integers so token
// base units never pass through floats.
func (m *Manager) Deposit(ctx context.Context, sess *store.Session, agentID, amount string) (*store.EscrowRecord, error) {
	rec, err := m.store.GetEscrowBySession(ctx, sess.ID)
	if err == store.ErrNotFound {
		return nil, apierr.New(apierr.CodeInvalidRequest, "escrow is not prepared for this session")
	}
	if err != nil {
		return nil, err
	}
	if store.FinalEscrow(rec.Status) {
		return nil, apierr.Newf(apierr.CodeInvalidStateTransition, "escrow already %s", rec.Status)
	}

	covered, err := coversStake(amount, rec.StakeAmount)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeInvalidRequest, "invalid deposit amount: %v", err)
	}
	if !covered {
		return nil, apierr.Newf(apierr.CodeInvalidRequest, "deposit %s does not cover stake %s", amount, rec.StakeAmount)
	}

	switch agentID {
	case rec.PlayerAAgentID:
		rec.PlayerADeposited = true
	case rec.PlayerBAgentID:
		rec.PlayerBDeposited = true
	default:
		return nil, apierr.New(apierr.CodeActorScopeViolation, "depositor is not an escrow player")
	}

	switch {
	case rec.PlayerADeposited && rec.PlayerBDeposited:
		rec.Status = store.EscrowFunded
	case rec.PlayerADeposited || rec.PlayerBDeposited:
		rec.Status = store.EscrowFundingPending
	default:
		rec.Status = store.EscrowPrepared
	}
	if err := m.store.SaveEscrow(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SettleResult reports what one settle pass did.
type SettleResult struct {
	Outcome string              `json:"outcome"`
	Reason  string              `json:"reason,omitempty"`
	Record  *store.EscrowRecord `json:"record,omitempty"`
}

// Settle drives the escrow toward its terminal state based on the
// session outcome. Safe to call repeatedly from handlers and the
// automation loop.
func (m *Manager) Settle(ctx context.Context, sess *store.Session) (*SettleResult, error) {
	rec, err := m.store.GetEscrowBySession(ctx, sess.ID)
	if err == store.ErrNotFound {
		return &SettleResult{Outcome: OutcomeNone, Reason: "no escrow"}, nil
	}
	if err != nil {
		return nil, err
	}
	if store.FinalEscrow(rec.Status) {
		return &SettleResult{Outcome: OutcomeNone, Reason: ReasonAlreadyFinalized, Record: rec}, nil
	}

	now := m.now().UTC()
	switch sess.Status {
	case store.SessionAgreed, store.SessionSettled:
		if rec.Status != store.EscrowFunded {
			rec.Status = store.EscrowSettlementPending
			rec.SettlementAttempts++
			rec.LastSettlementError = ReasonFundingPending
			rec.LastSettlementAt = &now
			if err := m.store.SaveEscrow(ctx, rec); err != nil {
				return nil, err
			}
			return &SettleResult{Outcome: OutcomePending, Reason: ReasonFundingPending, Record: rec}, nil
		}
		rec.Status = store.EscrowSettled
		if rec.TxHash == "" {
			rec.TxHash = settlementTx(rec, now)
		}
		rec.LastSettlementError = ""
		rec.LastSettlementAt = &now
		if err := m.store.SaveEscrow(ctx, rec); err != nil {
			return nil, err
		}
		return &SettleResult{Outcome: OutcomeSettled, Record: rec}, nil

	case store.SessionNoAgreement, store.SessionFailed, store.SessionRefunded, store.SessionCancelled:
		rec.Status = store.EscrowRefunded
		if rec.TxHash == "" {
			rec.TxHash = settlementTx(rec, now)
		}
		rec.LastSettlementError = ""
		rec.LastSettlementAt = &now
		if err := m.store.SaveEscrow(ctx, rec); err != nil {
			return nil, err
		}
		return &SettleResult{Outcome: OutcomeRefunded, Record: rec}, nil

	default:
		return &SettleResult{Outcome: OutcomeNone, Reason: ReasonSessionNotFinal, Record: rec}, nil
	}
}

// TickStats aggregates one automation sweep.
type TickStats struct {
	Scanned  int            `json:"scanned"`
	Outcomes map[string]int `json:"outcomes"`
	Errors   int            `json:"errors"`
}

// Tick scans every live escrow and settles each against its session.
func (m *Manager) Tick(ctx context.Context) (TickStats, error) {
	stats := TickStats{Outcomes: make(map[string]int)}
	recs, err := m.store.ListEscrowsByStatus(ctx,
		store.EscrowPrepared, store.EscrowFundingPending, store.EscrowFunded,
		store.EscrowSettlementPending, store.EscrowRefundPending)
	if err != nil {
		return stats, err
	}
	stats.Scanned = len(recs)
	for i := range recs {
		sess, err := m.store.GetSession(ctx, recs[i].SessionID)
		if err != nil {
			stats.Errors++
			m.logger.Warn("escrow tick: session lookup failed",
				slog.String("sessionId", recs[i].SessionID), slog.String("error", err.Error()))
			continue
		}
		result, err := m.Settle(ctx, sess)
		if err != nil {
			stats.Errors++
			m.logger.Warn("escrow tick: settle failed",
				slog.String("sessionId", sess.ID), slog.String("error", err.Error()))
			continue
		}
		stats.Outcomes[result.Outcome]++
	}
	return stats, nil
}

// settlementTx stamps a deterministic settlement identifier. No chain
// write happens here; the identifier marks when and for which escrow
// the decision was recorded.
func settlementTx(rec *store.EscrowRecord, at time.Time) string {
	return fmt.Sprintf("settle-%s-%d", rec.ID[:8], at.UnixMilli())
}

// coversStake compares two decimal-integer amounts.
func coversStake(amount, stake string) (bool, error) {
	a, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok {
		return false, fmt.Errorf("amount %q is not a decimal integer", amount)
	}
	s, ok := new(big.Int).SetString(strings.TrimSpace(stake), 10)
	if !ok {
		return false, fmt.Errorf("stake %q is not a decimal integer", stake)
	}
	return a.Cmp(s) >= 0, nil
}
