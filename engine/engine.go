package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"moltd/agentclient"
	"moltd/policy"
	"moltd/privacy"
	"moltd/runtimeattest"
	"moltd/store"
)

// Decider issues one turn-decision call to an agent endpoint.
type Decider interface {
	Decide(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error)
}

// RuntimeVerifier checks the runtime evidence attached to a decision.
type RuntimeVerifier interface {
	Verify(ctx context.Context, evidence *runtimeattest.Evidence, expected runtimeattest.Expected, snap policy.Snapshot) error
}

// Participant couples a registered agent with its unsealed context.
type Participant struct {
	Agent   *store.Agent
	Context PrivateContext
}

// Turn is one public transcript entry produced by the engine.
type Turn struct {
	Turn    int
	Status  string
	Summary map[string]interface{}
}

// Result is the terminal outcome of one negotiation run.
type Result struct {
	FinalStatus    string
	AgreedPrice    *float64
	Turns          []Turn
	ProofSummary   map[string]interface{}
	FallbackReason string
	ExecutionMode  string
	FailureReason  string
}

// Engine drives negotiations to a terminal state.
type Engine struct {
	decider Decider
	runtime RuntimeVerifier
	logger  *slog.Logger
	now     func() time.Time
}

// New wires the engine's collaborators.
func New(decider Decider, runtime RuntimeVerifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{decider: decider, runtime: runtime, logger: logger, now: time.Now}
}

// WithNow overrides the clock, for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

type proofTracker struct {
	required bool
	verified int
	failed   int
	failures []map[string]interface{}
	signers  map[string]string
}

func newProofTracker(required bool) *proofTracker {
	return &proofTracker{required: required, signers: make(map[string]string)}
}

func (p *proofTracker) pass(agentID, signer string) {
	p.verified++
	if signer != "" {
		p.signers[agentID] = signer
	}
}

func (p *proofTracker) fail(turn int, agentID, reason string) {
	p.failed++
	p.failures = append(p.failures, map[string]interface{}{
		"turn": turn, "agentId": agentID, "reason": reason,
	})
}

func (p *proofTracker) summary() map[string]interface{} {
	out := map[string]interface{}{
		"required": p.required,
		"verified": p.verified,
		"failed":   p.failed,
	}
	if len(p.failures) > 0 {
		out["failures"] = p.failures
	}
	if len(p.signers) > 0 {
		out["signers"] = p.signers
	}
	return out
}

// Run negotiates the session to a terminal status. Participants must
// already be role-split; the caller persists the returned turns and
// transitions the session.
func (e *Engine) Run(ctx context.Context, sessionID, topic string, maxTurns int, buyer, seller Participant, snap policy.Snapshot) (*Result, error) {
	maxTurns = ClampTurns(maxTurns)

	if snap.RequireEndpointNegotiation {
		result, err := e.runEndpoint(ctx, sessionID, topic, maxTurns, buyer, seller, snap)
		if err == nil && result.FinalStatus != store.SessionFailed {
			return result, nil
		}
		if !snap.AllowEngineFallback {
			if err != nil {
				return nil, err
			}
			return result, nil
		}
		reason := "endpoint_negotiation_failed"
		if err != nil {
			reason = err.Error()
		} else if result.FailureReason != "" {
			reason = result.FailureReason
		}
		e.logger.Warn("endpoint negotiation failed, engaging fallback engine",
			slog.String("sessionId", sessionID), slog.String("reason", reason))
		fallback := e.runFallback(sessionID, maxTurns, buyer, seller)
		fallback.FallbackReason = reason
		fallback.ExecutionMode = snap.ExecutionMode()
		return fallback, nil
	}

	result := e.runFallback(sessionID, maxTurns, buyer, seller)
	result.ExecutionMode = snap.ExecutionMode()
	return result, nil
}

func (e *Engine) runEndpoint(ctx context.Context, sessionID, topic string, maxTurns int, buyer, seller Participant, snap policy.Snapshot) (*Result, error) {
	result := &Result{ExecutionMode: snap.ExecutionMode()}
	tracker := newProofTracker(snap.RequireTurnProof)
	defer func() { result.ProofSummary = tracker.summary() }()

	buyerOffer := agentclient.RoundOffer(buyer.Context.InitialOffer())
	sellerAsk := agentclient.RoundOffer(seller.Context.InitialOffer())

	for turn := 1; turn <= maxTurns; turn++ {
		nextBuyer, err := e.turnDecision(ctx, sessionID, topic, turn, maxTurns, RoleBuyer, buyer, buyerOffer, sellerAsk, snap, tracker)
		if err != nil {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleBuyer, err)
		}
		if nextBuyer > buyer.Context.Reservation {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleBuyer,
				fmt.Errorf("buyer offer %v exceeds buyer reservation", nextBuyer))
		}
		if turn > 1 && nextBuyer < buyerOffer {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleBuyer,
				fmt.Errorf("buyer offer %v regressed below %v", nextBuyer, buyerOffer))
		}
		buyerOffer = nextBuyer

		nextSeller, err := e.turnDecision(ctx, sessionID, topic, turn, maxTurns, RoleSeller, seller, buyerOffer, sellerAsk, snap, tracker)
		if err != nil {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleSeller, err)
		}
		if nextSeller < seller.Context.Reservation {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleSeller,
				fmt.Errorf("seller ask %v undercuts seller reservation", nextSeller))
		}
		if turn > 1 && nextSeller > sellerAsk {
			return e.failTurn(result, turn, buyerOffer, sellerAsk, RoleSeller,
				fmt.Errorf("seller ask %v regressed above %v", nextSeller, sellerAsk))
		}
		sellerAsk = nextSeller

		if done := e.closeTurn(result, turn, maxTurns, buyerOffer, sellerAsk, buyer, seller); done {
			return result, nil
		}
	}
	return result, nil
}

// closeTurn appends the turn record and reports whether the run is
// over: crossed offers settle to agreed, an exhausted budget to
// no_agreement, anything else continues.
func (e *Engine) closeTurn(result *Result, turn, maxTurns int, buyerOffer, sellerAsk float64, buyer, seller Participant) bool {
	if buyerOffer >= sellerAsk {
		price, ok := NashPrice(buyerOffer, sellerAsk,
			buyer.Context.Reservation, seller.Context.Reservation,
			buyer.Context.BargainingPower(), seller.Context.BargainingPower())
		if ok {
			result.AgreedPrice = &price
			result.FinalStatus = store.SessionAgreed
			result.Turns = append(result.Turns, Turn{
				Turn:    turn,
				Status:  store.TurnAgreed,
				Summary: privacy.SummarizeTurn(turn, "both", buyerOffer, sellerAsk, store.TurnAgreed),
			})
			return true
		}
		// Crossed offers but no interval inside both reservations.
		result.FinalStatus = store.SessionFailed
		result.FailureReason = "offers crossed outside both reservations"
		result.Turns = append(result.Turns, Turn{
			Turn:    turn,
			Status:  store.TurnFailed,
			Summary: privacy.SummarizeTurn(turn, "both", buyerOffer, sellerAsk, store.TurnFailed),
		})
		return true
	}
	if turn == maxTurns {
		result.FinalStatus = store.SessionNoAgreement
		result.Turns = append(result.Turns, Turn{
			Turn:    turn,
			Status:  store.TurnNoAgreement,
			Summary: privacy.SummarizeTurn(turn, "both", buyerOffer, sellerAsk, store.TurnNoAgreement),
		})
		return true
	}
	result.Turns = append(result.Turns, Turn{
		Turn:    turn,
		Status:  store.TurnContinue,
		Summary: privacy.SummarizeTurn(turn, "both", buyerOffer, sellerAsk, store.TurnContinue),
	})
	return false
}

func (e *Engine) failTurn(result *Result, turn int, buyerOffer, sellerAsk float64, role string, cause error) (*Result, error) {
	result.FinalStatus = store.SessionFailed
	result.FailureReason = cause.Error()
	result.Turns = append(result.Turns, Turn{
		Turn:    turn,
		Status:  store.TurnFailed,
		Summary: privacy.SummarizeTurn(turn, role, buyerOffer, sellerAsk, store.TurnFailed),
	})
	e.logger.Warn("negotiation turn failed",
		slog.String("role", role), slog.Int("turn", turn), slog.String("reason", cause.Error()))
	return result, nil
}

// turnDecision runs one decision round-trip for one side: challenge,
// endpoint call, offer rounding, proof and runtime verification.
func (e *Engine) turnDecision(ctx context.Context, sessionID, topic string, turn, maxTurns int, role string, side Participant, buyerOffer, sellerAsk float64, snap policy.Snapshot, tracker *proofTracker) (float64, error) {
	challenge, err := agentclient.NewChallenge()
	if err != nil {
		return 0, err
	}
	eigen := side.Agent.Eigen()
	req := agentclient.DecisionRequest{
		Protocol:       agentclient.DecisionProtocol,
		SessionID:      sessionID,
		Topic:          topic,
		Turn:           turn,
		MaxTurns:       maxTurns,
		Role:           role,
		AgentID:        side.Agent.ID,
		Challenge:      challenge,
		PrivateContext: side.Context.Raw,
		PublicState: map[string]interface{}{
			"turn":       turn,
			"maxTurns":   maxTurns,
			"buyerOffer": buyerOffer,
			"sellerAsk":  sellerAsk,
		},
		ExpectedProofBinding: map[string]interface{}{
			"protocol":    agentclient.ProofProtocol,
			"version":     agentclient.ProofVersion,
			"sessionId":   sessionID,
			"turn":        turn,
			"agentId":     side.Agent.ID,
			"role":        role,
			"challenge":   challenge,
			"appId":       eigen.AppID,
			"environment": eigen.Environment,
			"imageDigest": eigen.ImageDigest,
		},
	}
	decision, err := e.decider.Decide(ctx, side.Agent, req)
	if err != nil {
		return 0, err
	}
	offer := agentclient.RoundOffer(decision.Offer)
	if math.IsNaN(offer) || math.IsInf(offer, 0) {
		return 0, fmt.Errorf("%s returned a non-finite offer", role)
	}

	binding := agentclient.Binding{
		SessionID: sessionID,
		Turn:      turn,
		AgentID:   side.Agent.ID,
		Role:      role,
		Challenge: challenge,
		Eigen:     eigen,
		Skew:      snap.TurnProofSkew(),
		Now:       e.now,
	}
	proofResult, proofErr := agentclient.VerifyTurnProof(decision.Proof, binding)
	if proofErr != nil {
		tracker.fail(turn, side.Agent.ID, proofErr.Error())
		if snap.RequireTurnProof {
			return 0, proofErr
		}
	} else {
		tracker.pass(side.Agent.ID, proofResult.SignerAddress)
		expected := runtimeattest.Expected{
			DecisionHash:  proofResult.DecisionHash,
			AppID:         eigen.AppID,
			Environment:   eigen.Environment,
			ImageDigest:   eigen.ImageDigest,
			SignerAddress: eigen.SignerAddress,
		}
		if err := e.runtime.Verify(ctx, decision.Runtime, expected, snap); err != nil {
			tracker.fail(turn, side.Agent.ID, err.Error())
			if snap.RequireRuntimeAttestation {
				return 0, err
			}
		}
	}
	return offer, nil
}

// runFallback is the deterministic in-process engine: each side
// concedes by its step scaled against its bargaining power until the
// offers cross or the turn budget runs out. Identical inputs always
// produce the identical transcript.
func (e *Engine) runFallback(sessionID string, maxTurns int, buyer, seller Participant) *Result {
	result := &Result{FinalStatus: store.SessionNoAgreement}
	buyerPower := buyer.Context.BargainingPower()
	sellerPower := seller.Context.BargainingPower()

	buyerOffer := agentclient.RoundOffer(buyer.Context.InitialOffer())
	sellerAsk := agentclient.RoundOffer(seller.Context.InitialOffer())

	for turn := 1; turn <= maxTurns; turn++ {
		if turn > 1 {
			buyerOffer = agentclient.RoundOffer(math.Min(
				buyer.Context.Reservation,
				buyerOffer+fallbackConcession(buyer.Context.Step, buyerPower)))
			sellerAsk = agentclient.RoundOffer(math.Max(
				seller.Context.Reservation,
				sellerAsk-fallbackConcession(seller.Context.Step, sellerPower)))
		}
		if done := e.closeTurn(result, turn, maxTurns, buyerOffer, sellerAsk, buyer, seller); done {
			return result
		}
	}
	return result
}
