package engine

import (
	"context"
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"moltd/agentclient"
	"moltd/policy"
	"moltd/runtimeattest"
	"moltd/store"
)

type deciderFunc func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error)

func (f deciderFunc) Decide(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
	return f(ctx, agent, req)
}

func ptr(f float64) *float64 { return &f }

func buyerParticipant(reservation float64) Participant {
	return Participant{
		Agent: &store.Agent{ID: "agent-buyer", Endpoint: "https://buyer.example"},
		Context: PrivateContext{
			Role:        RoleBuyer,
			Reservation: reservation,
			Step:        2,
			Raw:         map[string]interface{}{"role": RoleBuyer},
		},
	}
}

func sellerParticipant(reservation float64) Participant {
	return Participant{
		Agent: &store.Agent{ID: "agent-seller", Endpoint: "https://seller.example"},
		Context: PrivateContext{
			Role:        RoleSeller,
			Reservation: reservation,
			Step:        2,
			Raw:         map[string]interface{}{"role": RoleSeller},
		},
	}
}

// signedDecision builds a decision response whose proof satisfies the
// binding the engine derives from the request.
func signedDecision(t *testing.T, req agentclient.DecisionRequest, offer float64, keyHex string) *agentclient.DecisionResponse {
	t.Helper()
	ts := time.Now().UnixMilli()
	hash, err := agentclient.DecisionHash(req.SessionID, req.Turn, req.AgentID, req.Role,
		offer, req.Challenge, "", "", "", ts)
	if err != nil {
		t.Fatalf("decision hash: %v", err)
	}
	message := agentclient.ProofMessage(req.SessionID, req.Turn, req.AgentID, req.Role,
		offer, req.Challenge, hash, "", "", "", strconv.FormatInt(ts, 10))
	sig, err := agentclient.SignTurnProof(message, keyHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &agentclient.DecisionResponse{
		Offer: offer,
		Proof: &agentclient.TurnProof{
			SessionID:    req.SessionID,
			Turn:         req.Turn,
			AgentID:      req.AgentID,
			Role:         req.Role,
			Offer:        offer,
			Challenge:    req.Challenge,
			Timestamp:    float64(ts),
			DecisionHash: hash,
			Signature:    sig,
		},
	}
}

func testKeyHex(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(key))
}

func endpointSnapshot() policy.Snapshot {
	return policy.Snapshot{
		RequireEndpointNegotiation: true,
		RequireTurnProof:           true,
		TurnProofMaxSkewMs:         (5 * time.Minute).Milliseconds(),
		AllowEngineFallback:        false,
	}
}

func TestEndpointNegotiationConverges(t *testing.T) {
	buyer := buyerParticipant(120)
	seller := sellerParticipant(90)
	key := testKeyHex(t)

	// Buyer climbs from 100, seller descends from 110; they cross on
	// the third turn.
	decider := deciderFunc(func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
		var offer float64
		if req.Role == RoleBuyer {
			offer = 100 + float64(req.Turn-1)*5
		} else {
			offer = 110 - float64(req.Turn-1)*3
		}
		return signedDecision(t, req, offer, key), nil
	})

	eng := New(decider, runtimeattest.New(), nil)
	result, err := eng.Run(context.Background(), "sess-1", "widgets", 8, buyer, seller, endpointSnapshot())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != store.SessionAgreed {
		t.Fatalf("status %s, want agreed (reason %s)", result.FinalStatus, result.FailureReason)
	}
	if result.AgreedPrice == nil {
		t.Fatalf("agreed without a price")
	}
	if *result.AgreedPrice < 90 || *result.AgreedPrice > 120 {
		t.Fatalf("price %v outside both reservations", *result.AgreedPrice)
	}
	last := result.Turns[len(result.Turns)-1]
	if last.Status != store.TurnAgreed {
		t.Fatalf("last turn status %s", last.Status)
	}
	if summary := result.ProofSummary; summary["failed"].(int) != 0 {
		t.Fatalf("unexpected proof failures: %v", summary)
	}
	for _, turn := range result.Turns {
		for key := range turn.Summary {
			switch key {
			case "turn", "actor", "buyerBand", "sellerBand", "spreadLabel", "status":
			default:
				t.Fatalf("turn summary leaks field %q", key)
			}
		}
	}
}

func TestEndpointNegotiationExhaustsTurns(t *testing.T) {
	buyer := buyerParticipant(100)
	seller := sellerParticipant(200)
	key := testKeyHex(t)

	decider := deciderFunc(func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
		if req.Role == RoleBuyer {
			return signedDecision(t, req, 95, key), nil
		}
		return signedDecision(t, req, 210, key), nil
	})

	eng := New(decider, runtimeattest.New(), nil)
	result, err := eng.Run(context.Background(), "sess-2", "widgets", 4, buyer, seller, endpointSnapshot())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != store.SessionNoAgreement {
		t.Fatalf("status %s, want no_agreement", result.FinalStatus)
	}
	if len(result.Turns) != 4 {
		t.Fatalf("turn count %d, want 4", len(result.Turns))
	}
}

func TestEndpointMonotonicityViolationFailsSession(t *testing.T) {
	buyer := buyerParticipant(150)
	seller := sellerParticipant(50)
	key := testKeyHex(t)

	decider := deciderFunc(func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
		if req.Role == RoleBuyer {
			// Retreats on turn 2.
			offers := map[int]float64{1: 100, 2: 80}
			return signedDecision(t, req, offers[req.Turn], key), nil
		}
		return signedDecision(t, req, 140, key), nil
	})

	eng := New(decider, runtimeattest.New(), nil)
	result, err := eng.Run(context.Background(), "sess-3", "widgets", 8, buyer, seller, endpointSnapshot())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != store.SessionFailed {
		t.Fatalf("status %s, want failed", result.FinalStatus)
	}
}

func TestProofFailureIsFatalOnlyInStrictMode(t *testing.T) {
	buyer := buyerParticipant(120)
	seller := sellerParticipant(90)
	key := testKeyHex(t)

	decider := deciderFunc(func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
		var offer float64
		if req.Role == RoleBuyer {
			offer = 110
		} else {
			offer = 100
		}
		resp := signedDecision(t, req, offer, key)
		resp.Proof.Signature = ""
		return resp, nil
	})

	strict := endpointSnapshot()
	eng := New(decider, runtimeattest.New(), nil)
	result, err := eng.Run(context.Background(), "sess-4", "widgets", 8, buyer, seller, strict)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FinalStatus != store.SessionFailed {
		t.Fatalf("strict mode must fail on missing proof, got %s", result.FinalStatus)
	}

	relaxed := strict
	relaxed.RequireTurnProof = false
	result, err = eng.Run(context.Background(), "sess-5", "widgets", 8, buyer, seller, relaxed)
	if err != nil {
		t.Fatalf("run relaxed: %v", err)
	}
	if result.FinalStatus != store.SessionAgreed {
		t.Fatalf("relaxed mode should agree, got %s", result.FinalStatus)
	}
	if result.ProofSummary["failed"].(int) == 0 {
		t.Fatalf("proof failures must still be recorded")
	}
}

func TestEndpointFailureFallsBack(t *testing.T) {
	buyer := buyerParticipant(120)
	seller := sellerParticipant(90)

	decider := deciderFunc(func(ctx context.Context, agent *store.Agent, req agentclient.DecisionRequest) (*agentclient.DecisionResponse, error) {
		return nil, context.DeadlineExceeded
	})

	snap := endpointSnapshot()
	snap.AllowEngineFallback = true
	eng := New(decider, runtimeattest.New(), nil)
	result, err := eng.Run(context.Background(), "sess-6", "widgets", 8, buyer, seller, snap)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.FallbackReason == "" {
		t.Fatalf("fallback reason must be recorded")
	}
	if result.FinalStatus != store.SessionAgreed {
		t.Fatalf("overlapping reservations should converge in fallback, got %s", result.FinalStatus)
	}
}

func TestFallbackEngineIsDeterministic(t *testing.T) {
	snap := policy.Snapshot{AllowEngineFallback: true}
	eng := New(nil, runtimeattest.New(), nil)

	run := func() *Result {
		buyer := buyerParticipant(120)
		buyer.Context.Income = ptr(150000)
		buyer.Context.CreditScore = ptr(720)
		seller := sellerParticipant(90)
		seller.Context.Urgency = ptr(0.8)
		result, err := eng.Run(context.Background(), "sess-7", "widgets", 8, buyer, seller, snap)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return result
	}

	first, second := run(), run()
	if first.FinalStatus != second.FinalStatus {
		t.Fatalf("status differs across runs")
	}
	if (first.AgreedPrice == nil) != (second.AgreedPrice == nil) {
		t.Fatalf("price presence differs across runs")
	}
	if first.AgreedPrice != nil && *first.AgreedPrice != *second.AgreedPrice {
		t.Fatalf("price differs: %v vs %v", *first.AgreedPrice, *second.AgreedPrice)
	}
	if len(first.Turns) != len(second.Turns) {
		t.Fatalf("turn counts differ")
	}
}

func TestNashPriceStaysInsideReservations(t *testing.T) {
	price, ok := NashPrice(105, 100, 120, 90, 0.6, 0.4)
	if !ok {
		t.Fatalf("overlap expected")
	}
	if price < 90 || price > 120 {
		t.Fatalf("price %v escapes reservations", price)
	}

	if _, ok := NashPrice(80, 70, 75, 78, 0.5, 0.5); ok {
		t.Fatalf("disjoint reservations must not settle")
	}
}

func TestNashPriceFavorsStrongerSide(t *testing.T) {
	strongBuyer, _ := NashPrice(110, 100, 130, 80, 0.9, 0.1)
	strongSeller, _ := NashPrice(110, 100, 130, 80, 0.1, 0.9)
	if strongBuyer >= strongSeller {
		t.Fatalf("stronger buyer should settle lower: buyer-strong %v, seller-strong %v", strongBuyer, strongSeller)
	}
}

func TestParseContext(t *testing.T) {
	pc, err := ParseContext(map[string]interface{}{
		"role":             "buyer",
		"reservationPrice": 150.0,
		"initialPrice":     100.0,
		"step":             2.5,
		"urgency":          0.3,
		"income":           180000.0,
		"creditScore":      700.0,
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pc.Reservation != 150 || pc.Step != 2.5 || pc.InitialPrice == nil {
		t.Fatalf("unexpected context %+v", pc)
	}
	power := pc.BargainingPower()
	if power <= 0.5 || power > 1 {
		t.Fatalf("high leverage low urgency should exceed midpoint, got %v", power)
	}

	if _, err := ParseContext(map[string]interface{}{"role": "buyer"}); err == nil {
		t.Fatalf("missing reservation must fail")
	}
	if _, err := ParseContext(map[string]interface{}{"role": "arbiter", "reservationPrice": 10.0}); err == nil {
		t.Fatalf("unknown role must fail")
	}
}

func TestSplitRoles(t *testing.T) {
	buyer, seller := buyerParticipant(100), sellerParticipant(80)
	gotBuyer, gotSeller, err := SplitRoles(seller, buyer)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if gotBuyer.Context.Role != RoleBuyer || gotSeller.Context.Role != RoleSeller {
		t.Fatalf("roles not partitioned")
	}
	if _, _, err := SplitRoles(buyer, buyer); err == nil {
		t.Fatalf("two buyers must fail")
	}
}

func TestInitialOffers(t *testing.T) {
	buyer := buyerParticipant(120).Context
	if got := buyer.InitialOffer(); got != 116 {
		t.Fatalf("buyer anchor %v, want reservation - 2*step", got)
	}
	buyer.InitialPrice = ptr(150)
	if got := buyer.InitialOffer(); got != 120 {
		t.Fatalf("buyer anchor clamps to reservation, got %v", got)
	}
	seller := sellerParticipant(90).Context
	if got := seller.InitialOffer(); got != 94 {
		t.Fatalf("seller anchor %v, want reservation + 2*step", got)
	}
}
