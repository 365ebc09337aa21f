package agentclient

import (
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"moltd/store"
)

type signedProof struct {
	proof  *TurnProof
	signer string
	key    string
}

func buildProof(t *testing.T, binding Binding, offer float64) *signedProof {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(key))
	signer := strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex())

	ts := time.Now().UnixMilli()
	hash, err := DecisionHash(binding.SessionID, binding.Turn, binding.AgentID, binding.Role,
		offer, binding.Challenge, binding.Eigen.AppID, binding.Eigen.Environment, binding.Eigen.ImageDigest, ts)
	if err != nil {
		t.Fatalf("decision hash: %v", err)
	}
	message := ProofMessage(binding.SessionID, binding.Turn, binding.AgentID, binding.Role,
		offer, binding.Challenge, hash, binding.Eigen.AppID, binding.Eigen.Environment,
		binding.Eigen.ImageDigest, strconv.FormatInt(ts, 10))
	sig, err := SignTurnProof(message, keyHex)
	if err != nil {
		t.Fatalf("sign proof: %v", err)
	}
	return &signedProof{
		proof: &TurnProof{
			Protocol:     ProofProtocol,
			Version:      ProofVersion,
			SessionID:    binding.SessionID,
			Turn:         binding.Turn,
			AgentID:      binding.AgentID,
			Role:         binding.Role,
			Offer:        offer,
			Challenge:    binding.Challenge,
			AppID:        binding.Eigen.AppID,
			Environment:  binding.Eigen.Environment,
			ImageDigest:  binding.Eigen.ImageDigest,
			Timestamp:    float64(ts),
			DecisionHash: hash,
			Signature:    sig,
			Signer:       signer,
		},
		signer: signer,
		key:    keyHex,
	}
}

func testBinding() Binding {
	return Binding{
		SessionID: "sess-1",
		Turn:      3,
		AgentID:   "agent-buyer",
		Role:      "buyer",
		Challenge: "a1b2c3d4e5f60718293a4b5c6d7e8f9012345678",
		Eigen: store.EigenProfile{
			AppID:       "app-buyer",
			Environment: "production",
			ImageDigest: "sha256:abc123",
		},
		Skew: 5 * time.Minute,
	}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var perr *ProofError
	if !errors.As(err, &perr) {
		t.Fatalf("expected proof error, got %v", err)
	}
	return perr.Reason
}

func TestVerifyTurnProofRoundTrip(t *testing.T) {
	binding := testBinding()
	sp := buildProof(t, binding, 104.5)
	res, err := VerifyTurnProof(sp.proof, binding)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.SignerAddress != sp.signer {
		t.Fatalf("recovered %s, want %s", res.SignerAddress, sp.signer)
	}
	if !strings.HasPrefix(res.DecisionHash, "0x") || len(res.DecisionHash) != 66 {
		t.Fatalf("unexpected hash %q", res.DecisionHash)
	}
}

func TestVerifyTurnProofPinsRuntimeSigner(t *testing.T) {
	binding := testBinding()
	sp := buildProof(t, binding, 104.5)

	binding.Eigen.SignerAddress = sp.signer
	if _, err := VerifyTurnProof(sp.proof, binding); err != nil {
		t.Fatalf("registered signer should pass: %v", err)
	}

	binding.Eigen.SignerAddress = "0x0000000000000000000000000000000000000001"
	if _, err := VerifyTurnProof(sp.proof, binding); reasonOf(t, err) != ReasonProofSignerNotAllowed {
		t.Fatalf("foreign signer should be rejected")
	}
}

func TestVerifyTurnProofFieldMismatches(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*TurnProof, *Binding)
		want   string
	}{
		{"missing", func(p *TurnProof, b *Binding) { p.Signature = "" }, ReasonProofMissing},
		{"session", func(p *TurnProof, b *Binding) { p.SessionID = "other" }, ReasonProofSessionIDMismatch},
		{"turn", func(p *TurnProof, b *Binding) { p.Turn++ }, ReasonProofTurnMismatch},
		{"agent", func(p *TurnProof, b *Binding) { p.AgentID = "imposter" }, ReasonProofAgentIDMismatch},
		{"challenge", func(p *TurnProof, b *Binding) { p.Challenge = strings.Repeat("0", 40) }, ReasonProofChallengeMismatch},
		{"appId", func(p *TurnProof, b *Binding) { p.AppID = "app-other" }, ReasonProofAppIDMismatch},
		{"environment", func(p *TurnProof, b *Binding) { p.Environment = "staging" }, ReasonProofEnvMismatch},
		{"imageDigest", func(p *TurnProof, b *Binding) { p.ImageDigest = "sha256:other" }, ReasonProofImageMismatch},
		{"timestamp", func(p *TurnProof, b *Binding) { p.Timestamp = "not-a-time" }, ReasonProofTimestampInvalid},
		{"stale", func(p *TurnProof, b *Binding) {
			b.Skew = time.Second
			p.Timestamp = float64(time.Now().Add(-time.Hour).UnixMilli())
		}, ReasonProofTimestampOutOfWindow},
		{"offer tamper", func(p *TurnProof, b *Binding) { p.Offer += 1 }, ReasonProofHashMismatch},
		{"bad signature", func(p *TurnProof, b *Binding) { p.Signature = "0x" + strings.Repeat("ab", 65) }, ReasonProofRecoveryFailed},
		{"declared signer", func(p *TurnProof, b *Binding) {
			p.Signer = "0x0000000000000000000000000000000000000002"
		}, ReasonProofSignerMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			binding := testBinding()
			sp := buildProof(t, binding, 99.25)
			tc.mutate(sp.proof, &binding)
			_, err := VerifyTurnProof(sp.proof, binding)
			if err == nil {
				t.Fatalf("tampered proof verified")
			}
			if got := reasonOf(t, err); got != tc.want {
				t.Fatalf("reason %q, want %q", got, tc.want)
			}
		})
	}
}

func TestVerifyTurnProofChallengeIsCaseInsensitive(t *testing.T) {
	binding := testBinding()
	sp := buildProof(t, binding, 50)
	sp.proof.Challenge = strings.ToUpper(sp.proof.Challenge)
	if _, err := VerifyTurnProof(sp.proof, binding); err != nil {
		t.Fatalf("uppercase challenge should still verify: %v", err)
	}
}

func TestVerifyTurnProofWithRecoveryIDOffset(t *testing.T) {
	// Ethereum wallets ship v as 27/28; verification must accept both.
	binding := testBinding()
	sp := buildProof(t, binding, 75.5)
	raw := strings.TrimPrefix(sp.proof.Signature, "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	sig[64] += 27
	sp.proof.Signature = "0x" + hex.EncodeToString(sig)
	res, err := VerifyTurnProof(sp.proof, binding)
	if err != nil {
		t.Fatalf("verify with legacy v byte: %v", err)
	}
	if res.SignerAddress != sp.signer {
		t.Fatalf("recovered %s, want %s", res.SignerAddress, sp.signer)
	}
}

func TestFormatOffer(t *testing.T) {
	cases := map[float64]string{
		100:       "100",
		104.5:     "104.5",
		99.99999:  "100",
		12.34567:  "12.3457",
		0.1 + 0.2: "0.3",
	}
	for in, want := range cases {
		if got := FormatOffer(in); got != want {
			t.Fatalf("FormatOffer(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestNewChallengeShape(t *testing.T) {
	a, err := NewChallenge()
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if len(a) != 40 {
		t.Fatalf("challenge length %d, want 40", len(a))
	}
	if _, err := hex.DecodeString(a); err != nil {
		t.Fatalf("challenge is not hex: %v", err)
	}
	b, _ := NewChallenge()
	if a == b {
		t.Fatalf("challenges must not repeat")
	}
}
