// Package attestation produces and verifies the signed outcome
// statement for a finished negotiation session. The payload and
// outcome hashes use the canonical encoding, the signature is ECDSA
// over the ERC-191 personal-message digest of the payload hash, and
// verification re-derives everything from stored session state.
package attestation

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"moltd/canonical"
	"moltd/policy"
	"moltd/store"
)

// PayloadVersion tags the attestation payload layout.
const PayloadVersion = "molt-attestation/v1"

// devSignerSeed derives a predictable signer key outside production.
const devSignerSeed = "moltd-dev-attestation-signer"

// ErrMissingSignerKey is returned when production runs without a
// configured attestation signer key.
var ErrMissingSignerKey = errors.New("missing_attestation_signer_key")

// Verification failure reasons.
const (
	ReasonAttestationMissing    = "attestation_missing"
	ReasonPayloadHashMismatch   = "payload_hash_mismatch"
	ReasonSignatureInvalid      = "signature_invalid"
	ReasonSignerMismatch        = "signer_mismatch"
	ReasonSignerNotAllowed      = "signer_not_allowed"
	ReasonOutcomeHashMismatch   = "outcome_hash_mismatch"
	ReasonStrictNotVerified     = "strict_not_verified"
	ReasonExecutionModeNotStrict = "execution_mode_not_strict"
)

// Signer holds the service attestation key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// SignerOptions controls key resolution.
type SignerOptions struct {
	// KeyHex is the operator-supplied secp256k1 key, 64 hex chars with
	// or without an 0x prefix.
	KeyHex string
	// Production forbids the derived development key.
	Production bool
	// AllowInsecureDevKeys permits the derived key outside production.
	AllowInsecureDevKeys bool
}

// NewSigner resolves the signing key.
func NewSigner(opts SignerOptions) (*Signer, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(opts.KeyHex), "0x")
	if raw == "" {
		if opts.Production || !opts.AllowInsecureDevKeys {
			return nil, ErrMissingSignerKey
		}
		seed := sha256.Sum256([]byte(devSignerSeed))
		raw = hex.EncodeToString(seed[:])
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("attestation: signer key must be 64 hex chars, got %d", len(raw))
	}
	key, err := ethcrypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("attestation: parse signer key: %w", err)
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(ethcrypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// Address returns the lowercased signer address.
func (s *Signer) Address() string { return s.address }

// BuildInput carries everything the payload derives from.
type BuildInput struct {
	Session       *store.Session
	Turns         []store.SessionTurn
	Snapshot      policy.Snapshot
	StrictReasons []string
	SealedInputs  int
	GeneratedAt   time.Time
}

// OutcomeHash binds the session outcome: id, status, terms and the
// ordered public turn records.
func OutcomeHash(sess *store.Session, turns []store.SessionTurn) (string, error) {
	turnViews := make([]map[string]interface{}, 0, len(turns))
	for _, turn := range turns {
		turnViews = append(turnViews, map[string]interface{}{
			"turn":    turn.Turn,
			"status":  turn.Status,
			"summary": turn.Summary,
		})
	}
	return canonical.HashHex(map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"terms":     sess.Terms,
		"turns":     turnViews,
	})
}

// Build assembles the unsigned attestation payload.
func Build(in BuildInput) (map[string]interface{}, error) {
	if in.Session == nil {
		return nil, errors.New("attestation: session required")
	}
	outcomeHash, err := OutcomeHash(in.Session, in.Turns)
	if err != nil {
		return nil, err
	}
	policyHash, err := canonical.HashHex(in.Snapshot)
	if err != nil {
		return nil, err
	}

	negotiated := in.Session.Status == store.SessionAgreed ||
		in.Session.Status == store.SessionNoAgreement ||
		in.Session.Status == store.SessionFailed
	strictVerified := len(in.StrictReasons) == 0 && in.SealedInputs == 2 && negotiated

	participants := []string{in.Session.ProposerAgentID}
	if in.Session.CounterpartyAgentID != nil {
		participants = append(participants, *in.Session.CounterpartyAgentID)
	}

	generatedAt := in.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	strictReasons := in.StrictReasons
	if strictReasons == nil {
		strictReasons = []string{}
	}

	return map[string]interface{}{
		"version":        PayloadVersion,
		"sessionId":      in.Session.ID,
		"status":         in.Session.Status,
		"turns":          len(in.Turns),
		"outcomeHash":    outcomeHash,
		"policyHash":     policyHash,
		"executionMode":  in.Snapshot.ExecutionMode(),
		"strictVerified": strictVerified,
		"strictReasons":  strictReasons,
		"participants":   participants,
		"generatedAt":    generatedAt.Format(time.RFC3339),
	}, nil
}

// Sign hashes the payload and signs the ERC-191 digest of the hash.
func (s *Signer) Sign(payload map[string]interface{}) (*store.Attestation, error) {
	sum, err := canonical.HashHex(payload)
	if err != nil {
		return nil, err
	}
	payloadHash := "0x" + sum
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(payloadHash)), s.key)
	if err != nil {
		return nil, fmt.Errorf("attestation: sign: %w", err)
	}
	return &store.Attestation{
		ID:            uuid.NewString(),
		SessionID:     payload["sessionId"].(string),
		SignerAddress: s.address,
		PayloadHash:   payloadHash,
		Signature:     "0x" + hex.EncodeToString(sig),
		Payload:       payload,
	}, nil
}

// Verify re-derives every check over a stored attestation and returns
// all failing reasons. An empty slice means the attestation is trusted.
func Verify(att *store.Attestation, sess *store.Session, turns []store.SessionTurn, configuredSigner string) []string {
	if att == nil {
		return []string{ReasonAttestationMissing}
	}
	var reasons []string

	sum, err := canonical.HashHex(att.Payload)
	payloadHash := "0x" + sum
	if err != nil || !constantTimeEqualFold(att.PayloadHash, payloadHash) {
		reasons = append(reasons, ReasonPayloadHashMismatch)
	}

	recovered, err := recoverAddress(payloadHash, att.Signature)
	if err != nil {
		reasons = append(reasons, ReasonSignatureInvalid)
	} else {
		if !constantTimeEqualFold(recovered, att.SignerAddress) {
			reasons = append(reasons, ReasonSignerMismatch)
		}
		if configuredSigner != "" && !constantTimeEqualFold(recovered, configuredSigner) {
			reasons = append(reasons, ReasonSignerNotAllowed)
		}
	}

	if sess != nil {
		outcomeHash, err := OutcomeHash(sess, turns)
		recorded, _ := att.Payload["outcomeHash"].(string)
		if err != nil || !constantTimeEqualFold(recorded, outcomeHash) {
			reasons = append(reasons, ReasonOutcomeHashMismatch)
		}
	}

	if verified, _ := att.Payload["strictVerified"].(bool); !verified {
		reasons = append(reasons, ReasonStrictNotVerified)
	}
	if mode, _ := att.Payload["executionMode"].(string); mode != "strict" {
		reasons = append(reasons, ReasonExecutionModeNotStrict)
	}
	return reasons
}

func recoverAddress(payloadHash, signature string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return "", err
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(payloadHash)), sig)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

func constantTimeEqualFold(a, b string) bool {
	la, lb := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if len(la) != len(lb) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(la), []byte(lb)) == 1
}
