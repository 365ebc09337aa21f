package agentclient

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"moltd/canonical"
	"moltd/store"
)

// Turn proof failure reasons. Each maps to exactly one failed check so
// operators can tell a stale clock from a forged signature.
const (
	ReasonProofMissing            = "turn_proof_missing"
	ReasonProofSessionIDMismatch  = "turn_proof_session_id_mismatch"
	ReasonProofTurnMismatch       = "turn_proof_turn_mismatch"
	ReasonProofAgentIDMismatch    = "turn_proof_agent_id_mismatch"
	ReasonProofChallengeMismatch  = "turn_proof_challenge_mismatch"
	ReasonProofAppIDMismatch      = "turn_proof_app_id_mismatch"
	ReasonProofEnvMismatch        = "turn_proof_environment_mismatch"
	ReasonProofImageMismatch      = "turn_proof_image_digest_mismatch"
	ReasonProofTimestampInvalid   = "turn_proof_timestamp_invalid"
	ReasonProofTimestampOutOfWindow = "turn_proof_timestamp_out_of_window"
	ReasonProofHashMismatch       = "turn_proof_hash_mismatch"
	ReasonProofRecoveryFailed     = "turn_proof_signer_recovery_failed"
	ReasonProofSignerMismatch     = "turn_proof_signer_mismatch"
	ReasonProofSignerNotAllowed   = "turn_proof_signer_not_allowed"
)

// ProofError names the failed verification check.
type ProofError struct {
	Reason string
	Detail string
}

func (e *ProofError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func proofFail(reason, detail string) *ProofError { return &ProofError{Reason: reason, Detail: detail} }

// Binding pins the proof to the turn the service issued.
type Binding struct {
	SessionID string
	Turn      int
	AgentID   string
	Role      string
	Challenge string
	Eigen     store.EigenProfile
	Skew      time.Duration
	Now       func() time.Time
}

// ProofResult carries the recovered signer and the recomputed hash.
type ProofResult struct {
	SignerAddress string
	DecisionHash  string
}

// RoundOffer rounds to the 4-decimal grid all offer hashing uses.
func RoundOffer(offer float64) float64 {
	return math.Round(offer*1e4) / 1e4
}

// FormatOffer renders an offer the way it appears in hash payloads and
// signed messages: rounded to 4 decimals, shortest decimal form.
func FormatOffer(offer float64) string {
	return strconv.FormatFloat(RoundOffer(offer), 'f', -1, 64)
}

// VerifyTurnProof checks a signed turn proof against its binding and
// returns the recovered signer address. The checks run in a fixed
// order; the first failure wins, so callers can rely on the reason.
func VerifyTurnProof(proof *TurnProof, binding Binding) (*ProofResult, error) {
	if proof == nil || strings.TrimSpace(proof.Signature) == "" {
		return nil, proofFail(ReasonProofMissing, "")
	}

	if proof.SessionID != binding.SessionID {
		return nil, proofFail(ReasonProofSessionIDMismatch, "")
	}
	if proof.Turn != binding.Turn {
		return nil, proofFail(ReasonProofTurnMismatch, fmt.Sprintf("proof turn %d, expected %d", proof.Turn, binding.Turn))
	}
	if proof.AgentID != binding.AgentID {
		return nil, proofFail(ReasonProofAgentIDMismatch, "")
	}
	challenge := strings.ToLower(strings.TrimSpace(proof.Challenge))
	if challenge != strings.ToLower(strings.TrimSpace(binding.Challenge)) {
		return nil, proofFail(ReasonProofChallengeMismatch, "")
	}
	appID := strings.ToLower(strings.TrimSpace(proof.AppID))
	if appID != binding.Eigen.AppID {
		return nil, proofFail(ReasonProofAppIDMismatch, "")
	}
	environment := strings.ToLower(strings.TrimSpace(proof.Environment))
	if binding.Eigen.Environment != "" && environment != binding.Eigen.Environment {
		return nil, proofFail(ReasonProofEnvMismatch, "")
	}
	imageDigest := strings.ToLower(strings.TrimSpace(proof.ImageDigest))
	if binding.Eigen.ImageDigest != "" && imageDigest != binding.Eigen.ImageDigest {
		return nil, proofFail(ReasonProofImageMismatch, "")
	}

	tsValue, tsString, ok := normalizeTimestamp(proof.Timestamp)
	if !ok {
		return nil, proofFail(ReasonProofTimestampInvalid, fmt.Sprintf("unparseable timestamp %v", proof.Timestamp))
	}
	now := time.Now
	if binding.Now != nil {
		now = binding.Now
	}
	if skew := now().Sub(tsValue); skew > binding.Skew || skew < -binding.Skew {
		return nil, proofFail(ReasonProofTimestampOutOfWindow,
			fmt.Sprintf("proof signed at %s, window ±%s", tsValue.Format(time.RFC3339), binding.Skew))
	}

	decisionHash, err := DecisionHash(proof.SessionID, proof.Turn, proof.AgentID, proof.Role,
		proof.Offer, challenge, appID, environment, imageDigest, proof.Timestamp)
	if err != nil {
		return nil, proofFail(ReasonProofHashMismatch, err.Error())
	}
	if proof.DecisionHash != "" && !strings.EqualFold(proof.DecisionHash, decisionHash) {
		return nil, proofFail(ReasonProofHashMismatch, "proof decisionHash does not match recomputed hash")
	}

	message := ProofMessage(proof.SessionID, proof.Turn, proof.AgentID, proof.Role,
		proof.Offer, challenge, decisionHash, appID, environment, imageDigest, tsString)
	recovered, err := recoverSigner(message, proof.Signature)
	if err != nil {
		return nil, proofFail(ReasonProofRecoveryFailed, err.Error())
	}

	if signer := strings.ToLower(strings.TrimSpace(proof.Signer)); signer != "" && signer != recovered {
		return nil, proofFail(ReasonProofSignerMismatch,
			fmt.Sprintf("proof declares signer %s, recovered %s", signer, recovered))
	}
	if binding.Eigen.SignerAddress != "" && recovered != binding.Eigen.SignerAddress {
		return nil, proofFail(ReasonProofSignerNotAllowed,
			fmt.Sprintf("recovered signer %s is not the registered runtime signer", recovered))
	}

	return &ProofResult{SignerAddress: recovered, DecisionHash: decisionHash}, nil
}

// DecisionHash recomputes the 0x-prefixed canonical hash over the
// decision payload. Field names and normalization are part of the wire
// contract shared with agent runtimes.
func DecisionHash(sessionID string, turn int, agentID, role string, offer float64,
	challenge, appID, environment, imageDigest string, timestamp interface{}) (string, error) {
	payload := map[string]interface{}{
		"protocol":    ProofProtocol,
		"version":     ProofVersion,
		"sessionId":   sessionID,
		"turn":        turn,
		"agentId":     agentID,
		"role":        role,
		"offer":       RoundOffer(offer),
		"challenge":   strings.ToLower(strings.TrimSpace(challenge)),
		"appId":       strings.ToLower(strings.TrimSpace(appID)),
		"environment": strings.ToLower(strings.TrimSpace(environment)),
		"imageDigest": strings.ToLower(strings.TrimSpace(imageDigest)),
		"timestamp":   timestamp,
	}
	sum, err := canonical.HashHex(payload)
	if err != nil {
		return "", err
	}
	return "0x" + sum, nil
}

// ProofMessage builds the pipe-joined string whose ERC-191 digest the
// agent signs. Field order is fixed.
func ProofMessage(sessionID string, turn int, agentID, role string, offer float64,
	challenge, decisionHash, appID, environment, imageDigest, timestamp string) string {
	return strings.Join([]string{
		ProofProtocol,
		ProofVersion,
		sessionID,
		strconv.Itoa(turn),
		agentID,
		role,
		FormatOffer(offer),
		challenge,
		decisionHash,
		appID,
		environment,
		imageDigest,
		timestamp,
	}, "|")
}

// SignTurnProof signs the proof message with a secp256k1 key given as
// hex. Used by the fallback engine and by tests that stand in for an
// agent runtime.
func SignTurnProof(message, privateKeyHex string) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("agentclient: parse signing key: %w", err)
	}
	sig, err := ethcrypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("agentclient: sign proof: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func recoverSigner(message, signature string) (string, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("signature is not hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Ethereum tooling emits v as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// normalizeTimestamp accepts epoch milliseconds (number) or ISO-8601
// (string) and returns both the parsed instant and the exact string
// form used in the signed message.
func normalizeTimestamp(v interface{}) (time.Time, string, bool) {
	switch ts := v.(type) {
	case float64:
		ms := int64(ts)
		return time.UnixMilli(ms), strconv.FormatInt(ms, 10), true
	case json.Number:
		if ms, err := ts.Int64(); err == nil {
			return time.UnixMilli(ms), strconv.FormatInt(ms, 10), true
		}
	case int64:
		return time.UnixMilli(ts), strconv.FormatInt(ts, 10), true
	case string:
		trimmed := strings.TrimSpace(ts)
		if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return time.UnixMilli(ms), trimmed, true
		}
		if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
			return parsed, trimmed, true
		}
	}
	return time.Time{}, "", false
}
