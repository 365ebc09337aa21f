// Package policy resolves the strict-mode policy snapshot from the
// environment. The snapshot is intentionally re-read on every call:
// operators (and tests) flip flags at runtime and each request must see
// the current values. The snapshot feeds the policy hash embedded in
// every session attestation.
package policy

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for the strict-mode flags.
const (
	EnvEnvironment                  = "NEG_ENV"
	EnvRequireEndpointMode          = "NEG_REQUIRE_ENDPOINT_MODE"
	EnvRequireEndpointNegotiation   = "NEG_REQUIRE_ENDPOINT_NEGOTIATION"
	EnvRequireTurnProof             = "NEG_REQUIRE_TURN_PROOF"
	EnvTurnProofMaxSkewMs           = "NEG_TURN_PROOF_MAX_SKEW_MS"
	EnvRequireRuntimeAttestation    = "NEG_REQUIRE_RUNTIME_ATTESTATION"
	EnvRuntimeAttestationRemote     = "NEG_RUNTIME_ATTESTATION_REMOTE_VERIFY"
	EnvRuntimeAttestationMaxAgeMs   = "NEG_RUNTIME_ATTESTATION_MAX_AGE_MS"
	EnvRuntimeAttestationVerifier   = "NEG_RUNTIME_ATTESTATION_VERIFIER_URL"
	EnvAllowEngineFallback          = "NEG_ALLOW_ENGINE_FALLBACK"
	EnvRequireEigenCompute          = "NEG_REQUIRE_EIGENCOMPUTE"
	EnvRequireSandboxParity         = "NEG_REQUIRE_SANDBOX_PARITY"
	EnvRequireEigenComputeEnv       = "NEG_REQUIRE_EIGENCOMPUTE_ENVIRONMENT"
	EnvRequireEigenComputeImage     = "NEG_REQUIRE_EIGENCOMPUTE_IMAGE_DIGEST"
	EnvRequireEigenComputeSigner    = "NEG_REQUIRE_EIGENCOMPUTE_SIGNER"
	EnvRequireIndependentAgents     = "NEG_REQUIRE_INDEPENDENT_AGENTS"
	EnvRequireEigenAppBinding       = "NEG_REQUIRE_EIGEN_APP_BINDING"
	EnvEigenAppBinding              = "NEG_EIGEN_APP_BINDING"
	EnvAllowSimpleMode              = "NEG_ALLOW_SIMPLE_MODE"
	EnvRequireAttestation           = "NEG_REQUIRE_ATTESTATION"
	EnvRequirePrivacyRedaction      = "NEG_REQUIRE_PRIVACY_REDACTION"
	EnvAllowInsecureDevKeys         = "NEG_ALLOW_INSECURE_DEV_KEYS"
	EnvSealingKey                   = "NEG_SEALING_KEY"
	EnvAttestationSignerKey         = "NEG_ATTESTATION_SIGNER_KEY"
	EnvEigenComputeVerifierBase     = "NEG_EIGENCOMPUTE_VERIFIER_BASE"
	defaultVerifierPath             = "/v1/verify"
)

// Skew and age clamps, per the wire contract.
const (
	MinTurnProofSkew  = time.Second
	MaxTurnProofSkew  = time.Hour
	DefaultProofSkew  = 5 * time.Minute
	MinAttestationAge = 5 * time.Second
	MaxAttestationAge = 24 * time.Hour
	DefaultMaxAge     = 10 * time.Minute
)

// Snapshot is the resolved strict-mode flag tuple. The exported JSON
// form is hashed into attestations, so field names are part of the
// integrity contract.
type Snapshot struct {
	RequireEndpointMode            bool     `json:"requireEndpointMode"`
	RequireEndpointNegotiation     bool     `json:"requireEndpointNegotiation"`
	RequireTurnProof               bool     `json:"requireTurnProof"`
	TurnProofMaxSkewMs             int64    `json:"turnProofMaxSkewMs"`
	RequireRuntimeAttestation      bool     `json:"requireRuntimeAttestation"`
	RuntimeAttestationRemoteVerify bool     `json:"runtimeAttestationRemoteVerify"`
	RuntimeAttestationMaxAgeMs     int64    `json:"runtimeAttestationMaxAgeMs"`
	RuntimeAttestationVerifierURL  string   `json:"runtimeAttestationVerifierUrl"`
	AllowEngineFallback            bool     `json:"allowEngineFallback"`
	RequireEigenCompute            bool     `json:"requireEigenCompute"`
	RequireSandboxParity           bool     `json:"requireSandboxParity"`
	RequireEigenComputeEnvironment bool     `json:"requireEigenComputeEnvironment"`
	RequireEigenComputeImageDigest bool     `json:"requireEigenComputeImageDigest"`
	RequireEigenComputeSigner      bool     `json:"requireEigenComputeSigner"`
	RequireIndependentAgents       bool     `json:"requireIndependentAgents"`
	RequireEigenAppBinding         bool     `json:"requireEigenAppBinding"`
	EigenAppBinding                []string `json:"eigenAppBinding"`
	AllowSimpleMode                bool     `json:"allowSimpleMode"`
	RequireAttestation             bool     `json:"requireAttestation"`
	RequirePrivacyRedaction        bool     `json:"requirePrivacyRedaction"`
	AllowInsecureDevKeys           bool     `json:"allowInsecureDevKeys"`
}

// Resolve reads the full snapshot from the environment.
func Resolve() Snapshot {
	snap := Snapshot{
		RequireEndpointMode:            envBool(EnvRequireEndpointMode, false),
		RequireEndpointNegotiation:     envBool(EnvRequireEndpointNegotiation, false),
		RequireTurnProof:               envBool(EnvRequireTurnProof, false),
		TurnProofMaxSkewMs:             clampMs(envInt(EnvTurnProofMaxSkewMs, DefaultProofSkew.Milliseconds()), MinTurnProofSkew, MaxTurnProofSkew),
		RequireRuntimeAttestation:      envBool(EnvRequireRuntimeAttestation, false),
		RuntimeAttestationRemoteVerify: envBool(EnvRuntimeAttestationRemote, false),
		RuntimeAttestationMaxAgeMs:     clampMs(envInt(EnvRuntimeAttestationMaxAgeMs, DefaultMaxAge.Milliseconds()), MinAttestationAge, MaxAttestationAge),
		AllowEngineFallback:            envBool(EnvAllowEngineFallback, true),
		RequireEigenCompute:            envBool(EnvRequireEigenCompute, false),
		RequireSandboxParity:           envBool(EnvRequireSandboxParity, false),
		RequireEigenComputeEnvironment: envBool(EnvRequireEigenComputeEnv, false),
		RequireEigenComputeImageDigest: envBool(EnvRequireEigenComputeImage, false),
		RequireEigenComputeSigner:      envBool(EnvRequireEigenComputeSigner, false),
		RequireIndependentAgents:       envBool(EnvRequireIndependentAgents, false),
		RequireEigenAppBinding:         envBool(EnvRequireEigenAppBinding, false),
		EigenAppBinding:                envList(EnvEigenAppBinding),
		AllowSimpleMode:                envBool(EnvAllowSimpleMode, true),
		RequireAttestation:             envBool(EnvRequireAttestation, false),
		RequirePrivacyRedaction:        envBool(EnvRequirePrivacyRedaction, true),
		AllowInsecureDevKeys:           envBool(EnvAllowInsecureDevKeys, !IsProduction()),
	}
	snap.RuntimeAttestationVerifierURL = verifierURL()
	return snap
}

// StrictSession reports whether the snapshot demands the full strict
// pipeline: endpoint negotiation, turn proofs and runtime attestation.
func (s Snapshot) StrictSession() bool {
	return s.RequireEndpointNegotiation && s.RequireTurnProof && s.RequireRuntimeAttestation
}

// ExecutionMode names the mode the snapshot admits; attestations over
// non-strict sessions never verify as trusted.
func (s Snapshot) ExecutionMode() string {
	if s.StrictSession() {
		return "strict"
	}
	return "simple"
}

// TurnProofSkew returns the clamped proof timestamp window.
func (s Snapshot) TurnProofSkew() time.Duration {
	return time.Duration(s.TurnProofMaxSkewMs) * time.Millisecond
}

// RuntimeAttestationMaxAge returns the clamped evidence age window.
func (s Snapshot) RuntimeAttestationMaxAge() time.Duration {
	return time.Duration(s.RuntimeAttestationMaxAgeMs) * time.Millisecond
}

// IsProduction reports whether the process runs in production mode.
func IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnvironment)))
	return env == "production" || env == "prod"
}

func verifierURL() string {
	if url := strings.TrimSpace(os.Getenv(EnvRuntimeAttestationVerifier)); url != "" {
		return url
	}
	if base := strings.TrimSpace(os.Getenv(EnvEigenComputeVerifierBase)); base != "" {
		return strings.TrimRight(base, "/") + defaultVerifierPath
	}
	return ""
}

func envBool(key string, def bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envInt(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return val
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampMs(ms int64, min, max time.Duration) int64 {
	if ms < min.Milliseconds() {
		return min.Milliseconds()
	}
	if ms > max.Milliseconds() {
		return max.Milliseconds()
	}
	return ms
}
