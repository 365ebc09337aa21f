package policy

import (
	"fmt"
	"os"
	"strings"
)

// Launch-readiness expectations for production. Startup evaluates these
// once; requests never re-run them.
type readinessCheck struct {
	reason string
	ok     func(Snapshot) bool
}

var productionChecks = []readinessCheck{
	{"endpoint_mode_disabled", func(s Snapshot) bool { return s.RequireEndpointMode }},
	{"endpoint_negotiation_disabled", func(s Snapshot) bool { return s.RequireEndpointNegotiation }},
	{"turn_proof_disabled", func(s Snapshot) bool { return s.RequireTurnProof }},
	{"runtime_attestation_disabled", func(s Snapshot) bool { return s.RequireRuntimeAttestation }},
	{"eigencompute_disabled", func(s Snapshot) bool { return s.RequireEigenCompute }},
	{"sandbox_parity_disabled", func(s Snapshot) bool { return s.RequireSandboxParity }},
	{"independent_agents_disabled", func(s Snapshot) bool { return s.RequireIndependentAgents }},
	{"attestation_disabled", func(s Snapshot) bool { return s.RequireAttestation }},
	{"privacy_redaction_disabled", func(s Snapshot) bool { return s.RequirePrivacyRedaction }},
	{"simple_mode_allowed", func(s Snapshot) bool { return !s.AllowSimpleMode }},
	{"insecure_dev_keys_allowed", func(s Snapshot) bool { return !s.AllowInsecureDevKeys }},
}

// ReadinessReasons evaluates the one-shot launch gate. In production
// every strict flag must be on, dev affordances off, and both key
// materials present. Outside production it always passes.
func ReadinessReasons(snap Snapshot) []string {
	if !IsProduction() {
		return nil
	}
	var reasons []string
	for _, check := range productionChecks {
		if !check.ok(snap) {
			reasons = append(reasons, check.reason)
		}
	}
	if strings.TrimSpace(os.Getenv(EnvSealingKey)) == "" {
		reasons = append(reasons, "missing_sealing_key")
	}
	if strings.TrimSpace(os.Getenv(EnvAttestationSignerKey)) == "" {
		reasons = append(reasons, "missing_attestation_signer_key")
	}
	return reasons
}

// CheckReadiness returns a launch_readiness_failed error naming every
// unmet expectation, or nil when the process may start.
func CheckReadiness(snap Snapshot) error {
	reasons := ReadinessReasons(snap)
	if len(reasons) == 0 {
		return nil
	}
	return fmt.Errorf("launch_readiness_failed:%s", strings.Join(reasons, ","))
}
