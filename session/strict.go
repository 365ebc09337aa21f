package session

import (
	"net"
	"net/url"
	"strings"

	"moltd/apierr"
	"moltd/policy"
	"moltd/store"
)

// EvaluateStrict runs the strict-session policy over both participants
// and returns every failing rule as a named reason. An empty slice
// means the pair is admissible for start, negotiate and attestation.
func EvaluateStrict(proposer, counterparty *store.Agent, snap policy.Snapshot) []string {
	var reasons []string
	if proposer == nil || counterparty == nil {
		return append(reasons, "participants_missing")
	}

	reasons = append(reasons, endpointReasons("proposer", proposer.Endpoint, snap)...)
	reasons = append(reasons, endpointReasons("counterparty", counterparty.Endpoint, snap)...)

	if snap.RequireSandboxParity {
		sandboxA, sandboxB := proposer.Sandbox(), counterparty.Sandbox()
		switch {
		case !sandboxA.Present() || !sandboxB.Present():
			reasons = append(reasons, "sandbox_metadata_missing")
		case !sandboxA.Equal(sandboxB):
			reasons = append(reasons, "sandbox_parity_mismatch")
		}
	}

	eigenA, eigenB := proposer.Eigen(), counterparty.Eigen()
	if snap.RequireEigenCompute {
		if !eigenA.Present() || !eigenB.Present() {
			reasons = append(reasons, "eigencompute_metadata_missing")
		} else {
			if snap.RequireEigenComputeEnvironment && eigenA.Environment != eigenB.Environment {
				reasons = append(reasons, "eigencompute_environment_mismatch")
			}
			if snap.RequireEigenComputeImageDigest && eigenA.ImageDigest != eigenB.ImageDigest {
				reasons = append(reasons, "eigencompute_image_digest_mismatch")
			}
			if snap.RequireEigenComputeSigner && (eigenA.SignerAddress == "" || eigenB.SignerAddress == "") {
				reasons = append(reasons, "eigencompute_signer_missing")
			}
		}
	}

	if snap.RequireIndependentAgents {
		if proposer.ID == counterparty.ID {
			reasons = append(reasons, "agents_not_distinct")
		}
		if hostOf(proposer.Endpoint) != "" && hostOf(proposer.Endpoint) == hostOf(counterparty.Endpoint) {
			reasons = append(reasons, "endpoint_hosts_not_distinct")
		}
		payoutA := strings.ToLower(strings.TrimSpace(proposer.PayoutAddress))
		payoutB := strings.ToLower(strings.TrimSpace(counterparty.PayoutAddress))
		if payoutA != "" && payoutA == payoutB {
			reasons = append(reasons, "payout_addresses_not_distinct")
		}
		if eigenA.AppID != "" && eigenA.AppID == eigenB.AppID {
			reasons = append(reasons, "eigen_app_ids_not_distinct")
		}
		if eigenA.SignerAddress != "" && eigenA.SignerAddress == eigenB.SignerAddress {
			reasons = append(reasons, "signer_addresses_not_distinct")
		}
	}

	if snap.RequireEigenAppBinding {
		bound := make(map[string]struct{}, len(snap.EigenAppBinding))
		for _, appID := range snap.EigenAppBinding {
			bound[appID] = struct{}{}
		}
		for _, eigen := range []store.EigenProfile{eigenA, eigenB} {
			if _, ok := bound[eigen.AppID]; !ok {
				reasons = append(reasons, "app_id_not_bound")
				break
			}
		}
	}

	return reasons
}

func endpointReasons(role, endpoint string, snap policy.Snapshot) []string {
	if !snap.RequireEndpointMode && !snap.RequireEndpointNegotiation {
		return nil
	}
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return []string{role + "_endpoint_invalid"}
	}
	if snap.RequireEndpointNegotiation && parsed.Scheme != "https" && !loopbackHost(parsed.Hostname()) {
		return []string{role + "_endpoint_not_https"}
	}
	return nil
}

func loopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func hostOf(endpoint string) string {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Host)
}

// StrictError wraps failing reasons in the strict_policy_failed code.
func StrictError(reasons []string) error {
	if len(reasons) == 0 {
		return nil
	}
	return apierr.New(apierr.CodeStrictPolicyFailed, "strict session policy failed").
		WithDetails(map[string]interface{}{"reasons": reasons})
}
