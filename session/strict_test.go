package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"moltd/policy"
	"moltd/store"
)

func strictAgent(id, endpoint, payout, appID, signer string) *store.Agent {
	return &store.Agent{
		ID:            id,
		Endpoint:      endpoint,
		PayoutAddress: payout,
		Metadata: map[string]interface{}{
			"sandbox": map[string]interface{}{
				"runtime": "node", "version": "20", "cpu": "2", "memory": "4gb",
			},
			"eigencompute": map[string]interface{}{
				"appId":         appID,
				"environment":   "production",
				"imageDigest":   "sha256:feed",
				"signerAddress": signer,
			},
		},
	}
}

func strictSnapshot() policy.Snapshot {
	return policy.Snapshot{
		RequireEndpointMode:            true,
		RequireEndpointNegotiation:     true,
		RequireEigenCompute:            true,
		RequireSandboxParity:           true,
		RequireEigenComputeEnvironment: true,
		RequireEigenComputeImageDigest: true,
		RequireEigenComputeSigner:      true,
		RequireIndependentAgents:       true,
	}
}

func TestEvaluateStrictAdmitsCompliantPair(t *testing.T) {
	a := strictAgent("a", "https://a.example.com", "0xaaa", "app-a", "0x1111")
	b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
	require.Empty(t, EvaluateStrict(a, b, strictSnapshot()))
}

func TestEvaluateStrictNamesEveryFailure(t *testing.T) {
	snap := strictSnapshot()

	t.Run("missing participants", func(t *testing.T) {
		require.Equal(t, []string{"participants_missing"}, EvaluateStrict(nil, nil, snap))
	})

	t.Run("plain http endpoint", func(t *testing.T) {
		a := strictAgent("a", "http://a.example.com", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
		require.Contains(t, EvaluateStrict(a, b, snap), "proposer_endpoint_not_https")
	})

	t.Run("loopback http is allowed", func(t *testing.T) {
		a := strictAgent("a", "http://127.0.0.1:9001", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "http://localhost:9002", "0xbbb", "app-b", "0x2222")
		require.Empty(t, EvaluateStrict(a, b, snap))
	})

	t.Run("sandbox mismatch", func(t *testing.T) {
		a := strictAgent("a", "https://a.example.com", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
		b.Metadata["sandbox"].(map[string]interface{})["memory"] = "8gb"
		require.Contains(t, EvaluateStrict(a, b, snap), "sandbox_parity_mismatch")
	})

	t.Run("missing eigen metadata", func(t *testing.T) {
		a := strictAgent("a", "https://a.example.com", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
		delete(b.Metadata, "eigencompute")
		require.Contains(t, EvaluateStrict(a, b, snap), "eigencompute_metadata_missing")
	})

	t.Run("environment mismatch", func(t *testing.T) {
		a := strictAgent("a", "https://a.example.com", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
		b.Metadata["eigencompute"].(map[string]interface{})["environment"] = "staging"
		require.Contains(t, EvaluateStrict(a, b, snap), "eigencompute_environment_mismatch")
	})

	t.Run("shared identity", func(t *testing.T) {
		a := strictAgent("a", "https://shared.example.com", "0xsame", "app-x", "0xsigner")
		b := strictAgent("b", "https://shared.example.com", "0xSAME", "app-x", "0xSIGNER")
		reasons := EvaluateStrict(a, b, snap)
		require.Contains(t, reasons, "endpoint_hosts_not_distinct")
		require.Contains(t, reasons, "payout_addresses_not_distinct")
		require.Contains(t, reasons, "eigen_app_ids_not_distinct")
		require.Contains(t, reasons, "signer_addresses_not_distinct")
	})

	t.Run("app binding", func(t *testing.T) {
		bound := snap
		bound.RequireEigenAppBinding = true
		bound.EigenAppBinding = []string{"app-a"}
		a := strictAgent("a", "https://a.example.com", "0xaaa", "app-a", "0x1111")
		b := strictAgent("b", "https://b.example.com", "0xbbb", "app-b", "0x2222")
		require.Contains(t, EvaluateStrict(a, b, bound), "app_id_not_bound")
	})
}

func TestStrictErrorCarriesReasons(t *testing.T) {
	require.NoError(t, StrictError(nil))
	err := StrictError([]string{"sandbox_parity_mismatch"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "strict_policy_failed")
}
