package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"moltd/attestation"
	"moltd/automation"
	"moltd/config"
	"moltd/escrow"
	"moltd/sealing"
	"moltd/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sealer, err := sealing.New(sealing.Options{AllowInsecureDevKeys: true})
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	signer, err := attestation.NewSigner(attestation.SignerOptions{AllowInsecureDevKeys: true})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	manager := escrow.New(st, nil)
	loop := automation.New(manager, time.Minute, false, nil)
	return New(Deps{
		Config: config.Config{
			AdminAPIKeys:      []string{"admin-key"},
			OperatorAPIKeys:   []string{"operator-key"},
			PublicRead:        true,
			DecisionTimeoutMs: 2000,
			ProbeTimeoutMs:    2000,
		},
		Store:  st,
		Sealer: sealer,
		Signer: signer,
		Escrow: manager,
		Loop:   loop,
	})
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code, decoded
}

func errorCode(body map[string]interface{}) string {
	errObj, _ := body["error"].(map[string]interface{})
	code, _ := errObj["code"].(string)
	return code
}

func registerAgent(t *testing.T, srv *Server, id, apiKey, endpoint string) {
	t.Helper()
	status, body := doJSON(t, srv, http.MethodPost, "/api/agents/register", "", map[string]interface{}{
		"id":       id,
		"name":     id,
		"endpoint": endpoint,
		"apiKey":   apiKey,
	})
	if status != http.StatusOK {
		t.Fatalf("register %s: status %d body %v", id, status, body)
	}
}

func createAcceptedSession(t *testing.T, srv *Server, terms map[string]interface{}) string {
	t.Helper()
	status, body := doJSON(t, srv, http.MethodPost, "/sessions", "buyer-key", map[string]interface{}{
		"topic": "widget price",
		"terms": terms,
	})
	if status != http.StatusOK {
		t.Fatalf("create session: status %d body %v", status, body)
	}
	sess := body["session"].(map[string]interface{})
	id := sess["id"].(string)
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/accept", "seller-key", nil)
	if status != http.StatusOK {
		t.Fatalf("accept session: status %d body %v", status, body)
	}
	return id
}

func uploadContexts(t *testing.T, srv *Server, id string) {
	t.Helper()
	status, body := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/private-inputs", "buyer-key", map[string]interface{}{
		"payload": map[string]interface{}{
			"role": "buyer", "reservationPrice": 120, "initialPrice": 80, "step": 10,
		},
	})
	if status != http.StatusOK {
		t.Fatalf("buyer inputs: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/private-inputs", "seller-key", map[string]interface{}{
		"payload": map[string]interface{}{
			"role": "seller", "reservationPrice": 100, "initialPrice": 140, "step": 10,
		},
	})
	if status != http.StatusOK {
		t.Fatalf("seller inputs: status %d body %v", status, body)
	}
}

func TestRegistrationScopeAndConflicts(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "alpha", "alpha-key", "http://alpha.test:8080")

	// A stranger cannot overwrite an existing registration.
	status, body := doJSON(t, srv, http.MethodPost, "/api/agents/register", "", map[string]interface{}{
		"id": "alpha", "endpoint": "http://evil.test",
	})
	if status != http.StatusForbidden || errorCode(body) != "actor_scope_violation" {
		t.Fatalf("stranger update: status %d body %v", status, body)
	}

	// The agent itself may update, but eigen identity is immutable.
	status, _ = doJSON(t, srv, http.MethodPost, "/api/agents/register", "alpha-key", map[string]interface{}{
		"id": "alpha", "endpoint": "http://alpha.test:8080",
		"metadata": map[string]interface{}{
			"eigencompute": map[string]interface{}{"appId": "app-1", "signerAddress": "0xabc"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("owner update failed: %d", status)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/api/agents/register", "alpha-key", map[string]interface{}{
		"id": "alpha", "endpoint": "http://alpha.test:8080",
		"metadata": map[string]interface{}{
			"eigencompute": map[string]interface{}{"appId": "app-2", "signerAddress": "0xabc"},
		},
	})
	if status != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("appId rewrite should fail: status %d body %v", status, body)
	}

	// Reusing another enabled agent's api key is a conflict.
	status, body = doJSON(t, srv, http.MethodPost, "/api/agents/register", "", map[string]interface{}{
		"id": "beta", "endpoint": "http://beta.test", "apiKey": "alpha-key",
	})
	if status != http.StatusConflict || errorCode(body) != "agent_id_conflict" {
		t.Fatalf("key conflict: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodGet, "/agents", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list agents: %d", status)
	}
	agents := body["agents"].([]interface{})
	first := agents[0].(map[string]interface{})
	if key, ok := first["apiKey"]; ok && key != "" {
		t.Fatalf("agent listing leaked api key: %v", first)
	}
}

func TestAuthStatusRoles(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")

	cases := []struct {
		token string
		role  string
	}{
		{"", "readonly"},
		{"buyer-key", "agent"},
		{"operator-key", "operator"},
		{"admin-key", "admin"},
	}
	for _, tc := range cases {
		status, body := doJSON(t, srv, http.MethodGet, "/auth/status", tc.token, nil)
		if status != http.StatusOK {
			t.Fatalf("auth status with %q: %d", tc.token, status)
		}
		if body["role"] != tc.role {
			t.Fatalf("token %q resolved to %v, want %s", tc.token, body["role"], tc.role)
		}
	}
}

func TestRoleLadderEnforced(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")

	status, body := doJSON(t, srv, http.MethodPost, "/automation/tick", "buyer-key", nil)
	if status != http.StatusUnauthorized || errorCode(body) != "unauthorized" {
		t.Fatalf("agent should not tick automation: status %d body %v", status, body)
	}
	status, _ = doJSON(t, srv, http.MethodPost, "/automation/tick", "operator-key", nil)
	if status != http.StatusOK {
		t.Fatalf("operator tick: %d", status)
	}
	status, _ = doJSON(t, srv, http.MethodGet, "/sessions", "", nil)
	if status != http.StatusOK {
		t.Fatalf("public read should allow session listing: %d", status)
	}
}

func TestFallbackNegotiationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")
	registerAgent(t, srv, "seller", "seller-key", "http://seller.test")

	id := createAcceptedSession(t, srv, map[string]interface{}{"maxTurns": 10})
	uploadContexts(t, srv, id)

	status, body := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/prepare", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("prepare: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/start", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("start: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/negotiate", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("negotiate: status %d body %v", status, body)
	}
	if body["status"] != "agreed" {
		t.Fatalf("final status %v", body["status"])
	}
	price := body["agreedPrice"].(float64)
	if price < 100 || price > 120 {
		t.Fatalf("agreed price %v outside reservation overlap", price)
	}
	if body["executionMode"] != "simple" {
		t.Fatalf("execution mode %v", body["executionMode"])
	}

	// The transcript carries only banded summaries.
	status, body = doJSON(t, srv, http.MethodGet, "/sessions/"+id+"/transcript", "", nil)
	if status != http.StatusOK {
		t.Fatalf("transcript: %d", status)
	}
	turns := body["turns"].([]interface{})
	if len(turns) == 0 {
		t.Fatalf("transcript empty")
	}
	last := turns[len(turns)-1].(map[string]interface{})
	if last["status"] != "agreed" {
		t.Fatalf("last turn %v", last)
	}
	summary := last["summary"].(map[string]interface{})
	for key := range summary {
		switch key {
		case "turn", "actor", "buyerBand", "sellerBand", "spreadLabel", "status":
		default:
			t.Fatalf("unexpected summary key %q", key)
		}
	}

	// Simple-mode attestations exist but never verify as trusted.
	status, body = doJSON(t, srv, http.MethodGet, "/sessions/"+id+"/attestation", "", nil)
	if status != http.StatusOK {
		t.Fatalf("attestation: status %d body %v", status, body)
	}
	verification := body["verification"].(map[string]interface{})
	if verification["valid"] != false {
		t.Fatalf("simple-mode attestation must not verify: %v", verification)
	}
	reasons := verification["reasons"].([]interface{})
	found := false
	for _, reason := range reasons {
		if reason == "execution_mode_not_strict" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons %v missing execution_mode_not_strict", reasons)
	}

	status, body = doJSON(t, srv, http.MethodGet, "/leaderboard/trusted", "", nil)
	if status != http.StatusOK {
		t.Fatalf("leaderboard: %d", status)
	}
	if entries := body["leaderboard"].([]interface{}); len(entries) != 0 {
		t.Fatalf("unverified session must not reach the leaderboard: %v", entries)
	}

	// A second negotiate sees the transitioned session.
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/negotiate", "buyer-key", nil)
	if status != http.StatusConflict || errorCode(body) != "negotiation_not_active" {
		t.Fatalf("repeat negotiate: status %d body %v", status, body)
	}
}

func TestNegotiateRequiresPrivateInputs(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")
	registerAgent(t, srv, "seller", "seller-key", "http://seller.test")

	id := createAcceptedSession(t, srv, nil)
	doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/prepare", "buyer-key", nil)
	doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/start", "buyer-key", nil)

	status, body := doJSON(t, srv, http.MethodPost, "/negotiate", "buyer-key", map[string]interface{}{"sessionId": id})
	if status != http.StatusUnprocessableEntity || errorCode(body) != "private_context_required" {
		t.Fatalf("negotiate without inputs: status %d body %v", status, body)
	}
}

func TestAcceptAndStartGuards(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")
	registerAgent(t, srv, "seller", "seller-key", "http://seller.test")

	status, body := doJSON(t, srv, http.MethodPost, "/sessions", "buyer-key", map[string]interface{}{"topic": "t"})
	if status != http.StatusOK {
		t.Fatalf("create: %d", status)
	}
	id := body["session"].(map[string]interface{})["id"].(string)

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/accept", "buyer-key", nil)
	if status != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("self accept: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/accept", "seller-key", nil)
	if status != http.StatusOK {
		t.Fatalf("accept: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/start", "buyer-key", nil)
	if status != http.StatusConflict || errorCode(body) != "prepare_required_before_start" {
		t.Fatalf("start from accepted: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/prepare", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("anonymous prepare: status %d body %v", status, body)
	}
}

func TestEscrowFundingGateAndSettlement(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")
	registerAgent(t, srv, "seller", "seller-key", "http://seller.test")

	id := createAcceptedSession(t, srv, map[string]interface{}{
		"maxTurns": 10,
		"escrow": map[string]interface{}{
			"contractAddress": "0xescrow",
			"amountPerPlayer": "100",
		},
	})
	uploadContexts(t, srv, id)
	doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/prepare", "buyer-key", nil)

	status, body := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/start", "buyer-key", nil)
	if status != http.StatusConflict || errorCode(body) != "funding_pending" {
		t.Fatalf("start before funding: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/escrow/prepare", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("escrow prepare: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/escrow/deposit", "buyer-key", map[string]interface{}{"amount": "100"})
	if status != http.StatusOK {
		t.Fatalf("buyer deposit: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/escrow/deposit", "seller-key", map[string]interface{}{"amount": "100"})
	if status != http.StatusOK {
		t.Fatalf("seller deposit: status %d body %v", status, body)
	}
	if rec := body["escrow"].(map[string]interface{}); rec["status"] != "funded" {
		t.Fatalf("escrow after both deposits: %v", rec["status"])
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/start", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("funded start: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/negotiate", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("negotiate: status %d body %v", status, body)
	}
	settle := body["escrow"].(map[string]interface{})
	if settle["outcome"] != "settled" {
		t.Fatalf("negotiate should settle funded escrow: %v", settle)
	}

	// Settlement is idempotent.
	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/escrow/settle", "buyer-key", nil)
	if status != http.StatusOK {
		t.Fatalf("resettle: status %d body %v", status, body)
	}
	result := body["result"].(map[string]interface{})
	if result["outcome"] != "none" || result["reason"] != "already_finalized" {
		t.Fatalf("resettle result: %v", result)
	}
}

func TestAdjudicationForcesTerminalState(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")
	registerAgent(t, srv, "seller", "seller-key", "http://seller.test")

	id := createAcceptedSession(t, srv, nil)

	status, body := doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/adjudicate", "buyer-key", map[string]interface{}{"status": "failed"})
	if status != http.StatusUnauthorized {
		t.Fatalf("agent adjudication: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/adjudicate", "operator-key", map[string]interface{}{
		"status": "failed",
		"reason": "counterparty unreachable",
	})
	if status != http.StatusOK {
		t.Fatalf("adjudicate: status %d body %v", status, body)
	}
	sess := body["session"].(map[string]interface{})
	if sess["status"] != "failed" {
		t.Fatalf("adjudicated status %v", sess["status"])
	}

	status, body = doJSON(t, srv, http.MethodPost, "/sessions/"+id+"/adjudicate", "operator-key", map[string]interface{}{"status": "active"})
	if status != http.StatusBadRequest || errorCode(body) != "invalid_request" {
		t.Fatalf("non-terminal adjudication: status %d body %v", status, body)
	}
}

func TestProbeUpdatesHealth(t *testing.T) {
	srv := newTestServer(t)

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	registerAgent(t, srv, "up", "up-key", healthy.URL)
	registerAgent(t, srv, "down", "down-key", broken.URL)

	status, body := doJSON(t, srv, http.MethodPost, "/api/agents/up/probe", "up-key", nil)
	if status != http.StatusOK || body["lastHealthStatus"] != "healthy" {
		t.Fatalf("healthy probe: status %d body %v", status, body)
	}

	status, body = doJSON(t, srv, http.MethodPost, "/api/agents/down/probe", "up-key", nil)
	if status != http.StatusBadGateway || errorCode(body) != "health_probe_failed" {
		t.Fatalf("unhealthy probe: status %d body %v", status, body)
	}
	status, body = doJSON(t, srv, http.MethodGet, "/agents", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list agents: %d", status)
	}
	for _, raw := range body["agents"].([]interface{}) {
		agent := raw.(map[string]interface{})
		if agent["id"] == "down" && agent["lastHealthStatus"] != "unhealthy" {
			t.Fatalf("probe failure not recorded: %v", agent)
		}
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv := newTestServer(t)
	registerAgent(t, srv, "buyer", "buyer-key", "http://buyer.test")

	status, body := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", status, body)
	}
	counts := body["counts"].(map[string]interface{})
	if counts["agents"].(float64) != 1 {
		t.Fatalf("agent count %v", counts)
	}

	status, body = doJSON(t, srv, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK {
		t.Fatalf("metrics: %d", status)
	}
	window := body["metrics"].(map[string]interface{})
	if window["windowSeconds"].(float64) != 300 {
		t.Fatalf("window %v", window)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.Len() == 0 {
		t.Fatalf("prometheus exposition: status %d len %d", rec.Code, rec.Body.Len())
	}
}
