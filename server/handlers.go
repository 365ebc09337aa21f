package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"moltd/apierr"
	"moltd/attestation"
	"moltd/policy"
	"moltd/privacy"
	"moltd/session"
	"moltd/store"
	"moltd/trust"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	statuses, err := s.store.SessionStatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"status":        "ok",
		"counts":        counts,
		"sessions":      statuses,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleMetricsWindow(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"metrics": s.metrics.Window()})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	id := callerIdentity(r.Context())
	body := map[string]interface{}{"role": id.Role.String()}
	if id.AgentID != "" {
		body["agentId"] = id.AgentID
	}
	writeOK(w, body)
}

func (s *Server) handlePolicyStrict(w http.ResponseWriter, r *http.Request) {
	snap := policy.Resolve()
	writeOK(w, map[string]interface{}{
		"policy":        snap,
		"executionMode": snap.ExecutionMode(),
		"strictSession": snap.StrictSession(),
	})
}

func (s *Server) handleVerificationOverview(w http.ResponseWriter, r *http.Request) {
	snap := policy.Resolve()
	statuses, err := s.store.SessionStatusCounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.store.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	reasons := policy.ReadinessReasons(snap)
	if reasons == nil {
		reasons = []string{}
	}
	writeOK(w, map[string]interface{}{
		"policy":           snap,
		"executionMode":    snap.ExecutionMode(),
		"strictSession":    snap.StrictSession(),
		"launchReady":      len(reasons) == 0,
		"readinessReasons": reasons,
		"sessions":         statuses,
		"attestations":     counts.Attestations,
		"signerAddress":    s.signer.Address(),
	})
}

func (s *Server) handleVerificationSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := s.store.ListTurns(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"turns":     len(turns),
	}
	if negotiation, ok := sess.Terms["negotiation"].(map[string]interface{}); ok {
		body["executionMode"] = negotiation["executionMode"]
		body["proofSummary"] = negotiation["proofSummary"]
		body["fallbackReason"] = negotiation["fallbackReason"]
	}
	att, err := s.store.GetAttestation(r.Context(), sess.ID)
	switch err {
	case nil:
		reasons := attestation.Verify(att, sess, turns, s.signer.Address())
		body["attestation"] = att
		body["verification"] = verificationView(reasons)
	case store.ErrNotFound:
		body["attestation"] = nil
		body["verification"] = verificationView([]string{attestation.ReasonAttestationMissing})
	default:
		writeError(w, err)
		return
	}
	writeOK(w, body)
}

// ---- agents ----

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]store.Agent, 0, len(agents))
	for _, agent := range agents {
		views = append(views, agentView(agent))
	}
	writeOK(w, map[string]interface{}{"agents": views})
}

type registerAgentRequest struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Endpoint      string                 `json:"endpoint"`
	APIKey        string                 `json:"apiKey"`
	PayoutAddress string                 `json:"payoutAddress"`
	Enabled       *bool                  `json:"enabled"`
	Metadata      map[string]interface{} `json:"metadata"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "agent id is required"))
		return
	}
	if strings.TrimSpace(req.Endpoint) == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "agent endpoint is required"))
		return
	}

	caller := callerIdentity(r.Context())
	existing, err := s.store.GetAgent(r.Context(), req.ID)
	if err != nil && err != store.ErrNotFound {
		writeError(w, err)
		return
	}

	agent := &store.Agent{
		ID:               req.ID,
		Name:             req.Name,
		Endpoint:         strings.TrimSpace(req.Endpoint),
		APIKey:           strings.TrimSpace(req.APIKey),
		PayoutAddress:    strings.TrimSpace(req.PayoutAddress),
		Enabled:          true,
		Metadata:         req.Metadata,
		LastHealthStatus: store.HealthUnknown,
	}
	if existing != nil {
		// Updating someone else's registration needs either the agent's
		// own credential or a privileged caller.
		if !caller.actor().Privileged() && caller.AgentID != existing.ID {
			writeError(w, apierr.New(apierr.CodeActorScopeViolation, "agent registration can only be updated by its owner"))
			return
		}
		if err := checkEigenImmutable(existing, agent); err != nil {
			writeError(w, err)
			return
		}
		agent.CreatedAt = existing.CreatedAt
		agent.Enabled = existing.Enabled
		agent.LastHealthStatus = existing.LastHealthStatus
		if agent.APIKey == "" {
			agent.APIKey = existing.APIKey
		}
	}
	if req.Enabled != nil {
		agent.Enabled = *req.Enabled
	}

	if agent.APIKey != "" && agent.Enabled {
		conflict, err := s.store.APIKeyConflict(r.Context(), agent.APIKey, agent.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if conflict {
			writeError(w, apierr.New(apierr.CodeAgentIDConflict, "api key already belongs to another enabled agent"))
			return
		}
	}
	if err := s.store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"agent": agentView(*agent)})
}

// checkEigenImmutable rejects changes to an agent's attestation identity.
func checkEigenImmutable(existing, next *store.Agent) error {
	prior := existing.Eigen()
	proposed := next.Eigen()
	if prior.AppID != "" && proposed.AppID != prior.AppID {
		return apierr.New(apierr.CodeInvalidRequest, "eigencompute appId is immutable once set")
	}
	if prior.SignerAddress != "" && proposed.SignerAddress != prior.SignerAddress {
		return apierr.New(apierr.CodeInvalidRequest, "eigencompute signerAddress is immutable once set")
	}
	return nil
}

func (s *Server) handleProbeAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		writeError(w, apierr.New(apierr.CodeNotFound, "agent not found"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}

	target := strings.TrimRight(strings.TrimSpace(agent.Endpoint), "/") + "/health"
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, apierr.Newf(apierr.CodeHealthProbeFailed, "probe request: %v", err))
		return
	}
	resp, probeErr := s.probes.Do(req)
	healthy := false
	if probeErr == nil {
		healthy = resp.StatusCode >= 200 && resp.StatusCode <= 299
		resp.Body.Close()
	}

	if healthy {
		agent.LastHealthStatus = store.HealthHealthy
	} else {
		agent.LastHealthStatus = store.HealthUnhealthy
	}
	if err := s.store.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, err)
		return
	}
	if !healthy {
		detail := "endpoint unreachable"
		if probeErr != nil {
			detail = probeErr.Error()
		} else if resp != nil {
			detail = http.StatusText(resp.StatusCode)
		}
		writeError(w, apierr.Newf(apierr.CodeHealthProbeFailed, "agent health probe failed: %s", detail).
			WithDetails(map[string]interface{}{"agentId": agent.ID, "lastHealthStatus": agent.LastHealthStatus}))
		return
	}
	writeOK(w, map[string]interface{}{
		"agentId":          agent.ID,
		"lastHealthStatus": agent.LastHealthStatus,
	})
}

// ---- sessions ----

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.SessionFilter{
		Status:  strings.TrimSpace(r.URL.Query().Get("status")),
		AgentID: strings.TrimSpace(r.URL.Query().Get("agentId")),
	}
	sessions, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(sessions))
	for i := range sessions {
		views = append(views, sessionView(&sessions[i]))
	}
	writeOK(w, map[string]interface{}{"sessions": views})
}

type createSessionRequest struct {
	Topic               string                 `json:"topic"`
	ProposerAgentID     string                 `json:"proposerAgentId"`
	CounterpartyAgentID string                 `json:"counterpartyAgentId"`
	Terms               map[string]interface{} `json:"terms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caller := callerIdentity(r.Context())
	proposer := strings.TrimSpace(req.ProposerAgentID)
	if proposer == "" {
		proposer = caller.AgentID
	}
	if proposer == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "proposerAgentId is required"))
		return
	}
	if err := session.CheckCreate(caller.actor(), proposer); err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetAgent(r.Context(), proposer); err == store.ErrNotFound {
		writeError(w, apierr.Newf(apierr.CodeInvalidRequest, "proposer agent %s is not registered", proposer))
		return
	} else if err != nil {
		writeError(w, err)
		return
	}

	sess := &store.Session{
		ID:              uuid.NewString(),
		Topic:           strings.TrimSpace(req.Topic),
		Status:          store.SessionCreated,
		ProposerAgentID: proposer,
		Terms:           req.Terms,
	}
	if counterparty := strings.TrimSpace(req.CounterpartyAgentID); counterparty != "" {
		if counterparty == proposer {
			writeError(w, apierr.New(apierr.CodeInvalidRequest, "proposer and counterparty must be distinct"))
			return
		}
		sess.CounterpartyAgentID = &counterparty
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"session": sessionView(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"session": sessionView(sess)})
}

type acceptSessionRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleAcceptSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req acceptSessionRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	caller := callerIdentity(r.Context())
	acceptor := caller.AgentID
	if caller.actor().Privileged() && strings.TrimSpace(req.AgentID) != "" {
		acceptor = strings.TrimSpace(req.AgentID)
	}
	if err := session.ValidateTransition(sess.Status, store.SessionAccepted); err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckAccept(sess, session.Actor{AgentID: acceptor, Role: caller.actor().Role}); err != nil {
		writeError(w, err)
		return
	}
	won, err := s.store.TransitionStatus(r.Context(), sess.ID, sess.Status, store.SessionAccepted)
	if err != nil {
		writeError(w, err)
		return
	}
	if !won {
		writeError(w, apierr.New(apierr.CodeInvalidStateTransition, "session advanced concurrently"))
		return
	}
	sess.Status = store.SessionAccepted
	if sess.CounterpartyAgentID == nil {
		sess.CounterpartyAgentID = &acceptor
	}
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"session": sessionView(sess)})
}

func (s *Server) handlePrepareSession(w http.ResponseWriter, r *http.Request) {
	s.handleSimpleTransition(w, r, store.SessionPrepared)
}

func (s *Server) handleSimpleTransition(w http.ResponseWriter, r *http.Request, next string) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	if err := session.ValidateTransition(sess.Status, next); err != nil {
		writeError(w, err)
		return
	}
	won, err := s.store.TransitionStatus(r.Context(), sess.ID, sess.Status, next)
	if err != nil {
		writeError(w, err)
		return
	}
	if !won {
		writeError(w, apierr.New(apierr.CodeInvalidStateTransition, "session advanced concurrently"))
		return
	}
	sess.Status = next
	writeOK(w, map[string]interface{}{"session": sessionView(sess)})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	if err := session.ValidateTransition(sess.Status, store.SessionActive); err != nil {
		writeError(w, err)
		return
	}
	snap := policy.Resolve()
	proposer, counterparty, err := s.loadParticipants(r, sess)
	if err != nil {
		writeError(w, err)
		return
	}
	if reasons := session.EvaluateStrict(proposer, counterparty, snap); len(reasons) > 0 {
		writeError(w, session.StrictError(reasons))
		return
	}
	if _, configured, _ := sess.EscrowConfig(); configured {
		rec, err := s.store.GetEscrowBySession(r.Context(), sess.ID)
		if err == store.ErrNotFound || (err == nil && rec.Status != store.EscrowFunded) {
			writeError(w, apierr.New(apierr.CodeFundingPending, "escrow must be funded before start"))
			return
		}
		if err != nil && err != store.ErrNotFound {
			writeError(w, err)
			return
		}
	}
	won, err := s.store.TransitionStatus(r.Context(), sess.ID, sess.Status, store.SessionActive)
	if err != nil {
		writeError(w, err)
		return
	}
	if !won {
		writeError(w, apierr.New(apierr.CodeInvalidStateTransition, "session advanced concurrently"))
		return
	}
	sess.Status = store.SessionActive
	writeOK(w, map[string]interface{}{"session": sessionView(sess)})
}

type adjudicateRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) handleAdjudicateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req adjudicateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	next := strings.TrimSpace(req.Status)
	if err := session.ValidateAdjudication(sess.Status, next); err != nil {
		writeError(w, err)
		return
	}
	caller := callerIdentity(r.Context())
	sess.Terms = sess.PatchTerms("manualAdjudication", map[string]interface{}{
		"from":   sess.Status,
		"status": next,
		"reason": req.Reason,
		"role":   caller.Role.String(),
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
	sess.Status = next
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.escrow.Settle(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordEscrowOutcome(result.Outcome)
	writeOK(w, map[string]interface{}{
		"session": sessionView(sess),
		"escrow":  result,
	})
}

type privateInputsRequest struct {
	AgentID string                 `json:"agentId"`
	Payload map[string]interface{} `json:"payload"`
}

func (s *Server) handlePrivateInputs(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if store.TerminalSession(sess.Status) {
		writeError(w, apierr.Newf(apierr.CodeInvalidStateTransition, "session is already %s", sess.Status))
		return
	}
	var req privateInputsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caller := callerIdentity(r.Context())
	target := strings.TrimSpace(req.AgentID)
	if target == "" {
		target = caller.AgentID
	}
	if err := session.CheckPrivateInputs(sess, caller.actor(), target); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "private input payload is required"))
		return
	}
	env, err := s.sealer.Seal(sess.ID, target, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	input := &store.SealedInput{
		SessionID:  sess.ID,
		AgentID:    target,
		KeyID:      env.KeyID,
		IV:         env.IV,
		AuthTag:    env.AuthTag,
		CipherText: env.CipherText,
	}
	if err := s.store.UpsertSealedInput(r.Context(), input); err != nil {
		writeError(w, err)
		return
	}
	count, err := s.store.CountSealedInputs(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"sessionId":    sess.ID,
		"agentId":      target,
		"keyId":        env.KeyID,
		"sealedInputs": count,
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := s.store.ListTurns(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(turns))
	for _, turn := range turns {
		summary, _ := privacy.Redact(turn.Summary).(map[string]interface{})
		views = append(views, map[string]interface{}{
			"turn":    turn.Turn,
			"status":  turn.Status,
			"summary": summary,
		})
	}
	if err := privacy.Assert(views, policy.Resolve().RequirePrivacyRedaction); err != nil {
		writeError(w, apierr.Newf(apierr.CodePrivacyRedactionViolated, "transcript failed privacy assertion: %v", err))
		return
	}
	writeOK(w, map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"turns":     views,
	})
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	att, err := s.store.GetAttestation(r.Context(), sess.ID)
	if err == store.ErrNotFound {
		writeError(w, apierr.New(apierr.CodeAttestationRequired, "no attestation recorded for this session"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	turns, err := s.store.ListTurns(r.Context(), sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	reasons := attestation.Verify(att, sess, turns, s.signer.Address())
	writeOK(w, map[string]interface{}{
		"attestation":  att,
		"verification": verificationView(reasons),
	})
}

func (s *Server) handleRegenerateAttestation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	if !store.TerminalSession(sess.Status) {
		writeError(w, apierr.Newf(apierr.CodeInvalidStateTransition, "attestation requires a terminal session, status is %s", sess.Status))
		return
	}
	att, reasons, err := s.attest(r, sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"attestation":  att,
		"verification": verificationView(reasons),
	})
}

// attest rebuilds, signs, stores and re-verifies the session attestation.
func (s *Server) attest(r *http.Request, sess *store.Session) (*store.Attestation, []string, error) {
	turns, err := s.store.ListTurns(r.Context(), sess.ID)
	if err != nil {
		return nil, nil, err
	}
	snap := policy.Resolve()
	proposer, counterparty, err := s.loadParticipants(r, sess)
	var strictReasons []string
	if err != nil {
		strictReasons = []string{"participants_missing"}
	} else {
		strictReasons = session.EvaluateStrict(proposer, counterparty, snap)
	}
	sealed, err := s.store.CountSealedInputs(r.Context(), sess.ID)
	if err != nil {
		return nil, nil, err
	}
	payload, err := attestation.Build(attestation.BuildInput{
		Session:       sess,
		Turns:         turns,
		Snapshot:      snap,
		StrictReasons: strictReasons,
		SealedInputs:  int(sealed),
	})
	if err != nil {
		return nil, nil, err
	}
	att, err := s.signer.Sign(payload)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.UpsertAttestation(r.Context(), att); err != nil {
		return nil, nil, err
	}
	return att, attestation.Verify(att, sess, turns, s.signer.Address()), nil
}

// ---- escrow ----

func (s *Server) handleEscrowPrepare(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.escrow.Prepare(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"escrow": rec})
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.store.GetEscrowBySession(r.Context(), sess.ID)
	if err == store.ErrNotFound {
		writeError(w, apierr.New(apierr.CodeNotFound, "no escrow prepared for this session"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"escrow": rec})
}

type depositRequest struct {
	AgentID string `json:"agentId"`
	Amount  string `json:"amount"`
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	caller := callerIdentity(r.Context())
	depositor := caller.AgentID
	if caller.actor().Privileged() && strings.TrimSpace(req.AgentID) != "" {
		depositor = strings.TrimSpace(req.AgentID)
	}
	rec, err := s.escrow.Deposit(r.Context(), sess, depositor, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"escrow": rec})
}

func (s *Server) handleEscrowSettle(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.escrow.Settle(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordEscrowOutcome(result.Outcome)
	writeOK(w, map[string]interface{}{"result": result})
}

// ---- trust and automation ----

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := trust.Leaderboard(r.Context(), s.store, s.signer.Address())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"leaderboard":   entries,
		"signerAddress": s.signer.Address(),
	})
}

func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.store.ListEscrowsByStatus(r.Context(),
		store.EscrowPrepared, store.EscrowFundingPending, store.EscrowFunded,
		store.EscrowSettlementPending, store.EscrowRefundPending)
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int)
	for _, rec := range pending {
		byStatus[rec.Status]++
	}
	writeOK(w, map[string]interface{}{
		"automation":    s.loop.Status(),
		"pendingEscrow": len(pending),
		"byStatus":      byStatus,
	})
}

func (s *Server) handleAutomationTick(w http.ResponseWriter, r *http.Request) {
	stats := s.loop.Tick(r.Context())
	for outcome, n := range stats.Outcomes {
		for i := 0; i < n; i++ {
			s.metrics.RecordEscrowOutcome(outcome)
		}
	}
	writeOK(w, map[string]interface{}{
		"stats":      stats,
		"automation": s.loop.Status(),
	})
}

// ---- helpers ----

func (s *Server) loadSession(r *http.Request, id string) (*store.Session, error) {
	sess, err := s.store.GetSession(r.Context(), strings.TrimSpace(id))
	if err == store.ErrNotFound {
		return nil, apierr.New(apierr.CodeNotFound, "session not found")
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// loadParticipants resolves both session agents; an unaccepted session
// has no counterparty yet.
func (s *Server) loadParticipants(r *http.Request, sess *store.Session) (*store.Agent, *store.Agent, error) {
	proposer, err := s.store.GetAgent(r.Context(), sess.ProposerAgentID)
	if err != nil {
		return nil, nil, apierr.New(apierr.CodeInvalidRequest, "proposer agent is not registered")
	}
	if sess.CounterpartyAgentID == nil {
		return proposer, nil, apierr.New(apierr.CodeInvalidRequest, "session has no counterparty")
	}
	counterparty, err := s.store.GetAgent(r.Context(), *sess.CounterpartyAgentID)
	if err != nil {
		return proposer, nil, apierr.New(apierr.CodeInvalidRequest, "counterparty agent is not registered")
	}
	return proposer, counterparty, nil
}

func agentView(agent store.Agent) store.Agent {
	agent.APIKey = ""
	return agent
}

// sessionView renders a session with its terms run through the privacy
// redactor. Public reads never expose raw terms content.
func sessionView(sess *store.Session) map[string]interface{} {
	terms, _ := privacy.Redact(sess.Terms).(map[string]interface{})
	view := map[string]interface{}{
		"id":              sess.ID,
		"topic":           sess.Topic,
		"status":          sess.Status,
		"proposerAgentId": sess.ProposerAgentID,
		"terms":           terms,
		"createdAt":       sess.CreatedAt,
		"updatedAt":       sess.UpdatedAt,
	}
	if sess.CounterpartyAgentID != nil {
		view["counterpartyAgentId"] = *sess.CounterpartyAgentID
	}
	return view
}

func verificationView(reasons []string) map[string]interface{} {
	if reasons == nil {
		reasons = []string{}
	}
	return map[string]interface{}{
		"valid":   len(reasons) == 0,
		"reasons": reasons,
	}
}
