package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"moltd/apierr"
	"moltd/engine"
	"moltd/policy"
	"moltd/privacy"
	"moltd/sealing"
	"moltd/session"
	"moltd/store"
)

func (s *Server) handleNegotiatePath(w http.ResponseWriter, r *http.Request) {
	s.negotiate(w, r, chi.URLParam(r, "id"))
}

type negotiateRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleNegotiateBody(w http.ResponseWriter, r *http.Request) {
	var req negotiateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, apierr.New(apierr.CodeInvalidRequest, "sessionId is required"))
		return
	}
	s.negotiate(w, r, req.SessionID)
}

// negotiate drives one session from active to a terminal status: unseal
// both contexts, run the engine, sanitize and persist the transcript,
// transition the session, attest the outcome and attempt settlement.
func (s *Server) negotiate(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, err := s.loadSession(r, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := session.CheckParticipant(sess, callerIdentity(r.Context()).actor()); err != nil {
		writeError(w, err)
		return
	}
	if sess.Status != store.SessionActive {
		writeError(w, apierr.Newf(apierr.CodeNegotiationNotActive, "session is %s, negotiation requires active", sess.Status))
		return
	}

	snap := policy.Resolve()
	if !snap.AllowSimpleMode && !snap.StrictSession() {
		writeError(w, apierr.New(apierr.CodeEndpointModeRequired, "simple execution mode is disabled; enable the strict endpoint pipeline"))
		return
	}

	proposer, counterparty, err := s.loadParticipants(r, sess)
	if err != nil {
		writeError(w, err)
		return
	}
	if reasons := session.EvaluateStrict(proposer, counterparty, snap); len(reasons) > 0 {
		writeError(w, session.StrictError(reasons))
		return
	}

	first, err := s.unsealParticipant(r, sess, proposer)
	if err != nil {
		writeError(w, err)
		return
	}
	second, err := s.unsealParticipant(r, sess, counterparty)
	if err != nil {
		writeError(w, err)
		return
	}
	buyer, seller, err := engine.SplitRoles(first, second)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.engine.Run(r.Context(), sess.ID, sess.Topic, maxTurnsFromTerms(sess.Terms), buyer, seller, snap)
	if err != nil {
		writeError(w, apierr.Newf(apierr.CodeInternal, "negotiation engine failed: %v", err))
		return
	}

	turns := make([]store.SessionTurn, 0, len(result.Turns))
	summaries := make([]interface{}, 0, len(result.Turns))
	for _, turn := range result.Turns {
		turns = append(turns, store.SessionTurn{
			SessionID: sess.ID,
			Turn:      turn.Turn,
			Status:    turn.Status,
			Summary:   turn.Summary,
		})
		summaries = append(summaries, turn.Summary)
	}

	negotiation := map[string]interface{}{
		"status":        result.FinalStatus,
		"turns":         len(result.Turns),
		"executionMode": result.ExecutionMode,
		"proofSummary":  result.ProofSummary,
		"completedAt":   time.Now().UTC().Format(time.RFC3339),
	}
	if result.AgreedPrice != nil {
		negotiation["agreedPrice"] = *result.AgreedPrice
	}
	if result.FallbackReason != "" {
		negotiation["fallbackReason"] = result.FallbackReason
	}
	if result.FailureReason != "" {
		negotiation["failureReason"] = result.FailureReason
	}
	if err := privacy.Assert([]interface{}{summaries, negotiation}, snap.RequirePrivacyRedaction); err != nil {
		writeError(w, apierr.Newf(apierr.CodePrivacyRedactionViolated, "negotiation output failed privacy assertion: %v", err))
		return
	}

	won, err := s.store.TransitionStatus(r.Context(), sess.ID, store.SessionActive, result.FinalStatus)
	if err != nil {
		writeError(w, err)
		return
	}
	if !won {
		writeError(w, apierr.New(apierr.CodeNegotiationNotActive, "a concurrent negotiation already finalized this session"))
		return
	}
	if err := s.store.ReplaceTurns(r.Context(), sess.ID, turns); err != nil {
		writeError(w, err)
		return
	}
	sess.Status = result.FinalStatus
	sess.Terms = sess.PatchTerms("negotiation", negotiation)
	if result.AgreedPrice != nil {
		sess.Terms = patchAgreement(sess, *result.AgreedPrice)
	}
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		writeError(w, err)
		return
	}

	s.metrics.RecordNegotiation(result.FinalStatus, result.ExecutionMode, len(result.Turns))
	recordProofFailures(s, result.ProofSummary)

	att, verification, err := s.attest(r, sess)
	if err != nil {
		writeError(w, err)
		return
	}

	settle, err := s.escrow.Settle(r.Context(), sess)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordEscrowOutcome(settle.Outcome)

	body := map[string]interface{}{
		"sessionId":     sess.ID,
		"status":        sess.Status,
		"executionMode": result.ExecutionMode,
		"turns":         len(result.Turns),
		"proofSummary":  result.ProofSummary,
		"attestation": map[string]interface{}{
			"payloadHash":   att.PayloadHash,
			"signerAddress": att.SignerAddress,
			"verification":  verificationView(verification),
		},
		"escrow": settle,
	}
	if result.AgreedPrice != nil {
		body["agreedPrice"] = *result.AgreedPrice
	}
	if result.FallbackReason != "" {
		body["fallbackReason"] = result.FallbackReason
	}
	writeOK(w, body)
}

// unsealParticipant loads and decrypts one agent's private context.
func (s *Server) unsealParticipant(r *http.Request, sess *store.Session, agent *store.Agent) (engine.Participant, error) {
	input, err := s.store.GetSealedInput(r.Context(), sess.ID, agent.ID)
	if err == store.ErrNotFound {
		return engine.Participant{}, apierr.Newf(apierr.CodePrivateContextRequired, "agent %s has not uploaded private inputs", agent.ID)
	}
	if err != nil {
		return engine.Participant{}, err
	}
	var raw map[string]interface{}
	env := sealing.Envelope{KeyID: input.KeyID, IV: input.IV, AuthTag: input.AuthTag, CipherText: input.CipherText}
	if err := s.sealer.Unseal(sess.ID, agent.ID, env, &raw); err != nil {
		return engine.Participant{}, apierr.Newf(apierr.CodePrivateContextRequired, "sealed input for agent %s cannot be opened", agent.ID)
	}
	pc, err := engine.ParseContext(raw)
	if err != nil {
		return engine.Participant{}, err
	}
	return engine.Participant{Agent: agent, Context: pc}, nil
}

func patchAgreement(sess *store.Session, price float64) map[string]interface{} {
	return sess.PatchTerms("agreement", map[string]interface{}{
		"price":    price,
		"agreedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func maxTurnsFromTerms(terms map[string]interface{}) int {
	if terms == nil {
		return 0
	}
	switch v := terms["maxTurns"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func recordProofFailures(s *Server, summary map[string]interface{}) {
	failures, ok := summary["failures"].([]map[string]interface{})
	if !ok {
		return
	}
	for _, failure := range failures {
		if reason, ok := failure["reason"].(string); ok && reason != "" {
			s.metrics.RecordProofFailure(reason)
		}
	}
}
