// Package session guards the negotiation session lifecycle: the
// transition graph, actor-scope rules, and the strict-session policy
// that admits a pair of agents into negotiation and attestation.
package session

import (
	"moltd/apierr"
	"moltd/store"
)

var allowedTransitions = map[string][]string{
	store.SessionCreated:  {store.SessionAccepted},
	store.SessionAccepted: {store.SessionPrepared},
	store.SessionPrepared: {store.SessionActive},
	store.SessionActive:   {store.SessionAgreed, store.SessionNoAgreement, store.SessionFailed},
}

// ValidateTransition checks the lifecycle graph. Terminal states admit
// nothing; every unlisted pair is rejected.
func ValidateTransition(current, next string) error {
	for _, allowed := range allowedTransitions[current] {
		if allowed == next {
			return nil
		}
	}
	if next == store.SessionActive && (current == store.SessionCreated || current == store.SessionAccepted) {
		return apierr.Newf(apierr.CodePrepareRequired, "session must be prepared before start (current status %s)", current)
	}
	return apierr.Newf(apierr.CodeInvalidStateTransition, "cannot transition session from %s to %s", current, next).
		WithDetails(map[string]interface{}{"from": current, "to": next})
}

// ValidateAdjudication checks an operator-forced status change. Manual
// adjudication may push a live session to any terminal outcome and may
// finalize settlement bookkeeping, but never reopens a settled or
// refunded session.
func ValidateAdjudication(current, next string) error {
	if !store.TerminalSession(next) {
		return apierr.Newf(apierr.CodeInvalidRequest, "adjudication target %s is not terminal", next)
	}
	switch current {
	case store.SessionCreated, store.SessionAccepted, store.SessionPrepared, store.SessionActive:
		return nil
	case store.SessionAgreed:
		if next == store.SessionSettled || next == store.SessionRefunded || next == store.SessionFailed {
			return nil
		}
	case store.SessionNoAgreement, store.SessionFailed:
		if next == store.SessionRefunded {
			return nil
		}
	}
	return apierr.Newf(apierr.CodeInvalidStateTransition, "cannot adjudicate session from %s to %s", current, next).
		WithDetails(map[string]interface{}{"from": current, "to": next})
}

// Role levels for actor-scope checks, mirroring the auth ladder.
const (
	ActorAgent    = "agent"
	ActorOperator = "operator"
	ActorAdmin    = "admin"
)

// Actor identifies who is performing a session operation.
type Actor struct {
	AgentID string
	Role    string
}

// Privileged reports operator or admin authority.
func (a Actor) Privileged() bool {
	return a.Role == ActorOperator || a.Role == ActorAdmin
}

// IsParticipant reports whether the actor is one of the session's agents.
func IsParticipant(sess *store.Session, agentID string) bool {
	if agentID == "" {
		return false
	}
	if sess.ProposerAgentID == agentID {
		return true
	}
	return sess.CounterpartyAgentID != nil && *sess.CounterpartyAgentID == agentID
}

// CheckCreate enforces that the creating actor is the proposer unless privileged.
func CheckCreate(actor Actor, proposerAgentID string) error {
	if actor.Privileged() {
		return nil
	}
	if actor.AgentID == "" || actor.AgentID != proposerAgentID {
		return apierr.New(apierr.CodeActorScopeViolation, "session can only be created by its proposer")
	}
	return nil
}

// CheckAccept enforces acceptor scope: the acceptor must differ from
// the proposer, and a pre-bound counterparty must match.
func CheckAccept(sess *store.Session, actor Actor) error {
	if actor.AgentID == "" {
		return apierr.New(apierr.CodeActorScopeViolation, "accept requires an agent identity")
	}
	if actor.AgentID == sess.ProposerAgentID {
		return apierr.New(apierr.CodeInvalidRequest, "proposer cannot accept its own session")
	}
	if sess.CounterpartyAgentID != nil && *sess.CounterpartyAgentID != actor.AgentID {
		return apierr.New(apierr.CodeActorScopeViolation, "session is bound to a different counterparty")
	}
	return nil
}

// CheckParticipant enforces participant scope unless privileged.
func CheckParticipant(sess *store.Session, actor Actor) error {
	if actor.Privileged() {
		return nil
	}
	if !IsParticipant(sess, actor.AgentID) {
		return apierr.New(apierr.CodeActorScopeViolation, "actor is not a participant of this session")
	}
	return nil
}

// CheckPrivateInputs enforces that an agent uploads only its own
// private context; privileged actors may upload on behalf of either.
func CheckPrivateInputs(sess *store.Session, actor Actor, targetAgentID string) error {
	if !IsParticipant(sess, targetAgentID) {
		return apierr.New(apierr.CodeInvalidRequest, "target agent is not a participant of this session")
	}
	if actor.Privileged() {
		return nil
	}
	if actor.AgentID != targetAgentID {
		return apierr.New(apierr.CodeActorScopeViolation, "agents may only upload their own private inputs")
	}
	return nil
}
