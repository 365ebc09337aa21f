// Package trust ranks agents by verified negotiation history. Only
// sessions whose stored attestation still verifies end to end count;
// an unverifiable session contributes nothing to either participant.
package trust

import (
	"context"
	"sort"

	"moltd/attestation"
	"moltd/store"
)

// Entry is one leaderboard row.
type Entry struct {
	AgentID      string `json:"agentId"`
	Name         string `json:"name,omitempty"`
	Agreements   int    `json:"agreements"`
	NoAgreements int    `json:"noAgreements"`
	Failures     int    `json:"failures"`
	Sessions     int    `json:"sessions"`
	TrustScore   int    `json:"trustScore"`
}

// Score computes the leaderboard score for one row. Agreements weigh
// triple, failures count double against.
func Score(agreements, noAgreements, failures int) int {
	return 3*agreements + noAgreements - 2*failures
}

// Leaderboard recomputes attestation verification over every terminal
// session and aggregates per-agent counters. Sort order: trustScore
// descending, agreements descending, agentId ascending.
func Leaderboard(ctx context.Context, st *store.Store, configuredSigner string) ([]Entry, error) {
	sessions, err := st.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	if agents, err := st.ListAgents(ctx); err == nil {
		for _, agent := range agents {
			names[agent.ID] = agent.Name
		}
	}

	rows := make(map[string]*Entry)
	bump := func(agentID string, status string) {
		if agentID == "" {
			return
		}
		row, ok := rows[agentID]
		if !ok {
			row = &Entry{AgentID: agentID, Name: names[agentID]}
			rows[agentID] = row
		}
		row.Sessions++
		switch status {
		case store.SessionAgreed:
			row.Agreements++
		case store.SessionNoAgreement:
			row.NoAgreements++
		case store.SessionFailed:
			row.Failures++
		}
	}

	for i := range sessions {
		sess := &sessions[i]
		if !store.TerminalSession(sess.Status) {
			continue
		}
		att, err := st.GetAttestation(ctx, sess.ID)
		if err != nil {
			continue
		}
		turns, err := st.ListTurns(ctx, sess.ID)
		if err != nil {
			continue
		}
		if reasons := attestation.Verify(att, sess, turns, configuredSigner); len(reasons) != 0 {
			continue
		}
		bump(sess.ProposerAgentID, sess.Status)
		if sess.CounterpartyAgentID != nil {
			bump(*sess.CounterpartyAgentID, sess.Status)
		}
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		row.TrustScore = Score(row.Agreements, row.NoAgreements, row.Failures)
		entries = append(entries, *row)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TrustScore != entries[j].TrustScore {
			return entries[i].TrustScore > entries[j].TrustScore
		}
		if entries[i].Agreements != entries[j].Agreements {
			return entries[i].Agreements > entries[j].Agreements
		}
		return entries[i].AgentID < entries[j].AgentID
	})
	return entries, nil
}
