package store

import (
	"time"
)

// Session lifecycle states.
const (
	SessionCreated     = "created"
	SessionAccepted    = "accepted"
	SessionPrepared    = "prepared"
	SessionActive      = "active"
	SessionAgreed      = "agreed"
	SessionNoAgreement = "no_agreement"
	SessionFailed      = "failed"
	SessionSettled     = "settled"
	SessionRefunded    = "refunded"
	SessionCancelled   = "cancelled"
)

// Escrow lifecycle states.
const (
	EscrowPrepared          = "prepared"
	EscrowFundingPending    = "funding_pending"
	EscrowFunded            = "funded"
	EscrowSettlementPending = "settlement_pending"
	EscrowRefundPending     = "refund_pending"
	EscrowSettled           = "settled"
	EscrowRefunded          = "refunded"
	EscrowFailed            = "failed"
)

// Agent health probe outcomes.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Turn outcomes recorded per negotiation turn.
const (
	TurnContinue    = "continue"
	TurnAgreed      = "agreed"
	TurnNoAgreement = "no_agreement"
	TurnFailed      = "failed"
)

// Agent is a registered negotiation participant.
type Agent struct {
	ID               string                 `gorm:"primaryKey;size:64" json:"id"`
	Name             string                 `gorm:"size:128" json:"name"`
	Endpoint         string                 `gorm:"size:512" json:"endpoint"`
	APIKey           string                 `gorm:"column:api_key;size:128;index" json:"apiKey,omitempty"`
	PayoutAddress    string                 `gorm:"size:128" json:"payoutAddress,omitempty"`
	Enabled          bool                   `gorm:"index" json:"enabled"`
	Metadata         map[string]interface{} `gorm:"serializer:json" json:"metadata"`
	LastHealthStatus string                 `gorm:"size:16" json:"lastHealthStatus"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// Session is one two-party negotiation.
type Session struct {
	ID                  string                 `gorm:"primaryKey;size:64" json:"id"`
	Topic               string                 `gorm:"size:256" json:"topic"`
	Status              string                 `gorm:"size:24;index" json:"status"`
	ProposerAgentID     string                 `gorm:"size:64;index" json:"proposerAgentId"`
	CounterpartyAgentID *string                `gorm:"size:64;index" json:"counterpartyAgentId,omitempty"`
	Terms               map[string]interface{} `gorm:"serializer:json" json:"terms"`
	CreatedAt           time.Time              `json:"createdAt"`
	UpdatedAt           time.Time              `json:"updatedAt"`
}

// SealedInput is an agent's encrypted private context, unique per
// (session, agent).
type SealedInput struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	SessionID  string    `gorm:"size:64;uniqueIndex:idx_sealed_session_agent;index:idx_sealed_session" json:"sessionId"`
	AgentID    string    `gorm:"size:64;uniqueIndex:idx_sealed_session_agent" json:"agentId"`
	KeyID      string    `gorm:"size:32" json:"keyId"`
	IV         string    `gorm:"size:64" json:"iv"`
	AuthTag    string    `gorm:"size:64" json:"authTag"`
	CipherText string    `gorm:"type:text" json:"cipherText"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// SessionTurn is the public, privacy-sanitized record of one turn.
type SessionTurn struct {
	ID        string                 `gorm:"primaryKey;size:64" json:"id"`
	SessionID string                 `gorm:"size:64;uniqueIndex:idx_turn_session_turn;index:idx_turn_session" json:"sessionId"`
	Turn      int                    `gorm:"uniqueIndex:idx_turn_session_turn" json:"turn"`
	Status    string                 `gorm:"size:16" json:"status"`
	Summary   map[string]interface{} `gorm:"serializer:json" json:"summary"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Attestation is the session-level signed outcome statement.
type Attestation struct {
	ID            string                 `gorm:"primaryKey;size:64" json:"id"`
	SessionID     string                 `gorm:"size:64;uniqueIndex" json:"sessionId"`
	SignerAddress string                 `gorm:"size:64" json:"signerAddress"`
	PayloadHash   string                 `gorm:"size:80" json:"payloadHash"`
	Signature     string                 `gorm:"size:160" json:"signature"`
	Payload       map[string]interface{} `gorm:"serializer:json" json:"payload"`
	CreatedAt     time.Time              `json:"createdAt"`
}

// EscrowRecord tracks the per-session escrow state machine.
type EscrowRecord struct {
	ID                  string     `gorm:"primaryKey;size:64" json:"id"`
	SessionID           string     `gorm:"size:64;uniqueIndex" json:"sessionId"`
	ContractAddress     string     `gorm:"size:128" json:"contractAddress"`
	TokenAddress        string     `gorm:"size:128" json:"tokenAddress,omitempty"`
	StakeAmount         string     `gorm:"size:80" json:"stakeAmount"`
	Status              string     `gorm:"size:24;index" json:"status"`
	TxHash              string     `gorm:"size:128" json:"txHash,omitempty"`
	PlayerAAgentID      string     `gorm:"size:64" json:"playerAAgentId"`
	PlayerBAgentID      string     `gorm:"size:64" json:"playerBAgentId"`
	PlayerADeposited    bool       `json:"playerADeposited"`
	PlayerBDeposited    bool       `json:"playerBDeposited"`
	SettlementAttempts  int        `json:"settlementAttempts"`
	LastSettlementError string     `gorm:"size:256" json:"lastSettlementError,omitempty"`
	LastSettlementAt    *time.Time `json:"lastSettlementAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// TerminalSession reports whether a session status admits no further
// lifecycle transitions driven by negotiation.
func TerminalSession(status string) bool {
	switch status {
	case SessionAgreed, SessionNoAgreement, SessionFailed, SessionSettled, SessionRefunded, SessionCancelled:
		return true
	}
	return false
}

// FinalEscrow reports whether an escrow status is monotonic-terminal.
func FinalEscrow(status string) bool {
	return status == EscrowSettled || status == EscrowRefunded
}
