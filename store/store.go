// Package store persists every negotiation entity through gorm. The
// embedded sqlite driver serves development and tests; a postgres DSN
// switches drivers transparently. Writes are per-row atomic and the
// state machines above this layer tolerate partial progress by
// replaying, so request-level writes are not grouped in transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for any missing entity lookup.
var ErrNotFound = errors.New("not found")

// Store is the durable adapter over the relational database.
type Store struct {
	db *gorm.DB
}

// Open connects to the database selected by the DSN: postgres:// DSNs
// use the postgres driver, anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("store: dsn must be configured")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies the schema. AutoMigrate is additive on existing
// tables, which covers the idempotent extra-column migrations newer
// releases introduce.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Agent{},
		&Session{},
		&SealedInput{},
		&SessionTurn{},
		&Attestation{},
		&EscrowRecord{},
	)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- agents ----

// SaveAgent inserts or fully updates an agent row.
func (s *Store) SaveAgent(ctx context.Context, agent *Agent) error {
	return s.db.WithContext(ctx).Save(agent).Error
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &agent, nil
}

// GetEnabledAgentByAPIKey resolves an agent credential. API keys are
// unique among enabled agents; a disabled agent's key never matches.
func (s *Store) GetEnabledAgentByAPIKey(ctx context.Context, apiKey string) (*Agent, error) {
	var agent Agent
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND enabled = ?", apiKey, true).
		First(&agent).Error
	if err != nil {
		return nil, translate(err)
	}
	return &agent, nil
}

// APIKeyConflict reports whether another enabled agent already holds the key.
func (s *Store) APIKeyConflict(ctx context.Context, apiKey, excludeAgentID string) (bool, error) {
	if strings.TrimSpace(apiKey) == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&Agent{}).
		Where("api_key = ? AND enabled = ? AND id <> ?", apiKey, true, excludeAgentID).
		Count(&count).Error
	return count > 0, err
}

// ListAgents returns all agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := s.db.WithContext(ctx).Order("id asc").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}

// ---- sessions ----

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	return s.db.WithContext(ctx).Create(session).Error
}

// SaveSession updates an existing session row.
func (s *Store) SaveSession(ctx context.Context, session *Session) error {
	return s.db.WithContext(ctx).Save(session).Error
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var session Session
	if err := s.db.WithContext(ctx).First(&session, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &session, nil
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status  string
	AgentID string
}

// ListSessions returns sessions, newest first, honouring the filter.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.AgentID != "" {
		q = q.Where("proposer_agent_id = ? OR counterparty_agent_id = ?", filter.AgentID, filter.AgentID)
	}
	var sessions []Session
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// TransitionStatus persists a status change only when the session still
// holds the expected source status. The boolean reports whether this
// call won the transition; a concurrent writer that already advanced
// the session loses nothing and observes false.
func (s *Store) TransitionStatus(ctx context.Context, sessionID, from, to string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND status = ?", sessionID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ---- sealed inputs ----

// UpsertSealedInput stores an envelope, replacing any prior upload for
// the same (session, agent) pair.
func (s *Store) UpsertSealedInput(ctx context.Context, input *SealedInput) error {
	var existing SealedInput
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND agent_id = ?", input.SessionID, input.AgentID).
		First(&existing).Error
	switch {
	case err == nil:
		input.ID = existing.ID
		input.CreatedAt = existing.CreatedAt
		return s.db.WithContext(ctx).Save(input).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if input.ID == "" {
			input.ID = uuid.NewString()
		}
		return s.db.WithContext(ctx).Create(input).Error
	default:
		return err
	}
}

// GetSealedInput loads the envelope for one (session, agent) pair.
func (s *Store) GetSealedInput(ctx context.Context, sessionID, agentID string) (*SealedInput, error) {
	var input SealedInput
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND agent_id = ?", sessionID, agentID).
		First(&input).Error
	if err != nil {
		return nil, translate(err)
	}
	return &input, nil
}

// CountSealedInputs returns the number of uploads for a session.
func (s *Store) CountSealedInputs(ctx context.Context, sessionID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SealedInput{}).
		Where("session_id = ?", sessionID).Count(&count).Error
	return count, err
}

// ---- turns ----

// ReplaceTurns clears any prior turns for the session and inserts the
// new transcript. Negotiate always rewrites the full transcript so a
// retried run never interleaves with a partial one.
func (s *Store) ReplaceTurns(ctx context.Context, sessionID string, turns []SessionTurn) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", sessionID).Delete(&SessionTurn{}).Error; err != nil {
			return err
		}
		for i := range turns {
			if turns[i].ID == "" {
				turns[i].ID = uuid.NewString()
			}
			turns[i].SessionID = sessionID
			if err := tx.Create(&turns[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListTurns returns the session transcript in turn order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]SessionTurn, error) {
	var turns []SessionTurn
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("turn asc").
		Find(&turns).Error
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// ---- attestations ----

// UpsertAttestation stores the session attestation, replacing any prior one.
func (s *Store) UpsertAttestation(ctx context.Context, att *Attestation) error {
	var existing Attestation
	err := s.db.WithContext(ctx).Where("session_id = ?", att.SessionID).First(&existing).Error
	switch {
	case err == nil:
		att.ID = existing.ID
		return s.db.WithContext(ctx).Save(att).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		return s.db.WithContext(ctx).Create(att).Error
	default:
		return err
	}
}

// GetAttestation loads the attestation for a session.
func (s *Store) GetAttestation(ctx context.Context, sessionID string) (*Attestation, error) {
	var att Attestation
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&att).Error
	if err != nil {
		return nil, translate(err)
	}
	return &att, nil
}

// ---- escrow ----

// CreateEscrow inserts a new escrow row.
func (s *Store) CreateEscrow(ctx context.Context, rec *EscrowRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// SaveEscrow updates an escrow row.
func (s *Store) SaveEscrow(ctx context.Context, rec *EscrowRecord) error {
	return s.db.WithContext(ctx).Save(rec).Error
}

// GetEscrowBySession loads the escrow row for a session.
func (s *Store) GetEscrowBySession(ctx context.Context, sessionID string) (*EscrowRecord, error) {
	var rec EscrowRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// ListEscrowsByStatus returns escrow rows in any of the given statuses.
func (s *Store) ListEscrowsByStatus(ctx context.Context, statuses ...string) ([]EscrowRecord, error) {
	var recs []EscrowRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// ---- aggregates ----

// Counts summarises row counts for the health endpoint.
type Counts struct {
	Agents       int64 `json:"agents"`
	Sessions     int64 `json:"sessions"`
	Attestations int64 `json:"attestations"`
	Escrows      int64 `json:"escrows"`
}

// Count returns entity totals.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	var counts Counts
	db := s.db.WithContext(ctx)
	if err := db.Model(&Agent{}).Count(&counts.Agents).Error; err != nil {
		return counts, err
	}
	if err := db.Model(&Session{}).Count(&counts.Sessions).Error; err != nil {
		return counts, err
	}
	if err := db.Model(&Attestation{}).Count(&counts.Attestations).Error; err != nil {
		return counts, err
	}
	if err := db.Model(&EscrowRecord{}).Count(&counts.Escrows).Error; err != nil {
		return counts, err
	}
	return counts, nil
}

// SessionStatusCounts aggregates sessions per status.
func (s *Store) SessionStatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Session{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}
