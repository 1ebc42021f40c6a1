package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/tradesim/internal/domain"
)

const agentColumns = `id, name, public_key, secret_key, is_active, last_trade_at,
	avg_interval_seconds, volume_mean, volume_std_dev, buy_bias, created_at`

type agentRow struct {
	ID                 string         `db:"id"`
	Name               string         `db:"name"`
	PublicKey          string         `db:"public_key"`
	SecretKey          string         `db:"secret_key"`
	IsActive           bool           `db:"is_active"`
	LastTradeAt        sql.NullString `db:"last_trade_at"`
	AvgIntervalSeconds float64        `db:"avg_interval_seconds"`
	VolumeMean         float64        `db:"volume_mean"`
	VolumeStdDev       float64        `db:"volume_std_dev"`
	BuyBias            float64        `db:"buy_bias"`
	CreatedAt          string         `db:"created_at"`
}

func (r agentRow) toDomain() domain.Agent {
	a := domain.Agent{
		ID:        r.ID,
		Name:      r.Name,
		PublicKey: r.PublicKey,
		SecretKey: domain.SecretKey(r.SecretKey),
		IsActive:  r.IsActive,
		TradingParams: domain.TradingParams{
			AvgIntervalSeconds: r.AvgIntervalSeconds,
			VolumeMean:         r.VolumeMean,
			VolumeStdDev:       r.VolumeStdDev,
			BuyBias:            r.BuyBias,
		},
	}
	a.CreatedAt, _ = parseTime(r.CreatedAt)
	if r.LastTradeAt.Valid {
		if ts, err := parseTime(r.LastTradeAt.String); err == nil {
			a.LastTradeAt = &ts
		}
	}
	return a
}

// AgentStore persists trading agent identities and their live configuration.
type AgentStore struct {
	db *DB
}

// NewAgentStore creates an agent store using the given database.
func NewAgentStore(db *DB) *AgentStore {
	return &AgentStore{db: db}
}

// Get returns the agent with the given id, or ErrNotFound.
func (s *AgentStore) Get(ctx context.Context, id string) (domain.Agent, error) {
	var row agentRow
	err := s.db.x.GetContext(ctx, &row, s.db.q(`SELECT `+agentColumns+` FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return row.toDomain(), nil
}

// List returns all agents in creation order.
func (s *AgentStore) List(ctx context.Context) ([]domain.Agent, error) {
	var rows []agentRow
	if err := s.db.x.SelectContext(ctx, &rows, `SELECT `+agentColumns+` FROM agents ORDER BY created_at, name`); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	agents := make([]domain.Agent, len(rows))
	for i, r := range rows {
		agents[i] = r.toDomain()
	}
	return agents, nil
}

// Count returns the number of stored agents.
func (s *AgentStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.x.GetContext(ctx, &n, `SELECT COUNT(*) FROM agents`); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

// Create inserts a new agent and returns it. A duplicate name or public key
// yields ErrConflict.
func (s *AgentStore) Create(ctx context.Context, na domain.NewAgent) (domain.Agent, error) {
	if err := na.Params.Validate(); err != nil {
		return domain.Agent{}, err
	}

	now := time.Now().UTC()
	a := domain.Agent{
		ID:            uuid.New().String(),
		Name:          na.Name,
		PublicKey:     na.PublicKey,
		SecretKey:     na.SecretKey,
		IsActive:      na.IsActive,
		CreatedAt:     now,
		TradingParams: na.Params,
	}

	_, err := s.db.x.ExecContext(ctx, s.db.q(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, ?)`),
		a.ID, a.Name, a.PublicKey, a.SecretKey.Reveal(), a.IsActive,
		a.AvgIntervalSeconds, a.VolumeMean, a.VolumeStdDev, a.BuyBias, formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, fmt.Errorf("creating agent %s: %w", na.Name, ErrConflict)
		}
		return domain.Agent{}, fmt.Errorf("creating agent %s: %w", na.Name, err)
	}
	return a, nil
}

// Update applies a validated partial update and returns the stored result.
func (s *AgentStore) Update(ctx context.Context, id string, patch domain.AgentPatch) (domain.Agent, error) {
	if err := patch.Validate(); err != nil {
		return domain.Agent{}, err
	}
	if patch.IsEmpty() {
		return s.Get(ctx, id)
	}

	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Name != nil {
		set("name", *patch.Name)
	}
	if patch.IsActive != nil {
		set("is_active", *patch.IsActive)
	}
	if patch.AvgIntervalSeconds != nil {
		set("avg_interval_seconds", *patch.AvgIntervalSeconds)
	}
	if patch.VolumeMean != nil {
		set("volume_mean", *patch.VolumeMean)
	}
	if patch.VolumeStdDev != nil {
		set("volume_std_dev", *patch.VolumeStdDev)
	}
	if patch.BuyBias != nil {
		set("buy_bias", *patch.BuyBias)
	}
	args = append(args, id)

	res, err := s.db.x.ExecContext(ctx, s.db.q(`UPDATE agents SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Agent{}, fmt.Errorf("updating agent %s: %w", id, ErrConflict)
		}
		return domain.Agent{}, fmt.Errorf("updating agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Agent{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete removes an agent. Its PnL history is kept.
func (s *AgentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.x.ExecContext(ctx, s.db.q(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("deleting agent %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
