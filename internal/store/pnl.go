package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soyeahso/tradesim/internal/domain"
)

type pnlRow struct {
	ID          string         `db:"id"`
	AgentID     sql.NullString `db:"agent_id"`
	RealizedPnL float64        `db:"realized_pnl"`
	CreatedAt   string         `db:"created_at"`
}

// PnLStore is the append-only ledger of realized PnL.
type PnLStore struct {
	db *DB
}

// NewPnLStore creates a PnL ledger using the given database.
func NewPnLStore(db *DB) *PnLStore {
	return &PnLStore{db: db}
}

// Insert records one realized PnL observation for an agent and stamps the
// agent's last trade time, in a single transaction. If the agent no longer
// exists nothing is written and ErrNotFound is returned.
func (s *PnLStore) Insert(ctx context.Context, agentID string, value float64, at time.Time) (domain.PnLRecord, error) {
	rec := domain.PnLRecord{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		RealizedPnL: value,
		Timestamp:   at.UTC(),
	}
	ts := formatTime(rec.Timestamp)

	tx, err := s.db.x.BeginTxx(ctx, nil)
	if err != nil {
		return domain.PnLRecord{}, fmt.Errorf("begin pnl insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.q(`UPDATE agents SET last_trade_at = ? WHERE id = ?`), ts, agentID)
	if err != nil {
		return domain.PnLRecord{}, fmt.Errorf("stamping last trade for %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.PnLRecord{}, ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, s.db.q(`
		INSERT INTO pnl_records (id, agent_id, realized_pnl, created_at)
		VALUES (?, ?, ?, ?)`),
		rec.ID, agentID, value, ts,
	); err != nil {
		return domain.PnLRecord{}, fmt.Errorf("inserting pnl for %s: %w", agentID, err)
	}

	if err := tx.Commit(); err != nil {
		return domain.PnLRecord{}, fmt.Errorf("commit pnl insert: %w", err)
	}
	return rec, nil
}

// Sum returns total realized PnL across all records, 0 when empty.
func (s *PnLStore) Sum(ctx context.Context) (float64, error) {
	var total float64
	if err := s.db.x.GetContext(ctx, &total, `SELECT COALESCE(SUM(realized_pnl), 0) FROM pnl_records`); err != nil {
		return 0, fmt.Errorf("summing pnl: %w", err)
	}
	return total, nil
}

// SumByAgent returns realized PnL grouped by agent id. Records without an
// agent reference are grouped under the empty key.
func (s *PnLStore) SumByAgent(ctx context.Context) (map[string]float64, error) {
	var rows []struct {
		AgentID string  `db:"agent_id"`
		Total   float64 `db:"total"`
	}
	if err := s.db.x.SelectContext(ctx, &rows, `
		SELECT COALESCE(agent_id, '') AS agent_id, SUM(realized_pnl) AS total
		FROM pnl_records
		GROUP BY agent_id`); err != nil {
		return nil, fmt.Errorf("summing pnl by agent: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		out[r.AgentID] += r.Total
	}
	return out, nil
}

// History returns the most recent records for an agent, newest first.
// An empty agentID returns records across all agents.
func (s *PnLStore) History(ctx context.Context, agentID string, limit int) ([]domain.PnLRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows []pnlRow
		err  error
	)
	if agentID == "" {
		err = s.db.x.SelectContext(ctx, &rows, s.db.q(`
			SELECT id, agent_id, realized_pnl, created_at FROM pnl_records
			ORDER BY created_at DESC, id DESC LIMIT ?`), limit)
	} else {
		err = s.db.x.SelectContext(ctx, &rows, s.db.q(`
			SELECT id, agent_id, realized_pnl, created_at FROM pnl_records
			WHERE agent_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?`), agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing pnl history: %w", err)
	}

	out := make([]domain.PnLRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.PnLRecord{ID: r.ID, AgentID: r.AgentID.String, RealizedPnL: r.RealizedPnL}
		out[i].Timestamp, _ = parseTime(r.CreatedAt)
	}
	return out, nil
}
