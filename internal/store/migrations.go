package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations. The SQL is shared
// by sqlite and postgres, so it sticks to types both understand.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create agents",
		SQL: `
			CREATE TABLE agents (
				id                   TEXT PRIMARY KEY,
				name                 TEXT NOT NULL,
				public_key           TEXT NOT NULL,
				secret_key           TEXT NOT NULL,
				is_active            BOOLEAN NOT NULL DEFAULT TRUE,
				last_trade_at        TEXT,
				avg_interval_seconds DOUBLE PRECISION NOT NULL,
				volume_mean          DOUBLE PRECISION NOT NULL,
				volume_std_dev       DOUBLE PRECISION NOT NULL,
				buy_bias             DOUBLE PRECISION NOT NULL,
				created_at           TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_agents_name ON agents (name);
			CREATE UNIQUE INDEX idx_agents_public_key ON agents (public_key);
		`,
	},
	{
		Version: 2,
		Name:    "create pnl records",
		SQL: `
			CREATE TABLE pnl_records (
				id           TEXT PRIMARY KEY,
				agent_id     TEXT,
				realized_pnl DOUBLE PRECISION NOT NULL,
				created_at   TEXT NOT NULL
			);

			CREATE INDEX idx_pnl_agent ON pnl_records (agent_id, created_at);
		`,
	},
}
