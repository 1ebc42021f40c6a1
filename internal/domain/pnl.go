package domain

import "time"

// Side is the direction of a simulated trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Legs returns the (input, output) assets for a trade on this side.
// Buying spends the base asset for the traded one; selling does the reverse.
func (s Side) Legs(base, traded string) (in, out string) {
	if s == SideBuy {
		return base, traded
	}
	return traded, base
}

// RealizedPnL books a sell as +price*qty and a buy as -price*qty.
func RealizedPnL(side Side, price, qty float64) float64 {
	if side == SideSell {
		return price * qty
	}
	return -price * qty
}

// PnLRecord is one persisted realized profit/loss observation.
// AgentID is empty when the agent reference was cleared.
type PnLRecord struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agentId,omitempty"`
	RealizedPnL float64   `json:"realizedPnl"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary is the aggregate realized PnL read-model.
type Summary struct {
	Total    float64            `json:"totalRealizedPnl"`
	PerAgent map[string]float64 `json:"perAgent"`
}

// PortfolioEntry is the per-agent payload pushed to live subscribers.
type PortfolioEntry struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	IsActive    bool       `json:"isActive"`
	LastTradeAt *time.Time `json:"lastTrade"`
}
