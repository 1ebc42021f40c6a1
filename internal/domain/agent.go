package domain

import (
	"encoding/json"
	"time"
)

// Volume bounds applied when sampling a trade size.
const (
	MinTradeVolume       = 0.01
	MaxTradeVolumeFactor = 5.0
)

// SecretKey is an agent's signing credential. Core logic never inspects it;
// it only travels between the key generator, the store and a signer.
type SecretKey string

// String redacts the key so it never leaks through logs or fmt verbs.
func (SecretKey) String() string { return "[redacted]" }

// MarshalJSON redacts the key in API responses.
func (SecretKey) MarshalJSON() ([]byte, error) { return json.Marshal("[redacted]") }

// Reveal returns the raw encoded key for a signing collaborator.
func (k SecretKey) Reveal() string { return string(k) }

// TradingParams are the live statistical parameters that drive an agent's loop.
type TradingParams struct {
	AvgIntervalSeconds float64 `json:"avgIntervalSeconds"`
	VolumeMean         float64 `json:"volumeMean"`
	VolumeStdDev       float64 `json:"volumeStdDev"`
	BuyBias            float64 `json:"buyBias"`
}

// Validate rejects parameters a trading loop must never observe.
func (p TradingParams) Validate() error {
	var v ValidationError
	v.check(p.AvgIntervalSeconds > 0, "avgIntervalSeconds", "must be positive")
	v.check(p.VolumeMean > 0, "volumeMean", "must be positive")
	v.check(p.VolumeStdDev >= 0, "volumeStdDev", "must not be negative")
	v.check(p.BuyBias >= 0 && p.BuyBias <= 1, "buyBias", "must be within [0, 1]")
	return v.errOrNil()
}

// Agent is one simulated trading identity with its live configuration.
type Agent struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PublicKey   string     `json:"publicKey"`
	SecretKey   SecretKey  `json:"secretKey"`
	IsActive    bool       `json:"isActive"`
	LastTradeAt *time.Time `json:"lastTradeAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	TradingParams
}

// NewAgent describes an identity about to be persisted.
type NewAgent struct {
	Name      string
	PublicKey string
	SecretKey SecretKey
	IsActive  bool
	Params    TradingParams
}

// AgentPatch is a partial update to an agent. Nil fields are left unchanged.
type AgentPatch struct {
	Name               *string  `json:"name,omitempty"`
	IsActive           *bool    `json:"isActive,omitempty"`
	AvgIntervalSeconds *float64 `json:"avgIntervalSeconds,omitempty"`
	VolumeMean         *float64 `json:"volumeMean,omitempty"`
	VolumeStdDev       *float64 `json:"volumeStdDev,omitempty"`
	BuyBias            *float64 `json:"buyBias,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p AgentPatch) IsEmpty() bool {
	return p.Name == nil && p.IsActive == nil && p.AvgIntervalSeconds == nil &&
		p.VolumeMean == nil && p.VolumeStdDev == nil && p.BuyBias == nil
}

// Validate checks every field the patch sets. Each constraint is independent
// of the other fields, so a valid patch on a valid agent stays valid.
func (p AgentPatch) Validate() error {
	var v ValidationError
	if p.Name != nil {
		v.check(*p.Name != "", "name", "must not be empty")
	}
	if p.AvgIntervalSeconds != nil {
		v.check(*p.AvgIntervalSeconds > 0, "avgIntervalSeconds", "must be positive")
	}
	if p.VolumeMean != nil {
		v.check(*p.VolumeMean > 0, "volumeMean", "must be positive")
	}
	if p.VolumeStdDev != nil {
		v.check(*p.VolumeStdDev >= 0, "volumeStdDev", "must not be negative")
	}
	if p.BuyBias != nil {
		v.check(*p.BuyBias >= 0 && *p.BuyBias <= 1, "buyBias", "must be within [0, 1]")
	}
	return v.errOrNil()
}
