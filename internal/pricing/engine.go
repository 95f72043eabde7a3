// Package pricing converts a video's engagement ratio into a total price in
// minor currency units.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/streamfair-backend/pkg/enums"
	"github.com/angelmondragon/streamfair-backend/pkg/money"
)

// Config is the process-wide pricing configuration. TargetRatio and
// MaxShiftPct are fractions in [0,1].
type Config struct {
	BasePrice    int64
	Policy       enums.PricingPolicy
	DemandWeight float64
	TargetRatio  float64
	MaxShiftPct  float64
}

func (c Config) Validate() error {
	if c.BasePrice < 0 {
		return fmt.Errorf("base price must be >= 0, got %d", c.BasePrice)
	}
	if !c.Policy.IsValid() {
		return fmt.Errorf("unknown pricing policy %q", c.Policy)
	}
	if c.Policy == enums.PricingPolicyDemandBounded {
		if c.MaxShiftPct < 0 || c.MaxShiftPct > 1 {
			return fmt.Errorf("max shift must be within [0,1], got %v", c.MaxShiftPct)
		}
		if c.TargetRatio < 0 || c.TargetRatio > 1 {
			return fmt.Errorf("target ratio must be within [0,1], got %v", c.TargetRatio)
		}
	}
	return nil
}

// Engine is a pure pricing function over a fixed configuration.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Policy == "" {
		cfg.Policy = enums.PricingPolicyProportional
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Price returns the total price for a ratio on the 0..100 scale. A non-nil
// override replaces the configured base price but still goes through the
// ratio multiplier.
func (e *Engine) Price(ratio float64, override *int64) int64 {
	base := e.cfg.BasePrice
	if override != nil {
		base = *override
	}
	if base <= 0 {
		return 0
	}

	fraction := decimal.NewFromFloat(clampRatio(ratio)).Div(decimal.NewFromInt(100))
	baseDec := decimal.NewFromInt(base)

	switch e.cfg.Policy {
	case enums.PricingPolicyDemandBounded:
		return demandBounded(baseDec, fraction, e.cfg)
	default:
		return money.Round(baseDec.Mul(fraction))
	}
}

func demandBounded(base, fraction decimal.Decimal, cfg Config) int64 {
	one := decimal.NewFromInt(1)
	k := decimal.NewFromFloat(cfg.DemandWeight)
	target := decimal.NewFromFloat(cfg.TargetRatio)
	shift := decimal.NewFromFloat(cfg.MaxShiftPct)

	raw := base.Mul(one.Add(k.Mul(fraction.Sub(target))))
	lower := base.Mul(one.Sub(shift))
	upper := base.Mul(one.Add(shift))

	if raw.LessThan(lower) {
		raw = lower
	}
	if raw.GreaterThan(upper) {
		raw = upper
	}
	return money.Round(raw)
}

// PerSecond spreads a total price over the video duration, rounded to four
// decimal places. Zero when the duration is unknown.
func PerSecond(total int64, durationSeconds int) float64 {
	return money.PerUnit(total, int64(durationSeconds), 4)
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio < 0:
		return 0
	case ratio > 100:
		return 100
	default:
		return ratio
	}
}
