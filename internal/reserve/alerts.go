package reserve

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/crossbridge/internal/metrics"
)

// AlertLevel grades a liquidity alert.
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"      // balance at or below the low fraction of baseline
	AlertCritical AlertLevel = "critical" // balance at or below the critical fraction
)

// Alert is a firing liquidity warning for one position.
type Alert struct {
	Chain     string     `json:"chain"`
	Asset     string     `json:"asset"`
	Level     AlertLevel `json:"level"`
	Available *big.Int   `json:"available"`
	Initial   *big.Int   `json:"initial"`
	Message   string     `json:"message"`
}

// AlertThresholds are percentages of the initial balance.
type AlertThresholds struct {
	LowPct      int64
	CriticalPct int64
}

// DefaultThresholds alerts low at 10% and critical at 5% of baseline.
func DefaultThresholds() AlertThresholds {
	return AlertThresholds{LowPct: 10, CriticalPct: 5}
}

// CheckAlerts recomputes alerts from current vs. initial balances for every
// position. Computed on demand rather than tracked incrementally, so it
// cannot drift from the ledger.
func (l *Ledger) CheckAlerts(ctx context.Context, thresholds AlertThresholds) ([]Alert, error) {
	entries, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var alerts []Alert
	var lowCount, criticalCount int
	for _, e := range entries {
		if e.Initial.Sign() <= 0 {
			continue // no baseline, nothing to compare against
		}

		// available*100 <= initial*pct  <=>  available <= pct% of initial
		scaled := new(big.Int).Mul(e.Available, big.NewInt(100))
		critical := new(big.Int).Mul(e.Initial, big.NewInt(thresholds.CriticalPct))
		low := new(big.Int).Mul(e.Initial, big.NewInt(thresholds.LowPct))

		switch {
		case scaled.Cmp(critical) <= 0:
			criticalCount++
			alerts = append(alerts, Alert{
				Chain:     e.Chain,
				Asset:     e.Asset,
				Level:     AlertCritical,
				Available: e.Available,
				Initial:   e.Initial,
				Message: fmt.Sprintf("reserve %s/%s at %s of initial %s (<=%d%%)",
					e.Chain, e.Asset, e.Available, e.Initial, thresholds.CriticalPct),
			})
		case scaled.Cmp(low) <= 0:
			lowCount++
			alerts = append(alerts, Alert{
				Chain:     e.Chain,
				Asset:     e.Asset,
				Level:     AlertLow,
				Available: e.Available,
				Initial:   e.Initial,
				Message: fmt.Sprintf("reserve %s/%s at %s of initial %s (<=%d%%)",
					e.Chain, e.Asset, e.Available, e.Initial, thresholds.LowPct),
			})
		}
	}

	metrics.ReserveAlertsActive.WithLabelValues(string(AlertLow)).Set(float64(lowCount))
	metrics.ReserveAlertsActive.WithLabelValues(string(AlertCritical)).Set(float64(criticalCount))
	return alerts, nil
}
