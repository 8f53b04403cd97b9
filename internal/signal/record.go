// Package signal defines the emitted signal record, its deterministic
// identity, and the outcome / streak bookkeeping shared by the live engine
// and the replay engine.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Direction of a signal. The integer values are part of the ID preimage and
// the persisted record, so they must never change.
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

// String returns "LONG" or "SHORT" for logs and observer payloads.
func (d Direction) String() string {
	if d == Long {
		return "LONG"
	}
	return "SHORT"
}

// Outcome of a signal. Timeout is not a terminal state: a timed-out signal
// is released with outcome still Active.
type Outcome string

const (
	OutcomeActive Outcome = "active"
	OutcomeTP     Outcome = "tp"
	OutcomeSL     Outcome = "sl"
)

// Record is one emitted signal. Price fields are decimal because they are
// persisted money values; the excursion ratios are float64 because they live
// on the kline hot path.
type Record struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id,omitempty"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	SignalTime     time.Time       `json:"signal_time"`
	Direction      Direction       `json:"direction"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	TPPrice        decimal.Decimal `json:"tp_price"`
	SLPrice        decimal.Decimal `json:"sl_price"`
	ATRAtSignal    float64         `json:"atr_at_signal"`
	MaxATR         float64         `json:"max_atr"`
	StreakAtSignal int             `json:"streak_at_signal"`
	MAERatio       float64         `json:"mae_ratio"`
	MFERatio       float64         `json:"mfe_ratio"`
	Outcome        Outcome         `json:"outcome"`
	OutcomeTime    *time.Time      `json:"outcome_time,omitempty"`
	OutcomePrice   decimal.Decimal `json:"outcome_price,omitempty"`

	// Strategy-specific extras, e.g. fast/slow EMA values for the
	// crossover strategy. Keys are persisted as JSON.
	Extras map[string]float64 `json:"extras,omitempty"`
}

// DeterministicID derives the signal identity from its defining fields:
// the first 32 hex characters of
// sha256("strategy:symbol:timeframe:YYYYMMDDHHMMSSuuuuuu:direction").
// Identical inputs yield identical ids across live and replay runs, which is
// the regression contract between the two modes.
func DeterministicID(strategy, symbol, timeframe string, signalTime time.Time, direction Direction) string {
	ts := signalTime.UTC()
	stamp := fmt.Sprintf("%s%06d", ts.Format("20060102150405"), ts.Nanosecond()/1000)
	preimage := strategy + ":" + symbol + ":" + timeframe + ":" + stamp + ":" + strconv.Itoa(int(direction))
	sum := sha256.Sum256([]byte(preimage))
	return hex.EncodeToString(sum[:])[:32]
}

// NewRecord builds an active signal with a deterministic id.
func NewRecord(strategy, symbol, timeframe string, signalTime time.Time, direction Direction, entry, tp, sl decimal.Decimal, atr float64, streak int) *Record {
	return &Record{
		ID:             DeterministicID(strategy, symbol, timeframe, signalTime, direction),
		Strategy:       strategy,
		Symbol:         symbol,
		Timeframe:      timeframe,
		SignalTime:     signalTime.UTC(),
		Direction:      direction,
		EntryPrice:     entry,
		TPPrice:        tp,
		SLPrice:        sl,
		ATRAtSignal:    atr,
		MaxATR:         atr,
		StreakAtSignal: streak,
		Outcome:        OutcomeActive,
	}
}

// Validate checks the price geometry: risk must be strictly positive and the
// TP/SL must sit on the correct sides of entry for the direction.
func (r *Record) Validate() error {
	risk := r.EntryPrice.Sub(r.SLPrice).Abs()
	if !risk.IsPositive() {
		return fmt.Errorf("signal %s: zero risk amount", r.ID)
	}
	switch r.Direction {
	case Long:
		if !(r.SLPrice.LessThan(r.EntryPrice) && r.EntryPrice.LessThan(r.TPPrice)) {
			return fmt.Errorf("signal %s: LONG requires sl < entry < tp", r.ID)
		}
	case Short:
		if !(r.TPPrice.LessThan(r.EntryPrice) && r.EntryPrice.LessThan(r.SLPrice)) {
			return fmt.Errorf("signal %s: SHORT requires tp < entry < sl", r.ID)
		}
	default:
		return fmt.Errorf("signal %s: unknown direction %d", r.ID, r.Direction)
	}
	return nil
}

// RiskAmount is |entry - sl|, the denominator of the excursion ratios.
func (r *Record) RiskAmount() float64 {
	return r.EntryPrice.Sub(r.SLPrice).Abs().InexactFloat64()
}

// IsActive reports whether the signal has not resolved yet.
func (r *Record) IsActive() bool {
	return r.Outcome == OutcomeActive
}

// UpdateMAE feeds one observed price through the excursion bookkeeping.
// Adverse moves grow MAERatio, favorable moves grow MFERatio; both are
// normalized by the risk amount and never decrease.
func (r *Record) UpdateMAE(price decimal.Decimal) {
	risk := r.RiskAmount()
	if risk <= 0 {
		return
	}
	diff := price.Sub(r.EntryPrice).InexactFloat64()
	if r.Direction == Short {
		diff = -diff
	}
	if diff >= 0 {
		if ratio := diff / risk; ratio > r.MFERatio {
			r.MFERatio = ratio
		}
	} else {
		if ratio := -diff / risk; ratio > r.MAERatio {
			r.MAERatio = ratio
		}
	}
}

// CheckOutcome resolves the signal by first touch against a single traded
// price. Used by the live tick path only; the bar path in the outcome
// tracker applies the pessimistic rule instead.
func (r *Record) CheckOutcome(price decimal.Decimal, ts time.Time) Outcome {
	if !r.IsActive() {
		return r.Outcome
	}
	r.UpdateMAE(price)

	var hit Outcome
	switch r.Direction {
	case Long:
		if price.GreaterThanOrEqual(r.TPPrice) {
			hit = OutcomeTP
		} else if price.LessThanOrEqual(r.SLPrice) {
			hit = OutcomeSL
		}
	case Short:
		if price.LessThanOrEqual(r.TPPrice) {
			hit = OutcomeTP
		} else if price.GreaterThanOrEqual(r.SLPrice) {
			hit = OutcomeSL
		}
	}
	if hit == "" {
		return OutcomeActive
	}
	r.Resolve(hit, ts)
	return hit
}

// Resolve marks the signal terminal at the level price for the outcome.
func (r *Record) Resolve(outcome Outcome, ts time.Time) {
	t := ts.UTC()
	r.Outcome = outcome
	r.OutcomeTime = &t
	if outcome == OutcomeTP {
		r.OutcomePrice = r.TPPrice
	} else {
		r.OutcomePrice = r.SLPrice
	}
}
