package service

import (
	"context"

	"github.com/rs/zerolog"

	"perp-signal-engine/internal/signal"
)

// signalObserver fans new signals out to the database, the active-signal
// cache, and the event bus, and evicts resolved signals from the cache.
// Persistence failures degrade to logging; a signal that never reaches the
// store still resolves in memory.
type signalObserver struct {
	collector *Collector
	log       zerolog.Logger
}

func (o *signalObserver) OnSignal(ctx context.Context, rec *signal.Record) {
	c := o.collector
	if err := c.repo.SaveSignal(ctx, rec); err != nil {
		o.log.Error().Err(err).Str("signal_id", rec.ID).Msg("signal save failed")
	}
	if c.active != nil {
		if err := c.active.Put(ctx, rec); err != nil {
			o.log.Warn().Err(err).Str("signal_id", rec.ID).Msg("signal cache put failed")
		}
	}
	if c.bus != nil {
		c.bus.PublishSignal(rec)
	}
}

func (o *signalObserver) OnOutcome(ctx context.Context, rec *signal.Record, outcome signal.Outcome) {
	if rec == nil {
		return
	}
	c := o.collector
	if c.active != nil {
		if err := c.active.Remove(ctx, rec.ID); err != nil {
			o.log.Warn().Err(err).Str("signal_id", rec.ID).Msg("signal cache evict failed")
		}
	}
}
