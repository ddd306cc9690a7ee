package signal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cryptosignal/internal/indicator"
	"cryptosignal/internal/model"
)

// Enqueuer accepts rendered notifications. It must not block.
type Enqueuer interface {
	Enqueue(recipient int64, text, actionRef string, priority model.Priority) bool
}

// Config controls evaluation.
type Config struct {
	Thresholds Thresholds
	Intervals  Intervals

	// EvaluateLive enables RSI zone checks on forming candles. Crossovers
	// are only taken from closed candles.
	EvaluateLive bool
}

// DefaultConfig returns default zones, a 120s repeat interval and live
// evaluation on.
func DefaultConfig() Config {
	return Config{
		Thresholds:   DefaultThresholds(),
		Intervals:    Intervals{Default: DefaultRepeatInterval},
		EvaluateLive: true,
	}
}

// Evaluator checks snapshots against every matching subscription.
type Evaluator struct {
	cfg        Config
	subs       model.SubscriptionRepository
	history    model.SignalRepository
	recipients model.RecipientRepository
	out        Enqueuer
	log        *slog.Logger
	now        func() time.Time

	// Hooks (optional)
	OnFired      func(typ model.SignalType)
	OnSuppressed func(typ model.SignalType)
}

// NewEvaluator creates an evaluator. recipients may be nil.
func NewEvaluator(cfg Config, subs model.SubscriptionRepository, history model.SignalRepository,
	recipients model.RecipientRepository, out Enqueuer, log *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:        cfg,
		subs:       subs,
		history:    history,
		recipients: recipients,
		out:        out,
		log:        log.With("component", "signal"),
		now:        time.Now,
	}
}

type candidate struct {
	typ   model.SignalType
	value float64
	cross *indicator.Crossover
}

// candidates lists the conditions present in snap.
func (e *Evaluator) candidates(snap indicator.Snapshot) []candidate {
	var out []candidate
	if snap.RSI.Ready {
		if typ, ok := e.cfg.Thresholds.Classify(snap.RSI.Value); ok {
			out = append(out, candidate{typ: typ, value: snap.RSI.Value})
		}
	}
	if snap.Live {
		return out
	}
	for i := range snap.Crosses {
		c := snap.Crosses[i]
		typ, ok := CrossType(c.Direction)
		if !ok {
			continue
		}
		out = append(out, candidate{typ: typ, value: snap.EMA[c.Pair.Short].Value, cross: &c})
	}
	return out
}

// Evaluate fires the signals present in snap for every subscriber that
// follows its series. Each fired event is recorded before it is enqueued;
// a failed record skips the send. Returns the number of events fired.
func (e *Evaluator) Evaluate(ctx context.Context, snap indicator.Snapshot) (int, error) {
	if snap.Live && !e.cfg.EvaluateLive {
		return 0, nil
	}
	cands := e.candidates(snap)
	if len(cands) == 0 {
		return 0, nil
	}

	subs, err := e.subs.LoadSubscriptions(ctx, snap.Symbol, snap.Timeframe)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions %s %s: %w", snap.Symbol, snap.Timeframe, err)
	}

	now := e.now()
	fired := 0
	for i := range subs {
		sub := &subs[i]
		if !sub.Matches(snap.Timeframe) || e.inactive(ctx, sub.SubscriberID) {
			continue
		}
		for _, c := range cands {
			ok, err := e.fire(ctx, sub.SubscriberID, snap, c, now)
			if err != nil {
				e.log.Warn("signal not sent", "subscriber", sub.SubscriberID,
					"symbol", snap.Symbol, "timeframe", snap.Timeframe, "type", c.typ, "error", err)
				continue
			}
			if ok {
				fired++
			}
		}
	}
	return fired, nil
}

func (e *Evaluator) fire(ctx context.Context, subscriber int64, snap indicator.Snapshot, c candidate, now time.Time) (bool, error) {
	last, found, err := e.history.LastSignalTime(ctx, subscriber, snap.Symbol, snap.Timeframe, c.typ)
	if err != nil {
		return false, fmt.Errorf("last signal time: %w", err)
	}
	if found && now.Sub(last) < e.cfg.Intervals.For(c.typ) {
		if e.OnSuppressed != nil {
			e.OnSuppressed(c.typ)
		}
		return false, nil
	}

	ev := model.SignalEvent{
		SubscriberID: subscriber,
		Symbol:       snap.Symbol,
		Timeframe:    snap.Timeframe,
		Type:         c.typ,
		Value:        c.value,
		Price:        snap.Price.String(),
		At:           now,
	}
	if err := e.history.RecordSignalEvent(ctx, ev); err != nil {
		return false, fmt.Errorf("record signal: %w", err)
	}

	text := Render(ev, snap, c.cross)
	if !e.out.Enqueue(subscriber, text, ActionMenu, PriorityOf(c.typ)) {
		e.log.Debug("notification not queued", "subscriber", subscriber, "type", c.typ)
	}
	if e.OnFired != nil {
		e.OnFired(c.typ)
	}
	e.log.Info("signal fired", "subscriber", subscriber, "symbol", snap.Symbol,
		"timeframe", snap.Timeframe, "type", c.typ, "value", c.value, "live", snap.Live)
	return true, nil
}

func (e *Evaluator) inactive(ctx context.Context, recipient int64) bool {
	if e.recipients == nil {
		return false
	}
	off, err := e.recipients.IsInactive(ctx, recipient)
	if err != nil {
		e.log.Warn("recipient lookup failed", "recipient", recipient, "error", err)
		return false
	}
	return off
}
