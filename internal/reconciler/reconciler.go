// Package reconciler runs the per-minute bar loop: for each instrument it
// rebuilds a calendar-aligned minute grid over the trailing three days,
// compares it with the store, repairs gaps from the broker's bounded history
// endpoint, and writes corrections with provenance flags. After every minute
// it refreshes the CSV health dashboard.
package reconciler

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/broker"
	"portalfeed/internal/metrics"
	"portalfeed/internal/model"
	"portalfeed/internal/store/sqlite"
)

const (
	// instrumentTimeout bounds one instrument's reconciliation within the
	// minute.
	instrumentTimeout = 10 * time.Second

	// retrySleep between failed attempts for the same instrument.
	retrySleep = 3 * time.Second
)

// BarStore is the slice of the store the reconciler reads and writes.
type BarStore interface {
	RangeByScore(ctx context.Context, key string, lo, hi int64) ([]string, error)
	RemoveByScore(ctx context.Context, key string, lo, hi int64) error
	Add(ctx context.Context, key, member string, score int64) error
	Publish(ctx context.Context, channel, payload string) error
}

// HistorySource fetches trailing minute bars.
type HistorySource interface {
	History(ctx context.Context, conid int64, periodMin int) ([]broker.HistoryBar, error)
}

// Calendar answers minute-resolution open/closed per calendar code.
type Calendar interface {
	OpenAt(code string, t time.Time) (bool, error)
}

// Reconciler owns the minute loop.
type Reconciler struct {
	store       BarStore
	broker      HistorySource
	cal         Calendar
	instruments []model.Instrument
	codes       map[string]string // exchange -> calendar code
	dash        *Dashboard
	journal     *sqlite.Journal
	metrics     *metrics.Metrics
	log         *logrus.Entry

	// swapped out in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a reconciler. dash, journal and metrics may be nil.
func New(store BarStore, hist HistorySource, cal Calendar,
	instruments []model.Instrument, codes map[string]string,
	dash *Dashboard, journal *sqlite.Journal, m *metrics.Metrics,
	log *logrus.Entry) *Reconciler {

	return &Reconciler{
		store:       store,
		broker:      hist,
		cal:         cal,
		instruments: instruments,
		codes:       codes,
		dash:        dash,
		journal:     journal,
		metrics:     m,
		log:         log,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Run fires once per wall-clock minute, a few seconds in so the broker has
// the previous minute's bar ready, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	var prevMinute time.Time
	for ctx.Err() == nil {
		now := r.now().UTC()
		minute := now.Truncate(time.Minute)
		if minute.Equal(prevMinute) || now.Second() <= 10 {
			r.sleep(ctx, time.Second)
			continue
		}
		prevMinute = minute

		r.runMinute(ctx, now)

		if r.dash != nil {
			if err := r.dash.Write(ctx); err != nil {
				r.log.WithError(err).Warn("dashboard write failed")
			}
		}
		r.log.WithField("minute", model.FormatWall(minute)).Info("minute pass complete")
	}
	r.log.Info("reconciler stopped")
}

// runMinute reconciles every instrument for target = start's minute - 1.
// Instruments are shuffled so one stuck instrument cannot starve the same
// tail every minute. The pass abandons everything left when the wall clock
// rolls into the next minute.
func (r *Reconciler) runMinute(ctx context.Context, start time.Time) {
	startMinute := start.Truncate(time.Minute)
	target := startMinute.Add(-time.Minute)

	ins := make([]model.Instrument, len(r.instruments))
	copy(ins, r.instruments)
	rand.Shuffle(len(ins), func(i, j int) { ins[i], ins[j] = ins[j], ins[i] })

	for _, in := range ins {
		if ctx.Err() != nil {
			return
		}
		if rolledOver := r.reconcileInstrument(ctx, in, target, startMinute); rolledOver {
			return
		}
	}
}

// reconcileInstrument retries one instrument until done, deadline, or minute
// rollover. Reports whether the minute rolled over, which abandons the whole
// pass.
func (r *Reconciler) reconcileInstrument(ctx context.Context, in model.Instrument,
	target, startMinute time.Time) (rolledOver bool) {

	log := r.log.WithField("key", in.Key())
	attemptStart := r.now()
	deadline := attemptStart.Add(instrumentTimeout)

	rec := sqlite.PassRecord{Key: in.Key(), TargetTS: target.Unix()}
	defer func() {
		rec.Duration = r.now().Sub(attemptStart)
		r.journal.Record(rec)
		if r.metrics != nil {
			r.metrics.ReconcileDur.Observe(rec.Duration.Seconds())
		}
	}()

	for {
		done, err := r.updateInstrument(ctx, in, target)
		if err != nil {
			log.WithError(err).Warn("reconciliation attempt failed")
		}
		if done {
			rec.Done = true
			return false
		}
		if ctx.Err() != nil {
			return true
		}

		now := r.now().UTC()
		if !now.Truncate(time.Minute).Equal(startMinute) {
			log.Error("minute rolled over, abandoning pass")
			r.writeErrorBar(ctx, in, target, model.ErrCodeRollover)
			rec.ErrorCode = model.ErrCodeRollover
			if r.metrics != nil {
				r.metrics.MinuteRollovers.Inc()
			}
			return true
		}
		if now.After(deadline) {
			log.Error("instrument deadline exceeded")
			r.writeErrorBar(ctx, in, target, model.ErrCodeDeadline)
			rec.ErrorCode = model.ErrCodeDeadline
			if r.metrics != nil {
				r.metrics.InstrumentDeadlines.Inc()
			}
			return false
		}
		r.sleep(ctx, retrySleep)
	}
}

// updateInstrument runs one full grid pass: build, load, fill, diff. Done
// means the target minute now has a proposed bar or already holds a clean
// one; an absent stored record is never done.
func (r *Reconciler) updateInstrument(ctx context.Context, in model.Instrument,
	target time.Time) (bool, error) {

	code, ok := r.codes[in.Exchange]
	if !ok {
		code = in.Exchange
	}

	start := r.now().UTC().Truncate(time.Minute).Add(-retention)
	g, err := r.buildGrid(code, start, target)
	if err != nil {
		return false, err
	}
	if err := r.placeStored(ctx, in.Key(), start, g); err != nil {
		return false, err
	}

	r.fillGaps(ctx, in, code, g)

	if err := r.diff(ctx, in, g, target); err != nil {
		return false, err
	}

	c := g.at(target.Unix())
	if c == nil {
		return false, nil
	}
	done := c.new != nil || (c.old != nil && c.old.Error == 0)
	return done, nil
}

// diff walks the grid in order and writes every cell whose proposal differs
// from the stored record. Replacements of an existing bar carry fix=1; bars
// written for minutes already past carry late=1.
func (r *Reconciler) diff(ctx context.Context, in model.Instrument, g *grid,
	target time.Time) error {

	targetTS := target.Unix()
	for _, c := range g.cells {
		if c.old != nil {
			if c.new == nil {
				continue
			}
			stripped := c.old.Stripped()
			if c.new.Equal(&stripped) {
				continue
			}
			nb := *c.new
			nb.Fix = 1
			if err := r.replaceData(ctx, in, &nb, c.ts); err != nil {
				return err
			}
			continue
		}
		if c.new != nil {
			nb := *c.new
			if c.ts < targetTS {
				nb.Late = 1
			}
			if err := r.replaceData(ctx, in, &nb, c.ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// replaceData swaps the record at ts and announces the write. The two-step
// remove+add is safe because the reconciler is the only bar writer per key.
func (r *Reconciler) replaceData(ctx context.Context, in model.Instrument,
	b *model.Bar, ts int64) error {

	key := in.Key()
	member := string(b.Encode())
	r.log.WithFields(logrus.Fields{"key": key, "ts": ts, "bar": member}).Debug("write bar")

	if err := r.store.RemoveByScore(ctx, key, ts, ts); err != nil {
		return err
	}
	if err := r.store.Add(ctx, key, member, ts); err != nil {
		return err
	}

	msg := model.BarMessage{Bar: *b, Conid: in.Conid, Symbol: in.Name()}
	if err := r.store.Publish(ctx, in.BarsChannel(), string(msg.Encode())); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.BarsWritten.WithLabelValues(barFlag(b)).Inc()
	}
	return nil
}

// writeErrorBar records an error marker at the target minute. Store failures
// here are logged only; the next minute's pass will see the hole and repair.
func (r *Reconciler) writeErrorBar(ctx context.Context, in model.Instrument,
	target time.Time, code int) {

	b := model.NewErrorBar(target, code)
	if err := r.replaceData(ctx, in, b, target.Unix()); err != nil {
		r.log.WithError(err).WithField("key", in.Key()).Error("error bar write failed")
	}
}

// barFlag classifies a bar for metrics, with the dashboard's precedence.
func barFlag(b *model.Bar) string {
	switch {
	case b.Error != 0:
		return "error"
	case b.Closed != 0:
		return "closed"
	case b.Empty != 0:
		return "empty"
	case b.Fix != 0:
		return "fix"
	case b.Late != 0:
		return "late"
	}
	return "ok"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
