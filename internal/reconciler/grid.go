package reconciler

import (
	"context"
	"math"
	"time"

	"portalfeed/internal/broker"
	"portalfeed/internal/model"
)

const (
	// retention is the grid lookback window.
	retention = 3 * 24 * time.Hour

	// maxLookbackMin is the portal's cap on trailing trading minutes per
	// history request. Bad cells further back than this are not repairable.
	maxLookbackMin = 1000

	// lookbackMargin widens the history request to catch gaps hugging the
	// window edge.
	lookbackMargin = 5
)

// cell is one minute of the reconciliation grid. old is what the store holds,
// new is what the pass proposes to write.
type cell struct {
	ts   int64
	time time.Time
	dt   string
	open bool
	old  *model.Bar
	new  *model.Bar
}

// grid spans [now - 3 days, target] at minute resolution, in ascending order.
type grid struct {
	cells []*cell
	index map[int64]*cell
}

func (g *grid) at(ts int64) *cell { return g.index[ts] }

// buildGrid lays out the empty grid with the calendar verdict per minute.
func (r *Reconciler) buildGrid(code string, start, target time.Time) (*grid, error) {
	g := &grid{index: make(map[int64]*cell)}
	for t := start; !t.After(target); t = t.Add(time.Minute) {
		open, err := r.cal.OpenAt(code, t)
		if err != nil {
			return nil, err
		}
		c := &cell{
			ts:   t.Unix(),
			time: t,
			dt:   model.FormatWall(t),
			open: open,
		}
		g.cells = append(g.cells, c)
		g.index[c.ts] = c
	}
	return g, nil
}

// placeStored loads the persisted records from start onward and slots each
// into its cell. A record that fails to parse aborts the pass.
func (r *Reconciler) placeStored(ctx context.Context, key string, start time.Time, g *grid) error {
	members, err := r.store.RangeByScore(ctx, key, start.Unix(), math.MaxInt64)
	if err != nil {
		return err
	}
	for _, m := range members {
		b, err := model.DecodeBar([]byte(m))
		if err != nil {
			return &DecodeError{Key: key, Raw: m, Err: err}
		}
		t, err := model.ParseWall(b.DT)
		if err != nil {
			return &DecodeError{Key: key, Raw: m, Err: err}
		}
		if c := g.at(t.Unix()); c != nil {
			c.old = b
		}
	}
	return nil
}

// fillGaps decides the smallest sufficient history request, applies the
// returned bars to the grid, and marks calendar-closed cells. A history
// failure is logged, not fatal: the closed fill still runs and the retry loop
// comes back for the rest.
func (r *Reconciler) fillGaps(ctx context.Context, in model.Instrument, code string, g *grid) {
	// the most recent minute the exchange was open anchors the lookback
	lastOpen := r.now().UTC().Add(-10 * 24 * time.Hour)
	for _, c := range g.cells {
		if c.open {
			lastOpen = c.time
		}
	}

	// earliest repairable cell that is missing or errored
	var firstBad time.Time
	for _, c := range g.cells {
		delta := lastOpen.Sub(c.time).Minutes()
		if delta > maxLookbackMin {
			continue
		}
		if delta < 0 {
			break
		}
		if c.old == nil || c.old.Error != 0 {
			firstBad = c.time
			break
		}
	}

	if !firstBad.IsZero() {
		period := int(lastOpen.Sub(firstBad).Minutes()) + lookbackMargin
		r.log.WithField("key", in.Key()).WithField("period", period).
			Debug("requesting history")
		if r.metrics != nil {
			r.metrics.HistoryRequests.Inc()
		}
		bars, err := r.broker.History(ctx, in.Conid, period)
		if err != nil {
			if r.metrics != nil {
				r.metrics.HistoryErrors.Inc()
			}
			r.log.WithError(err).WithField("key", in.Key()).Warn("history request failed")
		} else {
			applyHistory(r.cal, code, bars, g)
		}
	}

	// calendar-closed cells that are missing or errored get a closed marker
	for _, c := range g.cells {
		if c.open {
			continue
		}
		if c.old == nil || c.old.Error != 0 {
			c.new = model.NewClosedBar(c.time)
		}
	}
}

// applyHistory walks the returned bars in order. A gap of more than one
// minute between consecutive bars means the exchange reported nothing for the
// minutes between; every such minute the calendar says open becomes an empty
// marker. Each bar that lands on a cell becomes that cell's proposal.
func applyHistory(cal Calendar, code string, bars []broker.HistoryBar, g *grid) {
	var prev time.Time
	for _, hb := range bars {
		t := time.UnixMilli(hb.T).UTC()

		if !prev.IsZero() && t.Sub(prev) > time.Minute {
			for gap := prev.Add(time.Minute); gap.Before(t); gap = gap.Add(time.Minute) {
				open, err := cal.OpenAt(code, gap)
				if err != nil || !open {
					continue
				}
				if c := g.at(gap.Unix()); c != nil {
					c.new = model.NewEmptyBar(gap)
				}
			}
		}

		if c := g.at(t.Unix()); c != nil {
			c.new = &model.Bar{
				DT:  model.FormatWall(t),
				O:   model.Float(hb.O),
				H:   model.Float(hb.H),
				L:   model.Float(hb.L),
				C:   model.Float(hb.C),
				Vol: model.Float(hb.V),
			}
		}
		prev = t
	}
}
