package reconciler

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"portalfeed/internal/model"
)

const (
	dashboardHours    = 120
	dashboardMaxRows  = 300
	secondsPerHourMax = 3599
)

// Dashboard renders the hourly health CSV: one row per (instrument, hour)
// over the trailing 120 hours, counting stored bars by status.
type Dashboard struct {
	store       BarStore
	instruments []model.Instrument
	path        string
	log         *logrus.Entry

	now func() time.Time
}

// NewDashboard creates a dashboard writer targeting path.
func NewDashboard(store BarStore, instruments []model.Instrument, path string,
	log *logrus.Entry) *Dashboard {
	return &Dashboard{
		store:       store,
		instruments: instruments,
		path:        path,
		log:         log,
		now:         time.Now,
	}
}

// hourStats counts one hour's members by category. Precedence: error beats
// closed beats empty beats fix/late; anything unparseable is an error.
func hourStats(members []string) map[string]int {
	cnt := map[string]int{}
	for _, m := range members {
		b, err := model.DecodeBar([]byte(m))
		if err != nil {
			cnt["error"]++
			continue
		}
		switch {
		case b.Error != 0:
			cnt["error"]++
		case b.Closed != 0:
			cnt["closed"]++
		case b.Empty != 0:
			cnt["empty"]++
		case b.Fix != 0 || b.Late != 0:
			cnt["fix"]++
		default:
			cnt["ok"]++
		}
	}
	return cnt
}

// Write rebuilds the whole CSV and swaps it in atomically.
func (d *Dashboard) Write(ctx context.Context) error {
	end := d.now().UTC()
	start := end.Add(-dashboardHours * time.Hour).Truncate(time.Hour)

	tmp, err := os.CreateTemp(filepath.Dir(d.path), ".dash-*.csv")
	if err != nil {
		return fmt.Errorf("dashboard temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write([]string{"ticker", "group", "ok", "closed", "error", "fix", "empty"}); err != nil {
		tmp.Close()
		return err
	}

	for _, in := range d.instruments {
		key := in.Key()
		hour := start
		for n := 0; n < dashboardMaxRows; n++ {
			members, err := d.store.RangeByScore(ctx, key,
				hour.Unix(), hour.Unix()+secondsPerHourMax)
			if err != nil {
				tmp.Close()
				return err
			}
			stats := hourStats(members)
			row := []string{
				key,
				model.FormatWall(hour),
				strconv.Itoa(stats["ok"]),
				strconv.Itoa(stats["closed"]),
				strconv.Itoa(stats["error"]),
				strconv.Itoa(stats["fix"]),
				strconv.Itoa(stats["empty"]),
			}
			if err := w.Write(row); err != nil {
				tmp.Close()
				return err
			}
			hour = hour.Add(time.Hour)
			if hour.After(d.now().UTC()) {
				break
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), d.path); err != nil {
		return fmt.Errorf("dashboard rename: %w", err)
	}
	return nil
}
