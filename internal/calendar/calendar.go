// Package calendar answers "was exchange X open at UTC minute T?" for the
// calendar codes used by the reconciler. Equity venues (NYSE, NASDAQ) include
// the pre and post extended sessions; CME_Rate follows the Globex
// evening-reopen schedule.
package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Calendar codes accepted by OpenAt.
const (
	CodeNYSE    = "NYSE"
	CodeNASDAQ  = "NASDAQ"
	CodeCMERate = "CME_Rate"
)

// Equity session boundaries in minutes from midnight, America/New_York.
// Pre-market opens 04:00, post-market closes 20:00; the close minute itself
// is not a trading minute.
const (
	equityOpenMinute  = 4 * 60
	equityCloseMinute = 20 * 60
)

// CME Globex rate products: close 16:00 America/Chicago, evening reopen 17:00
// when the next calendar day is a trading day.
const (
	cmeCloseMinute  = 16 * 60
	cmeReopenMinute = 17 * 60
)

var (
	newYork *time.Location
	chicago *time.Location

	codeIndex = map[string]int64{
		CodeNYSE:    1,
		CodeNASDAQ:  2,
		CodeCMERate: 3,
	}
)

func init() {
	var err error
	if newYork, err = time.LoadLocation("America/New_York"); err != nil {
		panic(fmt.Sprintf("calendar: load America/New_York: %v", err))
	}
	if chicago, err = time.LoadLocation("America/Chicago"); err != nil {
		panic(fmt.Sprintf("calendar: load America/Chicago: %v", err))
	}
}

// Calendar memoizes open-at-minute lookups. The schedule rules are a handful
// of comparisons, but the reconciler asks for every cell of a 3-day grid per
// instrument per minute, so the memo keeps long runs cheap.
type Calendar struct {
	memo *lru.Cache[int64, bool]
}

// New creates a Calendar with a bounded memo.
func New() *Calendar {
	// ~1 year of minutes across the three codes
	memo, _ := lru.New[int64, bool](1 << 19)
	return &Calendar{memo: memo}
}

// OpenAt reports whether the exchange with the given calendar code was open
// at t. t is truncated to the minute. Unknown codes are an error.
func (c *Calendar) OpenAt(code string, t time.Time) (bool, error) {
	idx, ok := codeIndex[code]
	if !ok {
		return false, fmt.Errorf("calendar: unknown code %q", code)
	}

	minute := t.UTC().Truncate(time.Minute)
	key := minute.Unix()<<2 | idx
	if open, ok := c.memo.Get(key); ok {
		return open, nil
	}

	var open bool
	switch code {
	case CodeNYSE, CodeNASDAQ:
		open = equityOpenAt(minute)
	case CodeCMERate:
		open = cmeRateOpenAt(minute)
	}

	c.memo.Add(key, open)
	return open, nil
}

// equityOpenAt covers NYSE and NASDAQ with extended sessions: Mon-Fri
// 04:00-20:00 Eastern, excluding full-day holidays.
func equityOpenAt(t time.Time) bool {
	local := t.In(newYork)
	if !isTradingDay(local) {
		return false
	}
	hm := local.Hour()*60 + local.Minute()
	return hm >= equityOpenMinute && hm < equityCloseMinute
}

// cmeRateOpenAt covers the Globex rate schedule: a trading day runs from the
// prior evening's 17:00 reopen through 16:00 Central, with the Sunday 17:00
// open starting the week.
func cmeRateOpenAt(t time.Time) bool {
	local := t.In(chicago)
	hm := local.Hour()*60 + local.Minute()

	if hm < cmeCloseMinute {
		return isTradingDay(local)
	}
	if hm >= cmeReopenMinute {
		return isTradingDay(local.AddDate(0, 0, 1))
	}
	// 16:00-17:00 maintenance break
	return false
}

// isTradingDay reports a Mon-Fri non-holiday date in its own location.
func isTradingDay(local time.Time) bool {
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !isHoliday(local)
}
