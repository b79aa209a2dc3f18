package calendar

import (
	"testing"
	"time"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func checkOpen(t *testing.T, c *Calendar, code string, at time.Time, want bool) {
	t.Helper()
	got, err := c.OpenAt(code, at)
	if err != nil {
		t.Fatalf("OpenAt(%s, %v): %v", code, at, err)
	}
	if got != want {
		t.Fatalf("OpenAt(%s, %v) = %v, want %v", code, at, got, want)
	}
}

func TestEquityRegularSession(t *testing.T) {
	c := New()
	// Monday 2024-06-03, EDT (UTC-4): pre opens 04:00 ET = 08:00 UTC,
	// post closes 20:00 ET = 00:00 UTC next day.
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 3, 13, 30), true) // 09:30 ET
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 3, 7, 59), false)
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 3, 8, 0), true)
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 3, 23, 59), true)
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 4, 0, 0), false) // 20:00 ET Mon

	// NASDAQ shares the schedule
	checkOpen(t, c, CodeNASDAQ, utc(2024, time.June, 3, 13, 30), true)
}

func TestEquityWeekendAndHoliday(t *testing.T) {
	c := New()
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 1, 14, 0), false) // Saturday
	checkOpen(t, c, CodeNYSE, utc(2024, time.June, 2, 14, 0), false) // Sunday
	checkOpen(t, c, CodeNYSE, utc(2024, time.July, 4, 14, 0), false) // Independence Day
	checkOpen(t, c, CodeNYSE, utc(2024, time.July, 5, 14, 0), true)  // Friday after
}

func TestCMERateWeekdaySchedule(t *testing.T) {
	c := New()
	// Tuesday 2024-06-04, CDT (UTC-5): open through 16:00 CT = 21:00 UTC,
	// maintenance 16:00-17:00 CT, reopen 17:00 CT = 22:00 UTC.
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 4, 14, 0), true)
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 4, 20, 59), true)
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 4, 21, 0), false)  // 16:00 CT
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 4, 21, 30), false) // maintenance
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 4, 22, 0), true)   // 17:00 CT
}

func TestCMERateWeekendBoundary(t *testing.T) {
	c := New()
	// Friday 2024-06-07 closes 16:00 CT and stays closed: next day Saturday.
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 7, 20, 59), true)
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 7, 22, 0), false)
	// Saturday fully closed.
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 8, 14, 0), false)
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 8, 23, 0), false)
	// Sunday reopens 17:00 CT = 22:00 UTC because Monday trades.
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 9, 21, 0), false)
	checkOpen(t, c, CodeCMERate, utc(2024, time.June, 9, 22, 0), true)
}

func TestUnknownCode(t *testing.T) {
	c := New()
	if _, err := c.OpenAt("LSE", utc(2024, time.June, 3, 13, 30)); err == nil {
		t.Fatal("expected error for unknown calendar code")
	}
}

func TestMemoizedLookupStable(t *testing.T) {
	c := New()
	at := utc(2024, time.June, 3, 13, 30)
	for i := 0; i < 3; i++ {
		checkOpen(t, c, CodeNYSE, at, true)
		checkOpen(t, c, CodeCMERate, at, true)
	}
}
