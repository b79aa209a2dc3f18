package calendar

import "time"

// Full-day US market holidays, 2024-2026. NYSE, NASDAQ and the CME rate
// complex share this table; early-close days trade as normal days here.
// Source: exchange holiday circulars.
var usHolidays = []struct {
	year  int
	month time.Month
	day   int
}{
	{2024, time.January, 1},   // New Year's Day
	{2024, time.January, 15},  // Martin Luther King Jr. Day
	{2024, time.February, 19}, // Washington's Birthday
	{2024, time.March, 29},    // Good Friday
	{2024, time.May, 27},      // Memorial Day
	{2024, time.June, 19},     // Juneteenth
	{2024, time.July, 4},      // Independence Day
	{2024, time.September, 2}, // Labor Day
	{2024, time.November, 28}, // Thanksgiving
	{2024, time.December, 25}, // Christmas

	{2025, time.January, 1},   // New Year's Day
	{2025, time.January, 20},  // Martin Luther King Jr. Day
	{2025, time.February, 17}, // Washington's Birthday
	{2025, time.April, 18},    // Good Friday
	{2025, time.May, 26},      // Memorial Day
	{2025, time.June, 19},     // Juneteenth
	{2025, time.July, 4},      // Independence Day
	{2025, time.September, 1}, // Labor Day
	{2025, time.November, 27}, // Thanksgiving
	{2025, time.December, 25}, // Christmas

	{2026, time.January, 1},   // New Year's Day
	{2026, time.January, 19},  // Martin Luther King Jr. Day
	{2026, time.February, 16}, // Washington's Birthday
	{2026, time.April, 3},     // Good Friday
	{2026, time.May, 25},      // Memorial Day
	{2026, time.June, 19},     // Juneteenth
	{2026, time.July, 3},      // Independence Day (observed)
	{2026, time.September, 7}, // Labor Day
	{2026, time.November, 26}, // Thanksgiving
	{2026, time.December, 25}, // Christmas
}

// pre-computed for fast lookup, keyed year*10000 + month*100 + day
var holidaySet map[int]bool

func init() {
	holidaySet = make(map[int]bool, len(usHolidays))
	for _, h := range usHolidays {
		holidaySet[h.year*10000+int(h.month)*100+h.day] = true
	}
}

// isHoliday checks the date of local (already in the exchange's location).
func isHoliday(local time.Time) bool {
	return holidaySet[local.Year()*10000+int(local.Month())*100+local.Day()]
}
