package shared

import (
	"fmt"
	"time"
)

// FiscalYearStartMonth is the first month of the Indian financial year.
const FiscalYearStartMonth = time.April

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FiscalYearStart returns April 1 of the fiscal year containing t: the current
// calendar year from April onwards, the previous one for January to March.
func FiscalYearStart(t time.Time) time.Time {
	t = t.UTC()
	year := t.Year()
	if t.Month() < FiscalYearStartMonth {
		year--
	}
	return time.Date(year, FiscalYearStartMonth, 1, 0, 0, 0, 0, time.UTC)
}

// FiscalYearLabel renders the fiscal year as "2026-27".
func FiscalYearLabel(start time.Time) string {
	return fmt.Sprintf("%d-%02d", start.Year(), (start.Year()+1)%100)
}

// DaysBetween counts whole calendar days from a to b.
func DaysBetween(a, b time.Time) int {
	return int(DateOf(b).Sub(DateOf(a)).Hours() / 24)
}
