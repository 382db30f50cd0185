// Package market knows when the KRX trades and whether the indices are
// trending up.
package market

import "time"

// krxHolidays lists KRX closure days for the years the table covers.
// Dates outside covered years fall back to the weekday rule only.
var krxHolidays = map[string]bool{
	// 2025
	"2025-01-01": true, // New Year
	"2025-01-27": true, // Seollal eve (temporary holiday)
	"2025-01-28": true, "2025-01-29": true, "2025-01-30": true, // Seollal
	"2025-03-03": true, // Independence Movement Day in lieu
	"2025-05-01": true, // Labor Day
	"2025-05-05": true, // Children's Day / Buddha's Birthday
	"2025-05-06": true, // in lieu
	"2025-06-03": true, // presidential election
	"2025-06-06": true, // Memorial Day
	"2025-08-15": true, // Liberation Day
	"2025-10-03": true, // National Foundation Day
	"2025-10-06": true, "2025-10-07": true, "2025-10-08": true, // Chuseok
	"2025-10-09": true, // Hangul Day
	"2025-12-25": true, // Christmas
	"2025-12-31": true, // year-end closure
	// 2026
	"2026-01-01": true,
	"2026-02-16": true, "2026-02-17": true, "2026-02-18": true, // Seollal
	"2026-03-02": true, // Independence Movement Day in lieu
	"2026-05-01": true, // Labor Day
	"2026-05-05": true, // Children's Day
	"2026-05-25": true, // Buddha's Birthday in lieu
	"2026-08-17": true, // Liberation Day in lieu
	"2026-09-24": true, "2026-09-25": true, // Chuseok
	"2026-10-05": true, // Chuseok in lieu
	"2026-10-09": true, // Hangul Day
	"2026-12-25": true,
	"2026-12-31": true, // year-end closure
}

// IsTradingDay reports whether the KRX is open on the given day.
func IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !krxHolidays[t.Format("2006-01-02")]
}

// minuteOfDay converts a clock time to minutes since midnight.
func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func inWindow(t time.Time, fromH, fromM, toH, toM int) bool {
	m := minuteOfDay(t)
	return m >= fromH*60+fromM && m <= toH*60+toM
}

// IsOpen reports whether the regular session is running, 09:00 through
// 15:20 on trading days.
func IsOpen(t time.Time) bool {
	return IsTradingDay(t) && inWindow(t, 9, 0, 15, 20)
}

// InOpeningProtection reports the 08:50 to 09:10 window where server
// balance data lags and local positions must not be dropped.
func InOpeningProtection(t time.Time) bool {
	return inWindow(t, 8, 50, 9, 10)
}

// InDaySafeWindow reports the 08:30 to 16:30 window outside which server
// reconciliation is unreliable.
func InDaySafeWindow(t time.Time) bool {
	return inWindow(t, 8, 30, 16, 30)
}

// InCloseLiquidation reports the 15:10 to 15:19 end-of-day pass window.
func InCloseLiquidation(t time.Time) bool {
	return IsTradingDay(t) && inWindow(t, 15, 10, 15, 19)
}

// InMorningPass reports the 09:00 to 09:02 overnight handling window.
func InMorningPass(t time.Time) bool {
	return IsTradingDay(t) && inWindow(t, 9, 0, 9, 2)
}

// InReportWindow reports the 15:40 to 15:49 daily report window.
func InReportWindow(t time.Time) bool {
	return IsTradingDay(t) && inWindow(t, 15, 40, 15, 49)
}

// PastOpeningGuard reports whether the first 30 seconds after the bell
// have elapsed, when opening auction prices are still settling.
func PastOpeningGuard(t time.Time) bool {
	if minuteOfDay(t) > 9*60 {
		return true
	}
	if minuteOfDay(t) < 9*60 {
		return false
	}
	return t.Second() >= 30
}
