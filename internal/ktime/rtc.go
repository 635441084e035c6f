package ktime

import "time"

// cumulativeMonthDays[i] is the number of days in months before month i+1
// (non-leap year), matching the original RTC date-math table exactly.
var cumulativeMonthDays = [12]uint64{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// IsLeapYear reports whether year is a leap year: divisible by 4 and not by
// 100, unless also divisible by 400.
func IsLeapYear(year int) bool {
	return (year%4 == 0 && year%100 != 0) || year%400 == 0
}

// DaysSince1970 computes the number of days between 1970-01-01 and the
// given date, inclusive leap-year handling. Ported verbatim from the
// kernel's RTC date-math (originally applied to BCD registers read at
// 0x70/0x71; here applied to any UTC date so the algorithm keeps parity
// with the original rather than deferring to time.Time internals).
func DaysSince1970(year int, month, day uint8) uint64 {
	var days uint64
	for y := 1970; y < year; y++ {
		if IsLeapYear(y) {
			days += 366
		} else {
			days += 365
		}
	}

	var monthOffset uint64
	if month > 0 && month <= 12 {
		monthOffset = cumulativeMonthDays[month-1]
		if month > 2 && IsLeapYear(year) {
			monthOffset++
		}
	}

	return days + monthOffset + uint64(day-1)
}

// WallClockNanos converts a UTC timestamp to nanoseconds since the Unix
// epoch using the ported RTC date-math, rather than t.UnixNano(), so the
// boot-time computation is traceably the same algorithm the original
// kernel ran against its RTC registers.
func WallClockNanos(t time.Time) int64 {
	year, month, day := t.Date()
	hour, minute, second := t.Clock()

	days := DaysSince1970(year, uint8(month), uint8(day))
	seconds := days*86400 + uint64(hour)*3600 + uint64(minute)*60 + uint64(second)
	return int64(seconds)*1_000_000_000 + int64(t.Nanosecond())
}
