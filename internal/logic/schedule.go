package logic

import "time"

// PayoutSchedule 每周固定的打款时间
type PayoutSchedule struct {
	Weekday  time.Weekday
	Hour     int
	Minute   int
	Location *time.Location
}

// DefaultPayoutSchedule 每周五 10:00 UTC
var DefaultPayoutSchedule = PayoutSchedule{Weekday: time.Friday, Hour: 10, Location: time.UTC}

// Next 下一个打款时间，当天恰好是打款日时顺延一周，返回 UTC
func (s PayoutSchedule) Next(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)

	days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}

	next := time.Date(local.Year(), local.Month(), local.Day()+days, s.Hour, s.Minute, 0, 0, loc)
	return next.UTC()
}
