// Package schedule answers trading-calendar questions for the connector: is
// the venue open, is a date a trading day, and did a daily clearing boundary
// pass between two instants.
package schedule

import (
	"time"

	"github.com/scmhub/calendar"
)

// Schedule wraps a venue calendar identified by its MIC plus the venue's
// daily clearing time-of-day. An unknown MIC falls back to a Monday-Friday
// approximation so the data plane keeps working without holiday data.
type Schedule struct {
	cal      *calendar.Calendar
	loc      *time.Location
	open     time.Duration
	close    time.Duration
	clearing time.Duration
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithSessionHours sets the fallback session used when no venue calendar is
// available.
func WithSessionHours(open, close time.Duration) Option {
	return func(s *Schedule) {
		s.open = open
		s.close = close
	}
}

// WithLocation overrides the venue time zone for the fallback calendar.
func WithLocation(loc *time.Location) Option {
	return func(s *Schedule) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New builds a schedule for the venue MIC (ISO 10383) with the given daily
// clearing time-of-day offset from venue midnight.
func New(mic string, clearing time.Duration, opts ...Option) *Schedule {
	s := &Schedule{
		loc:      time.UTC,
		open:     10 * time.Hour,
		close:    18*time.Hour + 45*time.Minute,
		clearing: clearing,
	}
	if cal := calendar.GetCalendar(mic); cal != nil {
		s.cal = cal
		if cal.Loc != nil {
			s.loc = cal.Loc
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the venue time zone.
func (s *Schedule) Location() *time.Location { return s.loc }

// IsTradingDay reports whether the date is a venue business day.
func (s *Schedule) IsTradingDay(t time.Time) bool {
	t = t.In(s.loc)
	if s.cal != nil {
		return s.cal.IsBusinessDay(t)
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsOpen reports whether the venue trades at the given instant.
func (s *Schedule) IsOpen(t time.Time) bool {
	t = t.In(s.loc)
	if s.cal != nil {
		return s.cal.IsOpen(t)
	}
	if !s.IsTradingDay(t) {
		return false
	}
	since := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
	return since >= s.open && since < s.close
}

// clearingInstant returns the clearing boundary on t's venue date.
func (s *Schedule) clearingInstant(t time.Time) time.Time {
	t = t.In(s.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	return midnight.Add(s.clearing)
}

// CrossedClearing reports whether a trading-day clearing boundary lies in
// (prev, now]. Boundaries on non-trading days do not count, so weekends and
// holidays never flush state.
func (s *Schedule) CrossedClearing(prev, now time.Time) bool {
	if prev.IsZero() || !now.After(prev) {
		return false
	}
	for day := s.clearingInstant(prev); !day.After(s.clearingInstant(now)); day = day.AddDate(0, 0, 1) {
		if day.After(prev) && !day.After(now) && s.IsTradingDay(day) {
			return true
		}
	}
	return false
}
