package model

import (
	"fmt"
	"strings"
	"time"
)

// GroupBy selects the sub-period a year is divided into.
type GroupBy int

const (
	ByMonth GroupBy = iota
	ByWeek
)

// String returns the configuration name of the grouping.
func (g GroupBy) String() string {
	if g == ByWeek {
		return "week"
	}
	return "month"
}

// ParseGroupBy converts "month" or "week" into a GroupBy.
func ParseGroupBy(s string) (GroupBy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "month":
		return ByMonth, nil
	case "week":
		return ByWeek, nil
	default:
		return ByMonth, fmt.Errorf("invalid grouping %q: expected month or week", s)
	}
}

// WeekRule defines how weeks are numbered: the day a week starts on and the
// minimal number of days the first week of a year must have in that year.
type WeekRule struct {
	FirstDay time.Weekday
	MinDays  int
}

// ISOWeekRule is ISO 8601: weeks start on Monday, week 1 contains January 4th.
var ISOWeekRule = WeekRule{FirstDay: time.Monday, MinDays: 4}

// USWeekRule starts weeks on Sunday, week 1 contains January 1st.
var USWeekRule = WeekRule{FirstDay: time.Sunday, MinDays: 1}

// Validate checks that the rule can number weeks.
func (r WeekRule) Validate() error {
	if r.FirstDay < time.Sunday || r.FirstDay > time.Saturday {
		return fmt.Errorf("invalid first day of week: %d", r.FirstDay)
	}
	if r.MinDays < 1 || r.MinDays > 7 {
		return fmt.Errorf("minimal days in first week must be 1..7, got %d", r.MinDays)
	}
	return nil
}

// Week returns the week-based year and the week number (1..53) of the date of t
// in t's location.
func (r WeekRule) Week(t time.Time) (weekYear, week int) {
	d := civilDate(t)
	y := d.Year()

	start := r.firstWeekStart(y)
	if d.Before(start) {
		y--
		start = r.firstWeekStart(y)
	} else if next := r.firstWeekStart(y + 1); !d.Before(next) {
		y++
		start = next
	}

	days := int(d.Sub(start).Hours()+0.5) / 24
	return y, days/7 + 1
}

// firstWeekStart returns the first day of week 1 of year y.
func (r WeekRule) firstWeekStart(y int) time.Time {
	jan1 := time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(jan1.Weekday()) - int(r.FirstDay) + 7) % 7
	start := jan1.AddDate(0, 0, -offset)
	if 7-offset < r.MinDays {
		start = start.AddDate(0, 0, 7)
	}
	return start
}

// civilDate drops the clock and location of t, keeping its calendar date.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Calendar derives the stored calendar columns of a tour start.
type Calendar struct {
	Rule     WeekRule
	Location *time.Location
}

// DefaultCalendar numbers weeks by ISO 8601 in UTC.
func DefaultCalendar() Calendar {
	return Calendar{Rule: ISOWeekRule, Location: time.UTC}
}

// CalendarFields are the columns stored with a tour for grouping.
type CalendarFields struct {
	Year     int
	Month    int
	WeekYear int
	Week     int
}

// Fields computes the calendar columns of the instant t.
func (c Calendar) Fields(t time.Time) CalendarFields {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	wy, w := c.Rule.Week(lt)
	return CalendarFields{
		Year:     lt.Year(),
		Month:    int(lt.Month()),
		WeekYear: wy,
		Week:     w,
	}
}

// SubLabel formats the display label of a sub-period.
func SubLabel(g GroupBy, year, sub int) string {
	if g == ByWeek {
		return fmt.Sprintf("W%02d", sub)
	}
	if sub < 1 || sub > 12 {
		return fmt.Sprintf("%d-%02d", year, sub)
	}
	return time.Month(sub).String()[:3]
}
