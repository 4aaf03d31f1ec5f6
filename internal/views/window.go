package views

import (
	"fmt"
	"strings"
	"time"

	"fieldcrm/internal/domain"
)

// Clock anchors calendar computations to one instant and time zone.
type Clock struct {
	Now       time.Time
	Location  *time.Location
	WeekStart time.Weekday
}

func NewClock(now time.Time, loc *time.Location) Clock {
	if loc == nil {
		loc = time.Local
	}
	return Clock{Now: now, Location: loc, WeekStart: time.Sunday}
}

func (c Clock) local(t time.Time) time.Time {
	if c.Location == nil {
		return t.In(time.Local)
	}
	return t.In(c.Location)
}

// StartOfDay is local midnight of the clock's day.
func (c Clock) StartOfDay() time.Time {
	return startOfDay(c.local(c.Now))
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDay reports whether t falls on the clock's calendar day.
func (c Clock) SameDay(t time.Time) bool {
	ay, am, ad := c.local(c.Now).Date()
	by, bm, bd := c.local(t).Date()
	return ay == by && am == bm && ad == bd
}

// Window is a named due-date filter.
type Window string

const (
	WindowAll      Window = "all"
	WindowToday    Window = "today"
	WindowUpcoming Window = "upcoming"
	WindowWeek     Window = "week"
	WindowMonth    Window = "month"
	WindowQuarter  Window = "quarter"
	WindowYear     Window = "year"
	WindowOverdue  Window = "overdue"
)

func ParseWindow(s string) (Window, error) {
	w := Window(strings.ToLower(strings.TrimSpace(s)))
	switch w {
	case "":
		return WindowAll, nil
	case WindowAll, WindowToday, WindowUpcoming, WindowWeek, WindowMonth, WindowQuarter, WindowYear, WindowOverdue:
		return w, nil
	}
	return "", fmt.Errorf("invalid date window %q", s)
}

// Period returns the half-open calendar range [start, end) of a periodic
// window. ok is false for all, upcoming and overdue.
func (c Clock) Period(w Window) (start, end time.Time, ok bool) {
	sod := c.StartOfDay()
	switch w {
	case WindowToday:
		return sod, sod.AddDate(0, 0, 1), true
	case WindowWeek:
		offset := (int(sod.Weekday()) - int(c.WeekStart) + 7) % 7
		start = sod.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7), true
	case WindowMonth:
		start = time.Date(sod.Year(), sod.Month(), 1, 0, 0, 0, 0, sod.Location())
		return start, start.AddDate(0, 1, 0), true
	case WindowQuarter:
		q := (int(sod.Month()) - 1) / 3
		start = time.Date(sod.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, sod.Location())
		return start, start.AddDate(0, 3, 0), true
	case WindowYear:
		start = time.Date(sod.Year(), time.January, 1, 0, 0, 0, 0, sod.Location())
		return start, start.AddDate(1, 0, 0), true
	}
	return time.Time{}, time.Time{}, false
}

// InWindow reports whether the task belongs to the window.
func (c Clock) InWindow(t domain.Task, w Window) bool {
	switch w {
	case "", WindowAll:
		return true
	case WindowOverdue:
		return c.IsOverdue(t)
	case WindowUpcoming:
		return !t.DueAt.Before(c.StartOfDay().AddDate(0, 0, 1))
	}
	start, end, ok := c.Period(w)
	if !ok {
		return false
	}
	due := c.local(t.DueAt)
	return !due.Before(start) && due.Before(end)
}

// IsOverdue: due strictly before today and not completed.
func (c Clock) IsOverdue(t domain.Task) bool {
	return t.Status != domain.StatusCompleted && t.DueAt.Before(c.StartOfDay())
}

// DisplayStatus labels an assigned task whose day has passed as missed.
// The stored status is left untouched.
func (c Clock) DisplayStatus(t domain.Task) domain.TaskStatus {
	if t.Status == domain.StatusAssigned && c.IsOverdue(t) {
		return domain.StatusMissed
	}
	return t.Status
}
