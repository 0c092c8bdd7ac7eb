// Package recurrence computes the next run of weekly repeating broadcasts.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"wa-broadcast-workers/internal/models"
)

const DefaultTimezone = "Asia/Kolkata"

var (
	ErrNoWeekdays       = errors.New("recurrence: weekdays cannot be empty")
	ErrInvalidWeekday   = errors.New("recurrence: invalid weekday")
	ErrInvalidTimeOfDay = errors.New("recurrence: time of day must be HH:MM")
)

var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseWeekday accepts full English day names or their three letter prefix, any case.
func ParseWeekday(name string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if d, ok := weekdayNames[key]; ok {
		return d, nil
	}
	if len(key) == 3 {
		for full, d := range weekdayNames {
			if strings.HasPrefix(full, key) {
				return d, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidWeekday, name)
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
	}
	return t.Hour(), t.Minute(), nil
}

// Schedule builds the weekly cron schedule for the given days and time of day in loc.
func Schedule(weekdays []string, timeOfDay string, loc *time.Location) (cron.Schedule, error) {
	if len(weekdays) == 0 {
		return nil, ErrNoWeekdays
	}

	seen := map[time.Weekday]bool{}
	var days []int
	for _, name := range weekdays {
		d, err := ParseWeekday(name)
		if err != nil {
			return nil, err
		}
		if !seen[d] {
			seen[d] = true
			days = append(days, int(d))
		}
	}
	sort.Ints(days)

	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return nil, err
	}

	dow := make([]string, len(days))
	for i, d := range days {
		dow[i] = fmt.Sprint(d)
	}

	spec := fmt.Sprintf("CRON_TZ=%s %d %d * * %s", loc.String(), minute, hour, strings.Join(dow, ","))
	return parser.Parse(spec)
}

// NextRun returns, in UTC, today's timeOfDay in loc when today is one of weekdays and now
// is strictly before it; otherwise timeOfDay on the nearest following listed weekday,
// which is a week ahead when only today is listed.
func NextRun(weekdays []string, timeOfDay string, loc *time.Location, now time.Time) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := Schedule(weekdays, timeOfDay, loc)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now).UTC(), nil
}

// Scheduler resolves recurrences against a default zone and an injectable clock.
type Scheduler struct {
	location *time.Location
	now      func() time.Time
}

func NewScheduler(timezone string) (*Scheduler, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Scheduler{location: loc, now: time.Now}, nil
}

// WithClock replaces the scheduler clock, for tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) Location() *time.Location {
	return s.location
}

// Next computes the next run for rec. A recurrence timezone overrides the default zone.
func (s *Scheduler) Next(rec models.Recurrence) (time.Time, error) {
	loc := s.location
	if rec.Timezone != "" {
		l, err := time.LoadLocation(rec.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", rec.Timezone, err)
		}
		loc = l
	}
	return NextRun(rec.Days, rec.TimeOfDay, loc, s.now())
}
