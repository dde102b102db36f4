package settlement

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a local wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClockTime parses HH:MM.
func ParseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("invalid time format: %q (expected HH:MM)", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return ClockTime{}, fmt.Errorf("invalid hour: %q", parts[0])
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return ClockTime{}, fmt.Errorf("invalid minute: %q", parts[1])
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// ParseCloseTimes parses a comma-separated HH:MM list.
func ParseCloseTimes(s string) ([]ClockTime, error) {
	var out []ClockTime
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		ct, err := ParseClockTime(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one close time is required")
	}
	return out, nil
}

// fallbackSpan is the window length used when no earlier close time is found within a day.
const fallbackSpan = 12 * time.Hour

// Schedule places window boundaries at fixed local close times.
type Schedule struct {
	Location   *time.Location
	CloseTimes []ClockTime
}

func (s Schedule) Validate() error {
	if s.Location == nil {
		return fmt.Errorf("location is required")
	}
	if len(s.CloseTimes) == 0 {
		return fmt.Errorf("at least one close time is required")
	}
	return nil
}

func (s Schedule) isClose(t time.Time) bool {
	for _, ct := range s.CloseTimes {
		if t.Hour() == ct.Hour && t.Minute() == ct.Minute {
			return true
		}
	}
	return false
}

// MostRecentClose returns the latest configured close at or before at, in local time.
func (s Schedule) MostRecentClose(at time.Time) time.Time {
	local := at.In(s.Location)
	var best time.Time
	for _, ct := range s.CloseTimes {
		today := time.Date(local.Year(), local.Month(), local.Day(), ct.Hour, ct.Minute, 0, 0, s.Location)
		for _, cand := range []time.Time{today, today.AddDate(0, 0, -1)} {
			if !cand.After(local) && cand.After(best) {
				best = cand
			}
		}
	}
	return best
}

// PreviousClose walks back minute by minute from end, up to one day, to the prior close time.
// When none is found the window falls back to a fixed span.
func (s Schedule) PreviousClose(end time.Time) time.Time {
	end = end.In(s.Location).Truncate(time.Minute)
	for mins := 1; mins <= 24*60; mins++ {
		cand := end.Add(-time.Duration(mins) * time.Minute)
		if s.isClose(cand) {
			return cand
		}
	}
	return end.Add(-fallbackSpan)
}

// Bounds returns the window containing the most recent close at or before at.
func (s Schedule) Bounds(at time.Time) (start, end time.Time) {
	end = s.MostRecentClose(at)
	return s.PreviousClose(end), end
}

// NextClose returns the first configured close strictly after at.
func (s Schedule) NextClose(at time.Time) time.Time {
	local := at.In(s.Location)
	var best time.Time
	for _, ct := range s.CloseTimes {
		today := time.Date(local.Year(), local.Month(), local.Day(), ct.Hour, ct.Minute, 0, 0, s.Location)
		for _, cand := range []time.Time{today, today.AddDate(0, 0, 1)} {
			if cand.After(local) && (best.IsZero() || cand.Before(best)) {
				best = cand
			}
		}
	}
	return best
}

// WindowID formats a window end as YYYYMMDD-HHMM in local time.
func (s Schedule) WindowID(end time.Time) string {
	return end.In(s.Location).Format("20060102-1504")
}
