// Package dateparse resolves free-text date and time phrases to concrete
// values. It implements the narrow parser contract the conversation flow
// consumes; a richer NLP parser can be swapped in behind the same surface.
package dateparse

import (
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// Parser resolves phrases relative to a clock, which tests can pin.
type Parser struct {
	Now func() time.Time
}

func (p Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// ParseNaturalDate resolves a date phrase to a calendar date (midnight,
// local to the reference clock). Understood forms: "today", "tomorrow",
// weekday names (next matching day), "2.1.2026", "02/01/2026",
// "2026-01-02". Returns ok=false when the phrase is not a date.
func (p Parser) ParseNaturalDate(text string) (time.Time, bool) {
	s := strings.ToLower(strings.TrimSpace(text))
	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	switch s {
	case "today":
		return today, true
	case "tomorrow":
		return today.AddDate(0, 0, 1), true
	}

	if wd, ok := weekdays[s]; ok {
		days := (int(wd) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return today.AddDate(0, 0, days), true
	}

	for _, layout := range []string{"2.1.2006", "02.01.2006", "2/1/2006", "02/01/2006", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTime resolves "9:00", "09:00", "21:30" or "9am"/"9:30pm".
func (p Parser) ParseTime(text string) (TimeOfDay, bool) {
	s := strings.ToLower(strings.TrimSpace(text))

	meridiem := ""
	for _, suffix := range []string{"am", "pm"} {
		if strings.HasSuffix(s, suffix) {
			meridiem = suffix
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}

	hh, mm := s, "0"
	if i := strings.IndexAny(s, ":."); i >= 0 {
		hh, mm = s[:i], s[i+1:]
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, false
	}

	switch meridiem {
	case "am":
		if h < 1 || h > 12 {
			return TimeOfDay{}, false
		}
		if h == 12 {
			h = 0
		}
	case "pm":
		if h < 1 || h > 12 {
			return TimeOfDay{}, false
		}
		if h != 12 {
			h += 12
		}
	default:
		if h < 0 || h > 23 {
			return TimeOfDay{}, false
		}
	}
	return TimeOfDay{Hour: h, Minute: m}, true
}

// Combine merges a calendar date and a time of day into one local instant.
func (p Parser) Combine(date time.Time, tod TimeOfDay) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), tod.Hour, tod.Minute, 0, 0, date.Location())
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}
