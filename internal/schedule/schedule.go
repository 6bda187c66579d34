// Package schedule derives upcoming departure slots from a route's operating window.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStep is the departure cadence riders are shown.
const DefaultStep = 30 * time.Minute

// SlotLayout renders slots as "7:00 AM" / "12:30 PM".
const SlotLayout = "3:04 PM"

var ErrInvalidTimeFormat = errors.New("invalid time format")

// Generator computes departures for today's window. The zero value uses
// DefaultStep, the wall clock and no midnight wrap.
type Generator struct {
	Step time.Duration
	Now  func() time.Time
	// WrapMidnight moves an end time earlier than the start to the next day.
	// When false such windows produce no slots.
	WrapMidnight bool
}

// TimeSlots returns the upcoming 30-minute slots between start and end
// ("HH:MM", 24h) that are strictly later than now.
func TimeSlots(start, end string) ([]string, error) {
	return Generator{}.Slots(start, end)
}

// Slots is Departures formatted with SlotLayout.
func (g Generator) Slots(start, end string) ([]string, error) {
	deps, err := g.Departures(start, end)
	if err != nil {
		return nil, err
	}
	slots := make([]string, 0, len(deps))
	for _, d := range deps {
		slots = append(slots, d.Format(SlotLayout))
	}
	log.Debug().Str("start", start).Str("end", end).Strs("slots", slots).Msg("computed time slots")
	return slots, nil
}

// Departures returns start + k*step for k = 0,1,... up to and including end,
// keeping only instants strictly after the current time.
func (g Generator) Departures(start, end string) ([]time.Time, error) {
	sh, sm, err := ParseClock(start)
	if err != nil {
		return nil, err
	}
	eh, em, err := ParseClock(end)
	if err != nil {
		return nil, err
	}

	now := g.now()
	y, mo, d := now.Date()
	from := time.Date(y, mo, d, sh, sm, 0, 0, now.Location())
	until := time.Date(y, mo, d, eh, em, 0, 0, now.Location())
	if until.Before(from) && g.WrapMidnight {
		until = until.AddDate(0, 0, 1)
	}

	step := g.Step
	if step <= 0 {
		step = DefaultStep
	}

	var out []time.Time
	for t := from; !t.After(until); t = t.Add(step) {
		if t.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (g Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// ParseClock parses "HH:MM" (or "HH:MM:SS", seconds ignored) into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	hour, ok := clockField(parts[0], 1, 23)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q: hour", ErrInvalidTimeFormat, s)
	}
	minute, ok = clockField(parts[1], 2, 59)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q: minute", ErrInvalidTimeFormat, s)
	}
	if len(parts) == 3 {
		if _, ok := clockField(parts[2], 2, 59); !ok {
			return 0, 0, fmt.Errorf("%w: %q: second", ErrInvalidTimeFormat, s)
		}
	}
	return hour, minute, nil
}

// clockField accepts minDigits..2 decimal digits in [0, max].
func clockField(s string, minDigits, max int) (int, bool) {
	if len(s) < minDigits || len(s) > 2 {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > max {
		return 0, false
	}
	return n, true
}

// ValidClock reports whether s parses with ParseClock.
func ValidClock(s string) bool {
	_, _, err := ParseClock(s)
	return err == nil
}
