package market

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // exchange timezones on hosts without a zoneinfo database

	"github.com/atmx/equities-sim/internal/config"
)

var ErrInvalidHours = errors.New("market: invalid trading hours")

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Hours decides whether the market is open at a given instant.
type Hours struct {
	always bool
	loc    *time.Location
	open   int // minutes after midnight, inclusive
	close  int // exclusive
	days   map[time.Weekday]bool
}

// NewHours parses trading hours from configuration.
func NewHours(cfg config.Hours) (*Hours, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidHours, cfg.Timezone, err)
		}
		loc = l
	}
	if cfg.AlwaysOpen {
		return &Hours{always: true, loc: loc}, nil
	}

	open, err := clockMinutes(cfg.Open)
	if err != nil {
		return nil, err
	}
	closeAt, err := clockMinutes(cfg.Close)
	if err != nil {
		return nil, err
	}
	if open >= closeAt {
		return nil, fmt.Errorf("%w: open %s is not before close %s", ErrInvalidHours, cfg.Open, cfg.Close)
	}

	days := make(map[time.Weekday]bool, len(cfg.Weekdays))
	for _, name := range cfg.Weekdays {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: weekday %q", ErrInvalidHours, name)
		}
		days[wd] = true
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("%w: no trading weekdays", ErrInvalidHours)
	}
	return &Hours{loc: loc, open: open, close: closeAt, days: days}, nil
}

// IsOpen reports whether t falls inside a trading window.
func (h *Hours) IsOpen(t time.Time) bool {
	if h.always {
		return true
	}
	local := t.In(h.loc)
	if !h.days[local.Weekday()] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	return m >= h.open && m < h.close
}

// Location is the exchange timezone; session dates are cut in it.
func (h *Hours) Location() *time.Location {
	return h.loc
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: time of day %q", ErrInvalidHours, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
