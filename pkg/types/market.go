package types

import (
	"fmt"
	"time"
)

// MarketHours answers session-timing questions in the market's timezone.
// All methods accept timestamps in any location.
type MarketHours struct {
	loc         *time.Location
	openMin     int // minutes since midnight, market time
	closeMin    int
	maxEntryMin int
	openBuffer  time.Duration
	closeBuffer time.Duration
}

// NewMarketHours compiles a MarketConfig into a session clock.
func NewMarketHours(cfg MarketConfig) (*MarketHours, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load market timezone: %w", err)
	}
	openMin, err := parseClock(cfg.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("parse open_time: %w", err)
	}
	closeMin, err := parseClock(cfg.CloseTime)
	if err != nil {
		return nil, fmt.Errorf("parse close_time: %w", err)
	}
	maxEntryMin := closeMin
	if cfg.MaxEntry != "" {
		if maxEntryMin, err = parseClock(cfg.MaxEntry); err != nil {
			return nil, fmt.Errorf("parse max_entry: %w", err)
		}
	}
	if openMin >= closeMin {
		return nil, fmt.Errorf("open_time %s is not before close_time %s", cfg.OpenTime, cfg.CloseTime)
	}
	return &MarketHours{
		loc:         loc,
		openMin:     openMin,
		closeMin:    closeMin,
		maxEntryMin: maxEntryMin,
		openBuffer:  cfg.OpenBuffer,
		closeBuffer: cfg.CloseBuffer,
	}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// OpenAt returns the session open for t's market date.
func (m *MarketHours) OpenAt(t time.Time) time.Time {
	return m.atMinute(t, m.openMin)
}

// CloseAt returns the session close for t's market date.
func (m *MarketHours) CloseAt(t time.Time) time.Time {
	return m.atMinute(t, m.closeMin)
}

func (m *MarketHours) atMinute(t time.Time, min int) time.Time {
	mt := t.In(m.loc)
	return time.Date(mt.Year(), mt.Month(), mt.Day(), min/60, min%60, 0, 0, m.loc)
}

// IsOpen reports whether t falls inside the regular session.
func (m *MarketHours) IsOpen(t time.Time) bool {
	mt := t.In(m.loc)
	if wd := mt.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !mt.Before(m.OpenAt(t)) && mt.Before(m.CloseAt(t))
}

// InOpenBuffer reports whether t is within the post-open quiet period.
func (m *MarketHours) InOpenBuffer(t time.Time) bool {
	open := m.OpenAt(t)
	mt := t.In(m.loc)
	return !mt.Before(open) && mt.Before(open.Add(m.openBuffer))
}

// InCloseBuffer reports whether t is within the pre-close force-exit window.
func (m *MarketHours) InCloseBuffer(t time.Time) bool {
	close := m.CloseAt(t)
	mt := t.In(m.loc)
	return !mt.Before(close.Add(-m.closeBuffer)) && mt.Before(close)
}

// AfterMaxEntry reports whether t is past the last permitted entry time.
func (m *MarketHours) AfterMaxEntry(t time.Time) bool {
	return !t.In(m.loc).Before(m.atMinute(t, m.maxEntryMin))
}

// SinceOpenBuffer returns how long t is past the end of the open buffer.
// Negative while still inside the buffer.
func (m *MarketHours) SinceOpenBuffer(t time.Time) time.Duration {
	return t.In(m.loc).Sub(m.OpenAt(t).Add(m.openBuffer))
}

// Day returns t's market date as YYYY-MM-DD. Daily counters key on this.
func (m *MarketHours) Day(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}

// Location exposes the market timezone.
func (m *MarketHours) Location() *time.Location {
	return m.loc
}
