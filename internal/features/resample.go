package features

import (
	"fmt"
	"time"

	"github.com/elitesignals/elite/internal/domain"
)

// Timeframe identifies a bar length used by the multi-timeframe combiner.
type Timeframe string

const (
	Timeframe1h Timeframe = "1h"
	Timeframe1d Timeframe = "1d"
	Timeframe1w Timeframe = "1w"
)

// ParseTimeframe validates a timeframe tag.
func ParseTimeframe(s string) (Timeframe, error) {
	switch Timeframe(s) {
	case Timeframe1h, Timeframe1d, Timeframe1w:
		return Timeframe(s), nil
	default:
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
}

// Resample aggregates a base series into the requested timeframe. Daily and
// finer input passes through unchanged for its own timeframe; weekly bars
// aggregate Monday-anchored buckets (open of first bar, max high, min low,
// close of last bar, summed volume). Incomplete trailing buckets are emitted:
// the combiner treats the last bar as the in-progress period.
func Resample(bars []domain.Bar, tf Timeframe) ([]domain.Bar, error) {
	if err := domain.ValidateSeries(bars); err != nil {
		return nil, err
	}
	switch tf {
	case Timeframe1h, Timeframe1d:
		return bars, nil
	case Timeframe1w:
		return resampleWeekly(bars), nil
	default:
		return nil, fmt.Errorf("unknown timeframe %q", tf)
	}
}

func weekAnchor(ts time.Time) time.Time {
	ts = ts.UTC()
	// ISO week: Monday start.
	offset := (int(ts.Weekday()) + 6) % 7
	day := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

func resampleWeekly(bars []domain.Bar) []domain.Bar {
	if len(bars) == 0 {
		return nil
	}
	var out []domain.Bar
	current := domain.Bar{}
	var anchor time.Time
	started := false

	flush := func() {
		if started {
			out = append(out, current)
		}
	}

	for _, b := range bars {
		a := weekAnchor(b.Timestamp)
		if !started || !a.Equal(anchor) {
			flush()
			anchor = a
			current = domain.Bar{
				Timestamp: a,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			started = true
			continue
		}
		if b.High > current.High {
			current.High = b.High
		}
		if b.Low < current.Low {
			current.Low = b.Low
		}
		current.Close = b.Close
		current.Volume += b.Volume
	}
	flush()
	return out
}
