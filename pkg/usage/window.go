package usage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window maps an instant to the counting period containing it. The window
// id becomes part of the counter key, so moving into a new window means
// counting under a new key; the old key simply expires.
type Window struct {
	name  string
	start func(now time.Time) time.Time
	end   func(now time.Time) time.Time
	id    func(start time.Time) string
}

// Name is the short label used in logs and flags.
func (w Window) Name() string { return w.name }

// Start returns the first instant of the window containing now.
func (w Window) Start(now time.Time) time.Time { return w.start(now.UTC()) }

// End returns the first instant after the window containing now.
func (w Window) End(now time.Time) time.Time { return w.end(now.UTC()) }

// ID identifies the window containing now.
func (w Window) ID(now time.Time) string { return w.id(w.Start(now)) }

// Daily windows are UTC calendar days.
var Daily = Window{
	name: "daily",
	start: func(now time.Time) time.Time {
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	},
	end: func(now time.Time) time.Time {
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
	},
	id: func(start time.Time) string { return "d" + start.Format("20060102") },
}

// Monthly windows are UTC calendar months.
var Monthly = Window{
	name: "monthly",
	start: func(now time.Time) time.Time {
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	},
	end: func(now time.Time) time.Time {
		y, m, _ := now.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	},
	id: func(start time.Time) string { return "m" + start.Format("200601") },
}

// Epoch returns rolling windows of a fixed length counted from the Unix
// epoch. length is truncated to whole seconds and must be at least one.
func Epoch(length time.Duration) Window {
	length = length.Truncate(time.Second)
	if length < time.Second {
		length = time.Second
	}
	secs := int64(length / time.Second)
	start := func(now time.Time) time.Time {
		return time.Unix(now.Unix()/secs*secs, 0).UTC()
	}
	return Window{
		name:  "epoch-" + length.String(),
		start: start,
		end:   func(now time.Time) time.Time { return start(now).Add(length) },
		id: func(start time.Time) string {
			return fmt.Sprintf("e%d-%d", secs, start.Unix()/secs)
		},
	}
}

// ParseWindow returns the named window: "daily", "monthly", or a Go
// duration for an epoch window.
func ParseWindow(name string) (Window, error) {
	switch name {
	case "daily", "day":
		return Daily, nil
	case "monthly", "month":
		return Monthly, nil
	}
	d, err := time.ParseDuration(strings.TrimPrefix(name, "epoch-"))
	if err != nil || d < time.Second {
		return Window{}, fmt.Errorf("usage: unknown window %q", name)
	}
	return Epoch(d), nil
}

// WindowEnd recovers the end of a window from its id, as found in the last
// segment of a counter key. ok is false for ids it does not recognise.
func WindowEnd(id string) (end time.Time, ok bool) {
	switch {
	case strings.HasPrefix(id, "d"):
		t, err := time.Parse("20060102", id[1:])
		if err != nil {
			return time.Time{}, false
		}
		return Daily.End(t), true
	case strings.HasPrefix(id, "m"):
		t, err := time.Parse("200601", id[1:])
		if err != nil {
			return time.Time{}, false
		}
		return Monthly.End(t), true
	case strings.HasPrefix(id, "e"):
		secsText, idxText, found := strings.Cut(id[1:], "-")
		if !found {
			return time.Time{}, false
		}
		secs, err1 := strconv.ParseInt(secsText, 10, 64)
		idx, err2 := strconv.ParseInt(idxText, 10, 64)
		if err1 != nil || err2 != nil || secs <= 0 {
			return time.Time{}, false
		}
		return time.Unix((idx+1)*secs, 0).UTC(), true
	}
	return time.Time{}, false
}
