// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package capture

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeWindow restricts records to a wall-clock range within the capture's
// local day. Captures are keyed to operator shifts ("what happened between
// 02:00 and 04:30"), so the bounds are clock times, not epochs; a record
// matches when its timestamp's local time of day falls inside the window.
// Filtering is a rendering concern only: delta pairing always sees the full
// record stream.
type TimeWindow struct {
	from    int // seconds since local midnight
	to      int
	hasFrom bool
	hasTo   bool
}

// ParseClock parses a strict HH:MM:SS clock time into seconds since
// midnight.
func ParseClock(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM:SS", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM:SS", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("invalid time %q: fields out of range", s)
	}
	return h*3600 + m*60 + sec, nil
}

// NewTimeWindow builds a window from optional HH:MM:SS bounds; an empty
// bound leaves that side open.
func NewTimeWindow(from, to string) (TimeWindow, error) {
	var w TimeWindow
	if from != "" {
		secs, err := ParseClock(from)
		if err != nil {
			return TimeWindow{}, err
		}
		w.from, w.hasFrom = secs, true
	}
	if to != "" {
		secs, err := ParseClock(to)
		if err != nil {
			return TimeWindow{}, err
		}
		w.to, w.hasTo = secs, true
	}
	return w, nil
}

// Contains reports whether the epoch timestamp's local time of day falls
// inside the window. An unbounded window contains everything.
func (w TimeWindow) Contains(ts int64) bool {
	if !w.hasFrom && !w.hasTo {
		return true
	}
	t := time.Unix(ts, 0).Local()
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	if w.hasFrom && secs < w.from {
		return false
	}
	if w.hasTo && secs > w.to {
		return false
	}
	return true
}

// Bounded reports whether either side of the window is set.
func (w TimeWindow) Bounded() bool {
	return w.hasFrom || w.hasTo
}
