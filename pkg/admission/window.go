package admission

import "time"

// An event belongs to the window iff At > now - window. Prune removes the
// exact complement (At <= now - window), so pruning never changes a count.

func windowCutoff(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

func inWindow(at, now time.Time, window time.Duration) bool {
	return at.After(windowCutoff(now, window))
}

type windowSummary struct {
	Count  int
	Oldest time.Time // zero when the window is empty
}

func summarizeWindow(events []RateEvent, now time.Time, window time.Duration) windowSummary {
	var w windowSummary
	for _, ev := range events {
		if !inWindow(ev.At, now, window) {
			continue
		}
		w.Count += ev.Count
		if w.Oldest.IsZero() || ev.At.Before(w.Oldest) {
			w.Oldest = ev.At
		}
	}
	return w
}

// resetAt is when the oldest counted event leaves the window. With an empty
// window it is a full window from now.
func (w windowSummary) resetAt(now time.Time, window time.Duration) time.Time {
	if w.Oldest.IsZero() {
		return now.Add(window)
	}
	return w.Oldest.Add(window)
}

func countActive(sessions []Session, now time.Time) int {
	n := 0
	for _, s := range sessions {
		if s.Status == StatusActive && s.ExpiresAt.After(now) {
			n++
		}
	}
	return n
}
