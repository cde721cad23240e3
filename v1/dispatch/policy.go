package dispatch

import "time"

// Clock is a time-of-day boundary for the delivery window.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

// window is the configured daytime delivery window. Outside it only
// recipients who opted into off-hours delivery are eligible.
type window struct {
	start Clock
	end   Clock
	loc   *time.Location
}

func defaultWindow() window {
	return window{start: Clock{Hour: 8}, end: Clock{Hour: 22}, loc: time.Local}
}

// contains is inclusive on both boundaries. An end boundary before the
// start describes a window wrapping past midnight.
func (w window) contains(t time.Time) bool {
	lt := t.In(w.loc)
	m := lt.Hour()*60 + lt.Minute()
	s, e := w.start.minutes(), w.end.minutes()
	if s <= e {
		return m >= s && m <= e
	}
	return m >= s || m <= e
}

// split partitions recipients by the time-window policy. The decision
// is taken once per job against a single observation of the clock, not
// re-evaluated per recipient.
func (w window) split(recipients []Recipient, now time.Time) (eligible, deferred []Recipient) {
	if w.contains(now) {
		return recipients, nil
	}
	for _, r := range recipients {
		if r.OffHoursOK {
			eligible = append(eligible, r)
		} else {
			deferred = append(deferred, r)
		}
	}
	return eligible, deferred
}
