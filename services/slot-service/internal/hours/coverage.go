package hours

// Window is one half-open operating window [Start, End) in whole hours.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses start and end strings. An end that parses to hour 0
// after a later start is read as midnight.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseTimeToHour(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseEndHour(end)
	if err != nil {
		return Window{}, err
	}
	if e == 0 && s > 0 {
		e = Midnight
	}
	return Window{Start: s, End: e}, nil
}

func (w Window) Contains(hour int) bool {
	return w.Start <= hour && hour < w.End
}

// Coverage is the set of serviced hours of a day.
type Coverage struct {
	hours [Midnight]bool
}

// BuildCoverage unions the hours of every window. Empty or inverted windows
// contribute nothing.
func BuildCoverage(windows []Window) Coverage {
	var c Coverage
	for _, w := range windows {
		start, end := max(w.Start, 0), min(w.End, Midnight)
		for h := start; h < end; h++ {
			c.hours[h] = true
		}
	}
	return c
}

func (c Coverage) Contains(hour int) bool {
	if hour < 0 || hour >= Midnight {
		return false
	}
	return c.hours[hour]
}

// Hours returns the covered hours in ascending order.
func (c Coverage) Hours() []int {
	var out []int
	for h, ok := range c.hours {
		if ok {
			out = append(out, h)
		}
	}
	return out
}

func (c Coverage) Empty() bool {
	for _, ok := range c.hours {
		if ok {
			return false
		}
	}
	return true
}
