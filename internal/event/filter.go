package event

import "time"

// Filter selects events by kind, author, recipient ("p" tag) or group routing
// tag ("h" tag). Zero fields match everything; Limit bounds result size.
type Filter struct {
	Kinds     []int
	Authors   []string
	Recipient string
	GroupWire string
	Since     time.Time
	Limit     int
}

func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.PubKey) {
		return false
	}
	if f.Recipient != "" && ev.FirstTag("p") != f.Recipient {
		return false
	}
	if f.GroupWire != "" && ev.FirstTag("h") != f.GroupWire {
		return false
	}
	if !f.Since.IsZero() && ev.CreatedAt < f.Since.Unix() {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
