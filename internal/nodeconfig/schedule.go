package nodeconfig

import (
	"encoding/json"
	"fmt"
	"time"
)

// span is one active window inside a week: a weekday (0 = Monday) plus a
// half-open minute range within that day.
type span struct {
	Day    int `json:"day"`
	StartM int `json:"start"`
	EndM   int `json:"end"`
}

type scheduleSpec struct {
	Name  string `json:"name"`
	Spans []span `json:"spans"`
}

// scheduleSet is the __schedules table shipped alongside the config
// values. Schedule options reference entries by index.
type scheduleSet struct {
	Schedules []scheduleSpec `json:"schedules"`
}

// ExpandedSchedule is a schedule option resolved against the schedule
// table of its config.
type ExpandedSchedule struct {
	always bool
	never  bool
	name   string
	spans  []span
}

// newExpandedSchedule resolves one schedule option value. The value is
// either the literal "always"/"never" or an index into the set.
func newExpandedSchedule(raw json.RawMessage, set *scheduleSet) (ExpandedSchedule, error) {
	var literal string
	if err := json.Unmarshal(raw, &literal); err == nil {
		switch literal {
		case "always":
			return ExpandedSchedule{always: true, name: literal}, nil
		case "never":
			return ExpandedSchedule{never: true, name: literal}, nil
		default:
			return ExpandedSchedule{}, fmt.Errorf("unknown schedule literal %q", literal)
		}
	}

	var index int
	if err := json.Unmarshal(raw, &index); err != nil {
		return ExpandedSchedule{}, fmt.Errorf("malformed schedule value: %w", err)
	}
	if set == nil || index < 0 || index >= len(set.Schedules) {
		return ExpandedSchedule{}, fmt.Errorf("schedule index %d out of range", index)
	}
	spec := set.Schedules[index]
	return ExpandedSchedule{name: spec.Name, spans: spec.Spans}, nil
}

// Name returns the schedule's display name.
func (s ExpandedSchedule) Name() string {
	return s.name
}

// IsActiveAt reports whether the schedule covers the given local time.
func (s ExpandedSchedule) IsActiveAt(t time.Time) bool {
	if s.always {
		return true
	}
	if s.never {
		return false
	}
	// time.Weekday starts the week on Sunday, spans on Monday.
	day := (int(t.Weekday()) + 6) % 7
	minute := t.Hour()*60 + t.Minute()
	for _, span := range s.spans {
		if span.Day == day && span.StartM <= minute && minute < span.EndM {
			return true
		}
	}
	return false
}
