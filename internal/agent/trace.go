package agent

import (
	"maps"
	"slices"
	"time"
)

// trace 在步骤之间按值传递，每次记录都返回新的副本。
type trace struct {
	meta    Meta
	started time.Time
}

func newTrace(requestID, caseID string, started time.Time) trace {
	return trace{
		meta: Meta{
			RequestID: requestID,
			CaseID:    caseID,
			Steps:     []string{},
			Timings:   map[string]Timing{},
		},
		started: started,
	}
}

func (t trace) record(step string, start, end time.Time) trace {
	timings := maps.Clone(t.meta.Timings)
	timings[step] = Timing{StartedAt: start, EndedAt: end, DurationMS: millis(end.Sub(start))}
	t.meta.Timings = timings
	t.meta.Steps = append(slices.Clone(t.meta.Steps), step)
	return t
}

func (t trace) fail(step string, err error) trace {
	t.meta.ErrorAt = step
	t.meta.Error = errorInfo(err)
	return t
}

func (t trace) with(fn func(m *Meta)) trace {
	fn(&t.meta)
	return t
}

func (t trace) finish(end time.Time) Meta {
	m := t.meta
	m.TotalMS = millis(end.Sub(t.started))
	return m
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
