package testutil

import (
	"sphub/internal/notify"
)

// Recorder subscribes to every event of a notify.Center and keeps them in
// delivery order.
type Recorder struct {
	Events []notify.Event
}

// NewRecorder returns a Recorder attached to nc.
func NewRecorder(nc *notify.Center) *Recorder {
	r := &Recorder{}
	nc.SubscribeAll(func(ev notify.Event) {
		r.Events = append(r.Events, ev)
	})
	return r
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind notify.Kind) int {
	n := 0
	for _, ev := range r.Events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []notify.Kind {
	out := make([]notify.Kind, len(r.Events))
	for i, ev := range r.Events {
		out[i] = ev.Kind()
	}
	return out
}

// Last returns the most recent event of kind, or nil.
func (r *Recorder) Last(kind notify.Kind) notify.Event {
	for i := len(r.Events) - 1; i >= 0; i-- {
		if r.Events[i].Kind() == kind {
			return r.Events[i]
		}
	}
	return nil
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.Events = nil
}
