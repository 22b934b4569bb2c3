package notify

// Handler observes one event.
type Handler func(Event)

// Center delivers events synchronously to subscribed handlers, in
// subscription order. There is no acknowledgement and no retry.
//
// A Center is owned by the engine loop and is not safe for concurrent use.
type Center struct {
	byKind map[Kind][]Handler
	all    []Handler
}

func NewCenter() *Center {
	return &Center{byKind: make(map[Kind][]Handler)}
}

// Subscribe registers h for events of the given kind.
func (c *Center) Subscribe(kind Kind, h Handler) {
	c.byKind[kind] = append(c.byKind[kind], h)
}

// SubscribeAll registers h for every event.
func (c *Center) SubscribeAll(h Handler) {
	c.all = append(c.all, h)
}

// Publish delivers ev to kind subscribers first, then to catch-all
// subscribers. A nil Center drops the event.
func (c *Center) Publish(ev Event) {
	if c == nil {
		return
	}
	for _, h := range c.byKind[ev.Kind()] {
		h(ev)
	}
	for _, h := range c.all {
		h(ev)
	}
}
