package queue

import (
	"sort"
	"time"

	"golang.org/x/time/rate"

	"sphub/internal/sp"
)

// DefaultConnectInterval is the minimum time between two connection
// attempts to the same nick.
const DefaultConnectInterval = 60 * time.Second

// ConnectTrigger asks for connections to nicks that have queued work,
// at most once per interval and nick.
type ConnectTrigger struct {
	q        *Queue
	clock    sp.Clock
	interval time.Duration
	limiters map[string]*rate.Limiter
}

// NewConnectTrigger returns a trigger over q. A non-positive interval
// means DefaultConnectInterval.
func NewConnectTrigger(q *Queue, interval time.Duration, clock sp.Clock) *ConnectTrigger {
	if interval <= 0 {
		interval = DefaultConnectInterval
	}
	if clock == nil {
		clock = sp.RealClock{}
	}
	return &ConnectTrigger{
		q:        q,
		clock:    clock,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Interval returns the current minimum reconnect interval.
func (c *ConnectTrigger) Interval() time.Duration { return c.interval }

// SetInterval changes the minimum reconnect interval for every nick.
func (c *ConnectTrigger) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultConnectInterval
	}
	c.interval = d
	now := c.clock.Now()
	for _, l := range c.limiters {
		l.SetLimitAt(now, rate.Every(d))
	}
}

// Forget drops the rate limit state of nick, so the next Run may connect
// immediately.
func (c *ConnectTrigger) Forget(nick string) {
	delete(c.limiters, nick)
}

// Candidates returns the nicks with a queued filelist that is not active or
// a source for a target that is neither active nor paused, sorted.
func (c *ConnectTrigger) Candidates() []string {
	set := make(map[string]struct{})
	for nick, f := range c.q.filelists {
		if !f.Active() {
			set[nick] = struct{}{}
		}
	}
	for nick, byTarget := range c.q.byNick {
		for target := range byTarget {
			t, ok := c.q.targets[target]
			if ok && !t.Active() && t.Priority > 0 {
				set[nick] = struct{}{}
				break
			}
		}
	}
	return sortedKeys(set)
}

// Run calls connect for every candidate nick whose interval has passed and
// returns how many were attempted. A nick whose connect fails is retried on
// the next Run.
func (c *ConnectTrigger) Run(connect func(nick string) error) int {
	now := c.clock.Now()
	candidates := c.Candidates()
	attempted := 0
	for _, nick := range candidates {
		l, ok := c.limiters[nick]
		if !ok {
			l = rate.NewLimiter(rate.Every(c.interval), 1)
			c.limiters[nick] = l
		}
		if !l.AllowN(now, 1) {
			continue
		}
		attempted++
		if err := connect(nick); err != nil {
			c.q.logger.Info("connect attempt failed", "nick", nick, "error", err)
			delete(c.limiters, nick)
		}
	}
	c.prune(now, candidates)
	return attempted
}

// prune drops limiters of nicks without work that have fully recovered;
// keeping them would not change any future decision.
func (c *ConnectTrigger) prune(now time.Time, candidates []string) {
	for nick, l := range c.limiters {
		i := sort.SearchStrings(candidates, nick)
		if i < len(candidates) && candidates[i] == nick {
			continue
		}
		if l.TokensAt(now) >= 1 {
			delete(c.limiters, nick)
		}
	}
}
