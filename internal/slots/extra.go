package slots

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"sphub/internal/logstore"
	"sphub/internal/notify"
	"sphub/internal/sp"
)

// ExtraLogName is the file name of the extra slots log.
const ExtraLogName = "slots2.log"

// ErrNegativeGrant is returned when a grant would leave a nick with fewer
// than zero extra slots.
var ErrNegativeGrant = errors.New("extra slots would become negative")

// ExtraSlots holds upload slots granted to specific nicks on top of the
// normal slots. Grants survive restarts.
type ExtraSlots struct {
	log    *logstore.Store
	nc     *notify.Center
	logger sp.Logger
	slots  map[string]int
	dirty  bool
}

// OpenExtraSlots loads the extra slots log from workdir.
func OpenExtraSlots(workdir string, nc *notify.Center, logger sp.Logger) (*ExtraSlots, error) {
	logger = sp.OrNop(logger)
	l, err := logstore.Open(filepath.Join(workdir, ExtraLogName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening extra slots log: %w", err)
	}
	x := &ExtraSlots{log: l, nc: nc, logger: logger, slots: make(map[string]int)}
	if err := l.Replay(x.replay); err != nil {
		l.Close()
		return nil, fmt.Errorf("loading extra slots: %w", err)
	}
	return x, nil
}

func (x *ExtraSlots) replay(rec logstore.Record) error {
	if rec.Tag != "=X" {
		return fmt.Errorf("unknown extra slots record tag %q", rec.Tag)
	}
	f, err := rec.Fields(2)
	if err != nil {
		return err
	}
	n, err := strconv.Atoi(f[1])
	if err != nil || n < 0 {
		return fmt.Errorf("invalid slot count %q for %s", f[1], f[0])
	}
	if _, ok := x.slots[f[0]]; ok {
		x.dirty = true
	}
	x.set(f[0], n)
	return nil
}

func (x *ExtraSlots) set(nick string, n int) {
	if n == 0 {
		delete(x.slots, nick)
		return
	}
	x.slots[nick] = n
}

// Get returns the number of extra slots nick has.
func (x *ExtraSlots) Get(nick string) int {
	return x.slots[nick]
}

// Grant changes the extra slots of nick by delta. Negative deltas take
// slots back; a nick never goes below zero.
func (x *ExtraSlots) Grant(nick string, delta int) error {
	n := x.slots[nick] + delta
	if n < 0 {
		return fmt.Errorf("granting %d slots to %s: %w", delta, nick, ErrNegativeGrant)
	}
	return x.Set(nick, n)
}

// Set gives nick exactly n extra slots; zero removes the grant.
func (x *ExtraSlots) Set(nick string, n int) error {
	if n < 0 {
		return fmt.Errorf("setting %d slots for %s: %w", n, nick, ErrNegativeGrant)
	}
	if err := x.log.Append("=X", nick, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("logging extra slots for %s: %w", nick, err)
	}
	if _, ok := x.slots[nick]; ok {
		x.dirty = true
	}
	x.set(nick, n)
	x.logger.Info("extra slots changed", "nick", nick, "slots", n)
	x.nc.Publish(notify.ExtraSlotGranted{Nick: nick, Slots: n})
	return nil
}

// Grant is one nick's extra slots.
type Grant struct {
	Nick  string `json:"nick"`
	Slots int    `json:"slots"`
}

// All returns every grant ordered by nick.
func (x *ExtraSlots) All() []Grant {
	out := make([]Grant, 0, len(x.slots))
	for nick, n := range x.slots {
		out = append(out, Grant{Nick: nick, Slots: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// NeedNormalize reports whether the log holds superseded grants.
func (x *ExtraSlots) NeedNormalize() bool { return x.dirty }

// Normalize rewrites the log with one record per nick.
func (x *ExtraSlots) Normalize() error {
	err := x.log.Normalize(func(w *logstore.Writer) error {
		for _, g := range x.All() {
			if _, err := w.Record("=X", g.Nick, strconv.Itoa(g.Slots)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("normalizing extra slots: %w", err)
	}
	x.dirty = false
	return nil
}

func (x *ExtraSlots) Close() error {
	return x.log.Close()
}
