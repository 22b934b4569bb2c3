// Package slots decides whether an upload may start, and keeps count of
// the upload slots in use.
package slots

import (
	"github.com/c2h5oh/datasize"

	"sphub/internal/filelist"
	"sphub/internal/sp"
)

// State is the kind of slot an upload holds.
type State int

const (
	// None means no slot was available; the upload must be refused.
	None State = iota
	// Free slots are uncounted: filelists and small files.
	Free
	// Extra slots come out of a per-nick grant.
	Extra
	// Normal slots are counted against the total.
	Normal
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Free:
		return "free"
	case Extra:
		return "extra"
	case Normal:
		return "normal"
	default:
		return "unknown"
	}
}

// DefaultFreeSizeLimit is the size below which files are always uploaded.
const DefaultFreeSizeLimit = 64 * datasize.KB

// DefaultTotal is the default number of upload slots.
const DefaultTotal = 3

// Allocator hands out upload slots, either per hub or from one global pool.
// It is owned by the engine loop and is not safe for concurrent use.
type Allocator struct {
	total     int
	global    bool
	freeLimit datasize.ByteSize
	extra     *ExtraSlots
	logger    sp.Logger

	hubUsed    map[string]*int
	globalUsed int
}

// NewAllocator returns an allocator with total slots per hub, or in total
// when global is set. extra may be nil.
func NewAllocator(total int, global bool, freeLimit datasize.ByteSize, extra *ExtraSlots, logger sp.Logger) *Allocator {
	if total < 0 {
		total = 0
	}
	return &Allocator{
		total:     total,
		global:    global,
		freeLimit: freeLimit,
		extra:     extra,
		logger:    sp.OrNop(logger),
		hubUsed:   make(map[string]*int),
	}
}

// Request asks for a slot to upload filename of size bytes to nick.
func (a *Allocator) Request(hub, nick, filename string, size uint64) State {
	if filename == "" || filelist.IsFilelist(filename) || size < a.freeLimit.Bytes() {
		a.logger.Info("allowing free upload slot", "nick", nick, "file", filename)
		return Free
	}
	if a.extra != nil && a.extra.Get(nick) > 0 {
		a.logger.Info("allowing extra upload slot", "nick", nick)
		return Extra
	}
	used := a.used(hub)
	if *used < a.total {
		*used++
		a.logger.Info("allocating upload slot", "nick", nick, "file", filename, "slots_left", a.total-*used)
		return Normal
	}
	return None
}

// Release gives back a slot obtained from Request.
func (a *Allocator) Release(hub, nick string, state State) {
	switch state {
	case Extra:
		a.logger.Info("removing extra upload slot", "nick", nick)
		if a.extra == nil {
			return
		}
		if err := a.extra.Grant(nick, -1); err != nil {
			a.logger.Warn("releasing extra slot", "nick", nick, "error", err)
		}
	case Normal:
		used := a.used(hub)
		if *used == 0 {
			// Taken before a mode switch: settle it against the other pool.
			used = a.otherPool(hub)
		}
		if *used == 0 {
			a.logger.Error("internal error: releasing an upload slot that is not in use", "hub", hub, "nick", nick)
			return
		}
		*used--
		a.logger.Info("freeing upload slot", "nick", nick, "slots_left", a.Available(hub))
	}
}

// SetTotal changes the number of slots. Lowering it below the number in
// use is allowed; slots are owed back as uploads finish.
func (a *Allocator) SetTotal(n int) {
	if n < 0 {
		a.logger.Warn("ignoring negative number of slots", "slots", n)
		return
	}
	a.total = n
}

// SetGlobal switches between one pool for all hubs and a pool per hub.
func (a *Allocator) SetGlobal(global bool) {
	a.global = global
}

// SetFreeSizeLimit changes the size below which uploads need no slot.
func (a *Allocator) SetFreeSizeLimit(limit datasize.ByteSize) {
	a.freeLimit = limit
}

// Total returns the configured number of slots.
func (a *Allocator) Total() int { return a.total }

// Global reports whether the global pool is in use.
func (a *Allocator) Global() bool { return a.global }

// Used returns the number of normal slots in use for hub, or globally.
func (a *Allocator) Used(hub string) int { return *a.used(hub) }

// Available returns the number of free normal slots for hub, never negative.
func (a *Allocator) Available(hub string) int {
	return max(0, a.total-a.Used(hub))
}

func (a *Allocator) used(hub string) *int {
	if a.global {
		return &a.globalUsed
	}
	return a.hubCounter(hub)
}

func (a *Allocator) otherPool(hub string) *int {
	if a.global {
		return a.hubCounter(hub)
	}
	return &a.globalUsed
}

func (a *Allocator) hubCounter(hub string) *int {
	n, ok := a.hubUsed[hub]
	if !ok {
		n = new(int)
		a.hubUsed[hub] = n
	}
	return n
}
