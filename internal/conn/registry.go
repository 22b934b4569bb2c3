package conn

import (
	"sort"
	"strings"
	"time"

	"sphub/internal/notify"
	"sphub/internal/sp"
)

// Registry indexes the open connections by ID.
type Registry struct {
	conns  map[string]*Conn
	logger sp.Logger
}

func NewRegistry(logger sp.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: sp.OrNop(logger),
	}
}

// Add registers c; Close removes it again.
func (r *Registry) Add(c *Conn) {
	c.registry = r
	r.conns[c.id] = c
}

// Remove forgets c without closing it.
func (r *Registry) Remove(c *Conn) {
	if cur, ok := r.conns[c.id]; ok && cur == c {
		delete(r.conns, c.id)
	}
}

func (r *Registry) Len() int { return len(r.conns) }

// All returns the connections ordered by creation time, then ID.
func (r *Registry) All() []*Conn {
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].created.Equal(out[j].created) {
			return out[i].created.Before(out[j].created)
		}
		return out[i].id < out[j].id
	})
	return out
}

// FindByNick returns the connection to nick in direction d.
func (r *Registry) FindByNick(nick string, d Direction) *Conn {
	for _, c := range r.All() {
		if c.nick == nick && c.direction == d {
			return c
		}
	}
	return nil
}

// FindByLocalFilename returns the connection transferring filename: a queue
// target for downloads, a local path for uploads.
func (r *Registry) FindByLocalFilename(filename string) *Conn {
	for _, c := range r.All() {
		if f := c.LocalFilename(); f != "" && f == filename {
			return c
		}
	}
	return nil
}

// FindByTargetDirectory returns a connection transferring a file below dir.
func (r *Registry) FindByTargetDirectory(dir string) *Conn {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for _, c := range r.All() {
		if f := c.LocalFilename(); f != "" && strings.HasPrefix(f, prefix) {
			return c
		}
	}
	return nil
}

// CancelTransfer closes the connection transferring filename and reports
// whether there was one.
func (r *Registry) CancelTransfer(filename string) bool {
	c := r.FindByLocalFilename(filename)
	if c == nil {
		r.logger.Debug("no connection for file", "file", filename)
		return false
	}
	c.CancelTransfer()
	return true
}

// CancelDirectoryTransfers closes every connection transferring a file
// below dir. Interrupted downloads are paused so they are not restarted
// right away.
func (r *Registry) CancelDirectoryTransfers(dir string) int {
	n := 0
	for {
		c := r.FindByTargetDirectory(dir)
		if c == nil {
			return n
		}
		if c.direction == Download {
			target := c.LocalFilename()
			if err := c.env.Queue.SetPriority(target, 0); err != nil {
				r.logger.Warn("pausing target", "target", target, "error", err)
			}
		}
		c.CancelTransfer()
		n++
	}
}

// TriggerDownloads asks every idle download connection for its next item.
func (r *Registry) TriggerDownloads() {
	for _, c := range r.All() {
		if c.direction == Download && c.state == Ready {
			c.RequestDownload()
		}
	}
}

// Pump moves upload data on every busy upload connection.
func (r *Registry) Pump() {
	for _, c := range r.All() {
		c.Pump()
	}
}

// Uploading reports whether any upload is running.
func (r *Registry) Uploading() bool {
	for _, c := range r.conns {
		if c.state == Busy && c.direction == Upload {
			return true
		}
	}
	return false
}

// Sweep applies timeouts to every connection.
func (r *Registry) Sweep(now time.Time) {
	for _, c := range r.All() {
		c.Sweep(now)
	}
}

// Stats reports every running transfer.
func (r *Registry) Stats() []notify.TransferStats {
	var out []notify.TransferStats
	for _, c := range r.All() {
		if st, ok := c.Stats(); ok {
			out = append(out, st)
		}
	}
	return out
}

// CloseAll closes every connection.
func (r *Registry) CloseAll(reason string) {
	for _, c := range r.All() {
		c.Close(reason)
	}
}
