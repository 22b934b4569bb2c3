// Package tth keeps the content-hash index: which Tiger Tree Hashes are
// known, where their leaf data lives, and which local inode currently
// serves each hash.
package tth

import (
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"sphub/internal/logstore"
	"sphub/internal/sp"
)

// LogName is the file name of the TTH log inside the working directory.
const LogName = "tth2.log"

// Entry is a known hash. Leaf data stays on disk and is read on demand from
// the +T record at Offset.
type Entry struct {
	TTH    string
	Offset int64
	// ActiveInode is the inode currently serving this hash; 0 means none.
	ActiveInode uint64
}

// Inode records the hash an inode had when it was last measured.
type Inode struct {
	Inode uint64
	Mtime int64
	TTH   string
}

// Store is the TTH index. It is not safe for concurrent use.
type Store struct {
	log     *logstore.Store
	logger  sp.Logger
	entries map[string]*Entry
	inodes  map[uint64]*Inode
	byTTH   map[string]map[uint64]struct{}

	needNormalize bool
}

// Open loads the TTH index from workdir.
func Open(workdir string, logger sp.Logger) (*Store, error) {
	logger = sp.OrNop(logger)
	l, err := logstore.Open(filepath.Join(workdir, LogName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening tth log: %w", err)
	}

	s := &Store{
		log:     l,
		logger:  logger,
		entries: make(map[string]*Entry),
		inodes:  make(map[uint64]*Inode),
		byTTH:   make(map[string]map[uint64]struct{}),
	}

	if err := l.Replay(s.replay); err != nil {
		l.Close()
		return nil, fmt.Errorf("loading tth log: %w", err)
	}
	if l.Legacy() {
		s.logger.Info("converting legacy tth log", "path", l.Path())
		if err := s.Normalize(); err != nil {
			l.Close()
			return nil, err
		}
	}

	s.logger.Debug("loaded tth index", "entries", len(s.entries), "inodes", len(s.inodes))
	return s, nil
}

func (s *Store) replay(rec logstore.Record) error {
	switch rec.Tag {
	case "+T":
		f, err := rec.Fields(2)
		if err != nil {
			return err
		}
		if e, ok := s.entries[f[0]]; ok {
			e.Offset = rec.Offset
			s.needNormalize = true
			return nil
		}
		s.entries[f[0]] = &Entry{TTH: f[0], Offset: rec.Offset}
	case "+I":
		f, err := rec.Fields(3)
		if err != nil {
			return err
		}
		inode, err := strconv.ParseUint(f[0], 16, 64)
		if err != nil {
			return fmt.Errorf("+I inode: %w", err)
		}
		mtime, err := strconv.ParseInt(f[1], 16, 64)
		if err != nil {
			return fmt.Errorf("+I mtime: %w", err)
		}
		if _, ok := s.inodes[inode]; ok {
			s.needNormalize = true
		}
		s.setInode(inode, mtime, f[2])
	case "-T":
		f, err := rec.Fields(1)
		if err != nil {
			return err
		}
		delete(s.entries, f[0])
		s.needNormalize = true
	case "-I":
		f, err := rec.Fields(1)
		if err != nil {
			return err
		}
		inode, err := strconv.ParseUint(f[0], 16, 64)
		if err != nil {
			return fmt.Errorf("-I inode: %w", err)
		}
		s.dropInode(inode)
		s.needNormalize = true
	default:
		s.needNormalize = true
		return fmt.Errorf("unknown tth record tag %q", rec.Tag)
	}
	return nil
}

// Lookup returns the entry for tth, or nil.
func (s *Store) Lookup(tth string) *Entry {
	return s.entries[tth]
}

// LookupInode returns the inode record, or nil.
func (s *Store) LookupInode(inode uint64) *Inode {
	return s.inodes[inode]
}

// AddEntry records a hash and its leaf data. Existing entries are left
// untouched.
func (s *Store) AddEntry(tth string, leafdata []byte) error {
	if _, ok := s.entries[tth]; ok {
		return nil
	}
	off, err := s.log.AppendRecord("+T", tth, base64.StdEncoding.EncodeToString(leafdata))
	if err != nil {
		return fmt.Errorf("adding tth %s: %w", tth, err)
	}
	s.entries[tth] = &Entry{TTH: tth, Offset: off}
	return nil
}

// AddInode records that inode, at mtime, hashes to tth. Nothing is written
// if the inode is already recorded with the same mtime and hash.
func (s *Store) AddInode(inode uint64, mtime int64, tth string) error {
	if cur, ok := s.inodes[inode]; ok {
		if cur.Mtime == mtime && cur.TTH == tth {
			return nil
		}
		s.needNormalize = true
	}
	if err := s.log.Append("+I", formatInode(inode), strconv.FormatInt(mtime, 16), tth); err != nil {
		return fmt.Errorf("adding inode %x: %w", inode, err)
	}
	s.setInode(inode, mtime, tth)
	return nil
}

// SetActiveInode makes inode the file that serves tth. It reports false if
// tth is unknown.
func (s *Store) SetActiveInode(tth string, inode uint64) bool {
	e, ok := s.entries[tth]
	if !ok {
		return false
	}
	e.ActiveInode = inode
	return true
}

// Remove drops a hash together with every inode mapped to it.
func (s *Store) Remove(tth string) error {
	if _, ok := s.entries[tth]; !ok {
		return nil
	}
	for _, inode := range s.InodesFor(tth) {
		if err := s.RemoveInode(inode); err != nil {
			return err
		}
	}
	if err := s.log.Append("-T", tth); err != nil {
		return fmt.Errorf("removing tth %s: %w", tth, err)
	}
	delete(s.entries, tth)
	s.needNormalize = true
	return nil
}

// RemoveInode drops an inode mapping. If the inode was active for its hash
// the hash is left without an active inode until one is reassigned.
func (s *Store) RemoveInode(inode uint64) error {
	if _, ok := s.inodes[inode]; !ok {
		return nil
	}
	if err := s.log.Append("-I", formatInode(inode)); err != nil {
		return fmt.Errorf("removing inode %x: %w", inode, err)
	}
	s.dropInode(inode)
	s.needNormalize = true
	return nil
}

// LoadLeafdata reads the leaf data of tth from the log.
func (s *Store) LoadLeafdata(tth string) ([]byte, error) {
	e, ok := s.entries[tth]
	if !ok {
		return nil, fmt.Errorf("unknown tth %s", tth)
	}
	rec, err := s.log.ReadAt(e.Offset)
	if err != nil {
		return nil, fmt.Errorf("loading leaf data for %s: %w", tth, err)
	}
	f, err := rec.Fields(2)
	if err != nil {
		return nil, fmt.Errorf("loading leaf data for %s: %w", tth, err)
	}
	if rec.Tag != "+T" || f[0] != tth {
		return nil, fmt.Errorf("leaf data offset %d for %s points at %s:%s", e.Offset, tth, rec.Tag, f[0])
	}
	data, err := base64.StdEncoding.DecodeString(f[1])
	if err != nil {
		return nil, fmt.Errorf("decoding leaf data for %s: %w", tth, err)
	}
	return data, nil
}

// InodesFor returns the inodes mapped to tth in ascending order.
func (s *Store) InodesFor(tth string) []uint64 {
	set := s.byTTH[tth]
	out := make([]uint64, 0, len(set))
	for inode := range set {
		out = append(out, inode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entries returns every entry ordered by hash.
func (s *Store) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TTH < out[j].TTH })
	return out
}

// Inodes returns every inode record ordered by inode.
func (s *Store) Inodes() []Inode {
	out := make([]Inode, 0, len(s.inodes))
	for _, in := range s.inodes {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Inode < out[j].Inode })
	return out
}

// NeedNormalize reports whether the log holds tombstones or superseded
// records worth compacting.
func (s *Store) NeedNormalize() bool { return s.needNormalize }

// Normalize rewrites the log with one +T per hash and one +I per inode.
func (s *Store) Normalize() error {
	entries := s.Entries()
	offsets := make(map[string]int64, len(entries))

	err := s.log.Normalize(func(w *logstore.Writer) error {
		for _, e := range entries {
			rec, err := s.log.ReadAt(e.Offset)
			if err != nil {
				return fmt.Errorf("reading leaf data for %s: %w", e.TTH, err)
			}
			f, err := rec.Fields(2)
			if err != nil {
				return fmt.Errorf("reading leaf data for %s: %w", e.TTH, err)
			}
			off, err := w.Record("+T", e.TTH, f[1])
			if err != nil {
				return err
			}
			offsets[e.TTH] = off
		}
		for _, in := range s.Inodes() {
			if _, err := w.Record("+I", formatInode(in.Inode), strconv.FormatInt(in.Mtime, 16), in.TTH); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("normalizing tth log: %w", err)
	}

	for tth, off := range offsets {
		s.entries[tth].Offset = off
	}
	s.needNormalize = false
	return nil
}

// Close closes the log.
func (s *Store) Close() error {
	return s.log.Close()
}

func (s *Store) setInode(inode uint64, mtime int64, tth string) {
	s.dropInode(inode)
	s.inodes[inode] = &Inode{Inode: inode, Mtime: mtime, TTH: tth}
	set, ok := s.byTTH[tth]
	if !ok {
		set = make(map[uint64]struct{})
		s.byTTH[tth] = set
	}
	set[inode] = struct{}{}
}

func (s *Store) dropInode(inode uint64) {
	cur, ok := s.inodes[inode]
	if !ok {
		return
	}
	delete(s.inodes, inode)
	if set, ok := s.byTTH[cur.TTH]; ok {
		delete(set, inode)
		if len(set) == 0 {
			delete(s.byTTH, cur.TTH)
		}
	}
	if e, ok := s.entries[cur.TTH]; ok && e.ActiveInode == inode {
		e.ActiveInode = 0
	}
}

func formatInode(inode uint64) string {
	return strconv.FormatUint(inode, 16)
}
