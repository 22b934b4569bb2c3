package share

import (
	"path/filepath"

	"sphub/internal/fs"
	"sphub/internal/notify"
)

// DirsPerStep bounds how many directories one Step expands, so a large
// tree never blocks the event loop for long.
const DirsPerStep = 5

// Class is the outcome of classifying a scanned file.
type Class int

const (
	Unhashed Class = iota
	Hashed
	Duplicate
)

func (c Class) String() string {
	switch c {
	case Hashed:
		return "hashed"
	case Duplicate:
		return "duplicate"
	default:
		return "unhashed"
	}
}

type scanState struct {
	mp    *Mountpoint
	stack []string
}

// Scanning reports whether a scan is in progress or queued.
func (s *Share) Scanning() bool {
	return s.scan != nil || len(s.pending) > 0
}

// Rescan queues every mountpoint for a fresh scan.
func (s *Share) Rescan() {
	for _, mp := range s.mountpoints {
		s.queueScan(mp)
	}
}

func (s *Share) queueScan(mp *Mountpoint) {
	if s.scan != nil && s.scan.mp == mp {
		return
	}
	for _, p := range s.pending {
		if p == mp {
			return
		}
	}
	s.pending = append(s.pending, mp)
	mp.Scanning = true
}

func (s *Share) dropPending(mp *Mountpoint) {
	out := s.pending[:0]
	for _, p := range s.pending {
		if p != mp {
			out = append(out, p)
		}
	}
	s.pending = out
}

// Step expands at most DirsPerStep directories of the current scan. It
// returns false once no scan is left.
func (s *Share) Step() bool {
	if s.scan == nil {
		if len(s.pending) == 0 {
			return false
		}
		mp := s.pending[0]
		s.pending = s.pending[1:]
		s.clearFiles(mp)
		s.scan = &scanState{mp: mp, stack: []string{mp.Path}}
		s.logger.Info("scanning", "path", mp.Path)
	}

	for i := 0; i < DirsPerStep && len(s.scan.stack) > 0; i++ {
		n := len(s.scan.stack) - 1
		dir := s.scan.stack[n]
		s.scan.stack = s.scan.stack[:n]
		s.scanDir(s.scan.mp, dir)
	}

	if len(s.scan.stack) == 0 {
		mp := s.scan.mp
		s.scan = nil
		mp.Scanning = false
		s.stale = true
		s.logger.Info("scan finished", "path", mp.Path, "stats", mp.Stats)
		s.nc.Publish(notify.ScanFinished{Path: mp.Path})
	}
	return s.Scanning()
}

func (s *Share) scanDir(mp *Mountpoint, dir string) {
	if s.inIncomplete(dir) {
		s.logger.Info("skipping incomplete directory", "path", dir)
		return
	}
	entries, errs, err := s.fsys.ReadDir(dir)
	if err != nil {
		s.logger.Warn("cannot scan directory", "path", dir, "error", err)
		return
	}
	for _, err := range errs {
		s.logger.Warn("cannot stat file", "error", err)
	}

	// Push in reverse so subdirectories pop in name order.
	var subdirs []string
	for _, e := range entries {
		if fs.Reserved(e.Name) {
			continue
		}
		rel, err := filepath.Rel(mp.Path, e.Path)
		if err == nil && s.ignore.Match(rel) {
			continue
		}
		switch {
		case e.IsDir():
			subdirs = append(subdirs, e.Path)
		case e.IsRegular() && e.Size > 0:
			s.addScanned(mp, e)
		}
	}
	for i := len(subdirs) - 1; i >= 0; i-- {
		s.scan.stack = append(s.scan.stack, subdirs[i])
	}
}

func (s *Share) addScanned(mp *Mountpoint, e fs.File) {
	f := &File{Path: e.Path, Size: uint64(e.Size), Mtime: e.Mtime, Inode: e.Inode, mp: mp}
	mp.Stats.TotalFiles++
	mp.Stats.TotalSize += f.Size

	class, hash := s.classify(e)
	f.TTH = hash
	s.insert(f, class)
}

func (s *Share) insert(f *File, class Class) {
	switch class {
	case Hashed:
		s.hashed[f.Path] = f
		s.byInode[f.Inode] = f
		f.mp.Stats.HashedFiles++
		f.mp.Stats.HashedSize += f.Size
	case Duplicate:
		s.duplicates[f.Path] = f
		f.mp.Stats.Duplicates++
		f.mp.Stats.DuplicateSize += f.Size
	default:
		f.TTH = ""
		s.unhashed[f.Path] = f
	}
}

// classify decides from the TTH index whether a file can be served as is,
// shadows another file with the same content, or must be hashed. Stale
// index records found on the way are dropped.
func (s *Share) classify(e fs.File) (Class, string) {
	if s.tths == nil {
		return Unhashed, ""
	}
	in := s.tths.LookupInode(e.Inode)
	if in == nil {
		return Unhashed, ""
	}
	hash := in.TTH
	entry := s.tths.Lookup(hash)
	if entry == nil {
		s.logger.Debug("inode points at unknown tth", "path", e.Path, "tth", hash)
		s.dropInode(e.Inode)
		return Unhashed, ""
	}

	if in.Mtime != e.Mtime.Unix() {
		s.logger.Debug("file modified since hashed", "path", e.Path)
		if entry.ActiveInode == e.Inode {
			if err := s.tths.Remove(hash); err != nil {
				s.logger.Error("dropping stale tth", "tth", hash, "error", err)
			}
		} else {
			s.dropInode(e.Inode)
		}
		return Unhashed, ""
	}

	switch entry.ActiveInode {
	case e.Inode:
		return Hashed, hash
	case 0:
		s.tths.SetActiveInode(hash, e.Inode)
		return Hashed, hash
	}
	if _, shared := s.byInode[entry.ActiveInode]; shared {
		return Duplicate, hash
	}
	s.logger.Debug("promoting duplicate", "path", e.Path, "tth", hash)
	s.tths.SetActiveInode(hash, e.Inode)
	return Hashed, hash
}

func (s *Share) dropInode(inode uint64) {
	if err := s.tths.RemoveInode(inode); err != nil {
		s.logger.Error("dropping stale inode", "inode", inode, "error", err)
	}
}
