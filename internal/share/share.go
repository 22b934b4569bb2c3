// Package share owns the set of shared local directories: which files are
// hashed and served, which still need hashing, and the statistics announced
// to hubs.
package share

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"sphub/internal/filelist"
	"sphub/internal/fs"
	"sphub/internal/notify"
	"sphub/internal/sp"
	"sphub/internal/tth"
)

var (
	ErrNotShared   = errors.New("not shared")
	ErrIncomplete  = errors.New("incomplete directory cannot be shared")
	ErrMountExists = errors.New("already shared")
)

// Stats are per-mountpoint scan aggregates. Total counts every shareable
// file; Hashed and Duplicate partition the files with a known hash.
type Stats struct {
	TotalFiles    uint64 `json:"total_files"`
	TotalSize     uint64 `json:"total_size"`
	HashedFiles   uint64 `json:"hashed_files"`
	HashedSize    uint64 `json:"hashed_size"`
	Duplicates    uint64 `json:"duplicates"`
	DuplicateSize uint64 `json:"duplicate_size"`
}

func (s *Stats) add(o Stats) {
	s.TotalFiles += o.TotalFiles
	s.TotalSize += o.TotalSize
	s.HashedFiles += o.HashedFiles
	s.HashedSize += o.HashedSize
	s.Duplicates += o.Duplicates
	s.DuplicateSize += o.DuplicateSize
}

// Percent returns how much of the total size is hashed.
func (s Stats) Percent() float64 {
	if s.TotalSize == 0 {
		return 100
	}
	return float64(s.HashedSize+s.DuplicateSize) * 100 / float64(s.TotalSize)
}

func (s Stats) String() string {
	return fmt.Sprintf("%d files (%s), %d hashed (%s), %d duplicates (%s)",
		s.TotalFiles, datasize.ByteSize(s.TotalSize).HumanReadable(),
		s.HashedFiles, datasize.ByteSize(s.HashedSize).HumanReadable(),
		s.Duplicates, datasize.ByteSize(s.DuplicateSize).HumanReadable())
}

// Mountpoint is a shared local directory, published under VirtualRoot.
type Mountpoint struct {
	Path        string `json:"path"`
	VirtualRoot string `json:"virtual_root"`
	Stats       Stats  `json:"stats"`
	Scanning    bool   `json:"scanning"`
}

// File is a shareable local file.
type File struct {
	Path  string
	Size  uint64
	Mtime time.Time
	Inode uint64
	// TTH is empty while the file is waiting to be hashed.
	TTH string

	mp *Mountpoint
}

// VirtualPath is the backslash-joined name peers use for the file.
func (f *File) VirtualPath() string {
	rel, err := filepath.Rel(f.mp.Path, f.Path)
	if err != nil {
		return ""
	}
	return f.mp.VirtualRoot + filelist.Sep + strings.ReplaceAll(filepath.ToSlash(rel), "/", filelist.Sep)
}

// Options configures a Share.
type Options struct {
	Filesystem fs.Filesystem
	TTH        *tth.Store
	Notify     *notify.Center
	Logger     sp.Logger
	// IncompleteDir is never shared, not even below a mountpoint.
	IncompleteDir string
	Ignore        []string
}

// Share is the local share. It is not safe for concurrent use.
type Share struct {
	fsys       fs.Filesystem
	tths       *tth.Store
	nc         *notify.Center
	logger     sp.Logger
	incomplete string
	ignore     *fs.IgnoreMatcher

	mountpoints []*Mountpoint
	// hashed holds the files served to peers, unhashed the files waiting
	// for a hash and duplicates the hashed files shadowed by another
	// inode. All three are keyed by local path.
	hashed     map[string]*File
	unhashed   map[string]*File
	duplicates map[string]*File
	byInode    map[uint64]*File

	scan    *scanState
	pending []*Mountpoint
	stale   bool
}

func New(opts Options) *Share {
	fsys := opts.Filesystem
	if fsys == nil {
		fsys = fs.NewOSFilesystem()
	}
	incomplete := opts.IncompleteDir
	if incomplete != "" {
		incomplete = filepath.Clean(incomplete)
	}
	return &Share{
		fsys:       fsys,
		tths:       opts.TTH,
		nc:         opts.Notify,
		logger:     sp.OrNop(opts.Logger),
		incomplete: incomplete,
		ignore:     fs.NewIgnoreMatcher(opts.Ignore),
		hashed:     make(map[string]*File),
		unhashed:   make(map[string]*File),
		duplicates: make(map[string]*File),
		byInode:    make(map[uint64]*File),
	}
}

// Add shares a local directory under virtualRoot and starts scanning it.
// An empty virtualRoot is the base name of path.
func (s *Share) Add(path, virtualRoot string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sharing %s: %w", path, err)
	}
	if s.inIncomplete(abs) {
		return fmt.Errorf("sharing %s: %w", abs, ErrIncomplete)
	}
	f, err := s.fsys.Stat(abs)
	if err != nil {
		return fmt.Errorf("sharing %s: %w", abs, err)
	}
	if !f.IsDir() {
		return fmt.Errorf("sharing %s: not a directory", abs)
	}
	if virtualRoot == "" {
		virtualRoot = filepath.Base(abs)
	}
	for _, mp := range s.mountpoints {
		if mp.Path == abs {
			return fmt.Errorf("sharing %s: %w", abs, ErrMountExists)
		}
		if mp.VirtualRoot == virtualRoot {
			return fmt.Errorf("sharing %s: virtual root %q already used by %s", abs, virtualRoot, mp.Path)
		}
	}

	mp := &Mountpoint{Path: abs, VirtualRoot: virtualRoot}
	s.mountpoints = append(s.mountpoints, mp)
	s.logger.Info("sharing directory", "path", abs, "virtual_root", virtualRoot)
	s.queueScan(mp)
	return nil
}

// Remove stops sharing a directory.
func (s *Share) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("unsharing %s: %w", path, err)
	}
	for i, mp := range s.mountpoints {
		if mp.Path != abs {
			continue
		}
		if s.scan != nil && s.scan.mp == mp {
			s.scan = nil
		}
		s.dropPending(mp)
		s.clearFiles(mp)
		s.mountpoints = append(s.mountpoints[:i], s.mountpoints[i+1:]...)
		s.stale = true
		s.logger.Info("unshared directory", "path", abs)
		return nil
	}
	return fmt.Errorf("unsharing %s: %w", abs, ErrNotShared)
}

// inIncomplete reports whether abs is the incomplete directory or below it.
func (s *Share) inIncomplete(abs string) bool {
	return s.incomplete != "" && within(s.incomplete, abs)
}

// within reports whether path is parent or below it.
func within(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Mountpoints returns copies of every mountpoint in the order added.
func (s *Share) Mountpoints() []Mountpoint {
	out := make([]Mountpoint, 0, len(s.mountpoints))
	for _, mp := range s.mountpoints {
		out = append(out, *mp)
	}
	return out
}

// Stats sums the statistics of every mountpoint.
func (s *Share) Stats() Stats {
	var total Stats
	for _, mp := range s.mountpoints {
		total.add(mp.Stats)
	}
	return total
}

// Size is the share size announced to hubs.
func (s *Share) Size() uint64 {
	return s.Stats().HashedSize
}

// Stale reports whether the share changed since the last ClearStale, and
// the share size should be announced again.
func (s *Share) Stale() bool { return s.stale }

func (s *Share) ClearStale() { s.stale = false }

// Unhashed returns the local paths waiting for a hash, sorted.
func (s *Share) Unhashed() []string {
	out := make([]string, 0, len(s.unhashed))
	for p := range s.unhashed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a peer request: "TTH/<hash>" by hash, anything else as
// a virtual path.
func (s *Share) Lookup(name string) (*File, error) {
	if h, ok := strings.CutPrefix(name, "TTH/"); ok {
		return s.LookupTTH(h)
	}
	return s.LookupVirtual(name)
}

// LookupTTH returns the file currently serving hash.
func (s *Share) LookupTTH(hash string) (*File, error) {
	if s.tths != nil {
		if e := s.tths.Lookup(hash); e != nil && e.ActiveInode != 0 {
			if f, ok := s.byInode[e.ActiveInode]; ok && f.TTH != "" {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("TTH/%s: %w", hash, ErrNotShared)
}

// LookupVirtual resolves a backslash-joined virtual path to a hashed file.
func (s *Share) LookupVirtual(vpath string) (*File, error) {
	vpath = strings.TrimLeft(vpath, filelist.Sep)
	root, rest, ok := strings.Cut(vpath, filelist.Sep)
	if ok && rest != "" {
		for _, mp := range s.mountpoints {
			if mp.VirtualRoot != root {
				continue
			}
			parts := strings.Split(rest, filelist.Sep)
			for _, p := range parts {
				if p == "" || p == "." || p == ".." {
					return nil, fmt.Errorf("%s: %w", vpath, ErrNotShared)
				}
			}
			local := filepath.Join(append([]string{mp.Path}, parts...)...)
			if f, ok := s.hashed[local]; ok {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%s: %w", vpath, ErrNotShared)
}

// Filelist builds the listing of every hashed file, one top-level
// directory per mountpoint.
func (s *Share) Filelist() *filelist.Node {
	root := &filelist.Node{Dir: true}
	byMount := make(map[*Mountpoint]*filelist.Node)
	for _, mp := range s.mountpoints {
		n := &filelist.Node{Name: mp.VirtualRoot, Dir: true}
		byMount[mp] = n
		root.Children = append(root.Children, n)
	}

	paths := make([]string, 0, len(s.hashed))
	for p := range s.hashed {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		f := s.hashed[p]
		rel, err := filepath.Rel(f.mp.Path, f.Path)
		if err != nil {
			continue
		}
		dir := byMount[f.mp]
		parts := strings.Split(filepath.ToSlash(rel), "/")
		for _, name := range parts[:len(parts)-1] {
			dir = childDir(dir, name)
		}
		dir.Children = append(dir.Children, &filelist.Node{
			Name: parts[len(parts)-1],
			Size: f.Size,
			TTH:  f.TTH,
		})
	}
	return root
}

func childDir(parent *filelist.Node, name string) *filelist.Node {
	for _, c := range parent.Children {
		if c.Dir && c.Name == name {
			return c
		}
	}
	n := &filelist.Node{Name: name, Dir: true}
	parent.Children = append(parent.Children, n)
	return n
}

// WriteFilelist writes the bz2 compressed XML listing of the share.
func (s *Share) WriteFilelist(path, cid string) error {
	if err := filelist.WriteXMLBz2(path, s.Filelist(), cid); err != nil {
		return fmt.Errorf("writing own filelist: %w", err)
	}
	s.logger.Debug("wrote own filelist", "path", path)
	return nil
}

func (s *Share) clearFiles(mp *Mountpoint) {
	for _, set := range []map[string]*File{s.hashed, s.unhashed, s.duplicates} {
		for p, f := range set {
			if f.mp != mp {
				continue
			}
			delete(set, p)
			if cur, ok := s.byInode[f.Inode]; ok && cur == f {
				delete(s.byInode, f.Inode)
			}
		}
	}
	mp.Stats = Stats{}
}
