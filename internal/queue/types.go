package queue

import (
	"errors"
	"time"
)

// Flags are bit flags on targets, filelists and directories.
type Flags uint32

const (
	FlagActive      Flags = 1
	FlagAutoMatched Flags = 2
	FlagResolved    Flags = 4
)

const (
	// DefaultPriority is given to new targets.
	DefaultPriority = 3
	// FilelistPriority is the fixed priority of filelist downloads.
	FilelistPriority = 5
	// MaxPriority is the highest valid priority; 0 means paused.
	MaxPriority = 5
)

var (
	// ErrExists is returned when adding something that is already queued,
	// including a target whose TTH is already owned by another target.
	ErrExists = errors.New("already queued")
	// ErrNotFound is returned when the named queue record does not exist.
	ErrNotFound = errors.New("not queued")
	// ErrInvalidPriority is returned for priorities above MaxPriority.
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrSizeMismatch is returned when a TTH is already queued with another size.
	ErrSizeMismatch = errors.New("tth queued with a different size")
)

// Target is a file the user wants to obtain.
type Target struct {
	Filename        string    `json:"filename"`
	TargetDirectory string    `json:"target_directory,omitempty"`
	Size            uint64    `json:"size"`
	TTH             string    `json:"tth,omitempty"`
	Flags           Flags     `json:"flags"`
	Ctime           time.Time `json:"ctime"`
	Priority        int       `json:"priority"`
	Seq             uint64    `json:"seq"`
}

func (t *Target) Active() bool      { return t.Flags&FlagActive != 0 }
func (t *Target) AutoMatched() bool { return t.Flags&FlagAutoMatched != 0 }

// Source says that Nick offers SourceFilename for the target TargetFilename.
type Source struct {
	Nick           string `json:"nick"`
	TargetFilename string `json:"target"`
	SourceFilename string `json:"source"`
}

// Filelist is a pending download of Nick's file listing.
type Filelist struct {
	Nick     string `json:"nick"`
	Flags    Flags  `json:"flags"`
	Priority int    `json:"priority"`
}

func (f *Filelist) Active() bool      { return f.Flags&FlagActive != 0 }
func (f *Filelist) AutoMatched() bool { return f.Flags&FlagAutoMatched != 0 }

// Directory is a recursive directory download from Nick. It stays
// unresolved until Nick's filelist is available.
type Directory struct {
	TargetDirectory string `json:"target_directory"`
	Nick            string `json:"nick"`
	SourceDirectory string `json:"source_directory"`
	Flags           Flags  `json:"flags"`
	NFiles          int    `json:"nfiles"`
	NLeft           int    `json:"nleft"`
}

func (d *Directory) Resolved() bool { return d.Flags&FlagResolved != 0 }

// WorkItem is the next unit of work for a nick: a *FilelistItem, a
// *DirectoryItem or a *FileItem.
type WorkItem interface {
	Nick() string
	workItem()
}

// FilelistItem asks for the nick's file listing.
type FilelistItem struct {
	Filelist Filelist
}

// DirectoryItem is an unresolved directory download; the filelist must be
// fetched before it can be expanded.
type DirectoryItem struct {
	Directory Directory
}

// FileItem is a regular file download from one source.
type FileItem struct {
	Target Target
	Source Source
}

func (i *FilelistItem) Nick() string  { return i.Filelist.Nick }
func (i *DirectoryItem) Nick() string { return i.Directory.Nick }
func (i *FileItem) Nick() string      { return i.Source.Nick }

func (*FilelistItem) workItem()  {}
func (*DirectoryItem) workItem() {}
func (*FileItem) workItem()      {}

// AddRequest describes a file to queue from a nick.
type AddRequest struct {
	Nick            string
	SourceFilename  string
	Size            uint64
	TargetFilename  string
	TTH             string
	AutoMatched     bool
	TargetDirectory string
}
