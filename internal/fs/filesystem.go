// Package fs is the share's view of the local filesystem: stable file
// identities and ignore patterns.
package fs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// File is a stat result reduced to what the share needs.
type File struct {
	Path  string
	Name  string
	Size  int64
	Mtime time.Time
	Mode  fs.FileMode
	// Inode identifies the file across renames and rescans.
	Inode uint64
}

func (f File) IsDir() bool     { return f.Mode.IsDir() }
func (f File) IsRegular() bool { return f.Mode.IsRegular() }

// Filesystem lists and stats local files. Symlinks are followed.
type Filesystem interface {
	Stat(path string) (File, error)
	// ReadDir returns the entries of a directory sorted by name. Entries
	// that cannot be stat'ed are returned in the error slice, not dropped
	// silently.
	ReadDir(path string) ([]File, []error, error)
}

// OSFilesystem is the real filesystem.
type OSFilesystem struct{}

func NewOSFilesystem() *OSFilesystem {
	return &OSFilesystem{}
}

// Stat follows symlinks.
func (*OSFilesystem) Stat(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	return fileFromInfo(path, info)
}

func (m *OSFilesystem) ReadDir(path string) ([]File, []error, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading directory: %w", err)
	}

	var files []File
	var errs []error
	for _, entry := range entries {
		f, err := m.Stat(filepath.Join(path, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, errs, nil
}

func fileFromInfo(path string, info fs.FileInfo) (File, error) {
	inode, err := inodeOf(info)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return File{
		Path:  path,
		Name:  info.Name(),
		Size:  info.Size(),
		Mtime: info.ModTime(),
		Mode:  info.Mode(),
		Inode: inode,
	}, nil
}

var _ Filesystem = (*OSFilesystem)(nil)
