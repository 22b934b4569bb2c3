//go:build unix

package fs

import (
	"fmt"
	"io/fs"
	"syscall"
)

// inodeOf combines device and inode number into one identity.
func inodeOf(info fs.FileInfo) (uint64, error) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("cannot extract inode: expected *syscall.Stat_t, got %T", info.Sys())
	}
	return uint64(stat.Dev)<<32 | uint64(stat.Ino), nil
}
