// Package pidfile keeps a single daemon instance per working directory.
package pidfile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrRunning is returned by Acquire when a live instance owns the file.
var ErrRunning = errors.New("already running")

// File is an acquired PID file.
type File struct {
	path string
	pid  int32
}

// Path returns where the PID file of name lives in dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".pid")
}

// Acquire records the current process in dir/name.pid. If the file names
// a live process called name the error wraps ErrRunning; stale files are
// taken over.
func Acquire(dir, name string) (*File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	path := Path(dir, name)
	self := int32(os.Getpid())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return nil, err
	}
	defer unlockFile(f)

	if pid, err := readPID(f); err == nil && pid != self && isInstance(pid, name) {
		return nil, fmt.Errorf("%s as pid %d: %w", name, pid, ErrRunning)
	}

	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("truncating PID file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", self); err != nil {
		return nil, fmt.Errorf("writing PID file: %w", err)
	}
	return &File{path: path, pid: self}, nil
}

// Running returns the PID of the live instance recorded in dir/name.pid,
// or 0.
func Running(dir, name string) int32 {
	f, err := os.Open(Path(dir, name))
	if err != nil {
		return 0
	}
	defer f.Close()
	pid, err := readPID(f)
	if err != nil || !isInstance(pid, name) {
		return 0
	}
	return pid
}

func (p *File) Path() string { return p.path }

// Release removes the file if it still names this process.
func (p *File) Release() error {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	pid, err := readPID(f)
	f.Close()
	if err != nil || pid != p.pid {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing PID file: %w", err)
	}
	return nil
}

func readPID(r io.Reader) (int32, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid PID %d", n)
	}
	return int32(n), nil
}

// isInstance checks that pid is a running process called name.
func isInstance(pid int32, name string) bool {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	pname, err := proc.Name()
	if err != nil {
		return false
	}
	return strings.Contains(pname, name)
}
