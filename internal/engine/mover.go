package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"sphub/internal/notify"
)

// moveFinished moves a completed download from the incomplete directory to
// the download directory. Files of a directory download stay where they
// are until the last one finishes, then the whole directory is moved,
// unless partial directory moves are enabled.
//
// It runs before the target is removed from the queue.
func (e *Engine) moveFinished(filename string) {
	incomplete := filepath.Clean(e.cfg.Incomplete())
	if incomplete == filepath.Clean(e.cfg.DownloadDir) {
		return
	}
	t := e.queue.Target(filename)
	if t == nil {
		e.logger.Warn("finished download is not queued", "target", filename)
		return
	}

	rel := t.Filename
	if t.TargetDirectory != "" && !e.cfg.Queue.PartialDirectoryMoves {
		d := e.queue.Directory(t.TargetDirectory)
		if d == nil {
			e.logger.Error("internal error: target in unknown directory", "target", t.Filename, "directory", t.TargetDirectory)
			return
		}
		if d.NLeft > 1 {
			e.logger.Debug("not moving partial directory", "directory", d.TargetDirectory, "left", d.NLeft)
			return
		}
		rel = d.TargetDirectory
	}

	src := filepath.Join(incomplete, filepath.FromSlash(rel))
	dst, err := movePath(src, filepath.Join(e.cfg.DownloadDir, filepath.FromSlash(rel)))
	if err != nil {
		e.logger.Warn("moving finished download", "path", src, "error", err)
		e.nc.Publish(notify.StatusMessage{Message: fmt.Sprintf("Unable to move %s: %v", src, err)})
		return
	}
	e.logger.Info("moved finished download", "from", src, "to", dst)
	removeEmptyParents(filepath.Dir(src), incomplete)
}

// movePath renames src to dst, or to the first free "-N" variant of dst.
// Files are copied when the rename crosses filesystems.
func movePath(src, dst string) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	dst, err = freePath(dst, info.IsDir())
	if err != nil {
		return "", err
	}

	err = os.Rename(src, dst)
	if errors.Is(err, syscall.EXDEV) && !info.IsDir() {
		err = copyFile(src, dst, info.Mode())
		if err == nil {
			err = os.Remove(src)
		}
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

// freePath returns path, or base-N.ext with the lowest N that does not
// exist yet. Directories keep their full name as base.
func freePath(path string, dir bool) (string, error) {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}
	ext := ""
	if !dir {
		ext = filepath.Ext(path)
		if ext == filepath.Base(path) {
			ext = ""
		}
	}
	base := strings.TrimSuffix(path, ext)
	for n := 1; n < 10000; n++ {
		candidate := base + "-" + strconv.Itoa(n) + ext
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free name for %s", path)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// removeEmptyParents removes dir and its empty parents up to, not
// including, root.
func removeEmptyParents(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
