package queue

import (
	"errors"
	"fmt"
	"strings"

	"sphub/internal/filelist"
	"sphub/internal/notify"
)

// ResolveResult says how far a directory download got.
type ResolveResult int

const (
	// Resolved means the directory was expanded into targets.
	Resolved ResolveResult = iota
	// Pending means the filelist of the nick is needed first and has been
	// queued; resolve again once it has been downloaded.
	Pending
)

func (r ResolveResult) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("ResolveResult(%d)", int(r))
	}
}

// AddDirectory queues sourceDir of nick for recursive download into
// targetDir. An empty targetDir is named after the last component of
// sourceDir. The directory is resolved right away if the filelist of nick
// is already on disk.
func (q *Queue) AddDirectory(nick, sourceDir, targetDir string) error {
	if nick == "" || sourceDir == "" {
		return fmt.Errorf("adding directory: nick and source directory are required")
	}
	targetDir = strings.TrimLeft(targetDir, "/")
	if targetDir == "" {
		trimmed := strings.TrimRight(sourceDir, filelist.Sep)
		targetDir = trimmed[strings.LastIndex(trimmed, filelist.Sep)+1:]
	}
	if targetDir == "" {
		return fmt.Errorf("adding directory %q: cannot derive a target directory", sourceDir)
	}
	if _, ok := q.dirs[targetDir]; ok {
		return fmt.Errorf("adding directory %s: %w", targetDir, ErrExists)
	}

	d := &Directory{TargetDirectory: targetDir, Nick: nick, SourceDirectory: sourceDir}
	if err := q.log.Append("+D", targetDir, nick, sourceDir); err != nil {
		return fmt.Errorf("logging directory %s: %w", targetDir, err)
	}
	q.dirs[targetDir] = d
	q.nc.Publish(notify.DirectoryAdded{TargetDirectory: targetDir, Nick: nick})

	res, n, err := q.ResolveDirectory(nick, sourceDir, targetDir)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The directory has been dropped again; not an add failure.
			q.logger.Info("directory not in filelist", "nick", nick, "directory", sourceDir)
			return nil
		}
		return err
	}
	q.logger.Debug("added directory", "directory", targetDir, "nick", nick, "result", res, "files", n)
	return nil
}

// ResolveDirectory expands a queued directory into file targets using the
// filelist of nick.
//
// If no filelist is on disk it is queued (auto-matched) and Pending is
// returned. If the source directory is missing from the filelist the
// directory download is removed and the error wraps ErrNotFound. Otherwise
// every file of the subtree is added below targetDir and the number of new
// targets is returned.
func (q *Queue) ResolveDirectory(nick, sourceDir, targetDir string) (ResolveResult, int, error) {
	d, ok := q.dirs[targetDir]
	if !ok {
		return Resolved, 0, fmt.Errorf("resolving directory %s: %w", targetDir, ErrNotFound)
	}
	if d.Resolved() {
		q.logger.Warn("directory already resolved", "directory", targetDir)
		return Resolved, d.NFiles, nil
	}

	path := filelist.Find(q.workdir, nick)
	if path == "" {
		if err := q.AddFilelist(nick, true); err != nil {
			return Pending, 0, err
		}
		return Pending, 0, nil
	}

	root, err := q.loadFilelist(path)
	if err != nil {
		return Resolved, 0, fmt.Errorf("resolving directory %s: %w", targetDir, err)
	}
	sub := filelist.FindDirectory(root, sourceDir)
	if sub == nil {
		if err := q.RemoveDirectory(targetDir); err != nil {
			return Resolved, 0, err
		}
		return Resolved, 0, fmt.Errorf("resolving directory %s: source %q: %w", targetDir, sourceDir, ErrNotFound)
	}

	remoteBase := strings.Trim(sourceDir, filelist.Sep)
	n := 0
	var walkErr error
	filelist.Walk(sub, func(rel string, f *filelist.Node) {
		if walkErr != nil {
			return
		}
		remote := rel
		if remoteBase != "" {
			remote = remoteBase + filelist.Sep + rel
		}
		_, created, err := q.addInternal(AddRequest{
			Nick:            nick,
			SourceFilename:  remote,
			Size:            f.Size,
			TargetFilename:  targetDir + "/" + strings.ReplaceAll(rel, filelist.Sep, "/"),
			TTH:             f.TTH,
			TargetDirectory: targetDir,
		})
		switch {
		case errors.Is(err, ErrSizeMismatch):
			q.logger.Warn("skipping file", "file", remote, "error", err)
		case err != nil:
			walkErr = err
		case created:
			n++
		}
	})
	if walkErr != nil {
		return Resolved, n, fmt.Errorf("resolving directory %s: %w", targetDir, walkErr)
	}

	d.Flags |= FlagResolved
	d.NFiles = n
	d.NLeft = n
	if err := q.logResolved(d); err != nil {
		return Resolved, n, err
	}
	if n == 0 {
		q.logger.Info("directory has nothing to download", "directory", targetDir)
		if err := q.dropDirectory(targetDir); err != nil {
			return Resolved, 0, err
		}
	}
	return Resolved, n, nil
}

// ResolveDirectoriesForNick resolves every unresolved directory of nick,
// typically right after its filelist has been downloaded.
func (q *Queue) ResolveDirectoriesForNick(nick string) error {
	var firstErr error
	for _, d := range q.Directories() {
		if d.Nick != nick || d.Resolved() {
			continue
		}
		_, _, err := q.ResolveDirectory(nick, d.SourceDirectory, d.TargetDirectory)
		if err != nil && !errors.Is(err, ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
