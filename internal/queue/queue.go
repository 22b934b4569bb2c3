package queue

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"sphub/internal/notify"
)

// Add queues a file the user asked for from nick.
func (q *Queue) Add(nick, sourceFilename string, size uint64, targetFilename, tth string) error {
	return q.AddInternal(AddRequest{
		Nick:           nick,
		SourceFilename: sourceFilename,
		Size:           size,
		TargetFilename: targetFilename,
		TTH:            tth,
	})
}

// AddInternal adds a source for a file, creating the target when needed.
//
// Zero-sized files are ignored. A target with the same TTH absorbs the
// request as another source regardless of the requested filename; if that
// target has a different size the request is rejected with ErrSizeMismatch.
// Without a TTH an existing target is reused only when it has no TTH either
// and the sizes match. New targets whose filename is taken get a -N suffix.
func (q *Queue) AddInternal(req AddRequest) error {
	_, _, err := q.addInternal(req)
	return err
}

func (q *Queue) addInternal(req AddRequest) (*Target, bool, error) {
	if req.Nick == "" || req.SourceFilename == "" || req.TargetFilename == "" {
		return nil, false, fmt.Errorf("adding %q: nick, source and target are required", req.TargetFilename)
	}
	if req.Size == 0 {
		q.logger.Info("ignoring zero-sized file", "target", req.TargetFilename)
		return nil, false, nil
	}

	var t *Target
	if req.TTH != "" {
		if cur, ok := q.byTTH[req.TTH]; ok {
			if cur.Size != req.Size {
				q.logger.Warn("tth matches but size does not",
					"tth", req.TTH, "target", cur.Filename, "size", cur.Size, "requested", req.Size)
				return nil, false, fmt.Errorf("adding %s: %w", req.TargetFilename, ErrSizeMismatch)
			}
			t = cur
		}
	} else if cur, ok := q.targets[req.TargetFilename]; ok && cur.TTH == "" && cur.Size == req.Size {
		t = cur
	}

	created := false
	if t == nil {
		name, err := q.uniqueFilename(req.TargetFilename, req.TTH)
		if err != nil {
			return nil, false, err
		}
		t = &Target{
			Filename:        name,
			TargetDirectory: req.TargetDirectory,
			Size:            req.Size,
			TTH:             req.TTH,
			Ctime:           q.clock.Now().UTC().Truncate(time.Second),
			Priority:        DefaultPriority,
			Seq:             q.nextSeq,
		}
		if req.AutoMatched {
			t.Flags |= FlagAutoMatched
		}
		if err := q.logTarget(t); err != nil {
			return nil, false, err
		}
		q.nextSeq++
		q.indexTarget(t)
		created = true

		q.nc.Publish(notify.TargetAdded{
			Filename:        t.Filename,
			Size:            t.Size,
			TTH:             t.TTH,
			TargetDirectory: t.TargetDirectory,
			Priority:        t.Priority,
		})
	}

	if err := q.addSource(req.Nick, t.Filename, req.SourceFilename); err != nil {
		return nil, created, err
	}
	return t, created, nil
}

// uniqueFilename returns name, or name with a -N suffix before the
// extension if name is taken.
func (q *Queue) uniqueFilename(name, tth string) (string, error) {
	candidate := name
	for n := 1; ; n++ {
		cur, ok := q.targets[candidate]
		if !ok {
			return candidate, nil
		}
		if tth != "" && cur.TTH == tth {
			return "", fmt.Errorf("adding %s: %w", name, ErrExists)
		}
		candidate = suffixFilename(name, n)
	}
}

func suffixFilename(name string, n int) string {
	dir, base := path.Split(name)
	ext := path.Ext(base)
	if ext == base {
		ext = ""
	}
	return dir + strings.TrimSuffix(base, ext) + "-" + strconv.Itoa(n) + ext
}

func (q *Queue) addSource(nick, target, sourceFilename string) error {
	if _, ok := q.byTarget[target][nick]; ok {
		return nil
	}
	if err := q.log.Append("+S", nick, target, sourceFilename); err != nil {
		return fmt.Errorf("logging source %s for %s: %w", nick, target, err)
	}
	q.indexSource(&Source{Nick: nick, TargetFilename: target, SourceFilename: sourceFilename})
	q.nc.Publish(notify.SourceAdded{Target: target, Nick: nick, SourceFilename: sourceFilename})
	return nil
}

// AddFilelist queues a download of nick's filelist. Adding it again is a
// no-op, except that a manual add clears the auto-matched flag so the
// listing is shown to the user once it arrives.
func (q *Queue) AddFilelist(nick string, autoMatched bool) error {
	if nick == "" {
		return fmt.Errorf("adding filelist: empty nick")
	}
	if f, ok := q.filelists[nick]; ok {
		if !autoMatched && f.AutoMatched() {
			f.Flags &^= FlagAutoMatched
			return q.logFilelist(f)
		}
		return nil
	}

	f := &Filelist{Nick: nick, Priority: FilelistPriority}
	if autoMatched {
		f.Flags |= FlagAutoMatched
	}
	if err := q.logFilelist(f); err != nil {
		return err
	}
	q.filelists[nick] = f
	q.nc.Publish(notify.FilelistAdded{Nick: nick, Priority: f.Priority})
	return nil
}

// RemoveTarget removes a target and its sources. If it was the last
// outstanding file of a resolved directory the directory goes too.
func (q *Queue) RemoveTarget(filename string) error {
	t, ok := q.targets[filename]
	if !ok {
		return fmt.Errorf("removing target %s: %w", filename, ErrNotFound)
	}

	var dir *Directory
	if t.TargetDirectory != "" {
		if d, ok := q.dirs[t.TargetDirectory]; ok && d.Resolved() {
			dir = d
			dir.NLeft--
		}
	}

	if err := q.log.Append("-T", filename); err != nil {
		return fmt.Errorf("removing target %s: %w", filename, err)
	}
	q.unindexTarget(t)
	q.needNormalize = true
	q.nc.Publish(notify.TargetRemoved{Filename: filename})

	for _, nick := range sortedKeys(q.byTarget[filename]) {
		if err := q.log.Append("-S", filename, nick); err != nil {
			return fmt.Errorf("removing source %s for %s: %w", nick, filename, err)
		}
		q.unindexSource(filename, nick)
	}

	if dir == nil {
		return nil
	}
	if dir.NLeft > 0 {
		return q.logResolved(dir)
	}
	if dir.NLeft < 0 {
		q.logger.Error("internal error: directory files left went negative", "directory", dir.TargetDirectory)
	}
	q.logger.Info("directory download complete", "directory", dir.TargetDirectory)
	return q.dropDirectory(dir.TargetDirectory)
}

// RemoveSource removes nick as a source of target.
func (q *Queue) RemoveSource(target, nick string) error {
	if _, ok := q.byTarget[target][nick]; !ok {
		return fmt.Errorf("removing source %s for %s: %w", nick, target, ErrNotFound)
	}
	if err := q.log.Append("-S", target, nick); err != nil {
		return fmt.Errorf("removing source %s for %s: %w", nick, target, err)
	}
	q.unindexSource(target, nick)
	q.needNormalize = true
	q.nc.Publish(notify.SourceRemoved{Target: target, Nick: nick})
	return nil
}

// RemoveNick removes every source nick offers.
func (q *Queue) RemoveNick(nick string) error {
	for _, target := range sortedKeys(q.byNick[nick]) {
		if err := q.RemoveSource(target, nick); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFilelist removes the queued filelist download of nick.
func (q *Queue) RemoveFilelist(nick string) error {
	if _, ok := q.filelists[nick]; !ok {
		return fmt.Errorf("removing filelist %s: %w", nick, ErrNotFound)
	}
	if err := q.log.Append("-F", nick); err != nil {
		return fmt.Errorf("removing filelist %s: %w", nick, err)
	}
	delete(q.filelists, nick)
	q.needNormalize = true
	q.nc.Publish(notify.FilelistRemoved{Nick: nick})
	return nil
}

// RemoveDirectory cancels a directory download together with every target
// it has produced.
func (q *Queue) RemoveDirectory(targetDir string) error {
	if _, ok := q.dirs[targetDir]; !ok {
		return fmt.Errorf("removing directory %s: %w", targetDir, ErrNotFound)
	}
	// Detach first so removing the member targets does not count down nleft.
	delete(q.dirs, targetDir)

	for _, t := range q.TargetsInDirectory(targetDir) {
		if err := q.RemoveTarget(t.Filename); err != nil {
			return err
		}
	}
	return q.dropDirectory(targetDir)
}

func (q *Queue) dropDirectory(targetDir string) error {
	delete(q.dirs, targetDir)
	if err := q.log.Append("-D", targetDir); err != nil {
		return fmt.Errorf("removing directory %s: %w", targetDir, err)
	}
	q.needNormalize = true
	q.nc.Publish(notify.DirectoryRemoved{TargetDirectory: targetDir})
	return nil
}

// SetPriority changes the priority of a target. Priority 0 pauses it.
func (q *Queue) SetPriority(target string, priority int) error {
	if priority < 0 || priority > MaxPriority {
		return fmt.Errorf("setting priority %d: %w", priority, ErrInvalidPriority)
	}
	t, ok := q.targets[target]
	if !ok {
		return fmt.Errorf("setting priority of %s: %w", target, ErrNotFound)
	}
	if err := q.log.Append("=P", target, strconv.Itoa(priority)); err != nil {
		return fmt.Errorf("setting priority of %s: %w", target, err)
	}
	t.Priority = priority
	q.needNormalize = true
	q.nc.Publish(notify.PriorityChanged{Target: target, Priority: priority})
	return nil
}

// SetTargetActive marks a target as being transferred, or not. Stopping a
// target that is not active is logged as a warning.
func (q *Queue) SetTargetActive(target string, active bool) error {
	t, ok := q.targets[target]
	if !ok {
		return fmt.Errorf("setting %s active: %w", target, ErrNotFound)
	}
	if active == t.Active() {
		if !active {
			q.logger.Warn("stopping target that is not active", "target", target)
		} else {
			q.logger.Warn("starting target that is already active", "target", target)
		}
		return nil
	}
	if active {
		t.Flags |= FlagActive
	} else {
		t.Flags &^= FlagActive
	}
	q.needNormalize = true
	return q.logTarget(t)
}

// SetFilelistActive is SetTargetActive for the filelist of nick.
func (q *Queue) SetFilelistActive(nick string, active bool) error {
	f, ok := q.filelists[nick]
	if !ok {
		return fmt.Errorf("setting filelist %s active: %w", nick, ErrNotFound)
	}
	if active == f.Active() {
		if !active {
			q.logger.Warn("stopping filelist that is not active", "nick", nick)
		}
		return nil
	}
	if active {
		f.Flags |= FlagActive
	} else {
		f.Flags &^= FlagActive
	}
	q.needNormalize = true
	return q.logFilelist(f)
}

// SetSize corrects the size of a target, typically once the peer reports it.
func (q *Queue) SetSize(target string, size uint64) error {
	t, ok := q.targets[target]
	if !ok {
		return fmt.Errorf("setting size of %s: %w", target, ErrNotFound)
	}
	if t.Size == size {
		return nil
	}
	t.Size = size
	q.needNormalize = true
	return q.logTarget(t)
}

// NextForNick decides what nick should send us next: its filelist, then an
// unresolved directory, then the file with the highest priority, oldest
// first. Paused and active targets are never returned. It returns nil when
// there is nothing to do.
//
// The result is a copy; it is computed fresh on every call.
func (q *Queue) NextForNick(nick string) WorkItem {
	f, hasFilelist := q.filelists[nick]
	if hasFilelist && !f.Active() {
		return &FilelistItem{Filelist: *f}
	}

	// An unresolved directory waits for the filelist that is already in
	// flight.
	if !hasFilelist {
		for _, d := range q.Directories() {
			if d.Nick == nick && !d.Resolved() {
				return &DirectoryItem{Directory: d}
			}
		}
	}

	var best *Source
	var bt *Target
	for _, s := range q.byNick[nick] {
		t, ok := q.targets[s.TargetFilename]
		if !ok {
			q.logger.Error("internal error: source without target", "nick", nick, "target", s.TargetFilename)
			continue
		}
		if t.Active() || t.Priority == 0 {
			continue
		}
		if bt == nil || t.Priority > bt.Priority || (t.Priority == bt.Priority && t.Seq < bt.Seq) {
			best, bt = s, t
		}
	}
	if best == nil {
		return nil
	}
	return &FileItem{Target: *bt, Source: *best}
}

// HasSourceForNick reports whether nick has anything to send us.
func (q *Queue) HasSourceForNick(nick string) bool {
	return q.NextForNick(nick) != nil
}

// Target returns a copy of the named target, or nil.
func (q *Queue) Target(filename string) *Target {
	t, ok := q.targets[filename]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// TargetByTTH returns a copy of the target owning tth, or nil.
func (q *Queue) TargetByTTH(tth string) *Target {
	t, ok := q.byTTH[tth]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// Source returns a copy of nick's source for target, or nil.
func (q *Queue) Source(target, nick string) *Source {
	s, ok := q.byTarget[target][nick]
	if !ok {
		return nil
	}
	c := *s
	return &c
}

// Filelist returns a copy of nick's queued filelist, or nil.
func (q *Queue) Filelist(nick string) *Filelist {
	f, ok := q.filelists[nick]
	if !ok {
		return nil
	}
	c := *f
	return &c
}

// Directory returns a copy of the queued directory, or nil.
func (q *Queue) Directory(targetDir string) *Directory {
	d, ok := q.dirs[targetDir]
	if !ok {
		return nil
	}
	c := *d
	return &c
}

// SourcesForNick returns nick's sources ordered by target.
func (q *Queue) SourcesForNick(nick string) []Source {
	out := make([]Source, 0, len(q.byNick[nick]))
	for _, s := range q.byNick[nick] {
		out = append(out, *s)
	}
	sortSources(out)
	return out
}

// SourcesForTarget returns the sources of target ordered by nick.
func (q *Queue) SourcesForTarget(target string) []Source {
	out := make([]Source, 0, len(q.byTarget[target]))
	for _, s := range q.byTarget[target] {
		out = append(out, *s)
	}
	sortSources(out)
	return out
}

// TargetsInDirectory returns the targets produced by a directory download,
// ordered by sequence number.
func (q *Queue) TargetsInDirectory(targetDir string) []Target {
	var out []Target
	for _, t := range q.targets {
		if t.TargetDirectory == targetDir {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
