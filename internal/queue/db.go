package queue

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"sphub/internal/filelist"
	"sphub/internal/logstore"
	"sphub/internal/notify"
	"sphub/internal/sp"
)

// LogName is the file name of the queue log inside the working directory.
const LogName = "queue2.log"

// Queue owns every target, source, filelist and directory download.
// It is driven from the engine loop and is not safe for concurrent use.
type Queue struct {
	workdir string
	log     *logstore.Store
	nc      *notify.Center
	logger  sp.Logger
	clock   sp.Clock

	targets   map[string]*Target
	byTTH     map[string]*Target
	byNick    map[string]map[string]*Source // nick -> target filename
	byTarget  map[string]map[string]*Source // target filename -> nick
	filelists map[string]*Filelist
	dirs      map[string]*Directory

	nextSeq       uint64
	needNormalize bool

	// loadFilelist is filelist.Load, replaceable in tests.
	loadFilelist func(path string) (*filelist.Node, error)
}

// Options configures New.
type Options struct {
	// Workdir holds the queue log and downloaded filelists.
	Workdir string
	Notify  *notify.Center
	Logger  sp.Logger
	Clock   sp.Clock
}

// New opens the queue log in opts.Workdir and rebuilds the queue from it.
func New(opts Options) (*Queue, error) {
	logger := sp.OrNop(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = sp.RealClock{}
	}

	l, err := logstore.Open(filepath.Join(opts.Workdir, LogName), logger)
	if err != nil {
		return nil, fmt.Errorf("opening queue log: %w", err)
	}

	q := &Queue{
		workdir:      opts.Workdir,
		log:          l,
		nc:           opts.Notify,
		logger:       logger,
		clock:        clock,
		targets:      make(map[string]*Target),
		byTTH:        make(map[string]*Target),
		byNick:       make(map[string]map[string]*Source),
		byTarget:     make(map[string]map[string]*Source),
		filelists:    make(map[string]*Filelist),
		dirs:         make(map[string]*Directory),
		nextSeq:      1,
		loadFilelist: filelist.Load,
	}

	if err := l.Replay(q.replay); err != nil {
		l.Close()
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	q.reconcile()

	if l.Legacy() {
		q.logger.Info("converting legacy queue log", "path", l.Path())
		q.needNormalize = true
	}
	if q.needNormalize {
		if err := q.Normalize(); err != nil {
			l.Close()
			return nil, err
		}
	}

	q.logger.Debug("loaded queue",
		"targets", len(q.targets), "filelists", len(q.filelists), "directories", len(q.dirs))
	return q, nil
}

func (q *Queue) replay(rec logstore.Record) error {
	switch rec.Tag {
	case "+T":
		f, err := rec.Fields(8)
		if err != nil {
			return err
		}
		size, err1 := strconv.ParseUint(f[2], 10, 64)
		flags, err2 := strconv.ParseUint(f[4], 10, 32)
		ctime, err3 := strconv.ParseInt(f[5], 10, 64)
		prio, err4 := strconv.Atoi(f[6])
		seq, err5 := strconv.ParseUint(f[7], 10, 64)
		for _, e := range []error{err1, err2, err3, err4, err5} {
			if e != nil {
				return fmt.Errorf("+T %s: %w", f[0], e)
			}
		}
		if prio < 0 || prio > MaxPriority {
			prio = DefaultPriority
		}
		if old, ok := q.targets[f[0]]; ok {
			q.unindexTarget(old)
			q.needNormalize = true
		}
		q.indexTarget(&Target{
			Filename:        f[0],
			TargetDirectory: f[1],
			Size:            size,
			TTH:             f[3],
			Flags:           Flags(flags),
			Ctime:           time.Unix(ctime, 0).UTC(),
			Priority:        prio,
			Seq:             seq,
		})
		if seq >= q.nextSeq {
			q.nextSeq = seq + 1
		}
	case "-T":
		f, err := rec.Fields(1)
		if err != nil {
			return err
		}
		if t, ok := q.targets[f[0]]; ok {
			q.unindexTarget(t)
		}
		q.needNormalize = true
	case "+S":
		f, err := rec.Fields(3)
		if err != nil {
			return err
		}
		q.indexSource(&Source{Nick: f[0], TargetFilename: f[1], SourceFilename: f[2]})
	case "-S":
		f, err := rec.Fields(2)
		if err != nil {
			return err
		}
		q.unindexSource(f[0], f[1])
		q.needNormalize = true
	case "+F":
		f, err := rec.Fields(2)
		if err != nil {
			return err
		}
		flags, err := strconv.ParseUint(f[1], 10, 32)
		if err != nil {
			return fmt.Errorf("+F %s: %w", f[0], err)
		}
		q.filelists[f[0]] = &Filelist{Nick: f[0], Flags: Flags(flags), Priority: FilelistPriority}
	case "-F":
		f, err := rec.Fields(1)
		if err != nil {
			return err
		}
		delete(q.filelists, f[0])
		q.needNormalize = true
	case "+D":
		f, err := rec.Fields(3)
		if err != nil {
			return err
		}
		q.dirs[f[0]] = &Directory{TargetDirectory: f[0], Nick: f[1], SourceDirectory: f[2]}
	case "-D":
		f, err := rec.Fields(1)
		if err != nil {
			return err
		}
		delete(q.dirs, f[0])
		q.needNormalize = true
	case "=R":
		n := 3
		if rec.Legacy() {
			n = 2
		}
		f, err := rec.Fields(n)
		if err != nil {
			return err
		}
		d, ok := q.dirs[f[0]]
		if !ok {
			return fmt.Errorf("=R for unknown directory %q", f[0])
		}
		nfiles, err := strconv.Atoi(f[1])
		if err != nil {
			return fmt.Errorf("=R %s: %w", f[0], err)
		}
		nleft := nfiles
		if n == 3 {
			if nleft, err = strconv.Atoi(f[2]); err != nil {
				return fmt.Errorf("=R %s: %w", f[0], err)
			}
		}
		if d.Resolved() {
			q.needNormalize = true
		}
		d.Flags |= FlagResolved
		d.NFiles = nfiles
		d.NLeft = nleft
	case "=P":
		f, err := rec.Fields(2)
		if err != nil {
			return err
		}
		t, ok := q.targets[f[0]]
		if !ok {
			return fmt.Errorf("=P for unknown target %q", f[0])
		}
		prio, err := strconv.Atoi(f[1])
		if err != nil || prio < 0 || prio > MaxPriority {
			return fmt.Errorf("=P %s: invalid priority %q", f[0], f[1])
		}
		t.Priority = prio
		q.needNormalize = true
	default:
		q.needNormalize = true
		return fmt.Errorf("unknown queue record tag %q", rec.Tag)
	}
	return nil
}

// reconcile repairs state that cannot be trusted after a restart: nothing
// is transferring, every source must point at a target, and a resolved
// directory has exactly as many files left as it has targets.
func (q *Queue) reconcile() {
	for _, t := range q.targets {
		t.Flags &^= FlagActive
	}
	for _, f := range q.filelists {
		f.Flags &^= FlagActive
	}

	for target, byNick := range q.byTarget {
		if _, ok := q.targets[target]; ok {
			continue
		}
		for nick := range byNick {
			q.logger.Warn("dropping source for missing target", "nick", nick, "target", target)
			q.unindexSource(target, nick)
		}
		q.needNormalize = true
	}

	left := make(map[string]int)
	for _, t := range q.targets {
		if t.TargetDirectory == "" {
			continue
		}
		if _, ok := q.dirs[t.TargetDirectory]; !ok {
			q.logger.Warn("target references missing directory", "target", t.Filename, "directory", t.TargetDirectory)
			continue
		}
		left[t.TargetDirectory]++
	}
	for name, d := range q.dirs {
		if !d.Resolved() {
			continue
		}
		if d.NLeft != left[name] {
			q.logger.Warn("correcting directory files left", "directory", name, "recorded", d.NLeft, "actual", left[name])
			d.NLeft = left[name]
			q.needNormalize = true
		}
		if d.NLeft == 0 {
			q.logger.Info("removing finished directory download", "directory", name)
			delete(q.dirs, name)
			q.needNormalize = true
		}
	}
}

// records emits the full queue state as log records.
func (q *Queue) records(emit func(tag string, fields ...string) error) error {
	for _, t := range q.Targets() {
		if err := emit("+T", targetFields(&t)...); err != nil {
			return err
		}
	}
	for _, s := range q.Sources() {
		if err := emit("+S", s.Nick, s.TargetFilename, s.SourceFilename); err != nil {
			return err
		}
	}
	for _, f := range q.Filelists() {
		if err := emit("+F", f.Nick, strconv.FormatUint(uint64(f.Flags), 10)); err != nil {
			return err
		}
	}
	for _, d := range q.Directories() {
		if err := emit("+D", d.TargetDirectory, d.Nick, d.SourceDirectory); err != nil {
			return err
		}
		if d.Resolved() {
			if err := emit("=R", d.TargetDirectory, strconv.Itoa(d.NFiles), strconv.Itoa(d.NLeft)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize rewrites the queue log from memory.
func (q *Queue) Normalize() error {
	err := q.log.Normalize(func(w *logstore.Writer) error {
		return q.records(func(tag string, fields ...string) error {
			_, err := w.Record(tag, fields...)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("normalizing queue log: %w", err)
	}
	q.needNormalize = false
	return nil
}

// NeedNormalize reports whether the log holds tombstones or superseded
// records.
func (q *Queue) NeedNormalize() bool { return q.needNormalize }

// Dump writes the queue state in log record form.
func (q *Queue) Dump(w io.Writer) error {
	return q.records(func(tag string, fields ...string) error {
		escaped := make([]string, len(fields))
		for i, f := range fields {
			escaped[i] = logstore.EscapeField(f)
		}
		_, err := fmt.Fprintf(w, "%s:%s\n", tag, strings.Join(escaped, ":"))
		return err
	})
}

// Close closes the queue log.
func (q *Queue) Close() error {
	return q.log.Close()
}

func targetFields(t *Target) []string {
	return []string{
		t.Filename,
		t.TargetDirectory,
		strconv.FormatUint(t.Size, 10),
		t.TTH,
		strconv.FormatUint(uint64(t.Flags), 10),
		strconv.FormatInt(t.Ctime.Unix(), 10),
		strconv.Itoa(t.Priority),
		strconv.FormatUint(t.Seq, 10),
	}
}

func (q *Queue) logTarget(t *Target) error {
	if err := q.log.Append("+T", targetFields(t)...); err != nil {
		return fmt.Errorf("logging target %s: %w", t.Filename, err)
	}
	return nil
}

func (q *Queue) logFilelist(f *Filelist) error {
	if err := q.log.Append("+F", f.Nick, strconv.FormatUint(uint64(f.Flags), 10)); err != nil {
		return fmt.Errorf("logging filelist %s: %w", f.Nick, err)
	}
	return nil
}

func (q *Queue) logResolved(d *Directory) error {
	if err := q.log.Append("=R", d.TargetDirectory, strconv.Itoa(d.NFiles), strconv.Itoa(d.NLeft)); err != nil {
		return fmt.Errorf("logging directory %s: %w", d.TargetDirectory, err)
	}
	return nil
}

func (q *Queue) indexTarget(t *Target) {
	q.targets[t.Filename] = t
	if t.TTH != "" {
		q.byTTH[t.TTH] = t
	}
}

func (q *Queue) unindexTarget(t *Target) {
	delete(q.targets, t.Filename)
	if t.TTH != "" && q.byTTH[t.TTH] == t {
		delete(q.byTTH, t.TTH)
	}
}

func (q *Queue) indexSource(s *Source) {
	n, ok := q.byNick[s.Nick]
	if !ok {
		n = make(map[string]*Source)
		q.byNick[s.Nick] = n
	}
	n[s.TargetFilename] = s

	t, ok := q.byTarget[s.TargetFilename]
	if !ok {
		t = make(map[string]*Source)
		q.byTarget[s.TargetFilename] = t
	}
	t[s.Nick] = s
}

func (q *Queue) unindexSource(target, nick string) {
	if n, ok := q.byNick[nick]; ok {
		delete(n, target)
		if len(n) == 0 {
			delete(q.byNick, nick)
		}
	}
	if t, ok := q.byTarget[target]; ok {
		delete(t, nick)
		if len(t) == 0 {
			delete(q.byTarget, target)
		}
	}
}

// Targets returns a copy of every target ordered by sequence number.
func (q *Queue) Targets() []Target {
	out := make([]Target, 0, len(q.targets))
	for _, t := range q.targets {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Sources returns a copy of every source ordered by target, then nick.
func (q *Queue) Sources() []Source {
	var out []Source
	for _, byNick := range q.byTarget {
		for _, s := range byNick {
			out = append(out, *s)
		}
	}
	sortSources(out)
	return out
}

// Filelists returns a copy of every filelist ordered by nick.
func (q *Queue) Filelists() []Filelist {
	out := make([]Filelist, 0, len(q.filelists))
	for _, f := range q.filelists {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

// Directories returns a copy of every directory ordered by target directory.
func (q *Queue) Directories() []Directory {
	out := make([]Directory, 0, len(q.dirs))
	for _, d := range q.dirs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetDirectory < out[j].TargetDirectory })
	return out
}

func sortSources(s []Source) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].TargetFilename != s[j].TargetFilename {
			return s[i].TargetFilename < s[j].TargetFilename
		}
		return s[i].Nick < s[j].Nick
	})
}
