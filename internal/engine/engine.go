// Package engine runs the daemon: one goroutine owns every store and
// connection, and everything else talks to it through Do.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"sphub/internal/config"
	"sphub/internal/conn"
	"sphub/internal/extip"
	"sphub/internal/fs"
	"sphub/internal/history"
	"sphub/internal/notify"
	"sphub/internal/queue"
	"sphub/internal/share"
	"sphub/internal/slots"
	"sphub/internal/sp"
	"sphub/internal/tth"
)

const (
	tickInterval       = time.Second
	scanInterval       = 100 * time.Millisecond
	pumpInterval       = 5 * time.Millisecond
	checkpointInterval = 10 * time.Minute

	// OwnFilelistName is our listing inside the working directory.
	OwnFilelistName = "files.xml.bz2"
)

// ErrStopped is returned by Do once the loop has exited.
var ErrStopped = errors.New("engine stopped")

// Options configures New. Config is required; the rest default to
// production implementations.
type Options struct {
	Config *config.Config
	// History records transfers when set.
	History   *history.Store
	SessionID string
	// Connector starts outgoing connections. Nil uses a DirectConnector
	// over Config.Peers.
	Connector Connector
	// Filesystem is what the share scans; nil is the local disk.
	Filesystem fs.Filesystem
	Logger     sp.Logger
	Clock      sp.Clock
	IDs        sp.IDGenerator
}

type call struct {
	fn   func(*Engine)
	done chan struct{}
}

// Engine owns the queue, share, slots and connections. Except for Do, its
// methods must only be called from the loop: inside a Do closure, an
// event handler, or before Run starts.
type Engine struct {
	cfg    *config.Config
	logger sp.Logger
	clock  sp.Clock

	nc       *notify.Center
	tths     *tth.Store
	queue    *queue.Queue
	share    *share.Share
	extra    *slots.ExtraSlots
	slots    *slots.Allocator
	extip    *extip.Detector
	history  *history.Store
	registry *conn.Registry
	trigger  *queue.ConnectTrigger
	env      *conn.Env

	connector Connector
	dialing   map[string]bool
	transfers *transferLog

	ownFilelist string
	cid         string
	listener    net.Listener

	calls   chan call
	stopped chan struct{}
	closed  bool
	runCtx  context.Context
}

// New opens the stores in the working directory and wires the subsystems
// together.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: no config")
	}
	logger := sp.OrNop(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = sp.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = sp.UUIDGenerator{}
	}

	incomplete := cfg.Incomplete()
	for _, dir := range []string{cfg.WorkingDir, cfg.DownloadDir, incomplete} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		clock:       clock,
		nc:          notify.NewCenter(),
		history:     opts.History,
		registry:    conn.NewRegistry(sp.With(logger, "component", "conn")),
		dialing:     make(map[string]bool),
		ownFilelist: filepath.Join(cfg.WorkingDir, OwnFilelistName),
		cid:         ids.New(),
		calls:       make(chan call),
		stopped:     make(chan struct{}),
		runCtx:      context.Background(),
	}

	var err error
	e.tths, err = tth.Open(cfg.WorkingDir, sp.With(logger, "component", "tth"))
	if err != nil {
		return nil, fmt.Errorf("opening tth store: %w", err)
	}
	e.queue, err = queue.New(queue.Options{
		Workdir: cfg.WorkingDir,
		Notify:  e.nc,
		Logger:  sp.With(logger, "component", "queue"),
		Clock:   clock,
	})
	if err != nil {
		e.tths.Close()
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	e.extra, err = slots.OpenExtraSlots(cfg.WorkingDir, e.nc, sp.With(logger, "component", "slots"))
	if err != nil {
		e.queue.Close()
		e.tths.Close()
		return nil, fmt.Errorf("opening extra slots: %w", err)
	}

	e.slots = slots.NewAllocator(cfg.Slots.Total, cfg.Slots.Global, cfg.Slots.FreeSizeLimit, e.extra, sp.With(logger, "component", "slots"))

	e.share = share.New(share.Options{
		Filesystem:    opts.Filesystem,
		TTH:           e.tths,
		Notify:        e.nc,
		Logger:        sp.With(logger, "component", "share"),
		IncompleteDir: incomplete,
		Ignore:        cfg.Share.Ignore,
	})
	for _, mp := range cfg.Share.Mountpoints {
		vroot := mp.VirtualRoot
		if vroot == "" {
			vroot = filepath.Base(filepath.Clean(mp.Path))
		}
		if err := e.share.Add(mp.Path, vroot); err != nil {
			logger.Warn("not sharing directory", "path", mp.Path, "error", err)
		}
	}

	e.extip = extip.New(extip.Options{
		StaticIP:  cfg.ExtIP.StaticIP,
		UseStatic: cfg.ExtIP.UseStatic,
		LookupURL: cfg.ExtIP.LookupURL,
		Validity:  cfg.ExtIP.LookupInterval.Std(),
		Notify:    e.nc,
		Logger:    sp.With(logger, "component", "extip"),
		Clock:     clock,
	})

	e.env = &conn.Env{
		Nick:                cfg.Nick,
		WorkDir:             cfg.WorkingDir,
		DownloadDir:         cfg.DownloadDir,
		IncompleteDir:       incomplete,
		OwnFilelist:         e.ownFilelist,
		Queue:               e.queue,
		Share:               e.share,
		Slots:               e.slots,
		Notify:              e.nc,
		Logger:              logger,
		Clock:               clock,
		IDs:                 ids,
		HandshakeTimeout:    cfg.Connection.HandshakeTimeout.Std(),
		IdleTimeout:         cfg.Connection.IdleTimeout.Std(),
		TransferIdleTimeout: cfg.Connection.TransferIdleTimeout.Std(),
	}
	e.trigger = queue.NewConnectTrigger(e.queue, cfg.Queue.ConnectInterval.Std(), clock)

	e.connector = opts.Connector
	if e.connector == nil {
		e.connector = NewDirectConnector(cfg.Peers, e.attachOutgoing, e.dialFailed)
	}
	e.transfers = newTransferLog(opts.History, opts.SessionID, clock, logger)
	e.subscribe()

	return e, nil
}

func (e *Engine) Config() *config.Config                { return e.cfg }
func (e *Engine) Notify() *notify.Center                { return e.nc }
func (e *Engine) Queue() *queue.Queue                   { return e.queue }
func (e *Engine) Share() *share.Share                   { return e.share }
func (e *Engine) TTH() *tth.Store                       { return e.tths }
func (e *Engine) Slots() *slots.Allocator               { return e.slots }
func (e *Engine) ExtraSlots() *slots.ExtraSlots         { return e.extra }
func (e *Engine) ExtIP() *extip.Detector                { return e.extip }
func (e *Engine) History() *history.Store               { return e.history }
func (e *Engine) Connections() *conn.Registry           { return e.registry }
func (e *Engine) ConnectTrigger() *queue.ConnectTrigger { return e.trigger }
func (e *Engine) Connector() Connector                  { return e.connector }

// Listen opens the peer listener on connection.listen_addr. Run calls it
// when it has not been called yet; an empty address disables listening.
func (e *Engine) Listen() (net.Addr, error) {
	if e.listener != nil {
		return e.listener.Addr(), nil
	}
	addr := e.cfg.Connection.ListenAddr
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	e.listener = ln
	e.logger.Info("listening for peers", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Run starts the loop, the peer listener and the external IP refresher,
// and blocks until ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	e.runCtx = ctx

	g.Go(func() error { return e.loop(ctx) })
	if e.listener != nil {
		ln := e.listener
		g.Go(func() error { return e.accept(ctx, ln) })
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}
	if !e.cfg.ExtIP.UseStatic && e.cfg.ExtIP.LookupURL != "" {
		g.Go(func() error { return e.refreshExternalIP(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Do runs fn on the loop and waits for it to return. It must not be
// called from the loop itself.
func (e *Engine) Do(ctx context.Context, fn func(*Engine)) error {
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case e.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
	select {
	case <-c.done:
		return nil
	case <-e.stopped:
		select {
		case <-c.done:
			return nil
		default:
			return ErrStopped
		}
	}
}

func (e *Engine) loop(ctx context.Context) error {
	defer close(e.stopped)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	scan := time.NewTicker(scanInterval)
	defer scan.Stop()
	pump := time.NewTicker(pumpInterval)
	defer pump.Stop()
	checkpoint := time.NewTicker(checkpointInterval)
	defer checkpoint.Stop()

	var rescan <-chan time.Time
	if d := e.cfg.Share.RescanInterval.Std(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		rescan = t.C
	}

	e.logger.Info("engine started", "nick", e.cfg.Nick)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping")
			return ctx.Err()
		case c := <-e.calls:
			c.fn(e)
			close(c.done)
		case <-tick.C:
			e.Tick()
		case <-scan.C:
			if e.share.Scanning() {
				e.share.Step()
			}
		case <-pump.C:
			if e.registry.Uploading() {
				e.registry.Pump()
			}
		case <-rescan:
			e.logger.Info("rescanning share")
			e.share.Rescan()
		case <-checkpoint.C:
			e.Checkpoint()
		}
	}
}

// Tick runs the once-a-second work: idle download connections ask for
// more, nicks with queued work are connected, timeouts are applied and
// transfer statistics are published.
func (e *Engine) Tick() {
	now := e.clock.Now()
	e.registry.TriggerDownloads()
	e.trigger.Run(e.connect)
	e.registry.Sweep(now)
	for _, st := range e.registry.Stats() {
		e.nc.Publish(st)
	}
	if e.share.Stale() && !e.share.Scanning() {
		e.writeOwnFilelist()
	}
}

// Checkpoint compacts the stores that have accumulated garbage.
func (e *Engine) Checkpoint() {
	stores := []struct {
		name string
		s    interface {
			NeedNormalize() bool
			Normalize() error
		}
	}{
		{"queue", e.queue},
		{"tth", e.tths},
		{"slots", e.extra},
	}
	for _, st := range stores {
		if !st.s.NeedNormalize() {
			continue
		}
		if err := st.s.Normalize(); err != nil {
			e.logger.Warn("normalizing store", "store", st.name, "error", err)
		}
	}
}

func (e *Engine) writeOwnFilelist() {
	if err := e.share.WriteFilelist(e.ownFilelist, e.cid); err != nil {
		e.logger.Warn("writing own filelist", "error", err)
		return
	}
	e.share.ClearStale()
}

// Close shuts every connection and normalizes and closes the stores. Call
// it after Run has returned.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.registry.CloseAll("shutting down")
	if e.listener != nil {
		e.listener.Close()
	}

	var errs []error
	if err := e.queue.Normalize(); err != nil {
		errs = append(errs, fmt.Errorf("normalizing queue: %w", err))
	}
	if err := e.tths.Normalize(); err != nil {
		errs = append(errs, fmt.Errorf("normalizing tth store: %w", err))
	}
	if err := e.extra.Normalize(); err != nil {
		errs = append(errs, fmt.Errorf("normalizing extra slots: %w", err))
	}
	errs = append(errs, e.queue.Close(), e.tths.Close(), e.extra.Close())
	return errors.Join(errs...)
}
