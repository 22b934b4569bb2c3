package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sync/errgroup"

	"sphub/internal/config"
	"sphub/internal/engine"
	"sphub/internal/history"
	"sphub/internal/pidfile"
	"sphub/internal/queue"
	"sphub/internal/sp"
	"sphub/internal/tth"
	"sphub/internal/ui"
)

// PIDName names the PID file and the process checked for liveness.
const PIDName = "sphubd"

// SPHubApp is the application layer between the CLI and the engine. It
// builds every subsystem from config, holds the single-instance lock and
// tears everything down on Close.
type SPHubApp struct {
	cfg     *config.Config
	logger  sp.Logger
	logFile *os.File
	pid     *pidfile.File
	history *history.Store
	engine  *engine.Engine
	session *Session
}

// NewSPHubApp locks the working directory and opens every store. It fails
// with pidfile.ErrRunning while a daemon is running. The caller must call
// Close when done.
func NewSPHubApp(cfg *config.Config, stderr io.Writer) (*SPHubApp, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.WorkingDir, 0755); err != nil {
		return nil, fmt.Errorf("creating working directory: %w", err)
	}

	pid, err := pidfile.Acquire(cfg.WorkingDir, PIDName)
	if err != nil {
		return nil, err
	}

	ids := sp.UUIDGenerator{}
	session := NewSession(ids.New())
	slogger, logFile, err := newLogger(cfg.LogDir, session.ID, level, stderr)
	if err != nil {
		pid.Release()
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &SPHubApp{cfg: cfg, logger: logger, logFile: logFile, pid: pid, session: session}

	a.history, err = history.NewStoreFromConfig(cfg.History, sp.With(logger, "component", "history"), sp.RealClock{})
	if err != nil {
		a.closeBase()
		return nil, fmt.Errorf("creating history store: %w", err)
	}
	if err := a.history.CheckMigrations(); err != nil {
		a.closeBase()
		return nil, fmt.Errorf("history schema out of date: %w", err)
	}

	a.engine, err = engine.New(engine.Options{
		Config:    cfg,
		History:   a.history,
		SessionID: session.ID,
		Logger:    logger,
		IDs:       ids,
	})
	if err != nil {
		a.closeBase()
		return nil, fmt.Errorf("creating engine: %w", err)
	}
	return a, nil
}

// Engine gives offline commands direct access to the stores. Do not use
// it while Run is active.
func (a *SPHubApp) Engine() *engine.Engine { return a.engine }

func (a *SPHubApp) History() *history.Store { return a.history }

// Run serves peers and the UI until ctx is cancelled.
func (a *SPHubApp) Run(ctx context.Context) error {
	if _, err := a.history.StartSession(a.session.ID); err != nil {
		return fmt.Errorf("recording session: %w", err)
	}
	a.session.Started = true
	a.logger.Info("sphubd starting", "session", a.session.ID, "pid", os.Getpid())

	var hub *ui.Hub
	var uiListener net.Listener
	if addr := a.cfg.UI.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			a.session.Fail()
			return fmt.Errorf("listening for ui on %s: %w", addr, err)
		}
		uiListener = ln
		hub = ui.NewHub(sp.With(a.logger, "component", "ui"))
		a.engine.Notify().SubscribeAll(hub.Publish)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	if uiListener != nil {
		server := ui.NewServer(a.engine, a.history, hub, sp.With(a.logger, "component", "ui"))
		g.Go(func() error { return hub.Run(ctx) })
		g.Go(func() error { return server.Serve(ctx, uiListener) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.session.Fail()
		return err
	}
	return nil
}

// Close shuts the engine down, finishes the session record and releases
// the lock.
func (a *SPHubApp) Close() error {
	var errs []error
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing engine: %w", err))
		}
	}
	if a.session.Started {
		if err := a.history.FinishSession(a.session.ID, a.session.Status); err != nil {
			errs = append(errs, fmt.Errorf("finishing session: %w", err))
		}
	}
	a.logger.Info("sphubd stopped", "session", a.session.ID, "status", a.session.Status)
	errs = append(errs, a.closeBase())
	return errors.Join(errs...)
}

func (a *SPHubApp) closeBase() error {
	var errs []error
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing history: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	if err := a.pid.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DumpQueue writes every queue record of the daemon at cfg to w. The
// daemon must not be running.
func DumpQueue(cfg *config.Config, w io.Writer) error {
	pid, err := pidfile.Acquire(cfg.WorkingDir, PIDName)
	if err != nil {
		return err
	}
	defer pid.Release()

	q, err := queue.New(queue.Options{Workdir: cfg.WorkingDir})
	if err != nil {
		return err
	}
	defer q.Close()
	return q.Dump(w)
}

// ListTTH writes every TTH entry and its inodes to w. The daemon must not
// be running.
func ListTTH(cfg *config.Config, w io.Writer) error {
	pid, err := pidfile.Acquire(cfg.WorkingDir, PIDName)
	if err != nil {
		return err
	}
	defer pid.Release()

	s, err := tth.Open(cfg.WorkingDir, nil)
	if err != nil {
		return err
	}
	defer s.Close()
	for _, e := range s.Entries() {
		if _, err := fmt.Fprintf(w, "%s\toffset=%d\tactive=%d\tinodes=%v\n", e.TTH, e.Offset, e.ActiveInode, s.InodesFor(e.TTH)); err != nil {
			return err
		}
	}
	return nil
}
