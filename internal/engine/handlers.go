package engine

import (
	"context"
	"time"

	"sphub/internal/notify"
)

func (e *Engine) subscribe() {
	e.nc.Subscribe(notify.KindFilelistFinished, func(ev notify.Event) {
		e.handleFilelistFinished(ev.(notify.FilelistFinished))
	})
	e.nc.Subscribe(notify.KindSearchResponse, func(ev notify.Event) {
		e.handleSearchResponse(ev.(notify.SearchResponse))
	})
	e.nc.Subscribe(notify.KindTTHAvailable, func(ev notify.Event) {
		if err := e.share.HandleTTHAvailable(ev.(notify.TTHAvailable)); err != nil {
			e.logger.Warn("adding hashed file", "error", err)
		}
	})
	e.nc.Subscribe(notify.KindScanFinished, func(notify.Event) {
		if !e.share.Scanning() {
			e.writeOwnFilelist()
		}
	})
	e.nc.Subscribe(notify.KindDownloadFinished, func(ev notify.Event) {
		e.moveFinished(ev.(notify.DownloadFinished).Filename)
	})
	e.nc.Subscribe(notify.KindExternalIPDetected, func(ev notify.Event) {
		e.logger.Info("external address detected", "ip", ev.(notify.ExternalIPDetected).IP)
	})
	e.nc.Subscribe(notify.KindStatusMessage, func(ev notify.Event) {
		e.logger.Info(ev.(notify.StatusMessage).Message)
	})
	e.transfers.subscribe(e.nc)
}

// handleFilelistFinished expands the directory downloads waiting for the
// nick's listing, then looks for queued files the nick also has.
func (e *Engine) handleFilelistFinished(ev notify.FilelistFinished) {
	if err := e.queue.ResolveDirectoriesForNick(ev.Nick); err != nil {
		e.logger.Warn("resolving directories", "nick", ev.Nick, "error", err)
	}
	n, err := e.queue.MatchFilelistFile(ev.Nick, ev.Filename)
	if err != nil {
		e.logger.Warn("matching filelist", "nick", ev.Nick, "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("matched queued files in filelist", "nick", ev.Nick, "matched", n)
	}
}

func (e *Engine) handleSearchResponse(ev notify.SearchResponse) {
	if !e.cfg.Queue.MatchSearchResponses {
		return
	}
	if _, err := e.queue.MatchSearchResponse(ev, e.cfg.Queue.AutoDownloadFilelists); err != nil {
		e.logger.Warn("matching search response", "nick", ev.Nick, "error", err)
	}
}

// refreshExternalIP looks the external address up whenever the cached one
// has expired. The HTTP request runs here; the result is stored on the
// loop.
func (e *Engine) refreshExternalIP(ctx context.Context) error {
	interval := e.cfg.ExtIP.LookupInterval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		var stale bool
		if err := e.Do(ctx, func(e *Engine) { stale = e.extip.Stale() }); err != nil {
			return nil
		}
		if stale {
			ip, err := e.extip.Lookup(ctx)
			if err != nil {
				e.logger.Info("external address lookup failed", "error", err)
			} else if err := e.Do(ctx, func(e *Engine) { e.extip.Update(ip) }); err != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
