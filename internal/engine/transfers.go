package engine

import (
	"sphub/internal/history"
	"sphub/internal/notify"
	"sphub/internal/sp"
)

// transferLog follows transfer events and writes each finished or aborted
// transfer to the history store.
type transferLog struct {
	store     *history.Store
	sessionID string
	clock     sp.Clock
	logger    sp.Logger

	// downloads are keyed by nick: one download connection per nick.
	downloads map[string]*history.Transfer
	uploads   map[string]*history.Transfer
}

func newTransferLog(store *history.Store, sessionID string, clock sp.Clock, logger sp.Logger) *transferLog {
	return &transferLog{
		store:     store,
		sessionID: sessionID,
		clock:     clock,
		logger:    logger,
		downloads: make(map[string]*history.Transfer),
		uploads:   make(map[string]*history.Transfer),
	}
}

func uploadKey(nick, filename string) string { return nick + "\x00" + filename }

func (l *transferLog) subscribe(nc *notify.Center) {
	if l.store == nil {
		return
	}
	nc.Subscribe(notify.KindDownloadStarting, func(ev notify.Event) {
		s := ev.(notify.DownloadStarting)
		l.downloads[s.Nick] = l.start("download", s.Nick, s.Filename, s.Offset, s.Size)
	})
	nc.Subscribe(notify.KindUploadStarting, func(ev notify.Event) {
		s := ev.(notify.UploadStarting)
		l.uploads[uploadKey(s.Nick, s.Filename)] = l.start("upload", s.Nick, s.Filename, s.Offset, s.Size)
	})
	nc.Subscribe(notify.KindTransferStats, func(ev notify.Event) {
		s := ev.(notify.TransferStats)
		if t := l.find(s.Direction, s.Nick, s.Filename); t != nil {
			t.Bytes = s.Bytes
		}
	})
	nc.Subscribe(notify.KindDownloadFinished, func(ev notify.Event) {
		name := ev.(notify.DownloadFinished).Filename
		for nick, t := range l.downloads {
			if t.Filename == name {
				l.finish(t, history.StatusFinished)
				delete(l.downloads, nick)
				return
			}
		}
	})
	nc.Subscribe(notify.KindFilelistFinished, func(ev notify.Event) {
		nick := ev.(notify.FilelistFinished).Nick
		if t, ok := l.downloads[nick]; ok {
			l.finish(t, history.StatusFinished)
			delete(l.downloads, nick)
		}
	})
	nc.Subscribe(notify.KindUploadFinished, func(ev notify.Event) {
		s := ev.(notify.UploadFinished)
		key := uploadKey(s.Nick, s.Filename)
		if t, ok := l.uploads[key]; ok {
			l.finish(t, history.StatusFinished)
			delete(l.uploads, key)
		}
	})
	nc.Subscribe(notify.KindTransferAborted, func(ev notify.Event) {
		s := ev.(notify.TransferAborted)
		t := l.find(s.Direction, s.Nick, s.Filename)
		if t == nil {
			return
		}
		l.finish(t, history.StatusAborted)
		if s.Direction == "download" {
			delete(l.downloads, s.Nick)
		} else {
			delete(l.uploads, uploadKey(s.Nick, s.Filename))
		}
	})
}

func (l *transferLog) start(direction, nick, filename string, offset, size uint64) *history.Transfer {
	return &history.Transfer{
		SessionID: l.sessionID,
		Direction: direction,
		Nick:      nick,
		Filename:  filename,
		Size:      size,
		Offset:    offset,
		StartedAt: l.clock.Now(),
	}
}

func (l *transferLog) find(direction, nick, filename string) *history.Transfer {
	if direction == "download" {
		return l.downloads[nick]
	}
	return l.uploads[uploadKey(nick, filename)]
}

func (l *transferLog) finish(t *history.Transfer, status string) {
	t.Status = status
	t.FinishedAt = l.clock.Now()
	if status == history.StatusFinished {
		t.Bytes = t.Size - t.Offset
	}
	if err := l.store.RecordTransfer(t); err != nil {
		l.logger.Warn("recording transfer", "nick", t.Nick, "file", t.Filename, "error", err)
	}
}
