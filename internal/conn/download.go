package conn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"sphub/internal/filelist"
	"sphub/internal/notify"
	"sphub/internal/queue"
)

// RequestDownload asks the peer for the next queued item of its nick. It
// reports whether a request was sent. Files already complete on disk are
// finished without a transfer and the next item is tried.
func (c *Conn) RequestDownload() bool {
	if c.state != Ready || c.direction != Download || c.current != nil {
		return false
	}

	tried := make(map[string]bool)
	for {
		item := c.env.Queue.NextForNick(c.nick)
		if item == nil {
			c.logger.Debug("nothing more to download")
			return false
		}

		c.offset, c.fileSize = 0, 0
		switch it := item.(type) {
		case *queue.DirectoryItem:
			d := it.Directory
			if tried[d.TargetDirectory] {
				c.logger.Warn("directory cannot be resolved", "directory", d.TargetDirectory)
				return false
			}
			tried[d.TargetDirectory] = true
			res, n, err := c.env.Queue.ResolveDirectory(c.nick, d.SourceDirectory, d.TargetDirectory)
			if err != nil && !errors.Is(err, queue.ErrNotFound) {
				c.logger.Warn("resolving directory", "directory", d.TargetDirectory, "error", err)
			}
			c.logger.Debug("resolved directory", "directory", d.TargetDirectory, "result", res, "files", n)
			continue

		case *queue.FilelistItem:
			xml := c.caps.Has(XMLBZList)
			c.localPath = filelist.LocalName(c.env.WorkDir, c.nick, xml)

		case *queue.FileItem:
			t := it.Target
			if _, err := os.Stat(filepath.Join(c.env.DownloadDir, t.Filename)); err == nil {
				c.logger.Info("file already downloaded", "target", t.Filename)
				c.removeTarget(t.Filename)
				continue
			}
			c.localPath = filepath.Join(c.env.IncompleteDir, t.Filename)
			c.fileSize = t.Size
			if info, err := os.Stat(c.localPath); err == nil {
				c.offset = uint64(info.Size())
				if c.offset >= t.Size {
					c.logger.Info("local file is not smaller than remote, treating as complete", "target", t.Filename)
					c.env.Notify.Publish(notify.DownloadFinished{Filename: t.Filename})
					c.removeTarget(t.Filename)
					continue
				}
				c.logger.Info("resuming download", "target", t.Filename, "offset", c.offset)
			}
		}

		c.current = item
		c.activate()
		if err := c.sendRequest(); err != nil {
			c.logger.Warn("sending download request", "error", err)
			c.Close(err.Error())
			return false
		}
		return true
	}
}

func (c *Conn) removeTarget(filename string) {
	if err := c.env.Queue.RemoveTarget(filename); err != nil {
		c.logger.Warn("removing target", "target", filename, "error", err)
	}
}

// sendRequest picks the request verb from the peer's capabilities:
// $ADCGET (by TTH when possible), then $UGetBlock, then $Get.
func (c *Conn) sendRequest() error {
	c.state = Request
	switch it := c.current.(type) {
	case *queue.FilelistItem:
		switch {
		case c.caps.Has(ADCGet):
			return c.send("$ADCGET file %s 0 -1|", filelist.RemoteXML)
		case c.caps.Has(XMLBZList):
			return c.send("$UGetBlock 0 -1 %s|", filelist.RemoteXML)
		default:
			return c.send("$Get %s$1|", filelist.RemoteDcLst)
		}
	case *queue.FileItem:
		src := it.Source.SourceFilename
		size := it.Target.Size
		switch {
		case c.caps.Has(ADCGet):
			name := adcEscape(src)
			if it.Target.TTH != "" && c.caps.Has(TTHF) {
				name = "TTH/" + it.Target.TTH
			}
			return c.send("$ADCGET file %s %d %d|", name, c.offset, size-c.offset)
		case c.caps.Has(XMLBZList) && size > 0:
			return c.send("$UGetBlock %d %d %s|", c.offset, size-c.offset, src)
		default:
			return c.send("$Get %s$%d|", src, c.offset+1)
		}
	}
	return fmt.Errorf("cannot request %T", c.current)
}

func (c *Conn) activate() {
	var err error
	switch it := c.current.(type) {
	case *queue.FilelistItem:
		err = c.env.Queue.SetFilelistActive(it.Filelist.Nick, true)
	case *queue.FileItem:
		err = c.env.Queue.SetTargetActive(it.Target.Filename, true)
	}
	if err != nil {
		c.logger.Warn("marking download active", "error", err)
	}
}

func (c *Conn) deactivate() {
	var err error
	switch it := c.current.(type) {
	case *queue.FilelistItem:
		err = c.env.Queue.SetFilelistActive(it.Filelist.Nick, false)
	case *queue.FileItem:
		err = c.env.Queue.SetTargetActive(it.Target.Filename, false)
	}
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		c.logger.Warn("marking download inactive", "error", err)
	}
}

func (c *Conn) isFilelist() bool {
	_, ok := c.current.(*queue.FilelistItem)
	return ok
}

// handleDownloadReply starts receiving data after the peer accepted a
// request.
func (c *Conn) handleDownloadReply(verb, args string) error {
	if c.direction != Download || c.state != Request || c.current == nil {
		return fmt.Errorf("unexpected %s", verb)
	}

	switch verb {
	case "$ADCSND":
		r, err := parseADC(args)
		if err != nil {
			return err
		}
		if r.Offset != c.offset {
			return fmt.Errorf("peer sends offset %d, requested %d", r.Offset, c.offset)
		}
		if r.Length < 0 {
			return errors.New("peer sends unknown length")
		}
		c.total = uint64(r.Length)
	case "$Sending":
		args = strings.TrimSpace(args)
		if args == "" {
			if c.isFilelist() {
				return errors.New("$Sending without length for a filelist")
			}
			c.total = c.fileSize - c.offset
			break
		}
		n, err := strconv.ParseUint(args, 10, 64)
		if err != nil {
			return fmt.Errorf("$Sending length %q: %w", args, err)
		}
		c.total = n
	case "$FileLength":
		n, err := strconv.ParseUint(strings.TrimSpace(args), 10, 64)
		if err != nil {
			return fmt.Errorf("$FileLength %q: %w", args, err)
		}
		if n < c.offset {
			return fmt.Errorf("remote file is %d bytes, resuming at %d", n, c.offset)
		}
		c.total = n - c.offset
		if err := c.send("$Send|"); err != nil {
			return err
		}
	}
	if c.isFilelist() {
		c.fileSize = c.total
	}
	return c.startDownload()
}

func (c *Conn) startDownload() error {
	if !c.isFilelist() {
		if _, err := os.Stat(c.env.DownloadDir); err != nil {
			c.env.Notify.Publish(notify.StatusMessage{
				Hub:     c.env.Hub,
				Message: fmt.Sprintf("Download directory '%s' doesn't exist (unattached external harddrive?)", c.env.DownloadDir),
			})
			return fmt.Errorf("download directory: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(c.localPath), 0o755); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	flags := os.O_RDWR | os.O_CREATE
	if c.offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(c.localPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.localPath, err)
	}
	if _, err := f.Seek(int64(c.offset), 0); err != nil {
		f.Close()
		return fmt.Errorf("seeking %s: %w", c.localPath, err)
	}
	c.local = f
	c.done = 0
	c.started = c.env.Clock.Now()
	c.lastTransfer = c.started
	c.state = Busy

	c.env.Notify.Publish(notify.DownloadStarting{
		Hub:      c.env.Hub,
		Nick:     c.nick,
		Filename: c.LocalFilename(),
		Offset:   c.offset,
		Size:     c.fileSize,
	})
	if c.total == 0 {
		c.finishDownload()
	}
	return nil
}

// receive writes buffered input to the local file, never past the expected
// length. It reports whether the loop in Feed should go on.
func (c *Conn) receive() bool {
	if len(c.in) == 0 {
		return false
	}
	n := uint64(len(c.in))
	if left := c.total - c.done; n > left {
		n = left
	}
	if _, err := c.local.Write(c.in[:n]); err != nil {
		c.logger.Warn("writing download", "path", c.localPath, "error", err)
		c.Close(err.Error())
		return false
	}
	c.in = c.in[n:]
	c.done += n
	c.lastTransfer = c.env.Clock.Now()
	if c.done >= c.total {
		c.finishDownload()
	}
	return true
}

// finishDownload completes the current item and asks for the next one on
// the same connection.
func (c *Conn) finishDownload() {
	c.closeLocal()
	switch it := c.current.(type) {
	case *queue.FilelistItem:
		plain, err := filelist.Decompress(c.localPath)
		if err != nil {
			c.logger.Warn("decompressing filelist", "path", c.localPath, "error", err)
			c.env.Notify.Publish(notify.StatusMessage{Hub: c.env.Hub, Message: "failed to decompress filelist: " + err.Error()})
		} else {
			c.env.Notify.Publish(notify.FilelistFinished{
				Hub:         c.env.Hub,
				Nick:        c.nick,
				Filename:    plain,
				AutoMatched: it.Filelist.AutoMatched(),
			})
		}
		if err := c.env.Queue.RemoveFilelist(it.Filelist.Nick); err != nil {
			c.logger.Warn("removing filelist", "nick", it.Filelist.Nick, "error", err)
		}
	case *queue.FileItem:
		c.logger.Info("finished downloading", "target", it.Target.Filename, "bytes", c.done)
		c.env.Notify.Publish(notify.DownloadFinished{Filename: it.Target.Filename})
		c.removeTarget(it.Target.Filename)
	}

	c.current = nil
	c.state = Ready
	c.lastActivity = c.env.Clock.Now()
	c.RequestDownload()
}

// handleError deals with a refused request: the source is dropped and the
// next item is tried.
func (c *Conn) handleError(msg string) error {
	if c.direction != Download || c.current == nil {
		c.logger.Info("peer error", "message", msg)
		return nil
	}
	c.env.Notify.Publish(notify.StatusMessage{Hub: c.env.Hub, Message: fmt.Sprintf("%s: %s", c.nick, msg)})
	c.deactivate()
	switch it := c.current.(type) {
	case *queue.FilelistItem:
		if err := c.env.Queue.RemoveFilelist(it.Filelist.Nick); err != nil {
			c.logger.Warn("removing filelist", "error", err)
		}
	case *queue.FileItem:
		c.logger.Info("source refused", "target", it.Target.Filename, "message", msg)
		if err := c.env.Queue.RemoveSource(it.Target.Filename, c.nick); err != nil {
			c.logger.Warn("removing source", "error", err)
		}
	}
	c.closeLocal()
	c.current = nil
	c.state = Ready
	c.RequestDownload()
	return nil
}
