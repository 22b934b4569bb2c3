package conn

import (
	"errors"
	"fmt"
	"io"
	"os"

	"sphub/internal/filelist"
	"sphub/internal/notify"
	"sphub/internal/slots"
)

// uploadRequest is a peer's request for part of a file.
type uploadRequest struct {
	verb   string
	name   string
	offset uint64
	// length -1 means to the end of the file.
	length int64
}

func (c *Conn) handleUploadRequest(verb, args string) error {
	if c.direction != Upload || c.state != Ready {
		return fmt.Errorf("unexpected %s in state %s", verb, c.state)
	}

	req := uploadRequest{verb: verb}
	switch verb {
	case "$ADCGET":
		r, err := parseADC(args)
		if err != nil {
			return err
		}
		if r.Type != "file" {
			return c.send("$Error Unsupported request type %s|", r.Type)
		}
		req.name, req.offset, req.length = r.Name, r.Offset, r.Length
	case "$UGetBlock":
		name, off, length, err := parseUGetBlock(args)
		if err != nil {
			return err
		}
		req.name, req.offset, req.length = name, off, length
	case "$Get":
		name, off, err := parseGet(args)
		if err != nil {
			return err
		}
		req.name, req.offset, req.length = name, off, -1
	}
	return c.serve(req)
}

// resolveUpload maps a requested name to a local file and its size.
func (c *Conn) resolveUpload(name string) (string, uint64, error) {
	if name == filelist.RemoteXML || name == filelist.RemoteDcLst {
		info, err := os.Stat(c.env.OwnFilelist)
		if err != nil {
			return "", 0, err
		}
		return c.env.OwnFilelist, uint64(info.Size()), nil
	}
	f, err := c.env.Share.Lookup(name)
	if err != nil {
		return "", 0, err
	}
	return f.Path, f.Size, nil
}

func (c *Conn) serve(req uploadRequest) error {
	path, size, err := c.resolveUpload(req.name)
	if err != nil {
		c.logger.Info("requested file not available", "file", req.name, "error", err)
		return c.send("$Error File Not Available|")
	}
	if req.offset > size {
		return c.send("$Error Offset beyond end of file|")
	}
	length := size - req.offset
	if req.length >= 0 {
		if uint64(req.length) > length {
			return c.send("$Error Requested range beyond end of file|")
		}
		length = uint64(req.length)
	}

	state := c.env.Slots.Request(c.env.Hub, c.nick, req.name, size)
	if state == slots.None {
		c.logger.Info("no free upload slot", "file", req.name)
		return c.send("$MaxedOut|")
	}

	f, err := os.Open(path)
	if err != nil {
		c.env.Slots.Release(c.env.Hub, c.nick, state)
		c.logger.Warn("opening upload", "path", path, "error", err)
		return c.send("$Error File Not Available|")
	}
	if _, err := f.Seek(int64(req.offset), io.SeekStart); err != nil {
		f.Close()
		c.env.Slots.Release(c.env.Hub, c.nick, state)
		return fmt.Errorf("seeking %s: %w", path, err)
	}

	c.slot = state
	c.uploadName = req.name
	c.localPath = path
	c.local = f
	c.offset = req.offset
	c.fileSize = size
	c.total = length
	c.done = 0

	switch req.verb {
	case "$ADCGET":
		if err := c.send("$ADCSND file %s %d %d|", adcEscape(req.name), req.offset, length); err != nil {
			return err
		}
	case "$UGetBlock":
		if err := c.send("$Sending %d|", length); err != nil {
			return err
		}
	case "$Get":
		// The data follows the peer's $Send.
		c.state = Request
		return c.send("$FileLength %d|", size)
	}
	c.startUpload()
	return nil
}

func (c *Conn) handleSend() error {
	if c.direction != Upload || c.state != Request || c.local == nil {
		return errors.New("unexpected $Send")
	}
	c.startUpload()
	return nil
}

func (c *Conn) startUpload() {
	c.state = Busy
	c.started = c.env.Clock.Now()
	c.lastTransfer = c.started
	c.logger.Info("uploading", "file", c.uploadName, "offset", c.offset, "bytes", c.total, "slot", c.slot)
	c.env.Notify.Publish(notify.UploadStarting{
		Hub:      c.env.Hub,
		Nick:     c.nick,
		Filename: c.localPath,
		Offset:   c.offset,
		Size:     c.fileSize,
	})
	if c.total == 0 {
		c.finishUpload()
	}
}

// Pump sends the next chunk of a running upload. It does nothing while the
// transport still has unsent data.
func (c *Conn) Pump() {
	if c.state != Busy || c.direction != Upload {
		return
	}
	if b, ok := c.t.(backlogger); ok && b.Backlog() > 0 {
		return
	}

	n := c.total - c.done
	if n > ChunkSize {
		n = ChunkSize
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.local, buf); err != nil {
		c.logger.Warn("reading upload", "path", c.localPath, "error", err)
		c.Close(err.Error())
		return
	}
	if err := c.t.Send(buf); err != nil {
		c.Close(err.Error())
		return
	}
	c.done += n
	c.lastTransfer = c.env.Clock.Now()
	if c.done >= c.total {
		c.finishUpload()
	}
}

func (c *Conn) finishUpload() {
	c.closeLocal()
	c.env.Slots.Release(c.env.Hub, c.nick, c.slot)
	c.slot = slots.None
	c.logger.Info("finished uploading", "file", c.uploadName, "bytes", c.done)
	c.env.Notify.Publish(notify.UploadFinished{Nick: c.nick, Filename: c.localPath})
	c.uploadName = ""
	c.state = Ready
	c.lastActivity = c.env.Clock.Now()
}
