// Package conn implements peer-to-peer client connections: the NMDC
// handshake, choosing who downloads, and moving file data in either
// direction. Every method must be called from the engine loop.
package conn

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"sphub/internal/notify"
	"sphub/internal/queue"
	"sphub/internal/share"
	"sphub/internal/slots"
	"sphub/internal/sp"
)

const (
	DefaultHandshakeTimeout    = 90 * time.Second
	DefaultIdleTimeout         = 180 * time.Second
	DefaultTransferIdleTimeout = 300 * time.Second

	// ChunkSize is how much one Pump sends of an upload.
	ChunkSize = 64 * 1024
)

// Direction says which side of a connection receives file data.
type Direction int

const (
	Unknown Direction = iota
	Download
	Upload
)

func (d Direction) String() string {
	switch d {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

// State is the connection state.
type State int

const (
	Init State = iota
	Ready
	Request
	Busy
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case Request:
		return "request"
	case Busy:
		return "busy"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrClosed = errors.New("connection closed")

// Transport carries bytes to and from the peer.
type Transport interface {
	Send([]byte) error
	Close() error
	RemoteAddr() string
}

// backlogger is implemented by transports that buffer outgoing data; Pump
// waits for the backlog to drain before reading the next chunk.
type backlogger interface {
	Backlog() int
}

// Queue is the part of the download queue a connection drives.
type Queue interface {
	NextForNick(nick string) queue.WorkItem
	HasSourceForNick(nick string) bool
	ResolveDirectory(nick, sourceDir, targetDir string) (queue.ResolveResult, int, error)
	SetTargetActive(target string, active bool) error
	SetFilelistActive(nick string, active bool) error
	SetPriority(target string, priority int) error
	RemoveTarget(filename string) error
	RemoveSource(target, nick string) error
	RemoveFilelist(nick string) error
}

// Share resolves upload requests.
type Share interface {
	Lookup(name string) (*share.File, error)
}

// Slots grants upload slots.
type Slots interface {
	Request(hub, nick, filename string, size uint64) slots.State
	Release(hub, nick string, state slots.State)
}

// Env holds what every connection shares.
type Env struct {
	// Nick is our own nick.
	Nick string
	Hub  string

	WorkDir       string
	DownloadDir   string
	IncompleteDir string
	// OwnFilelist is the bz2 XML listing served for filelist requests.
	OwnFilelist string

	Queue  Queue
	Share  Share
	Slots  Slots
	Notify *notify.Center
	Logger sp.Logger
	Clock  sp.Clock
	IDs    sp.IDGenerator

	HandshakeTimeout    time.Duration
	IdleTimeout         time.Duration
	TransferIdleTimeout time.Duration
}

func (e *Env) withDefaults() *Env {
	out := *e
	out.Logger = sp.OrNop(e.Logger)
	if out.Clock == nil {
		out.Clock = sp.RealClock{}
	}
	if out.IDs == nil {
		out.IDs = sp.UUIDGenerator{}
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.TransferIdleTimeout <= 0 {
		out.TransferIdleTimeout = DefaultTransferIdleTimeout
	}
	return &out
}

// Conn is one client connection.
type Conn struct {
	id       string
	env      *Env
	t        Transport
	registry *Registry
	logger   sp.Logger

	incoming  bool
	state     State
	direction Direction
	nick      string
	caps      Caps

	// Handshake.
	sentHello    bool
	sentKey      bool
	wantDownload bool
	number       int
	peerDir      Direction
	peerNumber   int

	created      time.Time
	lastActivity time.Time
	lastTransfer time.Time
	started      time.Time

	in []byte

	transfer
}

// transfer is the state of the file being moved, in either direction.
type transfer struct {
	// current is the queue item being downloaded.
	current queue.WorkItem

	// slot is held while uploading uploadName.
	slot       slots.State
	uploadName string

	localPath string
	local     *os.File
	offset    uint64
	fileSize  uint64
	total     uint64
	done      uint64
}

// New creates a connection over t. Outgoing connections know the nick they
// dialed and greet the peer right away; incoming ones learn the nick from
// $MyNick.
func New(env *Env, t Transport, incoming bool, nick string) *Conn {
	env = env.withDefaults()
	now := env.Clock.Now()
	c := &Conn{
		id:           env.IDs.New(),
		env:          env,
		t:            t,
		incoming:     incoming,
		nick:         nick,
		number:       rand.Intn(0x7fff),
		created:      now,
		lastActivity: now,
	}
	c.logger = sp.With(env.Logger, "conn", c.id)
	if !incoming {
		c.sendHello()
	}
	return c
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) Nick() string            { return c.nick }
func (c *Conn) State() State            { return c.state }
func (c *Conn) Direction() Direction    { return c.direction }
func (c *Conn) Caps() Caps              { return c.caps }
func (c *Conn) Incoming() bool          { return c.incoming }
func (c *Conn) RemoteAddr() string      { return c.t.RemoteAddr() }
func (c *Conn) LastActivity() time.Time { return c.lastActivity }

// LocalFilename is the queue target being downloaded, or the local path
// being uploaded; "" when idle.
func (c *Conn) LocalFilename() string {
	if c.direction == Upload {
		if c.slot == slots.None {
			return ""
		}
		return c.localPath
	}
	switch it := c.current.(type) {
	case *queue.FileItem:
		return it.Target.Filename
	case *queue.FilelistItem:
		return c.localPath
	}
	return ""
}

// TargetDirectory is the directory download the current file belongs to.
func (c *Conn) TargetDirectory() string {
	if it, ok := c.current.(*queue.FileItem); ok {
		return it.Target.TargetDirectory
	}
	return ""
}

func (c *Conn) send(format string, args ...any) error {
	c.lastActivity = c.env.Clock.Now()
	if err := c.t.Send([]byte(fmt.Sprintf(format, args...))); err != nil {
		return fmt.Errorf("sending to %s: %w", c.nick, err)
	}
	return nil
}

func (c *Conn) sendHello() {
	if c.sentHello {
		return
	}
	c.sentHello = true
	if err := c.send("$MyNick %s|$Lock %s Pk=%s|", c.env.Nick, Lock, Pk); err != nil {
		c.Close(err.Error())
	}
}

// Feed processes bytes received from the peer.
func (c *Conn) Feed(data []byte) {
	if c.state == Closed {
		return
	}
	c.lastActivity = c.env.Clock.Now()
	c.in = append(c.in, data...)

	for c.state != Closed {
		if c.state == Busy && c.direction == Download {
			if !c.receive() {
				return
			}
			continue
		}
		cmd, rest, ok := nextCommand(c.in)
		if !ok {
			return
		}
		c.in = rest
		if err := c.handle(cmd); err != nil {
			c.logger.Warn("closing connection", "nick", c.nick, "command", cmd, "error", err)
			c.Close(err.Error())
			return
		}
	}
}

func (c *Conn) handle(cmd string) error {
	if cmd == "" {
		return nil
	}
	verb, args := splitCommand(cmd)
	switch verb {
	case "$MyNick":
		return c.handleMyNick(args)
	case "$Lock":
		return c.handleLock(args)
	case "$Supports":
		c.caps = ParseCaps(args)
		return nil
	case "$Direction":
		return c.handleDirection(args)
	case "$Key":
		return c.handleKey()
	case "$ADCSND", "$Sending", "$FileLength":
		return c.handleDownloadReply(verb, args)
	case "$MaxedOut":
		return errors.New("peer has no free slots")
	case "$Error":
		return c.handleError(args)
	case "$ADCGET", "$UGetBlock", "$Get":
		return c.handleUploadRequest(verb, args)
	case "$Send":
		return c.handleSend()
	default:
		c.logger.Debug("ignoring command", "nick", c.nick, "command", verb)
		return nil
	}
}

func (c *Conn) handleMyNick(nick string) error {
	if nick == "" {
		return errors.New("empty $MyNick")
	}
	if c.nick != "" && c.nick != nick {
		return fmt.Errorf("expected nick %q, peer says %q", c.nick, nick)
	}
	c.nick = nick
	c.logger = sp.With(c.env.Logger, "conn", c.id, "nick", nick)
	return nil
}

func (c *Conn) handleLock(args string) error {
	if c.nick == "" {
		return errors.New("$Lock before $MyNick")
	}
	lock, _, _ := strings.Cut(args, " Pk=")
	if lock == "" {
		return errors.New("empty $Lock")
	}
	c.sendHello()
	if c.state == Closed {
		return nil
	}

	c.wantDownload = c.env.Queue.HasSourceForNick(c.nick)
	dir := Upload
	if c.wantDownload {
		dir = Download
	}
	c.sentKey = true
	return c.send("$Supports %s|$Direction %s %d|$Key %s|",
		Supports, directionWord(dir), c.number, LockToKey([]byte(lock)))
}

func directionWord(d Direction) string {
	if d == Download {
		return "Download"
	}
	return "Upload"
}

func (c *Conn) handleDirection(args string) error {
	word, num, _ := strings.Cut(args, " ")
	switch word {
	case "Download":
		c.peerDir = Download
	case "Upload":
		c.peerDir = Upload
	default:
		return fmt.Errorf("unknown direction %q", word)
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return fmt.Errorf("direction number %q: %w", num, err)
	}
	c.peerNumber = n
	return nil
}

func (c *Conn) handleKey() error {
	if c.state != Init {
		return nil
	}
	if !c.sentKey {
		return errors.New("$Key before $Lock")
	}
	switch {
	case c.wantDownload && c.peerDir == Upload:
		c.direction = Download
	case c.wantDownload && c.peerDir == Download:
		switch {
		case c.number > c.peerNumber:
			c.direction = Download
		case c.number < c.peerNumber:
			c.direction = Upload
		default:
			return errors.New("both sides want to download with the same number")
		}
	case c.peerDir == Download:
		c.direction = Upload
	default:
		return errors.New("neither side wants to download")
	}

	c.state = Ready
	c.logger.Info("handshake complete", "direction", c.direction, "caps", c.caps)
	if c.direction == Download {
		c.RequestDownload()
	}
	return nil
}

// Close tears the connection down. It releases the upload slot, puts an
// interrupted download back in the queue and closes the transport and the
// local file, once. Closing a closed connection does nothing.
func (c *Conn) Close(reason string) {
	if c.state == Closed {
		return
	}
	prev := c.state
	c.state = Closed
	if c.registry != nil {
		c.registry.Remove(c)
	}
	c.logger.Info("closing connection", "nick", c.nick, "state", prev, "reason", reason)

	if c.slot != slots.None {
		c.env.Slots.Release(c.env.Hub, c.nick, c.slot)
		c.slot = slots.None
		if prev == Busy {
			c.env.Notify.Publish(notify.TransferAborted{Nick: c.nick, Filename: c.localPath, Direction: Upload.String()})
		}
	}

	if c.current != nil {
		if c.direction != Download {
			c.logger.Error("internal error: queue item on a non-download connection", "nick", c.nick)
		}
		filename := c.LocalFilename()
		c.deactivate()
		if prev == Busy {
			c.env.Notify.Publish(notify.TransferAborted{Nick: c.nick, Filename: filename, Direction: Download.String()})
		}
		c.current = nil
	}

	c.closeLocal()
	if err := c.t.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
	c.in = nil

	if c.current != nil {
		c.logger.Error("internal error: queue item survived close", "nick", c.nick)
	}
}

// CancelTransfer aborts whatever is being transferred by closing the
// connection; an interrupted download stays queued.
func (c *Conn) CancelTransfer() {
	c.Close("transfer cancelled")
}

func (c *Conn) closeLocal() {
	if c.local == nil {
		return
	}
	if err := c.local.Close(); err != nil {
		c.logger.Warn("closing local file", "path", c.localPath, "error", err)
	}
	c.local = nil
}

// Sweep closes the connection if a timeout has passed at now.
func (c *Conn) Sweep(now time.Time) {
	switch c.state {
	case Init:
		if now.Sub(c.created) > c.env.HandshakeTimeout {
			c.Close("handshake timeout")
		}
	case Ready, Request:
		if now.Sub(c.lastActivity) > c.env.IdleTimeout {
			c.Close(fmt.Sprintf("idle for %s", c.env.IdleTimeout))
		}
	case Busy:
		if idle := now.Sub(c.lastTransfer); idle > c.env.TransferIdleTimeout {
			c.env.Notify.Publish(notify.StatusMessage{
				Hub:     c.env.Hub,
				Message: fmt.Sprintf("Aborting transfer with nick '%s' after %s idle time", c.nick, c.env.TransferIdleTimeout),
			})
			c.Close("transfer stalled")
		}
	}
}

// Stats reports progress of a running transfer.
func (c *Conn) Stats() (notify.TransferStats, bool) {
	if c.state != Busy {
		return notify.TransferStats{}, false
	}
	return notify.TransferStats{
		Direction: c.direction.String(),
		Nick:      c.nick,
		Filename:  c.LocalFilename(),
		Offset:    c.offset + c.done,
		Size:      c.fileSize,
		Bytes:     c.done,
	}, true
}

// Rate is the average transfer speed in bytes per second since the
// transfer started.
func (c *Conn) Rate(now time.Time) uint64 {
	secs := uint64(now.Sub(c.started) / time.Second)
	if secs == 0 {
		secs = 1
	}
	return c.done / secs
}
