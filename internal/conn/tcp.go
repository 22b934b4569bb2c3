package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sendQueueLen = 64
	readBufSize  = 32 * 1024
	writeTimeout = 60 * time.Second
)

var errSendQueueFull = errors.New("send queue full")

// TCPTransport is a Transport over a net.Conn. Writes are queued to a
// writer goroutine so Send never blocks the engine loop; reads are
// delivered by ReadLoop.
type TCPTransport struct {
	conn    net.Conn
	out     chan []byte
	done    chan struct{}
	backlog atomic.Int64
	once    sync.Once
}

// NewTCPTransport starts the writer goroutine for conn.
func NewTCPTransport(conn net.Conn) *TCPTransport {
	t := &TCPTransport{
		conn: conn,
		out:  make(chan []byte, sendQueueLen),
		done: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr string) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return NewTCPTransport(conn), nil
}

func (t *TCPTransport) Send(b []byte) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(b))
	copy(buf, b)
	t.backlog.Add(int64(len(buf)))
	select {
	case <-t.done:
		t.backlog.Add(-int64(len(buf)))
		return ErrClosed
	case t.out <- buf:
		return nil
	default:
		t.backlog.Add(-int64(len(buf)))
		return errSendQueueFull
	}
}

// Backlog is the number of bytes queued but not yet written.
func (t *TCPTransport) Backlog() int {
	return int(t.backlog.Load())
}

func (t *TCPTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case buf := <-t.out:
			t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_, err := t.conn.Write(buf)
			t.backlog.Add(-int64(len(buf)))
			if err != nil {
				t.Close()
				return
			}
		}
	}
}

func (t *TCPTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.conn.Close()
	})
	return err
}

func (t *TCPTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ReadLoop reads until the connection fails, handing each chunk to deliver.
// The error that ended the loop goes to closed; nil means a clean EOF.
func (t *TCPTransport) ReadLoop(deliver func([]byte), closed func(error)) {
	buf := make([]byte, readBufSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			deliver(data)
		}
		if err != nil {
			select {
			case <-t.done:
				// Closed locally.
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				err = nil
			}
			closed(err)
			return
		}
	}
}
