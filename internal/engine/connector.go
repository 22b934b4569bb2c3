package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"sphub/internal/conn"
)

// ErrUnknownPeer is returned when no address is known for a nick.
var ErrUnknownPeer = errors.New("no address for peer")

// Connector starts a client connection to a nick. Connect must not block:
// the connection is handed back to the engine when it is established.
type Connector interface {
	Connect(ctx context.Context, nick string) error
}

// DirectConnector dials peers at addresses configured or registered by
// nick. Its methods belong to the engine loop; dialing happens on a
// separate goroutine.
type DirectConnector struct {
	peers     map[string]string
	connected func(nick string, t *conn.TCPTransport)
	failed    func(nick string, err error)
}

// NewDirectConnector copies peers. connected and failed are called from
// the dialing goroutine.
func NewDirectConnector(peers map[string]string, connected func(string, *conn.TCPTransport), failed func(string, error)) *DirectConnector {
	c := &DirectConnector{
		peers:     make(map[string]string, len(peers)),
		connected: connected,
		failed:    failed,
	}
	for nick, addr := range peers {
		c.peers[nick] = addr
	}
	return c
}

// SetPeer registers addr for nick; an empty addr forgets the nick.
func (c *DirectConnector) SetPeer(nick, addr string) error {
	if nick == "" {
		return errors.New("peer nick is required")
	}
	if addr == "" {
		delete(c.peers, nick)
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("peer %s: %w", nick, err)
	}
	c.peers[nick] = addr
	return nil
}

// Peer is a known nick and its address.
type Peer struct {
	Nick string `json:"nick"`
	Addr string `json:"addr"`
}

// Peers returns the known peers sorted by nick.
func (c *DirectConnector) Peers() []Peer {
	out := make([]Peer, 0, len(c.peers))
	for nick, addr := range c.peers {
		out = append(out, Peer{Nick: nick, Addr: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nick < out[j].Nick })
	return out
}

func (c *DirectConnector) Connect(ctx context.Context, nick string) error {
	addr, ok := c.peers[nick]
	if !ok {
		return fmt.Errorf("connecting to %s: %w", nick, ErrUnknownPeer)
	}
	go func() {
		t, err := conn.Dial(ctx, addr)
		if err != nil {
			c.failed(nick, err)
			return
		}
		c.connected(nick, t)
	}()
	return nil
}

// connect is the ConnectTrigger callback.
func (e *Engine) connect(nick string) error {
	if e.dialing[nick] || e.connectedTo(nick) {
		return nil
	}
	e.dialing[nick] = true
	if err := e.connector.Connect(e.runCtx, nick); err != nil {
		delete(e.dialing, nick)
		return err
	}
	e.logger.Debug("connecting", "nick", nick)
	return nil
}

func (e *Engine) connectedTo(nick string) bool {
	for _, c := range e.registry.All() {
		if c.Nick() == nick {
			return true
		}
	}
	return false
}

func (e *Engine) attachOutgoing(nick string, t *conn.TCPTransport) {
	err := e.Do(e.runCtx, func(e *Engine) {
		delete(e.dialing, nick)
		e.Attach(t, false, nick)
	})
	if err != nil {
		t.Close()
	}
}

func (e *Engine) dialFailed(nick string, err error) {
	e.logger.Info("cannot connect to peer", "nick", nick, "error", err)
	e.Do(e.runCtx, func(e *Engine) { delete(e.dialing, nick) })
}

// Attach starts a connection over t and feeds it from t's reader
// goroutine.
func (e *Engine) Attach(t *conn.TCPTransport, incoming bool, nick string) *conn.Conn {
	c := conn.New(e.env, t, incoming, nick)
	e.registry.Add(c)
	ctx := e.runCtx
	go t.ReadLoop(
		func(data []byte) {
			e.Do(ctx, func(*Engine) { c.Feed(data) })
		},
		func(err error) {
			reason := "connection closed by peer"
			if err != nil {
				reason = err.Error()
			}
			e.Do(ctx, func(*Engine) { c.Close(reason) })
		},
	)
	return c
}

func (e *Engine) accept(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting peer connection: %w", err)
		}
		t := conn.NewTCPTransport(nc)
		e.logger.Debug("incoming connection", "remote", t.RemoteAddr())
		if err := e.Do(ctx, func(e *Engine) { e.Attach(t, true, "") }); err != nil {
			t.Close()
		}
	}
}
