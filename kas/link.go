// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package kas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize = 16 << 20

	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// NoticeKind enumerates what a [Notice] reports.
type NoticeKind uint8

const (
	NoticeConnected NoticeKind = iota + 1
	NoticeDisconnected
	NoticeReply
	NoticeEvent
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeConnected:
		return "connected"
	case NoticeDisconnected:
		return "disconnected"
	case NoticeReply:
		return "reply"
	case NoticeEvent:
		return "event"
	default:
		return fmt.Sprintf("notice(%d)", uint8(k))
	}
}

// Notice is one asynchronous report from the [Link].
type Notice struct {
	Kind   NoticeKind
	Server ServerID

	// Err is set on NoticeDisconnected when the connection ended for
	// any reason other than RequestDisconnect or Close.
	Err error

	// Message is set on NoticeReply and NoticeEvent.
	Message Message
}

// LinkConfig configures a [Link].
type LinkConfig struct {
	// Scheme is "ws" or "wss". Defaults to "wss".
	Scheme string

	// Path is the websocket endpoint on every server. Defaults to
	// "/kas".
	Path string

	// DialTimeout bounds connection establishment. Defaults to 15s.
	DialTimeout time.Duration

	// PingInterval is how often the link pings an idle server. A server
	// that does not answer within two intervals is considered gone.
	// Defaults to 30s.
	PingInterval time.Duration

	// Dialer overrides the websocket dialer, mostly for tests and TLS
	// configuration. Defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Sink receives every notice. Required. Called from link
	// goroutines and from RequestConnect/RequestDisconnect; it must
	// not block or call back into the Link.
	Sink func(Notice)

	Logger *slog.Logger
}

// Link is the connection layer: at most one websocket per server,
// with non-blocking connect, disconnect and send.
type Link struct {
	config     LinkConfig
	logger     *slog.Logger
	instanceID string

	mu      sync.Mutex
	conns   map[ServerID]*linkConn
	stopped bool

	wg sync.WaitGroup
}

// NewLink validates config and returns an idle Link.
func NewLink(config LinkConfig) (*Link, error) {
	if config.Sink == nil {
		return nil, errors.New("kas: LinkConfig.Sink is required")
	}
	if config.Scheme == "" {
		config.Scheme = "wss"
	}
	if config.Scheme != "ws" && config.Scheme != "wss" {
		return nil, fmt.Errorf("kas: unsupported scheme %q", config.Scheme)
	}
	if config.Path == "" {
		config.Path = "/kas"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 15 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	instanceID := uuid.NewString()
	return &Link{
		config:     config,
		logger:     logger.With("link_instance", instanceID),
		instanceID: instanceID,
		conns:      make(map[ServerID]*linkConn),
	}, nil
}

// InstanceID identifies this client process to servers.
func (l *Link) InstanceID() string { return l.instanceID }

// RequestConnect starts connecting to server unless a connection
// already exists or is being established. The outcome arrives as a
// NoticeConnected or NoticeDisconnected.
func (l *Link) RequestConnect(server ServerID) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		l.config.Sink(Notice{Kind: NoticeDisconnected, Server: server, Err: ErrLinkStopped})
		return
	}
	if _, exists := l.conns[server]; exists {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := &linkConn{
		link:    l,
		server:  server,
		cancel:  cancel,
		send:    make(chan []byte, sendQueueSize),
		closing: make(chan struct{}),
		logger:  l.logger.With("server", string(server)),
	}
	l.conns[server] = conn
	l.wg.Add(1)
	l.mu.Unlock()

	go conn.run(ctx)
}

// RequestDisconnect closes the connection to server after flushing
// queued commands. A NoticeDisconnected with a nil Err follows, even
// when there was no connection.
func (l *Link) RequestDisconnect(server ServerID) {
	l.mu.Lock()
	conn := l.conns[server]
	l.mu.Unlock()
	if conn == nil {
		l.config.Sink(Notice{Kind: NoticeDisconnected, Server: server})
		return
	}
	conn.shutdown()
}

// SendCommand queues msg on the connection to server. It fails with
// ErrNotConnected when the connection is not established and with
// ErrSendQueueFull when the server is not draining its queue.
func (l *Link) SendCommand(server ServerID, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conns[server]
	l.mu.Unlock()
	if conn == nil || !conn.established.Load() {
		return ErrNotConnected
	}
	select {
	case <-conn.closing:
		return ErrNotConnected
	default:
	}
	select {
	case conn.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Stop refuses further connects. Existing connections stay up until
// disconnected.
func (l *Link) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
}

// Close stops the link, disconnects every server and waits for all
// connection goroutines to exit.
func (l *Link) Close() {
	l.mu.Lock()
	l.stopped = true
	conns := make([]*linkConn, 0, len(l.conns))
	for _, conn := range l.conns {
		conns = append(conns, conn)
	}
	l.mu.Unlock()
	for _, conn := range conns {
		conn.shutdown()
	}
	l.wg.Wait()
}

func (l *Link) remove(conn *linkConn) {
	l.mu.Lock()
	if l.conns[conn.server] == conn {
		delete(l.conns, conn.server)
	}
	l.mu.Unlock()
}

func (l *Link) endpoint(server ServerID) string {
	target := url.URL{
		Scheme:   l.config.Scheme,
		Host:     string(server),
		Path:     l.config.Path,
		RawQuery: url.Values{"instance": {l.instanceID}}.Encode(),
	}
	return target.String()
}

// linkConn is one server connection. The run goroutine owns the read
// side, the writer goroutine owns every write.
type linkConn struct {
	link   *Link
	server ServerID
	logger *slog.Logger
	cancel context.CancelFunc

	send        chan []byte
	closing     chan struct{}
	closeOnce   sync.Once
	requested   atomic.Bool
	established atomic.Bool
}

func (c *linkConn) shutdown() {
	c.requested.Store(true)
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
	})
}

func (c *linkConn) run(ctx context.Context) {
	defer c.link.wg.Done()
	err := c.serve(ctx)
	c.link.remove(c)
	if c.requested.Load() {
		err = nil
	}
	if err != nil {
		c.logger.Info("connection ended", "error", err)
	} else {
		c.logger.Debug("connection closed")
	}
	c.link.config.Sink(Notice{Kind: NoticeDisconnected, Server: c.server, Err: err})
}

func (c *linkConn) serve(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.link.config.DialTimeout)
	ws, _, err := c.link.config.Dialer.DialContext(dialCtx, c.link.endpoint(c.server), nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("kas: dialing %s: %w", c.server, err)
	}
	defer ws.Close()

	pongWait := 2 * c.link.config.PingInterval
	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.established.Store(true)
	c.logger.Info("connected")
	c.link.config.Sink(Notice{Kind: NoticeConnected, Server: c.server})

	writerDone := make(chan struct{})
	go c.writeLoop(ws, writerDone)

	readErr := c.readLoop(ws, pongWait)

	// Unblock the writer if the read side failed first.
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
	})
	<-writerDone
	return readErr
}

func (c *linkConn) readLoop(ws *websocket.Conn, pongWait time.Duration) error {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("kas: reading from %s: %w", c.server, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage {
			return &ProtocolError{Reason: fmt.Sprintf("unexpected websocket message type %d", messageType)}
		}
		msg, err := Decode(data)
		if err != nil {
			return err
		}
		switch msg.Kind {
		case KindReply:
			c.link.config.Sink(Notice{Kind: NoticeReply, Server: c.server, Message: msg})
		case KindEvent:
			c.link.config.Sink(Notice{Kind: NoticeEvent, Server: c.server, Message: msg})
		default:
			return &ProtocolError{Type: msg.Type, Reason: "server sent a command"}
		}
	}
}

func (c *linkConn) writeLoop(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.link.config.PingInterval)
	defer ticker.Stop()

	write := func(messageType int, data []byte) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		return ws.WriteMessage(messageType, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(websocket.BinaryMessage, data); err != nil {
				c.logger.Warn("write failed", "error", err)
				_ = ws.Close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				_ = ws.Close()
				return
			}
		case <-c.closing:
			c.flush(write)
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = ws.Close()
			return
		}
	}
}

// flush writes whatever is already queued, best effort.
func (c *linkConn) flush(write func(int, []byte) error) {
	for {
		select {
		case data := <-c.send:
			if err := write(websocket.BinaryMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
