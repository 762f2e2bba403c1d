package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nrednal/rdgo/internal/pool"
	"github.com/nrednal/rdgo/internal/resp"
)

// Message is one inbound pub/sub frame.
type Message struct {
	// Type is "message", "pmessage", "subscribe", "unsubscribe",
	// "psubscribe", or "punsubscribe".
	Type    string
	Channel string
	// Pattern is set on pmessage frames and pattern acknowledgements.
	Pattern string
	// Data is the payload of message/pmessage frames.
	Data []byte
	// Count is the server's remaining subscription count, on
	// acknowledgement frames.
	Count int64
}

// MessageHandler consumes one message/pmessage frame. Handlers run on
// the PubSub receive goroutine, so a slow handler delays later frames
// on the same connection.
type MessageHandler func(Message)

// PubSub owns one long-lived connection in subscriber mode. A broken
// connection reconnects automatically, re-issuing SUBSCRIBE and
// PSUBSCRIBE for every registered entry before further messages are
// delivered.
//
// Multiple goroutines may invoke methods on a PubSub simultaneously.
type PubSub struct {
	cfg pool.Config

	// Errs reports connection failures between automatic reconnects.
	// Sends never block: when nobody is reading, errors are dropped.
	Errs <-chan error
	errs chan error

	queue  chan Message
	closed chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *pool.Conn
	channels map[string]MessageHandler
	patterns map[string]MessageHandler
	// acked is the server's last acknowledged subscription count; it
	// keeps Subscribed true while unsubscribe acknowledgements are
	// still in flight.
	acked int64
}

// NewPubSub launches a managed subscriber connection using the
// client's dial parameters. The connection is dedicated: commands on c
// do not share it, and SELECT/AUTH on c do not affect it.
func (c *Client) NewPubSub() *PubSub {
	cfg := pool.Config{
		Addr:        c.cfg.Addr,
		DialTimeout: c.cfg.DialTimeout,
		// No read timeout: the receive loop blocks until the server
		// pushes a frame or the connection dies.
		WriteTimeout: c.cfg.WriteTimeout,
		TLSConfig:    c.cfg.TLSConfig,
		Username:     c.cfg.Username,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		ClientName:   c.cfg.ClientName,
		BufferSize:   c.cfg.ReaderReadSize,
	}
	return newPubSub(cfg)
}

func newPubSub(cfg pool.Config) *PubSub {
	errs := make(chan error, 1)
	ps := &PubSub{
		cfg:      cfg,
		Errs:     errs,
		errs:     errs,
		queue:    make(chan Message, 128),
		closed:   make(chan struct{}),
		channels: make(map[string]MessageHandler),
		patterns: make(map[string]MessageHandler),
	}
	ps.ctx, ps.cancel = context.WithCancel(context.Background())
	go ps.connectLoop()
	return ps
}

// Close terminates the connection and the reconnect loop. Errs is
// closed once shutdown completes.
func (ps *PubSub) Close() error {
	ps.mu.Lock()
	ps.cancel()
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-ps.closed
	return nil
}

func (ps *PubSub) connectLoop() {
	defer func() {
		close(ps.errs)
		close(ps.closed)
	}()

	var reconnectDelay time.Duration
	for {
		conn, err := pool.Dial(ps.ctx, ps.cfg)
		if err != nil {
			if ps.ctx.Err() != nil {
				return // terminated by Close
			}
			ps.reportErr(fmt.Errorf("redis: subscriber offline due %w", err))

			// closed loop protection
			reconnectDelay = 2*reconnectDelay + time.Millisecond
			if reconnectDelay > time.Second/2 {
				reconnectDelay = time.Second / 2
			}
			select {
			case <-time.After(reconnectDelay):
			case <-ps.ctx.Done():
				return
			}
			continue
		}
		reconnectDelay = 0

		ps.mu.Lock()
		if ps.ctx.Err() != nil {
			ps.mu.Unlock()
			conn.Close() // discard
			return
		}
		ps.conn = conn
		channels := make([]string, 0, len(ps.channels))
		for name := range ps.channels {
			channels = append(channels, name)
		}
		patterns := make([]string, 0, len(ps.patterns))
		for name := range ps.patterns {
			patterns = append(patterns, name)
		}
		ps.mu.Unlock()

		// resubscribe before anything else is delivered
		if len(channels) != 0 {
			ps.submit(conn, "SUBSCRIBE", channels)
		}
		if len(patterns) != 0 {
			ps.submit(conn, "PSUBSCRIBE", patterns)
		}

		err = ps.receiveLoop(conn)

		ps.mu.Lock()
		ps.conn = nil
		ps.acked = 0
		ps.mu.Unlock()
		conn.Close()

		if ps.ctx.Err() != nil {
			return
		}
		ps.reportErr(err)
	}
}

func (ps *PubSub) receiveLoop(conn *pool.Conn) error {
	for {
		v, err := conn.Receive()
		if err != nil {
			return err
		}
		msg, err := parsePush(v)
		if err != nil {
			return err
		}

		switch msg.Type {
		case "message", "pmessage":
			ps.mu.Lock()
			var handler MessageHandler
			if msg.Type == "pmessage" {
				handler = ps.patterns[msg.Pattern]
			} else {
				handler = ps.channels[msg.Channel]
			}
			ps.mu.Unlock()

			if handler != nil {
				handler(msg)
				continue
			}
			select {
			case ps.queue <- msg:
			case <-ps.ctx.Done():
				return ps.ctx.Err()
			}

		default:
			ps.mu.Lock()
			ps.acked = msg.Count
			ps.mu.Unlock()
			// Acknowledgements never block the receive loop; an
			// unread backlog drops them, GetMessage callers that care
			// read continuously.
			select {
			case ps.queue <- msg:
			default:
			}
		}
	}
}

// parsePush decodes one server push frame.
func parsePush(v resp.Value) (Message, error) {
	if v.Kind != resp.Array || len(v.Array) < 3 {
		return Message{}, ErrProtocol
	}
	kind := string(v.Array[0].Bulk)
	switch kind {
	case "message":
		return Message{
			Type:    kind,
			Channel: string(v.Array[1].Bulk),
			Data:    v.Array[2].Bulk,
		}, nil
	case "pmessage":
		if len(v.Array) < 4 {
			return Message{}, ErrProtocol
		}
		return Message{
			Type:    kind,
			Pattern: string(v.Array[1].Bulk),
			Channel: string(v.Array[2].Bulk),
			Data:    v.Array[3].Bulk,
		}, nil
	case "subscribe", "unsubscribe":
		return Message{
			Type:    kind,
			Channel: string(v.Array[1].Bulk),
			Count:   v.Array[2].Int,
		}, nil
	case "psubscribe", "punsubscribe":
		return Message{
			Type:    kind,
			Pattern: string(v.Array[1].Bulk),
			Count:   v.Array[2].Int,
		}, nil
	}
	return Message{}, ErrProtocol
}

// submit sends one command on the subscriber connection, or forces a
// reconnect on write failure.
func (ps *PubSub) submit(conn *pool.Conn, name string, operands []string) {
	args := make([][]byte, 1, 1+len(operands))
	args[0] = []byte(name)
	for _, op := range operands {
		args = append(args, []byte(op))
	}
	if err := conn.Send(args...); err != nil {
		if ps.ctx.Err() == nil {
			ps.reportErr(err)
			conn.Close()
		}
	}
}

// Subscribe registers channels with handler and sends SUBSCRIBE. A nil
// handler queues matching messages for GetMessage instead. The
// registration survives reconnects until Unsubscribe.
func (ps *PubSub) Subscribe(handler MessageHandler, channels ...string) {
	ps.mu.Lock()
	for _, name := range channels {
		ps.channels[name] = handler
	}
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil && len(channels) != 0 {
		ps.submit(conn, "SUBSCRIBE", channels)
	}
}

// PSubscribe registers patterns with handler and sends PSUBSCRIBE. A
// nil handler queues matching messages for GetMessage instead.
func (ps *PubSub) PSubscribe(handler MessageHandler, patterns ...string) {
	ps.mu.Lock()
	for _, name := range patterns {
		ps.patterns[name] = handler
	}
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil && len(patterns) != 0 {
		ps.submit(conn, "PSUBSCRIBE", patterns)
	}
}

// Unsubscribe drops the named channel registrations and sends
// UNSUBSCRIBE. Without arguments it drops all of them.
func (ps *PubSub) Unsubscribe(channels ...string) {
	ps.mu.Lock()
	if len(channels) == 0 {
		for name := range ps.channels {
			delete(ps.channels, name)
		}
	} else {
		for _, name := range channels {
			delete(ps.channels, name)
		}
	}
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil {
		ps.submit(conn, "UNSUBSCRIBE", channels)
	}
}

// PUnsubscribe drops the named pattern registrations and sends
// PUNSUBSCRIBE. Without arguments it drops all of them.
func (ps *PubSub) PUnsubscribe(patterns ...string) {
	ps.mu.Lock()
	if len(patterns) == 0 {
		for name := range ps.patterns {
			delete(ps.patterns, name)
		}
	} else {
		for _, name := range patterns {
			delete(ps.patterns, name)
		}
	}
	conn := ps.conn
	ps.mu.Unlock()

	if conn != nil {
		ps.submit(conn, "PUNSUBSCRIBE", patterns)
	}
}

// Subscribed reports whether any registration is live, or any
// unsubscribe acknowledgement is still in flight.
func (ps *PubSub) Subscribed() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.channels) != 0 || len(ps.patterns) != 0 || ps.acked != 0
}

// GetMessage returns the next queued frame, or nil once timeout
// elapses without one. Subscription acknowledgements are returned too
// unless ignoreSubscribeMessages is set. Frames consumed by a
// registered handler never reach GetMessage.
func (ps *PubSub) GetMessage(ctx context.Context, timeout time.Duration, ignoreSubscribeMessages bool) (*Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		select {
		case msg, ok := <-ps.queue:
			if !ok {
				return nil, ErrClosed
			}
			if ignoreSubscribeMessages && msg.Type != "message" && msg.Type != "pmessage" {
				continue
			}
			return &msg, nil
		case <-expired:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ps.closed:
			return nil, ErrClosed
		}
	}
}

// reportErr propagates an error without ever blocking the caller.
func (ps *PubSub) reportErr(err error) {
	select {
	case ps.errs <- err:
	default:
	}
}
