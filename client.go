// Package redis provides pooled, pipelined access to Redis nodes and
// clusters.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/nrednal/rdgo/internal/pool"
	"github.com/nrednal/rdgo/internal/resp"
)

// ClientConfig configures a single-node Client. Addr defaults to
// "localhost:6379"; an absolute path (e.g. "/var/run/redis.sock")
// dials a Unix domain socket instead of TCP.
type ClientConfig struct {
	Addr string

	TLSConfig *tls.Config

	// Username is sent with AUTH when non-empty (Redis 6 ACL style).
	Username string
	// Password, when non-nil, triggers AUTH on every new connection's
	// handshake. A non-nil pointer to an empty string authenticates
	// with an empty password, distinct from no AUTH at all.
	Password *string
	// DB selects the logical database with SELECT when nonzero.
	DB int64
	// ClientName is set with CLIENT SETNAME on every new connection.
	ClientName string

	// MaxConnections bounds the pool. Zero defaults to 10.
	MaxConnections int
	// MaxIdleTime and CheckInterval govern the idle reaper; either
	// zero disables reaping.
	MaxIdleTime   time.Duration
	CheckInterval time.Duration
	// BlockingTimeout bounds how long Acquire waits for a free
	// connection once MaxConnections are all on loan. Zero waits
	// indefinitely (subject to the caller's context).
	BlockingTimeout time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ReaderReadSize sizes each connection's read buffer. Zero uses
	// the pool default.
	ReaderReadSize int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	return c
}

// Client manages a pool of connections to one Redis node. Multiple
// goroutines may invoke methods on a Client simultaneously; each
// command borrows a connection from the pool for the duration of its
// round trip.
type Client struct {
	cfg  ClientConfig
	pool *pool.BlockingPool
}

// NewClient builds a Client whose pool dials connections lazily, on
// first use, rather than up front.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg}
	c.pool = pool.NewBlocking(pool.Options{
		MaxConnections: cfg.MaxConnections,
		MaxIdleTime:    cfg.MaxIdleTime,
		CheckInterval:  cfg.CheckInterval,
		Dial: func(ctx context.Context) (*pool.Conn, error) {
			return pool.Dial(ctx, pool.Config{
				Addr:         cfg.Addr,
				DialTimeout:  cfg.DialTimeout,
				ReadTimeout:  cfg.ReadTimeout,
				WriteTimeout: cfg.WriteTimeout,
				TLSConfig:    cfg.TLSConfig,
				Username:     cfg.Username,
				Password:     cfg.Password,
				DB:           cfg.DB,
				ClientName:   cfg.ClientName,
				BufferSize:   cfg.ReaderReadSize,
			})
		},
	}, cfg.BlockingTimeout)
	return c
}

// Close disconnects every pooled connection. Commands issued after
// Close fail once their Acquire observes the pool closed.
func (c *Client) Close() error {
	c.pool.Disconnect()
	return nil
}

// Do sends one command and returns its raw decoded reply, for callers
// that need a shape command.go's typed wrappers do not cover. A
// LOADING reply discards the connection rather than idling it; any
// other reply, including a server error, releases the connection
// normally.
func (c *Client) Do(ctx context.Context, args ...[]byte) (resp.Value, error) {
	conn, err := c.acquireRaw(ctx)
	if err != nil {
		return resp.Value{}, fmt.Errorf("redis: %w", err)
	}

	v, err := conn.Do(ctx, args...)
	if err != nil {
		c.pool.Discard(conn)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return resp.Value{}, ErrTimeout
		}
		return resp.Value{}, ErrConnLost
	}

	if v.IsError() {
		classified := classifyError(v.ErrorString())
		if _, loading := classified.(*LoadingError); loading {
			c.pool.Discard(conn)
		} else {
			c.pool.Release(conn)
		}
		return v, classified
	}

	c.pool.Release(conn)
	return v, nil
}

// acquireRaw exposes the pool to pipeline.go and Tx, which need to
// hold one connection across several commands instead of one Do per
// command.
func (c *Client) acquireRaw(ctx context.Context) (*pool.Conn, error) {
	conn, err := c.pool.Acquire(ctx)
	if errors.Is(err, pool.ErrClosed) {
		return nil, ErrClosed
	}
	return conn, err
}

func (c *Client) releaseRaw(conn *pool.Conn) { c.pool.Release(conn) }
func (c *Client) discardRaw(conn *pool.Conn) { c.pool.Discard(conn) }

// commandOK expects a simple-string reply and discards it.
func (c *Client) commandOK(ctx context.Context, args ...[]byte) error {
	_, err := c.Do(ctx, args...)
	return err
}

// commandInteger expects an integer reply.
func (c *Client) commandInteger(ctx context.Context, args ...[]byte) (int64, error) {
	v, err := c.Do(ctx, args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != resp.Integer {
		return 0, ErrProtocol
	}
	return v.Int, nil
}

// commandBulk expects a bulk reply; a null bulk returns (nil, nil),
// matching the "value absent, not an error" semantics of GET et al.
func (c *Client) commandBulk(ctx context.Context, args ...[]byte) ([]byte, error) {
	v, err := c.Do(ctx, args...)
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Bulk {
		return nil, ErrProtocol
	}
	return v.Bulk, nil
}

// commandArray expects an array of bulk strings; a null array returns
// (nil, nil).
func (c *Client) commandArray(ctx context.Context, args ...[]byte) ([][]byte, error) {
	v, err := c.Do(ctx, args...)
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make([][]byte, len(v.Array))
	for i, e := range v.Array {
		if !e.Null {
			out[i] = e.Bulk
		}
	}
	return out, nil
}

// commandStringArray is commandArray with each element converted to
// string, for replies like the key names KEYS returns.
func (c *Client) commandStringArray(ctx context.Context, args ...[]byte) ([]string, error) {
	v, err := c.Do(ctx, args...)
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make([]string, len(v.Array))
	for i, e := range v.Array {
		out[i] = string(e.Bulk)
	}
	return out, nil
}
