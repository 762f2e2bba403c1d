// Package pool implements the connection lifecycle and the
// single-node connection pool: dialing, handshake, idle tracking, and
// bounded reuse under concurrency, independent of cluster routing.
package pool

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/nrednal/rdgo/internal/resp"
)

// ErrClosed is returned by any operation on a Conn after Close.
var ErrClosed = errors.New("pool: connection closed")

// Config carries everything needed to dial and hand-shake one
// connection. Every Conn in a Pool is built from the same Config.
type Config struct {
	// Network is "tcp" or "unix".
	Network string
	// Addr is a host:port pair, or a socket path for "unix".
	Addr string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	TLSConfig *tls.Config

	// Username is sent with AUTH when non-empty (Redis 6 ACL style).
	Username string
	// Password, when non-nil, triggers AUTH on handshake. A non-nil
	// pointer to an empty string authenticates with an empty
	// password, distinct from no AUTH at all.
	Password *string

	// DB selects the logical database with SELECT when nonzero.
	DB int64
	// ClientName is set with CLIENT SETNAME when non-empty.
	ClientName string
	// ReadOnly issues READONLY at handshake, for replica reads in
	// cluster mode.
	ReadOnly bool

	// BufferSize sizes the read buffer; zero uses a sane default.
	BufferSize int
}

func (c Config) network() string {
	if c.Network != "" {
		return c.Network
	}
	if strings.HasPrefix(c.Addr, "/") {
		return "unix"
	}
	return "tcp"
}

func (c Config) bufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return 4096
}

// Conn is one physical connection: a socket, its read/write
// machinery, and the bookkeeping a Pool needs to decide whether the
// connection may be idled or must be closed.
//
// A Conn is never used by two goroutines at once: the Pool hands it
// to exactly one caller between Acquire and Release.
type Conn struct {
	cfg Config
	nc  net.Conn
	br  *bufio.Reader
	dec *resp.Decoder

	// AwaitingResponse is true from the moment a request is written
	// until its response has been fully read. Release must never
	// re-idle a Conn with this set.
	AwaitingResponse bool

	// LastActiveAt is refreshed on every successful Receive, and so on
	// every successful Do; Send and SendRaw leave it unchanged.
	// The idle reaper compares it against MaxIdleTime.
	LastActiveAt time.Time

	createdAt time.Time
	closed    bool
}

// Dial opens the socket, performs the optional AUTH/SELECT/CLIENT
// SETNAME/READONLY handshake, and returns a ready Conn. A LOADING
// error at any point during handshake closes the socket before
// returning, per the pool's rule that a loading connection is never
// handed back as usable.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var nc net.Conn
	var err error
	if cfg.TLSConfig != nil {
		nc, err = tls.DialWithDialer(&dialer, cfg.network(), cfg.Addr, cfg.TLSConfig)
	} else {
		nc, err = dialer.DialContext(ctx, cfg.network(), cfg.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", cfg.Addr, err)
	}

	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	now := time.Now()
	c := &Conn{
		cfg:          cfg,
		nc:           nc,
		br:           bufio.NewReaderSize(nc, cfg.bufferSize()),
		createdAt:    now,
		LastActiveAt: now,
	}
	c.dec = resp.NewDecoder(c.br)

	if err := c.handshake(); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake() error {
	if c.cfg.Password != nil {
		var args [][]byte
		args = append(args, []byte("AUTH"))
		if c.cfg.Username != "" {
			args = append(args, []byte(c.cfg.Username))
		}
		args = append(args, []byte(*c.cfg.Password))
		if err := c.doOK(args...); err != nil {
			return fmt.Errorf("pool: AUTH on handshake: %w", err)
		}
	}
	if c.cfg.DB != 0 {
		if err := c.doOK([]byte("SELECT"), []byte(fmt.Sprintf("%d", c.cfg.DB))); err != nil {
			return fmt.Errorf("pool: SELECT on handshake: %w", err)
		}
	}
	if c.cfg.ClientName != "" {
		if err := c.doOK([]byte("CLIENT"), []byte("SETNAME"), []byte(c.cfg.ClientName)); err != nil {
			return fmt.Errorf("pool: CLIENT SETNAME on handshake: %w", err)
		}
	}
	if c.cfg.ReadOnly {
		if err := c.doOK([]byte("READONLY")); err != nil {
			return fmt.Errorf("pool: READONLY on handshake: %w", err)
		}
	}
	return nil
}

// doOK sends one command and requires a simple-string (+OK or
// similar) reply; any server error reply (e.g. WRONGPASS) is returned
// as a plain error carrying the server's line.
func (c *Conn) doOK(args ...[]byte) error {
	v, err := c.Do(context.Background(), args...)
	if err != nil {
		return err
	}
	if v.IsError() {
		return classify(v.ErrorString())
	}
	return nil
}

// Do writes one command and reads exactly one reply. It is the
// synchronous round trip used outside of pipeline mode.
func (c *Conn) Do(ctx context.Context, args ...[]byte) (resp.Value, error) {
	if c.closed {
		return resp.Value{}, ErrClosed
	}
	if err := c.Send(args...); err != nil {
		return resp.Value{}, err
	}
	return c.Receive()
}

// Send writes one RESP-encoded command without reading its reply,
// for pipeline batching where many Sends precede the matching
// Receives.
func (c *Conn) Send(args ...[]byte) error {
	if c.closed {
		return ErrClosed
	}
	c.applyDeadline(c.cfg.WriteTimeout)

	req := resp.NewRequest(args...)
	_, err := c.nc.Write(req.Bytes())
	req.Free()
	if err != nil {
		c.closed = true
		return fmt.Errorf("pool: write: %w", err)
	}
	c.AwaitingResponse = true
	return nil
}

// SendRaw writes a pre-encoded buffer directly, for pipelines that
// build one multi-command request with resp.Request.AppendCommand
// rather than calling Send once per command.
func (c *Conn) SendRaw(ctx context.Context, buf []byte) error {
	if c.closed {
		return ErrClosed
	}
	c.applyDeadline(c.cfg.WriteTimeout)
	if _, err := c.nc.Write(buf); err != nil {
		c.closed = true
		return fmt.Errorf("pool: write: %w", err)
	}
	c.AwaitingResponse = true
	return nil
}

// Receive reads one fully decoded RESP value. Any I/O or protocol
// error leaves the connection unusable; the caller (the Pool, via
// Release) must Close it rather than idle it.
func (c *Conn) Receive() (resp.Value, error) {
	if c.closed {
		return resp.Value{}, ErrClosed
	}
	c.applyDeadline(c.cfg.ReadTimeout)

	v, err := c.dec.Decode()
	c.AwaitingResponse = false
	if err != nil {
		c.closed = true
		return resp.Value{}, fmt.Errorf("pool: read: %w", err)
	}
	c.LastActiveAt = time.Now()
	return v, nil
}

func (c *Conn) applyDeadline(d time.Duration) {
	if d <= 0 {
		return
	}
	c.nc.SetDeadline(time.Now().Add(d))
}

// Addr returns the node address this connection was dialed to.
func (c *Conn) Addr() string { return c.cfg.Addr }

// Broken reports whether the connection has failed and must not be
// reused. The Pool checks this, plus AwaitingResponse, before
// deciding whether Release may re-idle a Conn.
func (c *Conn) Broken() bool { return c.closed }

// Close tears down the socket. Idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// classify turns a handshake error reply into a plain error carrying
// the server's line. Every prefix, LOADING included, gives the same
// kind of error; the root package's typed classification is not
// applied here, since internal/pool cannot depend on the root package
// (which would cycle back through Conn).
func classify(line string) error {
	prefix := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		prefix = line[:i]
	}
	if prefix == "LOADING" {
		return fmt.Errorf("pool: %s", line)
	}
	return errors.New("pool: " + line)
}
