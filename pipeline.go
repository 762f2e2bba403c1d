package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/nrednal/rdgo/internal/pool"
	"github.com/nrednal/rdgo/internal/resp"
)

// Pipeline buffers commands without sending them. Execute acquires one
// connection, writes every queued command in a single burst, then
// reads the replies in order. Any I/O failure between the write and
// the last read fails the entire pipeline and discards the connection.
//
// A Pipeline is not safe for concurrent use. After Execute, or after
// any error, the buffer is empty and the Pipeline may be reused.
type Pipeline struct {
	c    *Client
	cmds [][][]byte
}

// Pipeline starts an empty command buffer.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{c: c}
}

// Queue appends one command to the buffer. Nothing is sent until
// Execute.
func (p *Pipeline) Queue(args ...[]byte) {
	p.cmds = append(p.cmds, args)
}

// Len reports the number of queued commands.
func (p *Pipeline) Len() int { return len(p.cmds) }

// Execute sends the whole buffer on one connection and returns the
// replies in queue order. Server error replies occupy their position
// in the result as Error values; they do not abort later commands.
func (p *Pipeline) Execute(ctx context.Context) ([]resp.Value, error) {
	cmds := p.cmds
	p.cmds = nil
	if len(cmds) == 0 {
		return nil, nil
	}

	conn, err := p.c.acquireRaw(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	results, err := writeReadBatch(ctx, conn, cmds)
	if err != nil {
		p.c.discardRaw(conn)
		return nil, err
	}
	p.c.releaseRaw(conn)
	return results, nil
}

// writeReadBatch encodes cmds into one buffer, writes it, and reads
// len(cmds) replies in order.
func writeReadBatch(ctx context.Context, conn *pool.Conn, cmds [][][]byte) ([]resp.Value, error) {
	req := resp.NewRequest(cmds[0]...)
	for _, args := range cmds[1:] {
		req.AppendCommand(args...)
	}
	err := conn.SendRaw(ctx, req.Bytes())
	req.Free()
	if err != nil {
		return nil, ErrConnLost
	}

	results := make([]resp.Value, len(cmds))
	for i := range results {
		v, err := conn.Receive()
		if err != nil {
			return nil, ErrConnLost
		}
		results[i] = v
	}
	return results, nil
}

// Tx is a MULTI/EXEC transaction with optional optimistic locking via
// WATCH. The first WATCH (or the first immediate Do) binds a
// connection, which is held until Exec or Close so that WATCH state
// and the transaction share one session.
//
// A Tx is not safe for concurrent use, and is spent after Exec; start
// a new one to retry.
type Tx struct {
	c        *Client
	conn     *pool.Conn
	cmds     [][][]byte
	watching bool
	broken   bool
}

// Tx starts a transaction. The connection is acquired lazily, on the
// first WATCH, Do, or Exec.
func (c *Client) Tx() *Tx {
	return &Tx{c: c}
}

func (t *Tx) ensureConn(ctx context.Context) error {
	if t.broken {
		return ErrConnLost
	}
	if t.conn != nil {
		return nil
	}
	conn, err := t.c.acquireRaw(ctx)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	t.conn = conn
	return nil
}

// WATCH marks keys for optimistic locking. It is sent immediately on
// the transaction's connection; a later change to any watched key
// makes Exec abort with ErrWatchFailed.
func (t *Tx) WATCH(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("WATCH")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	_, err := t.Do(ctx, args...)
	if err == nil {
		t.watching = true
	}
	return err
}

// Do executes one command immediately on the transaction's connection,
// outside the queued MULTI body. Error semantics match Client.Do,
// including the rule that a LOADING reply discards the connection.
func (t *Tx) Do(ctx context.Context, args ...[]byte) (resp.Value, error) {
	if err := t.ensureConn(ctx); err != nil {
		return resp.Value{}, err
	}

	v, err := t.conn.Do(ctx, args...)
	if err != nil {
		t.fail()
		return resp.Value{}, ErrConnLost
	}
	if v.IsError() {
		classified := classifyError(v.ErrorString())
		if _, loading := classified.(*LoadingError); loading {
			t.fail()
		}
		return v, classified
	}
	return v, nil
}

// Queue appends one command to the MULTI body. Nothing is sent until
// Exec.
func (t *Tx) Queue(args ...[]byte) {
	t.cmds = append(t.cmds, args)
}

// Exec wraps the queued commands in MULTI…EXEC on the transaction's
// connection and returns the per-command results. A null EXEC reply —
// a watched key changed — returns ErrWatchFailed; the caller may
// retry with a fresh Tx. Exec releases the connection in every case.
func (t *Tx) Exec(ctx context.Context) ([]resp.Value, error) {
	if err := t.ensureConn(ctx); err != nil {
		return nil, err
	}
	cmds := t.cmds
	t.cmds = nil

	batch := make([][][]byte, 0, len(cmds)+2)
	batch = append(batch, [][]byte{[]byte("MULTI")})
	batch = append(batch, cmds...)
	batch = append(batch, [][]byte{[]byte("EXEC")})

	replies, err := writeReadBatch(ctx, t.conn, batch)
	if err != nil {
		t.fail()
		return nil, err
	}
	t.release()

	return parseExecReplies(replies, len(cmds))
}

// parseExecReplies interprets the reply sequence of a MULTI…EXEC
// batch: one reply for MULTI, one QUEUED (or refusal) per command, and
// the EXEC reply carrying the results — or null when a watched key
// changed.
func parseExecReplies(replies []resp.Value, n int) ([]resp.Value, error) {
	if replies[0].IsError() {
		return nil, classifyError(replies[0].ErrorString())
	}
	// A command refused at queue time (e.g. bad arity) makes the
	// server answer EXEC with EXECABORT; surface the queue error
	// itself, which is the more specific of the two.
	for _, q := range replies[1 : len(replies)-1] {
		if q.IsError() {
			return nil, classifyError(q.ErrorString())
		}
	}

	exec := replies[len(replies)-1]
	if exec.IsError() {
		return nil, classifyError(exec.ErrorString())
	}
	if exec.Null {
		return nil, ErrWatchFailed
	}
	if exec.Kind != resp.Array || len(exec.Array) != n {
		return nil, ErrProtocol
	}
	return exec.Array, nil
}

// Close releases the transaction's connection without executing. Any
// WATCH state is dropped with UNWATCH first, so the connection can be
// re-idled cleanly. Safe to call after Exec or on a zero-progress Tx.
func (t *Tx) Close() {
	if t.conn == nil {
		return
	}
	if t.watching && !t.broken {
		if _, err := t.conn.Do(context.Background(), []byte("UNWATCH")); err != nil {
			t.fail()
			return
		}
	}
	t.release()
}

func (t *Tx) release() {
	if t.conn != nil {
		t.c.releaseRaw(t.conn)
		t.conn = nil
	}
	t.watching = false
}

func (t *Tx) fail() {
	if t.conn != nil {
		t.c.discardRaw(t.conn)
		t.conn = nil
	}
	t.watching = false
	t.broken = true
}

// Transaction runs fn inside WATCH…MULTI…EXEC, retrying from scratch
// whenever a watched key changes, until fn's queued commands commit or
// ctx ends. fn queues commands on (and may read through) the Tx it is
// given; any error from fn aborts without retry.
func (c *Client) Transaction(ctx context.Context, fn func(*Tx) error, watches ...string) ([]resp.Value, error) {
	for {
		tx := c.Tx()
		if err := tx.WATCH(ctx, watches...); err != nil {
			tx.Close()
			return nil, err
		}
		if err := fn(tx); err != nil {
			tx.Close()
			return nil, err
		}
		results, err := tx.Exec(ctx)
		if !errors.Is(err, ErrWatchFailed) {
			return results, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
