package redis

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/nrednal/rdgo/internal/resp"
)

func TestPipelineExecuteInOrder(t *testing.T) {
	addr := startServer(t, func(c net.Conn, r *bufio.Reader) {
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			switch string(cmd[0]) {
			case "SET":
				c.Write([]byte("+OK\r\n"))
			case "GET":
				writeBulk(c, []byte("value-"+string(cmd[1])))
			}
		}
	})
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	p := c.Pipeline()
	p.Queue([]byte("SET"), []byte("a"), []byte("1"))
	p.Queue([]byte("GET"), []byte("a"))
	p.Queue([]byte("GET"), []byte("b"))
	if p.Len() != 3 {
		t.Fatalf("got %d queued, want 3", p.Len())
	}

	results, err := p.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Kind != resp.SimpleString {
		t.Errorf("result 0: got %+v, want OK", results[0])
	}
	if string(results[1].Bulk) != "value-a" || string(results[2].Bulk) != "value-b" {
		t.Errorf("results out of order: %q, %q", results[1].Bulk, results[2].Bulk)
	}

	if p.Len() != 0 {
		t.Error("pipeline must reset after Execute")
	}
	idle, inUse, _ := c.pool.Stats()
	if idle != 1 || inUse != 0 {
		t.Errorf("after Execute: idle=%d inUse=%d, want the connection re-idled", idle, inUse)
	}
}

func TestPipelineEmptyExecute(t *testing.T) {
	c := NewClient(ClientConfig{Addr: "127.0.0.1:1"})
	defer c.Close()

	results, err := c.Pipeline().Execute(context.Background())
	if err != nil || results != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", results, err)
	}
}

func TestPipelineIOErrorFailsWhole(t *testing.T) {
	addr := startServer(t, func(c net.Conn, r *bufio.Reader) {
		readCmd(r)
		c.Write([]byte("+OK\r\n"))
		// drop the connection before the second reply
	})
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	p := c.Pipeline()
	p.Queue([]byte("SET"), []byte("a"), []byte("1"))
	p.Queue([]byte("SET"), []byte("b"), []byte("2"))

	_, err := p.Execute(context.Background())
	if !errors.Is(err, ErrConnLost) {
		t.Errorf("got %v, want ErrConnLost", err)
	}
	idle, _, _ := c.pool.Stats()
	if idle != 0 {
		t.Errorf("broken pipeline connection re-idled: idle=%d", idle)
	}
}

// txSession speaks the WATCH/MULTI/EXEC exchange. execReplies yields
// the EXEC reply for each successive transaction attempt.
func txSession(execReplies ...string) func(c net.Conn, r *bufio.Reader) {
	attempt := 0
	return func(c net.Conn, r *bufio.Reader) {
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			switch string(cmd[0]) {
			case "WATCH", "MULTI", "UNWATCH", "DISCARD":
				c.Write([]byte("+OK\r\n"))
			case "EXEC":
				i := attempt
				if i >= len(execReplies) {
					i = len(execReplies) - 1
				}
				attempt++
				c.Write([]byte(execReplies[i]))
			default:
				c.Write([]byte("+QUEUED\r\n"))
			}
		}
	}
}

func TestTxExecReturnsResults(t *testing.T) {
	addr := startServer(t, txSession("*2\r\n:1\r\n:2\r\n"))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()
	ctx := context.Background()

	tx := c.Tx()
	if err := tx.WATCH(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	tx.Queue([]byte("INCR"), []byte("counter"))
	tx.Queue([]byte("INCR"), []byte("counter"))

	results, err := tx.Exec(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Int != 1 || results[1].Int != 2 {
		t.Errorf("got %+v", results)
	}

	idle, inUse, _ := c.pool.Stats()
	if idle != 1 || inUse != 0 {
		t.Errorf("after Exec: idle=%d inUse=%d, want the connection re-idled", idle, inUse)
	}
}

func TestTxExecWatchFailed(t *testing.T) {
	addr := startServer(t, txSession("*-1\r\n"))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()
	ctx := context.Background()

	tx := c.Tx()
	if err := tx.WATCH(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	tx.Queue([]byte("INCR"), []byte("counter"))

	_, err := tx.Exec(ctx)
	if !errors.Is(err, ErrWatchFailed) {
		t.Errorf("got %v, want ErrWatchFailed", err)
	}
}

func TestTransactionRetriesOnWatchFailure(t *testing.T) {
	addr := startServer(t, txSession("*-1\r\n", "*-1\r\n", "*1\r\n:7\r\n"))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	calls := 0
	results, err := c.Transaction(context.Background(), func(tx *Tx) error {
		calls++
		tx.Queue([]byte("INCR"), []byte("counter"))
		return nil
	}, "counter")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("fn ran %d times, want 3 (two watch failures)", calls)
	}
	if len(results) != 1 || results[0].Int != 7 {
		t.Errorf("got %+v", results)
	}
}

func TestTxImmediateDoSharesConnection(t *testing.T) {
	addr := startServer(t, func(c net.Conn, r *bufio.Reader) {
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			switch string(cmd[0]) {
			case "WATCH", "MULTI":
				c.Write([]byte("+OK\r\n"))
			case "GET":
				writeBulk(c, []byte("42"))
			case "EXEC":
				c.Write([]byte("*1\r\n+OK\r\n"))
			default:
				c.Write([]byte("+QUEUED\r\n"))
			}
		}
	})
	c := NewClient(ClientConfig{Addr: addr, MaxConnections: 1})
	defer c.Close()
	ctx := context.Background()

	// With MaxConnections=1, WATCH, the read, and EXEC can only
	// succeed if they share the single held connection.
	tx := c.Tx()
	if err := tx.WATCH(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	v, err := tx.Do(ctx, []byte("GET"), []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if string(v.Bulk) != "42" {
		t.Errorf("got %q, want 42", v.Bulk)
	}
	tx.Queue([]byte("SET"), []byte("a"), []byte("43"))
	if _, err := tx.Exec(ctx); err != nil {
		t.Fatal(err)
	}
}
