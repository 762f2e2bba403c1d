package redis

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"testing"
	"time"
)

// startServer runs session for every accepted connection on a loopback
// listener. These tests verify the client against scripted protocol
// exchanges, not against a live Redis.
func startServer(t *testing.T, session func(c net.Conn, r *bufio.Reader)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				session(c, bufio.NewReader(c))
			}(c)
		}
	}()
	return ln.Addr().String()
}

// readCmd consumes one RESP array-of-bulk-strings request, or returns
// nil once the connection drops.
func readCmd(r *bufio.Reader) [][]byte {
	line, err := r.ReadString('\n')
	if err != nil || len(line) < 4 || line[0] != '*' {
		return nil
	}
	n, _ := strconv.Atoi(line[1 : len(line)-2])
	cmd := make([][]byte, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil
		}
		size, _ := strconv.Atoi(sizeLine[1 : len(sizeLine)-2])
		buf := make([]byte, size+2)
		done := 0
		for done < len(buf) {
			k, err := r.Read(buf[done:])
			done += k
			if err != nil {
				return nil
			}
		}
		cmd[i] = buf[:size]
	}
	return cmd
}

func writeBulk(c net.Conn, b []byte) {
	c.Write([]byte("$" + strconv.Itoa(len(b)) + "\r\n"))
	c.Write(b)
	c.Write([]byte("\r\n"))
}

// kvSession is a crude in-memory string store: enough of SET, GET, DEL
// and MGET for round-trip tests. Each connection gets its own view of
// the shared map passed in.
func kvSession(store map[string][]byte) func(c net.Conn, r *bufio.Reader) {
	return func(c net.Conn, r *bufio.Reader) {
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			switch string(cmd[0]) {
			case "SET":
				store[string(cmd[1])] = cmd[2]
				c.Write([]byte("+OK\r\n"))
			case "GET":
				v, ok := store[string(cmd[1])]
				if !ok {
					c.Write([]byte("$-1\r\n"))
				} else {
					writeBulk(c, v)
				}
			case "DEL":
				n := 0
				for _, k := range cmd[1:] {
					if _, ok := store[string(k)]; ok {
						delete(store, string(k))
						n++
					}
				}
				c.Write([]byte(":" + strconv.Itoa(n) + "\r\n"))
			case "MGET":
				c.Write([]byte("*" + strconv.Itoa(len(cmd)-1) + "\r\n"))
				for _, k := range cmd[1:] {
					if v, ok := store[string(k)]; ok {
						writeBulk(c, v)
					} else {
						c.Write([]byte("$-1\r\n"))
					}
				}
			default:
				c.Write([]byte("-ERR unknown command\r\n"))
			}
		}
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	addr := startServer(t, kvSession(make(map[string][]byte)))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()
	ctx := context.Background()

	big := make([]byte, 1<<20+17)
	rnd := rand.New(rand.NewSource(42))
	rnd.Read(big)

	values := [][]byte{
		[]byte("|abcd}"),
		[]byte("embedded\r\nCRLF\x00and NUL"),
		{},
		big,
	}
	for i, want := range values {
		key := "k" + strconv.Itoa(i)
		if err := c.SET(ctx, key, want); err != nil {
			t.Fatal(err)
		}
		got, err := c.GET(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("key %s: got %d bytes, want %d bytes equal", key, len(got), len(want))
		}
		if got == nil {
			t.Errorf("key %s: empty value decoded as null", key)
		}
	}
}

func TestGetAbsentKeyIsNilNotEmpty(t *testing.T) {
	addr := startServer(t, kvSession(make(map[string][]byte)))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	got, err := c.GET(context.Background(), "nosuchkey")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("absent key: got %q, want nil", got)
	}

	_, ok, err := c.GETString(context.Background(), "nosuchkey")
	if err != nil || ok {
		t.Errorf("absent key: got ok=%t err=%v, want ok=false", ok, err)
	}
}

func TestMGETKeepsNullPositions(t *testing.T) {
	store := map[string][]byte{"a": []byte("1"), "c": []byte("3")}
	addr := startServer(t, kvSession(store))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	got, err := c.MGET(context.Background(), "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || string(got[0]) != "1" || got[1] != nil || string(got[2]) != "3" {
		t.Errorf("got %q, want [1 <nil> 3]", got)
	}
}

// replySession answers every command with the same pre-encoded reply.
func replySession(reply string) func(c net.Conn, r *bufio.Reader) {
	return func(c net.Conn, r *bufio.Reader) {
		for {
			if readCmd(r) == nil {
				return
			}
			if _, err := c.Write([]byte(reply)); err != nil {
				return
			}
		}
	}
}

func TestServerErrorClassification(t *testing.T) {
	tests := []struct {
		reply string
		match func(error) bool
	}{
		{"-NOSCRIPT No matching script\r\n",
			func(err error) bool { var e *NoScriptError; return errors.As(err, &e) }},
		{"-EXECABORT Transaction discarded\r\n",
			func(err error) bool { var e *ExecAbortError; return errors.As(err, &e) }},
		{"-READONLY You can't write against a replica\r\n",
			func(err error) bool { var e *ReadOnlyError; return errors.As(err, &e) }},
		{"-NOAUTH Authentication required\r\n",
			func(err error) bool { var e *AuthError; return errors.As(err, &e) && e.Required }},
		{"-CLUSTERDOWN The cluster is down\r\n",
			func(err error) bool { var e *ClusterDownError; return errors.As(err, &e) }},
	}
	for _, tt := range tests {
		addr := startServer(t, replySession(tt.reply))
		c := NewClient(ClientConfig{Addr: addr})

		_, err := c.Do(context.Background(), []byte("GET"), []byte("x"))
		if err == nil || !tt.match(err) {
			t.Errorf("reply %q: got %v (%T)", tt.reply, err, err)
		}
		c.Close()
	}
}

func TestGenericServerErrorKeepsMessage(t *testing.T) {
	addr := startServer(t, replySession("-WRONGTYPE Operation against a key holding the wrong kind of value\r\n"))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	_, err := c.GET(context.Background(), "x")
	var se ServerError
	if !errors.As(err, &se) {
		t.Fatalf("got %T, want ServerError", err)
	}
	if se.Prefix() != "WRONGTYPE" {
		t.Errorf("got prefix %q, want WRONGTYPE", se.Prefix())
	}
}

func TestLoadingReplyDiscardsConnection(t *testing.T) {
	addr := startServer(t, replySession("-LOADING Redis is loading the dataset in memory\r\n"))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	_, err := c.Do(context.Background(), []byte("GET"), []byte("x"))
	var le *LoadingError
	if !errors.As(err, &le) {
		t.Fatalf("got %v, want LoadingError", err)
	}

	idle, inUse, _ := c.pool.Stats()
	if idle != 0 || inUse != 0 {
		t.Errorf("after LOADING: idle=%d inUse=%d, want the connection gone", idle, inUse)
	}
}

func TestReadTimeoutClassified(t *testing.T) {
	addr := startServer(t, func(c net.Conn, r *bufio.Reader) {
		readCmd(r)
		time.Sleep(time.Second) // never reply in time
	})
	c := NewClient(ClientConfig{Addr: addr, ReadTimeout: 30 * time.Millisecond})
	defer c.Close()

	_, err := c.Do(context.Background(), []byte("GET"), []byte("x"))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

func TestReleaseReturnsConnectionToIdle(t *testing.T) {
	addr := startServer(t, kvSession(make(map[string][]byte)))
	c := NewClient(ClientConfig{Addr: addr, MaxConnections: 2})
	defer c.Close()

	if err := c.SET(context.Background(), "a", []byte("1")); err != nil {
		t.Fatal(err)
	}
	idle, inUse, created := c.pool.Stats()
	if idle != 1 || inUse != 0 || created != 1 {
		t.Errorf("after one command: idle=%d inUse=%d created=%d, want 1/0/1", idle, inUse, created)
	}
}

func TestMSETLengthMismatchRefusedClientSide(t *testing.T) {
	// No server: the refusal must happen before anything is sent.
	c := NewClient(ClientConfig{Addr: "127.0.0.1:1"})
	defer c.Close()

	err := c.MSET(context.Background(), [][]byte{[]byte("k")}, nil)
	if !errors.Is(err, ErrDataError) {
		t.Errorf("got %v, want ErrDataError", err)
	}
}
