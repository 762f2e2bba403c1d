package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func dialerFor(addr string) func(ctx context.Context) (*Conn, error) {
	return func(ctx context.Context) (*Conn, error) {
		return Dial(ctx, Config{Addr: addr, DialTimeout: time.Second})
	}
}

func TestPoolAcquireReleaseReuses(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 2, Dial: dialerFor(addr)})
	defer p.Disconnect()

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c1)

	idle, inUse, created := p.Stats()
	if idle != 1 || inUse != 0 || created != 1 {
		t.Fatalf("got idle=%d inUse=%d created=%d, want 1,0,1", idle, inUse, created)
	}

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 != c1 {
		t.Error("want the idle connection reused, not a new dial")
	}
	p.Release(c2)
}

func TestPoolInvariantCapExceeded(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 1, Dial: dialerFor(addr)})
	defer p.Disconnect()

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("got %v, want ErrPoolExhausted", err)
	}

	p.Release(c1)
}

func TestPoolNeverIdlesAwaitingResponseConn(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 1, Dial: dialerFor(addr)})
	defer p.Disconnect()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send([]byte("PING")); err != nil {
		t.Fatal(err)
	}
	// Release while a response is still outstanding: per the pool
	// contract this must close the connection, not idle it.
	p.Release(c)

	idle, inUse, _ := p.Stats()
	if idle != 0 || inUse != 0 {
		t.Fatalf("got idle=%d inUse=%d, want 0,0", idle, inUse)
	}
	if !c.Broken() {
		t.Error("want connection closed, not idled, after release mid-response")
	}
}

func TestPoolReleaseClosesBrokenConn(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 1, Dial: dialerFor(addr)})
	defer p.Disconnect()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	c.Close() // simulate an I/O failure observed by the caller
	p.Release(c)

	idle, _, _ := p.Stats()
	if idle != 0 {
		t.Errorf("got idle=%d, want 0 for a broken connection", idle)
	}
}

func TestPoolIdleReaper(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{
		MaxConnections: 2,
		MaxIdleTime:    10 * time.Millisecond,
		CheckInterval:  5 * time.Millisecond,
		Dial:           dialerFor(addr),
	})
	defer p.Disconnect()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)

	time.Sleep(100 * time.Millisecond)

	idle, _, created := p.Stats()
	if idle != 0 {
		t.Errorf("got idle=%d, want 0 after reaping", idle)
	}
	if created != 0 {
		t.Errorf("got created=%d, want 0 after reaping frees capacity", created)
	}
}

func TestPoolDisconnectClosesIdle(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 1, Dial: dialerFor(addr)})

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)
	p.Disconnect()

	if !c.Broken() {
		t.Error("want idle connection closed by Disconnect")
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed after Disconnect", err)
	}
}

func TestBlockingPoolWaitsForRelease(t *testing.T) {
	addr := fakeServer(t, okServer)
	bp := NewBlocking(Options{MaxConnections: 1, Dial: dialerFor(addr)}, time.Second)
	defer bp.Disconnect()

	c1, err := bp.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan *Conn, 1)
	go func() {
		c, err := bp.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		acquired <- c
	}()

	select {
	case <-acquired:
		t.Fatal("second Acquire should block until Release")
	case <-time.After(20 * time.Millisecond):
	}

	bp.Release(c1)

	select {
	case c2 := <-acquired:
		bp.Release(c2)
	case <-time.After(time.Second):
		t.Fatal("second Acquire never unblocked after Release")
	}
}

func TestBlockingPoolTimesOut(t *testing.T) {
	addr := fakeServer(t, okServer)
	bp := NewBlocking(Options{MaxConnections: 1, Dial: dialerFor(addr)}, 20*time.Millisecond)
	defer bp.Disconnect()

	c1, err := bp.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer bp.Release(c1)

	_, err = bp.Acquire(context.Background())
	if !errors.Is(err, ErrBlockingTimeout) {
		t.Fatalf("got %v, want ErrBlockingTimeout", err)
	}
}

func TestPoolForkSafetyResetsState(t *testing.T) {
	addr := fakeServer(t, okServer)
	p := New(Options{MaxConnections: 2, Dial: dialerFor(addr)})
	defer p.Disconnect()

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)

	// Simulate observing the pool from a different process.
	p.pid = p.pid + 1

	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c2 == c {
		t.Error("want a freshly dialed connection after simulated fork, not the stale idle one")
	}
	p.Release(c2)
}
