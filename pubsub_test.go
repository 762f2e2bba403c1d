package redis

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func writePush(c net.Conn, parts ...string) {
	c.Write([]byte("*" + strconv.Itoa(len(parts)) + "\r\n"))
	for _, p := range parts {
		writeBulk(c, []byte(p))
	}
}

// pubsubSession acknowledges subscription commands and lets the test
// inject message frames through deliver.
func pubsubSession(deliver <-chan []string) func(c net.Conn, r *bufio.Reader) {
	return func(c net.Conn, r *bufio.Reader) {
		acked := make(chan struct{}, 16)
		go func() {
			for parts := range deliver {
				<-acked // only push after a subscription is live
				writePush(c, parts...)
			}
		}()
		count := 0
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			switch string(cmd[0]) {
			case "SUBSCRIBE", "PSUBSCRIBE":
				kind := "subscribe"
				if cmd[0][0] == 'P' {
					kind = "psubscribe"
				}
				for _, name := range cmd[1:] {
					count++
					c.Write([]byte("*3\r\n"))
					writeBulk(c, []byte(kind))
					writeBulk(c, name)
					c.Write([]byte(":" + strconv.Itoa(count) + "\r\n"))
					acked <- struct{}{}
				}
			case "UNSUBSCRIBE", "PUNSUBSCRIBE":
				kind := "unsubscribe"
				if cmd[0][0] == 'P' {
					kind = "punsubscribe"
				}
				for _, name := range cmd[1:] {
					count--
					c.Write([]byte("*3\r\n"))
					writeBulk(c, []byte(kind))
					writeBulk(c, name)
					c.Write([]byte(":" + strconv.Itoa(count) + "\r\n"))
				}
			}
		}
	}
}

func TestSubscribeDeliversMessage(t *testing.T) {
	deliver := make(chan []string, 1)
	addr := startServer(t, pubsubSession(deliver))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	ps := c.NewPubSub()
	defer ps.Close()
	ps.Subscribe(nil, "foo")
	deliver <- []string{"message", "foo", "test message"}

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, err := ps.GetMessage(ctx, 500*time.Millisecond, true)
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			if msg.Type != "message" || msg.Channel != "foo" || string(msg.Data) != "test message" {
				t.Errorf("got %+v", msg)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no message within deadline")
		}
	}
}

func TestSubscribeAckVisibleWithoutIgnore(t *testing.T) {
	deliver := make(chan []string)
	addr := startServer(t, pubsubSession(deliver))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	ps := c.NewPubSub()
	defer ps.Close()
	ps.Subscribe(nil, "foo")

	msg, err := ps.GetMessage(context.Background(), 2*time.Second, false)
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.Type != "subscribe" || msg.Channel != "foo" || msg.Count != 1 {
		t.Errorf("got %+v, want subscribe ack for foo with count 1", msg)
	}
	if !ps.Subscribed() {
		t.Error("want Subscribed after acknowledgement")
	}
}

func TestHandlerDispatchBypassesQueue(t *testing.T) {
	deliver := make(chan []string, 1)
	addr := startServer(t, pubsubSession(deliver))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	got := make(chan Message, 1)
	ps := c.NewPubSub()
	defer ps.Close()
	ps.Subscribe(func(m Message) { got <- m }, "foo")
	deliver <- []string{"message", "foo", "handled"}

	select {
	case m := <-got:
		if string(m.Data) != "handled" {
			t.Errorf("got %q", m.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not invoked")
	}

	// The handled frame must not also surface through GetMessage.
	msg, err := ps.GetMessage(context.Background(), 50*time.Millisecond, true)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Errorf("handled frame leaked to GetMessage: %+v", msg)
	}
}

func TestPatternMessageDispatch(t *testing.T) {
	deliver := make(chan []string, 1)
	addr := startServer(t, pubsubSession(deliver))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	ps := c.NewPubSub()
	defer ps.Close()
	ps.PSubscribe(nil, "news.*")
	deliver <- []string{"pmessage", "news.*", "news.tech", "patterned"}

	deadline := time.Now().Add(2 * time.Second)
	for {
		msg, err := ps.GetMessage(context.Background(), 500*time.Millisecond, true)
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			if msg.Type != "pmessage" || msg.Pattern != "news.*" || msg.Channel != "news.tech" {
				t.Errorf("got %+v", msg)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no message within deadline")
		}
	}
}

func TestGetMessageTimeout(t *testing.T) {
	deliver := make(chan []string)
	addr := startServer(t, pubsubSession(deliver))
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	ps := c.NewPubSub()
	defer ps.Close()

	start := time.Now()
	msg, err := ps.GetMessage(context.Background(), 50*time.Millisecond, true)
	if err != nil || msg != nil {
		t.Fatalf("got (%v, %v), want (nil, nil) on timeout", msg, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	var subscribeCount int64
	deliverSecond := make(chan []string, 1)

	addr := startServer(t, func(c net.Conn, r *bufio.Reader) {
		for {
			cmd := readCmd(r)
			if cmd == nil {
				return
			}
			if string(cmd[0]) != "SUBSCRIBE" {
				continue
			}
			n := atomic.AddInt64(&subscribeCount, 1)
			c.Write([]byte("*3\r\n"))
			writeBulk(c, []byte("subscribe"))
			writeBulk(c, cmd[1])
			c.Write([]byte(":1\r\n"))
			if n == 1 {
				return // kill the connection to force a reconnect
			}
			parts := <-deliverSecond
			writePush(c, parts...)
		}
	})
	c := NewClient(ClientConfig{Addr: addr})
	defer c.Close()

	ps := c.NewPubSub()
	defer ps.Close()
	ps.Subscribe(nil, "foo")
	deliverSecond <- []string{"message", "foo", "after reconnect"}

	deadline := time.Now().Add(5 * time.Second)
	for {
		msg, err := ps.GetMessage(context.Background(), 500*time.Millisecond, true)
		if err != nil {
			t.Fatal(err)
		}
		if msg != nil {
			if string(msg.Data) != "after reconnect" {
				t.Errorf("got %q", msg.Data)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no message after reconnect")
		}
	}
	if n := atomic.LoadInt64(&subscribeCount); n < 2 {
		t.Errorf("SUBSCRIBE sent %d times, want re-subscription after reconnect", n)
	}
}
