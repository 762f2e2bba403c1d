package cluster

import (
	"context"
	"testing"
)

func TestPipelineExecutesBatchAgainstOneNode(t *testing.T) {
	var nodeAddr string
	node := newFakeNode(t, func(cmd []string) []byte {
		if cmd[0] == "CLUSTER" {
			return oneSlotRangeReply(nodeAddr)
		}
		return []byte("+OK\r\n")
	})
	nodeAddr = node.addr

	r := NewRouter([]string{node.addr}, newPoolFactory(), RouterOptions{})
	defer r.Close()
	if err := r.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}

	p := NewPipeline(r)
	p.Queue([]byte("{u1}.a"), []byte("SET"), []byte("{u1}.a"), []byte("1"))
	p.Queue([]byte("{u1}.b"), []byte("SET"), []byte("{u1}.b"), []byte("2"))

	results, err := p.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, v := range results {
		if string(v.Str) != "OK" {
			t.Errorf("result %d: got %+v, want OK", i, v)
		}
	}
}

func TestPipelineRejectsCrossSlotBatch(t *testing.T) {
	r := NewRouter(nil, newPoolFactory(), RouterOptions{})
	defer r.Close()

	p := NewPipeline(r)
	p.Queue([]byte("a"), []byte("GET"), []byte("a"))
	p.Queue([]byte("b"), []byte("GET"), []byte("b"))

	_, err := p.Execute(context.Background())
	if err != ErrCrossSlot {
		t.Fatalf("got %v, want ErrCrossSlot", err)
	}
}
