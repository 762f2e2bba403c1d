package cluster

import (
	"context"

	"github.com/nrednal/rdgo/internal/resp"
)

// Pipeline is the cluster-safe counterpart of a single-node buffered
// pipeline: every queued command's key must hash to the same slot
// (checked up front, before anything is sent), so the
// whole batch can be sent to and served by one node in one round
// trip. MOVED/ASK handling applies to the batch as a unit: any
// redirect restarts the entire pipeline against the new target,
// since a partial batch split across nodes would break the pipeline's
// single-connection FIFO guarantee. A TRYAGAIN reply is not retried;
// it is returned in place among the results.
type Pipeline struct {
	router *Router
	cmds   [][][]byte
	keys   [][]byte
}

// NewPipeline starts an empty cluster pipeline bound to router.
func NewPipeline(router *Router) *Pipeline {
	return &Pipeline{router: router}
}

// Queue adds one command with its routing key to the batch. It does
// not send anything; Execute sends the whole batch in one write.
func (p *Pipeline) Queue(key []byte, args ...[]byte) {
	p.keys = append(p.keys, key)
	p.cmds = append(p.cmds, args)
}

// Execute checks that every queued key hashes to one slot, then sends
// the whole batch to that slot's owner in a single write and reads
// len(cmds) replies in order. Any I/O failure between the write and
// the last read fails the entire pipeline; a redirect restarts the
// whole batch against the new target.
func (p *Pipeline) Execute(ctx context.Context) ([]resp.Value, error) {
	if len(p.cmds) == 0 {
		return nil, nil
	}
	slot, err := SlotForKeys(p.keys)
	if err != nil {
		return nil, err
	}

	addr := p.router.ownerAddr(slot)
	if addr == "" {
		if err := p.router.Bootstrap(ctx); err != nil {
			return nil, err
		}
		addr = p.router.ownerAddr(slot)
		if addr == "" {
			return nil, ErrNoStartupNode
		}
	}

	var asking bool
	moves, reinits := 0, 0

	for {
		pool := p.router.nodePools.Get(addr)
		conn, err := pool.Acquire(ctx)
		if err != nil {
			reinits++
			if reinits > p.router.opt.ReinitializeSteps {
				return nil, ErrTopologyExhausted
			}
			if rerr := p.router.Refresh(ctx); rerr != nil {
				return nil, rerr
			}
			addr = p.router.ownerAddr(slot)
			continue
		}

		if asking {
			if _, err := conn.Do(ctx, []byte("ASKING")); err != nil {
				pool.Discard(conn)
				return nil, err
			}
			asking = false
		}

		results, redirected, err := p.sendAndReceive(ctx, conn)
		if err != nil {
			pool.Discard(conn)
			p.router.nodePools.Drop(addr)
			reinits++
			if reinits > p.router.opt.ReinitializeSteps {
				return nil, ErrTopologyExhausted
			}
			if rerr := p.router.Refresh(ctx); rerr != nil {
				return nil, rerr
			}
			addr = p.router.ownerAddr(slot)
			continue
		}
		pool.Release(conn)

		if redirected == nil {
			return results, nil
		}

		moves++
		if moves > p.router.opt.MovedLimit {
			return nil, ErrTopologyExhausted
		}
		if redirected.kind == "MOVED" {
			p.router.applyMoved(redirected.slot, redirected.addr)
		} else {
			asking = true
		}
		addr = redirected.addr
	}
}

type pipelineRedirect struct {
	kind string
	redirect
}

// sendAndReceive writes every queued command in one buffer and reads
// replies in order. If the first reply carrying a redirect is found,
// the remaining expected replies are still drained (the connection is
// otherwise left mid-pipeline) before reporting the redirect, since
// the server considers the whole batch issued.
func (p *Pipeline) sendAndReceive(ctx context.Context, conn pipelineConn) ([]resp.Value, *pipelineRedirect, error) {
	req := resp.NewRequest(p.cmds[0]...)
	for _, args := range p.cmds[1:] {
		req.AppendCommand(args...)
	}
	defer req.Free()

	if err := conn.SendRaw(ctx, req.Bytes()); err != nil {
		return nil, nil, err
	}

	results := make([]resp.Value, len(p.cmds))
	var found *pipelineRedirect
	for i := range results {
		v, err := conn.Receive()
		if err != nil {
			return nil, nil, err
		}
		results[i] = v
		if found == nil && v.IsError() {
			if kind, rdir, ok := classifyReply(v.ErrorString()); ok && (kind == "MOVED" || kind == "ASK") {
				found = &pipelineRedirect{kind: kind, redirect: rdir}
			}
		}
	}
	if found != nil {
		return nil, found, nil
	}
	return results, nil, nil
}

// pipelineConn is the slice of *pool.Conn's API the pipeline needs;
// declared narrowly so this file only depends on what it uses.
type pipelineConn interface {
	SendRaw(ctx context.Context, buf []byte) error
	Receive() (resp.Value, error)
}
