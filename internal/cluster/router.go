package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nrednal/rdgo/internal/pool"
	"github.com/nrednal/rdgo/internal/resp"
)

// RouterOptions tunes the redirect and retry bounds. Zero values fall
// back to the documented defaults.
type RouterOptions struct {
	// MovedLimit bounds consecutive MOVED/ASK redirects for one
	// command. Default 16.
	MovedLimit int
	// ReinitializeSteps bounds how many times a command may trigger
	// a topology refresh after a connection error before giving up.
	// Default 5.
	ReinitializeSteps int
	// TryAgainLimit bounds TRYAGAIN retries. Default 3.
	TryAgainLimit int
	// TryAgainBackoff is the base backoff between TRYAGAIN retries,
	// scaled linearly by attempt number. Default 20ms.
	TryAgainBackoff time.Duration
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.MovedLimit <= 0 {
		o.MovedLimit = 16
	}
	if o.ReinitializeSteps <= 0 {
		o.ReinitializeSteps = 5
	}
	if o.TryAgainLimit <= 0 {
		o.TryAgainLimit = 3
	}
	if o.TryAgainBackoff <= 0 {
		o.TryAgainBackoff = 20 * time.Millisecond
	}
	return o
}

// Router dispatches commands to the cluster node that owns their
// slot, applying MOVED/ASK/TRYAGAIN/CLUSTERDOWN handling and
// reinitializing the topology on connection loss.
type Router struct {
	startupNodes []string
	nodePools    *NodePools
	opt          RouterOptions

	topology atomic.Pointer[Topology]

	refreshMu       sync.Mutex
	refreshInFlight chan struct{}
}

// NewRouter builds a Router. newPool is called once per distinct node
// address to build that node's single-node pool.
func NewRouter(startupNodes []string, newPool func(addr string) *pool.Pool, opt RouterOptions) *Router {
	return &Router{
		startupNodes: startupNodes,
		nodePools:    NewNodePools(newPool),
		opt:          opt.withDefaults(),
	}
}

// Topology returns the current immutable slot map, or nil before the
// first successful bootstrap.
func (r *Router) Topology() *Topology { return r.topology.Load() }

// Close tears down every node pool.
func (r *Router) Close() { r.nodePools.CloseAll() }

// Bootstrap contacts the configured startup nodes in order until one
// answers CLUSTER SLOTS, and installs the resulting topology.
func (r *Router) Bootstrap(ctx context.Context) error {
	return r.refreshFrom(ctx, r.startupNodes)
}

// Refresh re-fetches CLUSTER SLOTS, preferring currently known master
// addresses before falling back to the configured startup nodes. At
// most one refresh runs at a time; concurrent callers coalesce onto
// the in-flight attempt and return once it completes. The triggering
// caller's own error is not replayed to coalesced callers.
func (r *Router) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	if ch := r.refreshInFlight; ch != nil {
		r.refreshMu.Unlock()
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan struct{})
	r.refreshInFlight = ch
	r.refreshMu.Unlock()

	addrs := r.knownAddrs()
	err := r.refreshFrom(ctx, addrs)

	r.refreshMu.Lock()
	r.refreshInFlight = nil
	r.refreshMu.Unlock()
	close(ch)
	return err
}

func (r *Router) knownAddrs() []string {
	t := r.topology.Load()
	if t == nil {
		return r.startupNodes
	}
	var addrs []string
	for _, n := range t.Masters() {
		addrs = append(addrs, n.Addr)
	}
	return append(addrs, r.startupNodes...)
}

func (r *Router) refreshFrom(ctx context.Context, addrs []string) error {
	var lastErr error
	for _, addr := range addrs {
		p := r.nodePools.Get(addr)
		conn, err := p.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		v, err := conn.Do(ctx, []byte("CLUSTER"), []byte("SLOTS"))
		if err != nil {
			p.Discard(conn)
			lastErr = err
			continue
		}
		if v.IsError() {
			p.Release(conn)
			lastErr = fmt.Errorf("cluster: CLUSTER SLOTS: %s", v.ErrorString())
			continue
		}
		p.Release(conn)

		topo, err := ParseSlots(v, addr)
		if err != nil {
			lastErr = err
			continue
		}

		r.topology.Store(topo)

		keep := make(map[string]bool, len(topo.ranges))
		for _, m := range topo.Masters() {
			keep[m.Addr] = true
		}
		for _, rng := range topo.ranges {
			for _, rep := range rng.replicas {
				keep[rep.Addr] = true
			}
		}
		r.nodePools.Prune(keep)
		return nil
	}
	if lastErr == nil {
		lastErr = ErrNoStartupNode
	}
	return fmt.Errorf("cluster: bootstrap: %w", lastErr)
}

// SlotForKeys computes the single slot that every key in keys hashes
// to, or ErrCrossSlot if they disagree. An empty keys returns an
// error.
func SlotForKeys(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("cluster: no keys given")
	}
	slot := HashSlot(keys[0])
	for _, k := range keys[1:] {
		if HashSlot(k) != slot {
			return 0, ErrCrossSlot
		}
	}
	return slot, nil
}

// Execute routes one command by slot(key), applying redirects
// transparently. The returned Value may still be a non-redirect
// server error (e.g. WRONGTYPE); the caller classifies it.
func (r *Router) Execute(ctx context.Context, key []byte, args ...[]byte) (resp.Value, error) {
	return r.executeSlot(ctx, HashSlot(key), args...)
}

// ExecuteSlot is Execute for callers that already computed the slot,
// e.g. a multi-key command after SlotForKeys.
func (r *Router) ExecuteSlot(ctx context.Context, slot int, args ...[]byte) (resp.Value, error) {
	return r.executeSlot(ctx, slot, args...)
}

func (r *Router) executeSlot(ctx context.Context, slot int, args ...[]byte) (resp.Value, error) {
	addr := r.ownerAddr(slot)
	if addr == "" {
		if err := r.Bootstrap(ctx); err != nil {
			return resp.Value{}, err
		}
		addr = r.ownerAddr(slot)
		if addr == "" {
			return resp.Value{}, ErrNoStartupNode
		}
	}

	var asking bool
	moves, tries, reinits := 0, 0, 0

	for {
		p := r.nodePools.Get(addr)
		conn, err := p.Acquire(ctx)
		if err != nil {
			reinits++
			if reinits > r.opt.ReinitializeSteps {
				return resp.Value{}, ErrTopologyExhausted
			}
			if rerr := r.Refresh(ctx); rerr != nil {
				return resp.Value{}, rerr
			}
			addr = r.ownerAddr(slot)
			continue
		}

		if asking {
			if _, err := conn.Do(ctx, []byte("ASKING")); err != nil {
				p.Discard(conn)
				return resp.Value{}, err
			}
			asking = false
		}

		v, err := conn.Do(ctx, args...)
		if err != nil {
			p.Discard(conn)
			r.nodePools.Drop(addr)
			reinits++
			if reinits > r.opt.ReinitializeSteps {
				return resp.Value{}, ErrTopologyExhausted
			}
			if rerr := r.Refresh(ctx); rerr != nil {
				return resp.Value{}, rerr
			}
			addr = r.ownerAddr(slot)
			continue
		}

		if !v.IsError() {
			p.Release(conn)
			return v, nil
		}

		kind, rdir, matched := classifyReply(v.ErrorString())
		if kind == "LOADING" {
			p.Discard(conn)
		} else {
			p.Release(conn)
		}
		if !matched {
			return v, nil // ordinary server error; caller classifies
		}

		switch kind {
		case "MOVED":
			moves++
			if moves > r.opt.MovedLimit {
				return resp.Value{}, ErrTopologyExhausted
			}
			r.applyMoved(rdir.slot, rdir.addr)
			addr = rdir.addr
			continue

		case "ASK":
			moves++
			if moves > r.opt.MovedLimit {
				return resp.Value{}, ErrTopologyExhausted
			}
			addr = rdir.addr
			asking = true
			continue

		case "TRYAGAIN":
			tries++
			if tries > r.opt.TryAgainLimit {
				return v, nil
			}
			time.Sleep(r.opt.TryAgainBackoff * time.Duration(tries))
			continue

		default: // CLUSTERDOWN, LOADING: fatal for this call, never retried
			return v, nil
		}
	}
}

// ExecuteAddr runs one command against a specific node, bypassing slot
// routing and redirect handling. Used for keyless fan-out commands
// (KEYS, per-master SCAN), replica reads, and pinned-node PUBLISH.
func (r *Router) ExecuteAddr(ctx context.Context, addr string, args ...[]byte) (resp.Value, error) {
	p := r.nodePools.Get(addr)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return resp.Value{}, err
	}
	v, err := conn.Do(ctx, args...)
	if err != nil {
		p.Discard(conn)
		r.nodePools.Drop(addr)
		return resp.Value{}, err
	}
	p.Release(conn)
	return v, nil
}

// AcquireSlot leases a connection to slot's current owner, together
// with the pool it must be returned to. Cluster transactions use this
// to hold one node connection across WATCH/MULTI/EXEC.
func (r *Router) AcquireSlot(ctx context.Context, slot int) (*pool.Conn, *pool.Pool, error) {
	addr := r.ownerAddr(slot)
	if addr == "" {
		if err := r.Bootstrap(ctx); err != nil {
			return nil, nil, err
		}
		addr = r.ownerAddr(slot)
		if addr == "" {
			return nil, nil, ErrNoStartupNode
		}
	}
	p := r.nodePools.Get(addr)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, p, nil
}

func (r *Router) ownerAddr(slot int) string {
	return r.topology.Load().Owner(slot).Addr
}

func (r *Router) applyMoved(slot int, addr string) {
	for {
		cur := r.topology.Load()
		if cur == nil {
			return
		}
		next := cur.WithMoved(slot, addr)
		if r.topology.CompareAndSwap(cur, next) {
			return
		}
	}
}
