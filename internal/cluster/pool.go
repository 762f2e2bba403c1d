package cluster

import (
	"sync"

	"github.com/nrednal/rdgo/internal/pool"
)

// NodePools is a pool-of-pools: one single-node pool.Pool per cluster
// node address, created lazily. Connection caps apply per node, since
// every node pool is built with the same Options; a global ceiling is
// left to the caller, which knows how many distinct nodes it is
// juggling.
type NodePools struct {
	newPool func(addr string) *pool.Pool

	mu    sync.Mutex
	pools map[string]*pool.Pool
}

// NewNodePools builds a pool-of-pools. newPool is called at most once
// per address, the first time that address is requested.
func NewNodePools(newPool func(addr string) *pool.Pool) *NodePools {
	return &NodePools{
		newPool: newPool,
		pools:   make(map[string]*pool.Pool),
	}
}

// Get returns the pool for addr, creating it on first use.
func (np *NodePools) Get(addr string) *pool.Pool {
	np.mu.Lock()
	defer np.mu.Unlock()
	if p, ok := np.pools[addr]; ok {
		return p
	}
	p := np.newPool(addr)
	np.pools[addr] = p
	return p
}

// Drop disconnects and removes the pool for addr, used when the
// router gives up on a node after a connection error so the next
// Get dials fresh.
func (np *NodePools) Drop(addr string) {
	np.mu.Lock()
	p, ok := np.pools[addr]
	delete(np.pools, addr)
	np.mu.Unlock()
	if ok {
		p.Disconnect()
	}
}

// Prune closes and removes every pool whose address is not in keep,
// called after a topology refresh to retire nodes that left the
// cluster.
func (np *NodePools) Prune(keep map[string]bool) {
	np.mu.Lock()
	var drop []*pool.Pool
	for addr, p := range np.pools {
		if !keep[addr] {
			drop = append(drop, p)
			delete(np.pools, addr)
		}
	}
	np.mu.Unlock()
	for _, p := range drop {
		p.Disconnect()
	}
}

// CloseAll disconnects every node pool, for router shutdown.
func (np *NodePools) CloseAll() {
	np.mu.Lock()
	pools := np.pools
	np.pools = make(map[string]*pool.Pool)
	np.mu.Unlock()
	for _, p := range pools {
		p.Disconnect()
	}
}
