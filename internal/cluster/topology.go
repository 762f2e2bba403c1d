package cluster

import (
	"fmt"
	"strconv"

	"github.com/nrednal/rdgo/internal/resp"
)

// Node describes one cluster member as reported by CLUSTER SLOTS.
type Node struct {
	Addr string // host:port
	ID   string // node_id, when the server reports one
}

// slotRange is one contiguous run of slots and the master/replica
// set that serves it, as returned by CLUSTER SLOTS.
type slotRange struct {
	start, end int
	master     Node
	replicas   []Node
}

// Topology is an immutable snapshot of the slot→node mapping. New
// topologies are built whole (never mutated in place) and swapped in
// via atomic.Pointer, so readers never observe a half-updated map.
type Topology struct {
	ranges []slotRange
	owner  [NumSlots]Node // owner[slot] is the master for that slot
}

// Owner returns the master Node responsible for slot, or the zero
// Node if the topology has no answer yet (slot map not bootstrapped
// or mid-migration).
func (t *Topology) Owner(slot int) Node {
	if t == nil {
		return Node{}
	}
	return t.owner[slot]
}

// Replicas returns the replica set recorded for slot's range, if any.
func (t *Topology) Replicas(slot int) []Node {
	if t == nil {
		return nil
	}
	for _, r := range t.ranges {
		if slot >= r.start && slot <= r.end {
			return r.replicas
		}
	}
	return nil
}

// Masters returns one Node per distinct master the topology knows
// about, for fan-out commands (KEYS, cluster-wide SCAN).
func (t *Topology) Masters() []Node {
	if t == nil {
		return nil
	}
	seen := make(map[string]bool, len(t.ranges))
	var out []Node
	for _, r := range t.ranges {
		if !seen[r.master.Addr] {
			seen[r.master.Addr] = true
			out = append(out, r.master)
		}
	}
	return out
}

// WithMoved returns a new Topology with slot's owner replaced by
// addr, leaving every other slot's mapping untouched. Used to apply a
// single MOVED redirect without a full CLUSTER SLOTS refresh.
func (t *Topology) WithMoved(slot int, addr string) *Topology {
	next := &Topology{ranges: t.ranges, owner: t.owner}
	next.owner[slot] = Node{Addr: addr}
	return next
}

// ParseSlots builds a Topology from a CLUSTER SLOTS reply. selfAddr
// is substituted for the blank host Redis reports for the node the
// query was issued against.
func ParseSlots(v resp.Value, selfAddr string) (*Topology, error) {
	if v.Kind != resp.Array {
		return nil, fmt.Errorf("cluster: CLUSTER SLOTS reply is not an array")
	}
	t := &Topology{}
	for _, group := range v.Array {
		if len(group.Array) < 3 {
			return nil, fmt.Errorf("cluster: malformed CLUSTER SLOTS entry")
		}
		start := int(group.Array[0].Int)
		end := int(group.Array[1].Int)
		if start < 0 || end >= NumSlots || start > end {
			return nil, fmt.Errorf("cluster: invalid slot range %d-%d", start, end)
		}

		master, err := parseNode(group.Array[2], selfAddr)
		if err != nil {
			return nil, err
		}

		var replicas []Node
		for _, rv := range group.Array[3:] {
			n, err := parseNode(rv, selfAddr)
			if err != nil {
				return nil, err
			}
			replicas = append(replicas, n)
		}

		t.ranges = append(t.ranges, slotRange{start: start, end: end, master: master, replicas: replicas})
		for s := start; s <= end; s++ {
			t.owner[s] = master
		}
	}
	return t, nil
}

func parseNode(v resp.Value, selfAddr string) (Node, error) {
	if len(v.Array) < 2 {
		return Node{}, fmt.Errorf("cluster: malformed node entry")
	}
	host := string(v.Array[0].Bulk)
	port := v.Array[1].Int
	var id string
	if len(v.Array) >= 3 {
		id = string(v.Array[2].Bulk)
	}
	if host == "" {
		// CLUSTER SLOTS reports a blank host for the node answering
		// the query: it doesn't know its own externally-visible
		// address.
		return Node{Addr: selfAddr, ID: id}, nil
	}
	return Node{Addr: host + ":" + strconv.FormatInt(port, 10), ID: id}, nil
}
