package cluster

import (
	"errors"
	"strconv"
	"strings"
)

// ErrCrossSlot rejects a multi-key command whose keys hash to more
// than one slot, before anything is sent.
var ErrCrossSlot = errors.New("cluster: keys do not hash to the same slot")

// ErrTopologyExhausted signals more redirections or reinitializations
// than the configured bound for one command.
var ErrTopologyExhausted = errors.New("cluster: too many redirections")

// ErrNoStartupNode means none of the configured startup nodes
// answered CLUSTER SLOTS during bootstrap or refresh.
var ErrNoStartupNode = errors.New("cluster: no startup node reachable")

type redirect struct {
	slot int
	addr string
}

// classifyReply inspects a raw "-ERR..." line (without the leading
// '-') and reports which of the redirect/transient kinds it is, if
// any. This is a narrow, router-local copy of the root package's
// richer classifyError — kept local so internal/cluster does not
// import the root package (which itself imports internal/cluster).
func classifyReply(line string) (kind string, r redirect, ok bool) {
	prefix, rest := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		prefix, rest = line[:i], line[i+1:]
	}
	switch prefix {
	case "MOVED", "ASK":
		if j := strings.IndexByte(rest, ' '); j >= 0 {
			if slot, err := strconv.Atoi(rest[:j]); err == nil {
				return prefix, redirect{slot: slot, addr: rest[j+1:]}, true
			}
		}
	case "TRYAGAIN", "CLUSTERDOWN", "LOADING":
		return prefix, redirect{}, true
	}
	return "", redirect{}, false
}
