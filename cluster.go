package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nrednal/rdgo/internal/cluster"
	"github.com/nrednal/rdgo/internal/pool"
	"github.com/nrednal/rdgo/internal/resp"
)

// ClusterConfig configures a ClusterClient. StartupNodes seeds
// topology discovery; every other node is learned from CLUSTER SLOTS.
type ClusterConfig struct {
	// StartupNodes are host:port seeds, tried in order on bootstrap.
	StartupNodes []string

	TLSConfig *tls.Config

	Username   string
	Password   *string
	ClientName string

	// ReadOnly routes single-key reads to a randomly chosen slot
	// owner, master or replica. Connections issue READONLY at
	// handshake in this mode.
	ReadOnly bool

	// MaxRedirects bounds consecutive MOVED/ASK redirects for one
	// command. Zero defaults to 16.
	MaxRedirects int
	// ReinitializeSteps bounds topology refreshes triggered by
	// connection errors during one command. Zero defaults to 5.
	ReinitializeSteps int
	// MaxConnectionsPerNode caps each node's pool. Zero falls back to
	// MaxConnections, then to 10.
	MaxConnectionsPerNode int
	// MaxConnections is the per-node cap applied when
	// MaxConnectionsPerNode is unset.
	MaxConnections int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReaderReadSize int
}

func (c ClusterConfig) perNodeCap() int {
	if c.MaxConnectionsPerNode > 0 {
		return c.MaxConnectionsPerNode
	}
	if c.MaxConnections > 0 {
		return c.MaxConnections
	}
	return 10
}

// ClusterClient routes commands across a Redis Cluster: slot hashing,
// MOVED/ASK redirects, and topology refresh are applied transparently;
// multi-key commands are refused up front unless every key hashes to
// one slot. Multiple goroutines may invoke methods simultaneously.
type ClusterClient struct {
	cfg    ClusterConfig
	router *cluster.Router
}

// NewClusterClient builds a ClusterClient. The topology is fetched
// lazily, on the first command, from the configured startup nodes.
func NewClusterClient(cfg ClusterConfig) *ClusterClient {
	newPool := func(addr string) *pool.Pool {
		return pool.New(pool.Options{
			MaxConnections: cfg.perNodeCap(),
			Dial: func(ctx context.Context) (*pool.Conn, error) {
				return pool.Dial(ctx, pool.Config{
					Addr:         addr,
					DialTimeout:  cfg.DialTimeout,
					ReadTimeout:  cfg.ReadTimeout,
					WriteTimeout: cfg.WriteTimeout,
					TLSConfig:    cfg.TLSConfig,
					Username:     cfg.Username,
					Password:     cfg.Password,
					ClientName:   cfg.ClientName,
					ReadOnly:     cfg.ReadOnly,
					BufferSize:   cfg.ReaderReadSize,
				})
			},
		})
	}
	router := cluster.NewRouter(cfg.StartupNodes, newPool, cluster.RouterOptions{
		MovedLimit:        cfg.MaxRedirects,
		ReinitializeSteps: cfg.ReinitializeSteps,
	})
	return &ClusterClient{cfg: cfg, router: router}
}

// Close disconnects every per-node pool.
func (c *ClusterClient) Close() error {
	c.router.Close()
	return nil
}

// mapClusterErr renames internal routing failures to this package's
// sentinels so callers match on one error set.
func mapClusterErr(err error) error {
	switch {
	case errors.Is(err, cluster.ErrCrossSlot):
		return ErrCrossSlot
	case errors.Is(err, cluster.ErrTopologyExhausted):
		return ErrTopologyExhausted
	default:
		return err
	}
}

// Do routes one command by key and returns its raw decoded reply.
// MOVED and ASK never surface here; any remaining server error reply
// is classified the same way Client.Do classifies it.
func (c *ClusterClient) Do(ctx context.Context, key string, args ...[]byte) (resp.Value, error) {
	v, err := c.router.Execute(ctx, []byte(key), args...)
	if err != nil {
		return resp.Value{}, mapClusterErr(err)
	}
	if v.IsError() {
		return v, classifyError(v.ErrorString())
	}
	return v, nil
}

// DoMulti routes one multi-key command, refusing it with ErrCrossSlot
// before anything is sent unless every key hashes to one slot.
func (c *ClusterClient) DoMulti(ctx context.Context, keys []string, args ...[]byte) (resp.Value, error) {
	slot, err := slotForStrings(keys)
	if err != nil {
		return resp.Value{}, err
	}
	v, err := c.router.ExecuteSlot(ctx, slot, args...)
	if err != nil {
		return resp.Value{}, mapClusterErr(err)
	}
	if v.IsError() {
		return v, classifyError(v.ErrorString())
	}
	return v, nil
}

func slotForStrings(keys []string) (int, error) {
	bs := make([][]byte, len(keys))
	for i, k := range keys {
		bs[i] = []byte(k)
	}
	slot, err := cluster.SlotForKeys(bs)
	return slot, mapClusterErr(err)
}

// doRead serves a single-key read. In ReadOnly mode the command goes
// to a random owner of the key's slot, master or replica; a redirect
// or node failure there falls back to the routed master path.
func (c *ClusterClient) doRead(ctx context.Context, key string, args ...[]byte) (resp.Value, error) {
	if !c.cfg.ReadOnly {
		return c.Do(ctx, key, args...)
	}
	slot := cluster.HashSlot([]byte(key))
	addr := c.readAddr(ctx, slot)
	if addr == "" {
		return c.Do(ctx, key, args...)
	}
	v, err := c.router.ExecuteAddr(ctx, addr, args...)
	if err != nil || v.IsError() {
		return c.Do(ctx, key, args...)
	}
	return v, nil
}

// readAddr picks a random owner of slot among the master and its
// replicas, or "" before bootstrap.
func (c *ClusterClient) readAddr(ctx context.Context, slot int) string {
	t := c.router.Topology()
	if t == nil {
		if err := c.router.Bootstrap(ctx); err != nil {
			return ""
		}
		t = c.router.Topology()
	}
	owners := []cluster.Node{t.Owner(slot)}
	owners = append(owners, t.Replicas(slot)...)
	pick := owners[rand.Intn(len(owners))]
	return pick.Addr
}

// masters returns the current master set, bootstrapping on first use.
func (c *ClusterClient) masters(ctx context.Context) ([]cluster.Node, error) {
	if c.router.Topology() == nil {
		if err := c.router.Bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	return c.router.Topology().Masters(), nil
}

// GET executes <https://redis.io/commands/get>, from a replica when
// the client is in ReadOnly mode.
func (c *ClusterClient) GET(ctx context.Context, key string) ([]byte, error) {
	v, err := c.doRead(ctx, key, []byte("GET"), []byte(key))
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Bulk {
		return nil, ErrProtocol
	}
	return v.Bulk, nil
}

// SET executes <https://redis.io/commands/set>.
func (c *ClusterClient) SET(ctx context.Context, key string, value []byte) error {
	_, err := c.Do(ctx, key, []byte("SET"), []byte(key), value)
	return err
}

// DEL executes <https://redis.io/commands/del>. All keys must hash to
// one slot.
func (c *ClusterClient) DEL(ctx context.Context, keys ...string) (int64, error) {
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("DEL")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	v, err := c.DoMulti(ctx, keys, args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != resp.Integer {
		return 0, ErrProtocol
	}
	return v.Int, nil
}

// MGET executes <https://redis.io/commands/mget>. All keys must hash
// to one slot; use hash tags to group them.
func (c *ClusterClient) MGET(ctx context.Context, keys ...string) ([][]byte, error) {
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("MGET")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	v, err := c.DoMulti(ctx, keys, args...)
	if err != nil {
		return nil, err
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make([][]byte, len(v.Array))
	for i, e := range v.Array {
		if !e.Null {
			out[i] = e.Bulk
		}
	}
	return out, nil
}

// RPUSH executes <https://redis.io/commands/rpush>.
func (c *ClusterClient) RPUSH(ctx context.Context, key string, values ...[]byte) (int64, error) {
	args := make([][]byte, 2, 2+len(values))
	args[0], args[1] = []byte("RPUSH"), []byte(key)
	args = append(args, values...)
	v, err := c.Do(ctx, key, args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != resp.Integer {
		return 0, ErrProtocol
	}
	return v.Int, nil
}

// LRANGE executes <https://redis.io/commands/lrange>.
func (c *ClusterClient) LRANGE(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	v, err := c.doRead(ctx, key, []byte("LRANGE"), []byte(key),
		resp.AppendInt(nil, start)[0], resp.AppendInt(nil, stop)[0])
	if err != nil {
		return nil, err
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make([][]byte, len(v.Array))
	for i, e := range v.Array {
		out[i] = e.Bulk
	}
	return out, nil
}

// BLPOP executes <https://redis.io/commands/blpop>. All keys must hash
// to one slot.
func (c *ClusterClient) BLPOP(ctx context.Context, timeoutSeconds int64, keys ...string) (key string, value []byte, ok bool, err error) {
	args := make([][]byte, 1, 2+len(keys))
	args[0] = []byte("BLPOP")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, resp.AppendInt(nil, timeoutSeconds)[0])

	v, err := c.DoMulti(ctx, keys, args...)
	if err != nil {
		return "", nil, false, err
	}
	if v.Null {
		return "", nil, false, nil
	}
	if v.Kind != resp.Array || len(v.Array) != 2 {
		return "", nil, false, ErrProtocol
	}
	return string(v.Array[0].Bulk), v.Array[1].Bulk, true, nil
}

// ZADD executes <https://redis.io/commands/zadd>.
func (c *ClusterClient) ZADD(ctx context.Context, key string, members []Pair) (int64, error) {
	args := make([][]byte, 2, 2+2*len(members))
	args[0], args[1] = []byte("ZADD"), []byte(key)
	for _, m := range members {
		args = resp.AppendFloat(args, m.Score)
		args = append(args, m.Member)
	}
	v, err := c.Do(ctx, key, args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != resp.Integer {
		return 0, ErrProtocol
	}
	return v.Int, nil
}

// ZRANGEWithScores executes <https://redis.io/commands/zrange> with
// WITHSCORES.
func (c *ClusterClient) ZRANGEWithScores(ctx context.Context, key string, start, stop int64) ([]Pair, error) {
	return listOfPairs(c.doRead(ctx, key, []byte("ZRANGE"), []byte(key),
		resp.AppendInt(nil, start)[0], resp.AppendInt(nil, stop)[0], []byte("WITHSCORES")))
}

// ZINTERSTORE executes <https://redis.io/commands/zinterstore>. The
// destination and every source must hash to one slot.
func (c *ClusterClient) ZINTERSTORE(ctx context.Context, dest string, keys ...string) (int64, error) {
	all := append([]string{dest}, keys...)
	args := make([][]byte, 0, 3+len(keys))
	args = append(args, []byte("ZINTERSTORE"), []byte(dest))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	v, err := c.DoMulti(ctx, all, args...)
	if err != nil {
		return 0, err
	}
	if v.Kind != resp.Integer {
		return 0, ErrProtocol
	}
	return v.Int, nil
}

// EVAL executes <https://redis.io/commands/eval>. Every key must hash
// to one slot; a keyless script runs on an arbitrary master.
func (c *ClusterClient) EVAL(ctx context.Context, script string, keys []string, scriptArgs ...[]byte) (resp.Value, error) {
	args := make([][]byte, 0, 3+len(keys)+len(scriptArgs))
	args = append(args, []byte("EVAL"), []byte(script))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, scriptArgs...)
	if len(keys) == 0 {
		return c.doOnAnyMaster(ctx, args...)
	}
	return c.DoMulti(ctx, keys, args...)
}

// EVALSHA executes <https://redis.io/commands/evalsha> under the same
// slot rules as EVAL.
func (c *ClusterClient) EVALSHA(ctx context.Context, sha1 string, keys []string, scriptArgs ...[]byte) (resp.Value, error) {
	args := make([][]byte, 0, 3+len(keys)+len(scriptArgs))
	args = append(args, []byte("EVALSHA"), []byte(sha1))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, scriptArgs...)
	if len(keys) == 0 {
		return c.doOnAnyMaster(ctx, args...)
	}
	return c.DoMulti(ctx, keys, args...)
}

func (c *ClusterClient) doOnAnyMaster(ctx context.Context, args ...[]byte) (resp.Value, error) {
	masters, err := c.masters(ctx)
	if err != nil {
		return resp.Value{}, err
	}
	if len(masters) == 0 {
		return resp.Value{}, ErrTopologyExhausted
	}
	v, err := c.router.ExecuteAddr(ctx, masters[0].Addr, args...)
	if err != nil {
		return resp.Value{}, err
	}
	if v.IsError() {
		return v, classifyError(v.ErrorString())
	}
	return v, nil
}

// SCRIPTLOAD executes <https://redis.io/commands/script-load> on every
// master, so a following EVALSHA succeeds regardless of routing. The
// digest is identical on each node.
func (c *ClusterClient) SCRIPTLOAD(ctx context.Context, script string) (string, error) {
	masters, err := c.masters(ctx)
	if err != nil {
		return "", err
	}
	var sha string
	for _, m := range masters {
		v, err := c.router.ExecuteAddr(ctx, m.Addr, []byte("SCRIPT"), []byte("LOAD"), []byte(script))
		if err != nil {
			return "", err
		}
		if v.IsError() {
			return "", classifyError(v.ErrorString())
		}
		sha = string(v.Bulk)
	}
	return sha, nil
}

// SCRIPTFLUSH executes <https://redis.io/commands/script-flush> on
// every master.
func (c *ClusterClient) SCRIPTFLUSH(ctx context.Context) error {
	masters, err := c.masters(ctx)
	if err != nil {
		return err
	}
	for _, m := range masters {
		v, err := c.router.ExecuteAddr(ctx, m.Addr, []byte("SCRIPT"), []byte("FLUSH"))
		if err != nil {
			return err
		}
		if v.IsError() {
			return classifyError(v.ErrorString())
		}
	}
	return nil
}

// KEYS executes <https://redis.io/commands/keys> on every master and
// concatenates the results. Ordering across nodes is unspecified.
func (c *ClusterClient) KEYS(ctx context.Context, pattern string) ([]string, error) {
	masters, err := c.masters(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range masters {
		v, err := c.router.ExecuteAddr(ctx, m.Addr, []byte("KEYS"), []byte(pattern))
		if err != nil {
			return nil, err
		}
		if v.IsError() {
			return nil, classifyError(v.ErrorString())
		}
		for _, e := range v.Array {
			out = append(out, string(e.Bulk))
		}
	}
	return out, nil
}

// SCANIter iterates the keyspace of every master in turn. The master
// set is captured from the topology at first use and kept for the
// whole iteration; each emitted key appears at least once, ordering
// across nodes is unspecified.
func (c *ClusterClient) SCANIter(match string, count int64) *Iterator {
	var masters []cluster.Node
	idx := 0
	return newIteratorMulti(
		func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error) {
			if masters == nil {
				var err error
				masters, err = c.masters(ctx)
				if err != nil {
					return nil, nil, err
				}
			}
			if idx >= len(masters) {
				return []byte("0"), nil, nil
			}
			v, err := c.router.ExecuteAddr(ctx, masters[idx].Addr, scanArgs("SCAN", "", cursor, match, count)...)
			if err != nil {
				return nil, nil, err
			}
			if v.IsError() {
				return nil, nil, classifyError(v.ErrorString())
			}
			return parseScanReply(v)
		},
		func() bool { // advance to the next master; report whether one exists
			idx++
			return masters != nil && idx < len(masters)
		},
	)
}

// PUBLISH executes <https://redis.io/commands/publish> against the
// same pinned node NewPubSub subscribes on; the cluster bus broadcasts
// the message to subscribers elsewhere.
func (c *ClusterClient) PUBLISH(ctx context.Context, channel string, message []byte) (int64, error) {
	addr, err := c.pinnedAddr(ctx)
	if err != nil {
		return 0, err
	}
	v, err := c.router.ExecuteAddr(ctx, addr, []byte("PUBLISH"), []byte(channel), message)
	if err != nil {
		return 0, err
	}
	if v.IsError() {
		return 0, classifyError(v.ErrorString())
	}
	return v.Int, nil
}

// NewPubSub launches a subscriber pinned to one cluster node. Channel
// subscriptions work cluster-wide through the bus; cross-node pattern
// subscriptions are not guaranteed.
func (c *ClusterClient) NewPubSub(ctx context.Context) (*PubSub, error) {
	addr, err := c.pinnedAddr(ctx)
	if err != nil {
		return nil, err
	}
	return newPubSub(pool.Config{
		Addr:         addr,
		DialTimeout:  c.cfg.DialTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		TLSConfig:    c.cfg.TLSConfig,
		Username:     c.cfg.Username,
		Password:     c.cfg.Password,
		ClientName:   c.cfg.ClientName,
		BufferSize:   c.cfg.ReaderReadSize,
	}), nil
}

// pinnedAddr deterministically selects the node both NewPubSub and
// PUBLISH use, so publishes land on the subscriber's own node.
func (c *ClusterClient) pinnedAddr(ctx context.Context) (string, error) {
	masters, err := c.masters(ctx)
	if err != nil {
		return "", err
	}
	if len(masters) == 0 {
		return "", ErrTopologyExhausted
	}
	return masters[0].Addr, nil
}

// Pipeline starts a cluster-safe pipeline: every queued command's key
// must hash to one slot, checked before anything is sent.
func (c *ClusterClient) Pipeline() *ClusterPipeline {
	return &ClusterPipeline{c: c, p: cluster.NewPipeline(c.router)}
}

// ClusterPipeline buffers same-slot commands and sends them as one
// batch. A redirect restarts the whole batch against the new target.
// Not safe for concurrent use; reusable after Execute.
type ClusterPipeline struct {
	c *ClusterClient
	p *cluster.Pipeline
}

// Queue adds one command with its routing key. Nothing is sent until
// Execute.
func (cp *ClusterPipeline) Queue(key string, args ...[]byte) {
	cp.p.Queue([]byte(key), args...)
}

// Execute sends the batch to the slot owner and returns replies in
// queue order. Keys spanning slots fail with ErrCrossSlot up front.
// The buffer is empty afterwards, whatever the outcome.
func (cp *ClusterPipeline) Execute(ctx context.Context) ([]resp.Value, error) {
	results, err := cp.p.Execute(ctx)
	cp.p = cluster.NewPipeline(cp.c.router)
	if err != nil {
		return nil, mapClusterErr(err)
	}
	return results, nil
}

// ClusterTx is a transaction bound to one slot's master. Every watched
// and queued key must hash to that slot.
type ClusterTx struct {
	c    *ClusterClient
	slot int

	conn *pool.Conn
	pool *pool.Pool

	cmds     [][][]byte
	watching bool
	broken   bool
	err      error
}

// Tx starts a cluster transaction. The binding slot is fixed by the
// first watched or queued key.
func (c *ClusterClient) Tx() *ClusterTx {
	return &ClusterTx{c: c, slot: -1}
}

func (t *ClusterTx) bindSlot(key string) error {
	slot := cluster.HashSlot([]byte(key))
	if t.slot < 0 {
		t.slot = slot
		return nil
	}
	if slot != t.slot {
		return ErrCrossSlot
	}
	return nil
}

func (t *ClusterTx) ensureConn(ctx context.Context) error {
	if t.broken {
		return ErrConnLost
	}
	if t.conn != nil {
		return nil
	}
	conn, p, err := t.c.router.AcquireSlot(ctx, t.slot)
	if err != nil {
		return mapClusterErr(err)
	}
	t.conn, t.pool = conn, p
	return nil
}

// WATCH marks same-slot keys for optimistic locking, sent immediately
// on the slot master's connection.
func (t *ClusterTx) WATCH(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if err := t.bindSlot(k); err != nil {
			return err
		}
	}
	if err := t.ensureConn(ctx); err != nil {
		return err
	}
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("WATCH")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	v, err := t.conn.Do(ctx, args...)
	if err != nil {
		t.fail()
		return ErrConnLost
	}
	if v.IsError() {
		return classifyError(v.ErrorString())
	}
	t.watching = true
	return nil
}

// Queue appends one command to the MULTI body, refusing keys outside
// the transaction's slot. The first queued key binds the slot when no
// WATCH preceded it.
func (t *ClusterTx) Queue(key string, args ...[]byte) error {
	if err := t.bindSlot(key); err != nil {
		t.err = err
		return err
	}
	t.cmds = append(t.cmds, args)
	return nil
}

// Exec wraps the queued commands in MULTI…EXEC on the slot master and
// returns per-command results, with the same abort semantics as
// Tx.Exec. The connection is released in every case.
func (t *ClusterTx) Exec(ctx context.Context) ([]resp.Value, error) {
	if t.err != nil {
		t.Close()
		return nil, t.err
	}
	if t.slot < 0 {
		return nil, fmt.Errorf("redis: cluster transaction with no keys")
	}
	if err := t.ensureConn(ctx); err != nil {
		return nil, err
	}
	cmds := t.cmds
	t.cmds = nil

	batch := make([][][]byte, 0, len(cmds)+2)
	batch = append(batch, [][]byte{[]byte("MULTI")})
	batch = append(batch, cmds...)
	batch = append(batch, [][]byte{[]byte("EXEC")})

	replies, err := writeReadBatch(ctx, t.conn, batch)
	if err != nil {
		t.fail()
		return nil, err
	}
	t.release()

	return parseExecReplies(replies, len(cmds))
}

// Close releases the transaction's connection without executing,
// dropping WATCH state with UNWATCH first.
func (t *ClusterTx) Close() {
	if t.conn == nil {
		return
	}
	if t.watching && !t.broken {
		if _, err := t.conn.Do(context.Background(), []byte("UNWATCH")); err != nil {
			t.fail()
			return
		}
	}
	t.release()
}

func (t *ClusterTx) release() {
	if t.conn != nil {
		t.pool.Release(t.conn)
		t.conn, t.pool = nil, nil
	}
	t.watching = false
}

func (t *ClusterTx) fail() {
	if t.conn != nil {
		t.pool.Discard(t.conn)
		t.conn, t.pool = nil, nil
	}
	t.watching = false
	t.broken = true
}

// Transaction runs fn inside WATCH…MULTI…EXEC against the slot shared
// by all watched keys, retrying from scratch whenever a watched key
// changes.
func (c *ClusterClient) Transaction(ctx context.Context, fn func(*ClusterTx) error, watches ...string) ([]resp.Value, error) {
	for {
		tx := c.Tx()
		if err := tx.WATCH(ctx, watches...); err != nil {
			tx.Close()
			return nil, err
		}
		if err := fn(tx); err != nil {
			tx.Close()
			return nil, err
		}
		results, err := tx.Exec(ctx)
		if !errors.Is(err, ErrWatchFailed) {
			return results, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}
