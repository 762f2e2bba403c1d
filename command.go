package redis

import (
	"context"

	"github.com/nrednal/rdgo/internal/resp"
)

// The typed commands below are a representative surface over Do: the
// strings, lists, hashes, sets, sorted sets, and scripting operations
// the rest of the package exercises. Anything not covered goes through
// Do directly.

// PING executes <https://redis.io/commands/ping>.
func (c *Client) PING(ctx context.Context) error {
	return c.commandOK(ctx, []byte("PING"))
}

// SELECT executes <https://redis.io/commands/select>.
func (c *Client) SELECT(ctx context.Context, db int64) error {
	return c.commandOK(ctx, []byte("SELECT"), resp.AppendInt(nil, db)[0])
}

// FLUSHDB executes <https://redis.io/commands/flushdb>.
func (c *Client) FLUSHDB(ctx context.Context) error {
	return c.commandOK(ctx, []byte("FLUSHDB"))
}

// GET executes <https://redis.io/commands/get>.
// The return is nil if key does not exist.
func (c *Client) GET(ctx context.Context, key string) ([]byte, error) {
	return c.commandBulk(ctx, []byte("GET"), []byte(key))
}

// GETString executes <https://redis.io/commands/get>.
// Key absence is reported with ok false, distinct from an empty string.
func (c *Client) GETString(ctx context.Context, key string) (value string, ok bool, err error) {
	b, err := c.commandBulk(ctx, []byte("GET"), []byte(key))
	if err != nil || b == nil {
		return "", false, err
	}
	return string(b), true, nil
}

// SET executes <https://redis.io/commands/set>.
func (c *Client) SET(ctx context.Context, key string, value []byte) error {
	return c.commandOK(ctx, []byte("SET"), []byte(key), value)
}

// SETString executes <https://redis.io/commands/set>.
func (c *Client) SETString(ctx context.Context, key, value string) error {
	return c.SET(ctx, key, []byte(value))
}

// DEL executes <https://redis.io/commands/del>.
func (c *Client) DEL(ctx context.Context, keys ...string) (int64, error) {
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("DEL")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	return c.commandInteger(ctx, args...)
}

// EXISTS executes <https://redis.io/commands/exists>.
func (c *Client) EXISTS(ctx context.Context, keys ...string) (int64, error) {
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("EXISTS")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	return c.commandInteger(ctx, args...)
}

// EXPIRE executes <https://redis.io/commands/expire>.
func (c *Client) EXPIRE(ctx context.Context, key string, seconds int64) (bool, error) {
	return boolOK(c.Do(ctx, []byte("EXPIRE"), []byte(key), resp.AppendInt(nil, seconds)[0]))
}

// TTL executes <https://redis.io/commands/ttl>. The reply is -2 when
// the key does not exist and -1 when it has no expiry.
func (c *Client) TTL(ctx context.Context, key string) (int64, error) {
	return c.commandInteger(ctx, []byte("TTL"), []byte(key))
}

// INCR executes <https://redis.io/commands/incr>.
func (c *Client) INCR(ctx context.Context, key string) (int64, error) {
	return c.commandInteger(ctx, []byte("INCR"), []byte(key))
}

// INCRBY executes <https://redis.io/commands/incrby>.
func (c *Client) INCRBY(ctx context.Context, key string, delta int64) (int64, error) {
	return c.commandInteger(ctx, []byte("INCRBY"), []byte(key), resp.AppendInt(nil, delta)[0])
}

// MGET executes <https://redis.io/commands/mget>. Absent keys come
// back as nil entries, in request order.
func (c *Client) MGET(ctx context.Context, keys ...string) ([][]byte, error) {
	args := make([][]byte, 1, 1+len(keys))
	args[0] = []byte("MGET")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	return c.commandArray(ctx, args...)
}

// MSET executes <https://redis.io/commands/mset>. The keys and values
// slices pair up by index; a length mismatch is refused client side.
func (c *Client) MSET(ctx context.Context, keys, values [][]byte) error {
	if len(keys) != len(values) {
		return ErrDataError
	}
	args := make([][]byte, 1, 1+2*len(keys))
	args[0] = []byte("MSET")
	for i := range keys {
		args = append(args, keys[i], values[i])
	}
	return c.commandOK(ctx, args...)
}

// RPUSH executes <https://redis.io/commands/rpush>.
func (c *Client) RPUSH(ctx context.Context, key string, values ...[]byte) (newLen int64, err error) {
	args := make([][]byte, 2, 2+len(values))
	args[0], args[1] = []byte("RPUSH"), []byte(key)
	args = append(args, values...)
	return c.commandInteger(ctx, args...)
}

// LPUSH executes <https://redis.io/commands/lpush>.
func (c *Client) LPUSH(ctx context.Context, key string, values ...[]byte) (newLen int64, err error) {
	args := make([][]byte, 2, 2+len(values))
	args[0], args[1] = []byte("LPUSH"), []byte(key)
	args = append(args, values...)
	return c.commandInteger(ctx, args...)
}

// LLEN executes <https://redis.io/commands/llen>.
func (c *Client) LLEN(ctx context.Context, key string) (int64, error) {
	return c.commandInteger(ctx, []byte("LLEN"), []byte(key))
}

// LPOP executes <https://redis.io/commands/lpop>.
// The return is nil if the list is empty or absent.
func (c *Client) LPOP(ctx context.Context, key string) ([]byte, error) {
	return c.commandBulk(ctx, []byte("LPOP"), []byte(key))
}

// LRANGE executes <https://redis.io/commands/lrange>.
func (c *Client) LRANGE(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	return c.commandArray(ctx, []byte("LRANGE"), []byte(key),
		resp.AppendInt(nil, start)[0], resp.AppendInt(nil, stop)[0])
}

// BLPOP executes <https://redis.io/commands/blpop>, polling the listed
// keys in order. A timeout without any element is reported with ok
// false rather than an error, matching the server's null-array reply.
func (c *Client) BLPOP(ctx context.Context, timeoutSeconds int64, keys ...string) (key string, value []byte, ok bool, err error) {
	args := make([][]byte, 1, 2+len(keys))
	args[0] = []byte("BLPOP")
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, resp.AppendInt(nil, timeoutSeconds)[0])

	v, err := c.Do(ctx, args...)
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

// HSET executes <https://redis.io/commands/hset>.
func (c *Client) HSET(ctx context.Context, key, field string, value []byte) (newField bool, err error) {
	return boolOK(c.Do(ctx, []byte("HSET"), []byte(key), []byte(field), value))
}

// HGET executes <https://redis.io/commands/hget>.
// The return is nil if the field is absent.
func (c *Client) HGET(ctx context.Context, key, field string) ([]byte, error) {
	return c.commandBulk(ctx, []byte("HGET"), []byte(key), []byte(field))
}

// HDEL executes <https://redis.io/commands/hdel>.
func (c *Client) HDEL(ctx context.Context, key string, fields ...string) (int64, error) {
	args := make([][]byte, 2, 2+len(fields))
	args[0], args[1] = []byte("HDEL"), []byte(key)
	for _, f := range fields {
		args = append(args, []byte(f))
	}
	return c.commandInteger(ctx, args...)
}

// HGETALL executes <https://redis.io/commands/hgetall>.
func (c *Client) HGETALL(ctx context.Context, key string) (map[string][]byte, error) {
	return pairsToMap(c.Do(ctx, []byte("HGETALL"), []byte(key)))
}

// SADD executes <https://redis.io/commands/sadd>.
func (c *Client) SADD(ctx context.Context, key string, members ...[]byte) (added int64, err error) {
	args := make([][]byte, 2, 2+len(members))
	args[0], args[1] = []byte("SADD"), []byte(key)
	args = append(args, members...)
	return c.commandInteger(ctx, args...)
}

// SMEMBERS executes <https://redis.io/commands/smembers>.
func (c *Client) SMEMBERS(ctx context.Context, key string) ([][]byte, error) {
	return c.commandArray(ctx, []byte("SMEMBERS"), []byte(key))
}

// ZADD executes <https://redis.io/commands/zadd>. Members are sent in
// slice order, so callers control which duplicate wins.
func (c *Client) ZADD(ctx context.Context, key string, members []Pair) (added int64, err error) {
	args := make([][]byte, 2, 2+2*len(members))
	args[0], args[1] = []byte("ZADD"), []byte(key)
	for _, m := range members {
		args = resp.AppendFloat(args, m.Score)
		args = append(args, m.Member)
	}
	return c.commandInteger(ctx, args...)
}

// ZSCORE executes <https://redis.io/commands/zscore>. An absent member
// surfaces as ErrNull.
func (c *Client) ZSCORE(ctx context.Context, key string, member []byte) (float64, error) {
	return parseFloat(c.Do(ctx, []byte("ZSCORE"), []byte(key), member))
}

// ZINCRBY executes <https://redis.io/commands/zincrby>.
func (c *Client) ZINCRBY(ctx context.Context, key string, delta float64, member []byte) (float64, error) {
	args := resp.AppendFloat([][]byte{[]byte("ZINCRBY"), []byte(key)}, delta)
	args = append(args, member)
	return parseFloat(c.Do(ctx, args...))
}

// ZRANK executes <https://redis.io/commands/zrank>. An absent member
// is reported with ok false.
func (c *Client) ZRANK(ctx context.Context, key string, member []byte) (rank int64, ok bool, err error) {
	return intOrNone(c.Do(ctx, []byte("ZRANK"), []byte(key), member))
}

// ZRANGE executes <https://redis.io/commands/zrange>.
func (c *Client) ZRANGE(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	return c.commandArray(ctx, []byte("ZRANGE"), []byte(key),
		resp.AppendInt(nil, start)[0], resp.AppendInt(nil, stop)[0])
}

// ZRANGEWithScores executes <https://redis.io/commands/zrange> with
// the WITHSCORES modifier.
func (c *Client) ZRANGEWithScores(ctx context.Context, key string, start, stop int64) ([]Pair, error) {
	return listOfPairs(c.Do(ctx, []byte("ZRANGE"), []byte(key),
		resp.AppendInt(nil, start)[0], resp.AppendInt(nil, stop)[0], []byte("WITHSCORES")))
}

// ZINTERSTORE executes <https://redis.io/commands/zinterstore>.
func (c *Client) ZINTERSTORE(ctx context.Context, dest string, keys ...string) (resultLen int64, err error) {
	args := make([][]byte, 0, 3+len(keys))
	args = append(args, []byte("ZINTERSTORE"), []byte(dest))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	return c.commandInteger(ctx, args...)
}

// KEYS executes <https://redis.io/commands/keys>.
func (c *Client) KEYS(ctx context.Context, pattern string) ([]string, error) {
	return c.commandStringArray(ctx, []byte("KEYS"), []byte(pattern))
}

// INFO executes <https://redis.io/commands/info>, parsed into a field
// mapping with the "# Section" headers dropped.
func (c *Client) INFO(ctx context.Context) (map[string]string, error) {
	return parseInfo(c.Do(ctx, []byte("INFO")))
}

// PUBLISH executes <https://redis.io/commands/publish>.
func (c *Client) PUBLISH(ctx context.Context, channel string, message []byte) (clientCount int64, err error) {
	return c.commandInteger(ctx, []byte("PUBLISH"), []byte(channel), message)
}

// EVAL executes <https://redis.io/commands/eval>. The reply shape is
// script defined, so the raw Value is returned.
func (c *Client) EVAL(ctx context.Context, script string, keys []string, scriptArgs ...[]byte) (resp.Value, error) {
	args := make([][]byte, 0, 3+len(keys)+len(scriptArgs))
	args = append(args, []byte("EVAL"), []byte(script))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, scriptArgs...)
	return identity(c.Do(ctx, args...))
}

// EVALSHA executes <https://redis.io/commands/evalsha>. A script
// missing from the server cache surfaces as NoScriptError; callers
// fall back to EVAL.
func (c *Client) EVALSHA(ctx context.Context, sha1 string, keys []string, scriptArgs ...[]byte) (resp.Value, error) {
	args := make([][]byte, 0, 3+len(keys)+len(scriptArgs))
	args = append(args, []byte("EVALSHA"), []byte(sha1))
	args = resp.AppendInt(args, int64(len(keys)))
	for _, k := range keys {
		args = append(args, []byte(k))
	}
	args = append(args, scriptArgs...)
	return identity(c.Do(ctx, args...))
}

// SCRIPTLOAD executes <https://redis.io/commands/script-load> and
// returns the script's SHA-1 digest in hex.
func (c *Client) SCRIPTLOAD(ctx context.Context, script string) (string, error) {
	b, err := c.commandBulk(ctx, []byte("SCRIPT"), []byte("LOAD"), []byte(script))
	return string(b), err
}

// SCRIPTFLUSH executes <https://redis.io/commands/script-flush>.
func (c *Client) SCRIPTFLUSH(ctx context.Context) error {
	return c.commandOK(ctx, []byte("SCRIPT"), []byte("FLUSH"))
}
