package redis

import (
	"context"

	"github.com/nrednal/rdgo/internal/resp"
)

// Iterator walks a SCAN-family cursor lazily, fetching one page per
// round trip. The usual loop is:
//
//	it := c.SCANIter("prefix:*", 100)
//	for it.Next(ctx) {
//		use(it.Value())
//	}
//	if err := it.Err(); err != nil { … }
//
// Every element present for the whole iteration is yielded at least
// once; elements may repeat when the keyspace changes concurrently,
// per the server's SCAN guarantees.
type Iterator struct {
	fetch func(ctx context.Context, cursor []byte) (next []byte, page [][]byte, err error)
	// advance moves a multi-shard iteration to its next shard once the
	// current cursor is exhausted; nil for single-node iterations.
	advance func() bool
	cursor  []byte
	page    [][]byte
	i       int
	done    bool
	err     error
}

// Next advances to the next element, fetching pages as needed. It
// returns false once the cursor is exhausted or an error occurred.
func (it *Iterator) Next(ctx context.Context) bool {
	for it.i >= len(it.page) {
		if it.done || it.err != nil {
			return false
		}
		next, page, err := it.fetch(ctx, it.cursor)
		if err != nil {
			it.err = err
			return false
		}
		it.cursor = next
		it.page = page
		it.i = 0
		if len(next) == 1 && next[0] == '0' {
			if it.advance != nil && it.advance() {
				it.cursor = []byte("0")
			} else {
				it.done = true
			}
		}
	}
	it.i++
	return true
}

// Value returns the element Next advanced to. For HSCAN and ZSCAN the
// elements alternate name, value, name, value as the server sends
// them.
func (it *Iterator) Value() []byte { return it.page[it.i-1] }

// Err reports the first error the iteration hit, if any.
func (it *Iterator) Err() error { return it.err }

func newIterator(fetch func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error)) *Iterator {
	return &Iterator{fetch: fetch, cursor: []byte("0")}
}

// newIteratorMulti builds an Iterator over several shards: advance is
// called each time one shard's cursor completes and reports whether
// another shard remains.
func newIteratorMulti(fetch func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error), advance func() bool) *Iterator {
	return &Iterator{fetch: fetch, advance: advance, cursor: []byte("0")}
}

// parseScanReply splits a SCAN-family reply into the follow-up cursor
// and the element page.
func parseScanReply(v resp.Value) (cursor []byte, page [][]byte, err error) {
	if v.Kind != resp.Array || len(v.Array) != 2 || v.Array[1].Kind != resp.Array {
		return nil, nil, ErrProtocol
	}
	cursor = v.Array[0].Bulk
	page = make([][]byte, len(v.Array[1].Array))
	for i, e := range v.Array[1].Array {
		page[i] = e.Bulk
	}
	return cursor, page, nil
}

// scanArgs assembles "NAME [key] cursor [MATCH match] [COUNT count]".
func scanArgs(name, key string, cursor []byte, match string, count int64) [][]byte {
	args := make([][]byte, 0, 7)
	args = append(args, []byte(name))
	if key != "" {
		args = append(args, []byte(key))
	}
	args = append(args, cursor)
	if match != "" {
		args = append(args, []byte("MATCH"), []byte(match))
	}
	if count > 0 {
		args = resp.AppendInt(append(args, []byte("COUNT")), count)
	}
	return args
}

// SCANIter iterates the keyspace with <https://redis.io/commands/scan>.
// Empty match and zero count leave the server defaults in place.
func (c *Client) SCANIter(match string, count int64) *Iterator {
	return newIterator(func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error) {
		v, err := c.Do(ctx, scanArgs("SCAN", "", cursor, match, count)...)
		if err != nil {
			return nil, nil, err
		}
		return parseScanReply(v)
	})
}

// HSCANIter iterates a hash with <https://redis.io/commands/hscan>,
// yielding fields and values alternately.
func (c *Client) HSCANIter(key, match string, count int64) *Iterator {
	return newIterator(func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error) {
		v, err := c.Do(ctx, scanArgs("HSCAN", key, cursor, match, count)...)
		if err != nil {
			return nil, nil, err
		}
		return parseScanReply(v)
	})
}

// SSCANIter iterates a set with <https://redis.io/commands/sscan>.
func (c *Client) SSCANIter(key, match string, count int64) *Iterator {
	return newIterator(func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error) {
		v, err := c.Do(ctx, scanArgs("SSCAN", key, cursor, match, count)...)
		if err != nil {
			return nil, nil, err
		}
		return parseScanReply(v)
	})
}

// ZSCANIter iterates a sorted set with <https://redis.io/commands/zscan>,
// yielding members and scores alternately.
func (c *Client) ZSCANIter(key, match string, count int64) *Iterator {
	return newIterator(func(ctx context.Context, cursor []byte) ([]byte, [][]byte, error) {
		v, err := c.Do(ctx, scanArgs("ZSCAN", key, cursor, match, count)...)
		if err != nil {
			return nil, nil, err
		}
		return parseScanReply(v)
	})
}
