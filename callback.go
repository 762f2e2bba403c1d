package redis

import (
	"strconv"
	"strings"

	"github.com/nrednal/rdgo/internal/resp"
)

// Response shaping. Several commands return a RESP value that needs
// more massaging than commandOK/commandInteger/commandBulk/
// commandArray provide: INFO's blob is really a key/value mapping,
// ZSCORE's bulk is really a float, HGETALL's flat array is really
// pairs. Rather than one-off decode logic scattered through
// command.go, these are the handful of reusable shapes; new commands
// reach for one of these before writing a new one.

// boolOK turns a simple-string OK reply into true, and a null/zero
// reply into false, for commands like SETNX and EXPIRE whose success
// is reported as an integer 0/1 rather than an error.
func boolOK(v resp.Value, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	if v.Kind == resp.Integer {
		return v.Int != 0, nil
	}
	return v.Kind == resp.SimpleString, nil
}

// intOrNone turns a null bulk/array into (0, false) instead of an
// error, for commands like OBJECT IDLETIME that report "key missing"
// as a null reply rather than an error reply.
func intOrNone(v resp.Value, err error) (int64, bool, error) {
	if err != nil {
		return 0, false, err
	}
	if v.Null {
		return 0, false, nil
	}
	if v.Kind != resp.Integer {
		return 0, false, ErrProtocol
	}
	return v.Int, true, nil
}

// parseInfo turns INFO's "\r\n"-separated "key:value" blob into a
// map, skipping blank lines and "# Section" headers.
func parseInfo(v resp.Value, err error) (map[string]string, error) {
	if err != nil {
		return nil, err
	}
	if v.Kind != resp.Bulk {
		return nil, ErrProtocol
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(v.Bulk), "\r\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, ':'); i >= 0 {
			out[line[:i]] = line[i+1:]
		}
	}
	return out, nil
}

// pairsToMap turns a flat bulk-string array ["f1","v1","f2","v2",...]
// into a map, for HGETALL and CONFIG GET.
func pairsToMap(v resp.Value, err error) (map[string][]byte, error) {
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make(map[string][]byte, len(v.Array)/2)
	for i := 0; i+1 < len(v.Array); i += 2 {
		out[string(v.Array[i].Bulk)] = v.Array[i+1].Bulk
	}
	return out, nil
}

// Pair is one member/score (or field/value) result, in the order the
// server returned it.
type Pair struct {
	Member []byte
	Score  float64
}

// listOfPairs turns a flat bulk-string array
// ["m1","s1","m2","s2",...] into ordered Pairs, for ZRANGE/ZPOPMIN
// with WITHSCORES.
func listOfPairs(v resp.Value, err error) ([]Pair, error) {
	if err != nil {
		return nil, err
	}
	if v.Null {
		return nil, nil
	}
	if v.Kind != resp.Array {
		return nil, ErrProtocol
	}
	out := make([]Pair, 0, len(v.Array)/2)
	for i := 0; i+1 < len(v.Array); i += 2 {
		score, perr := strconv.ParseFloat(string(v.Array[i+1].Bulk), 64)
		if perr != nil {
			return nil, ErrProtocol
		}
		out = append(out, Pair{Member: v.Array[i].Bulk, Score: score})
	}
	return out, nil
}

// parseFloat turns a bulk-string reply into a float64, for ZSCORE and
// ZINCRBY.
func parseFloat(v resp.Value, err error) (float64, error) {
	if err != nil {
		return 0, err
	}
	if v.Null {
		return 0, ErrNull
	}
	if v.Kind != resp.Bulk {
		return 0, ErrProtocol
	}
	f, perr := strconv.ParseFloat(string(v.Bulk), 64)
	if perr != nil {
		return 0, ErrProtocol
	}
	return f, nil
}

// identity is the default shape: the decoded Value passes through
// unchanged. Named here so command.go's table-driven commands (if
// any) can reference it alongside the other strategies rather than
// special-casing "no shaping" separately.
func identity(v resp.Value, err error) (resp.Value, error) { return v, err }
