package resp

import (
	"errors"
	"strconv"
	"sync"
)

// ErrEncode reports an argument that cannot be written as a RESP bulk
// string. The encoders in this package take byte strings only, so
// none of them returns it.
var ErrEncode = errors.New("resp: cannot encode argument")

// Request is a reusable scratch buffer for one encoded command. Get it
// from the package pool with NewRequest and return it with Free once
// the bytes have been written to the wire.
type Request struct {
	buf []byte
}

var requestPool = sync.Pool{
	New: func() interface{} { return &Request{buf: make([]byte, 0, 256)} },
}

// NewRequest encodes args as a RESP array of bulk strings: "*N\r\n"
// followed by one "$L\r\n<bytes>\r\n" per argument. It appends into a
// single pooled buffer, so Bytes can be handed to one socket write.
func NewRequest(args ...[]byte) *Request {
	r := requestPool.Get().(*Request)
	r.buf = r.buf[:0]

	r.buf = append(r.buf, '*')
	r.buf = strconv.AppendUint(r.buf, uint64(len(args)), 10)
	r.buf = append(r.buf, '\r', '\n')
	for _, a := range args {
		r.buf = append(r.buf, '$')
		r.buf = strconv.AppendUint(r.buf, uint64(len(a)), 10)
		r.buf = append(r.buf, '\r', '\n')
		r.buf = append(r.buf, a...)
		r.buf = append(r.buf, '\r', '\n')
	}
	return r
}

// AppendCommand appends the encoding of args to an existing request,
// for pipelines that batch several commands into one write.
func (r *Request) AppendCommand(args ...[]byte) {
	r.buf = append(r.buf, '*')
	r.buf = strconv.AppendUint(r.buf, uint64(len(args)), 10)
	r.buf = append(r.buf, '\r', '\n')
	for _, a := range args {
		r.buf = append(r.buf, '$')
		r.buf = strconv.AppendUint(r.buf, uint64(len(a)), 10)
		r.buf = append(r.buf, '\r', '\n')
		r.buf = append(r.buf, a...)
		r.buf = append(r.buf, '\r', '\n')
	}
}

// Bytes returns the encoded buffer. Valid until Free.
func (r *Request) Bytes() []byte { return r.buf }

// Reset clears the buffer for reuse without returning it to the pool.
func (r *Request) Reset() { r.buf = r.buf[:0] }

// Free returns the buffer to the package pool.
func (r *Request) Free() {
	requestPool.Put(r)
}

// AppendInt encodes a signed decimal as a bulk string argument.
func AppendInt(dst [][]byte, v int64) [][]byte {
	return append(dst, []byte(strconv.FormatInt(v, 10)))
}

// AppendFloat encodes a float in the shortest round-tripping decimal
// form Redis accepts for score/increment arguments.
func AppendFloat(dst [][]byte, v float64) [][]byte {
	return append(dst, []byte(strconv.FormatFloat(v, 'g', -1, 64)))
}
