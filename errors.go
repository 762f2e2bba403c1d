package redis

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrClosed rejects command execution after Client.Close.
var ErrClosed = errors.New("redis: client closed")

// ErrConnLost signals connection loss while a response was pending.
// The command's execution state on the server is unknown.
var ErrConnLost = errors.New("redis: connection lost while awaiting response")

// ErrTimeout reports that an I/O deadline elapsed mid-operation. The
// connection is closed (the response may still arrive later and would
// desynchronize the stream), but the caller may retry on a fresh one.
var ErrTimeout = errors.New("redis: i/o timeout")

// ErrProtocol signals a reply whose shape does not fit the command,
// for example an integer where a bulk string was expected. A malformed
// RESP reception on a command connection closes that connection and
// is reported as ErrConnLost instead.
var ErrProtocol = errors.New("redis: protocol violation")

// ErrNull represents a null bulk or null array reply where the caller
// asked for a non-nullable shape.
var ErrNull = errors.New("redis: null")

// ErrDataError rejects a client-side argument that cannot be sent:
// wrong slice lengths for paired key/value commands such as MSET.
var ErrDataError = errors.New("redis: invalid command argument")

// ErrWatchFailed is returned by Tx/transaction when EXEC aborts
// because a watched key changed; the caller may retry.
var ErrWatchFailed = errors.New("redis: transaction aborted, watched key changed")

// ErrCrossSlot rejects a multi-key cluster command whose keys hash to
// more than one slot, before anything is sent.
var ErrCrossSlot = errors.New("redis: keys do not hash to the same slot")

// ErrTopologyExhausted signals that a command was redirected, or the
// topology reinitialized, more than the configured limit of
// consecutive times, or that the current topology holds no master to
// send a keyless command to.
var ErrTopologyExhausted = errors.New("redis: too many cluster redirections")

// ServerError is a response sent by the server that represents a
// command-level failure rather than a protocol or transport failure.
type ServerError string

// Error honors the error interface.
func (e ServerError) Error() string {
	return fmt.Sprintf("redis: server error %q", string(e))
}

// Prefix returns the first word, which identifies the error kind per
// the Redis error-reply convention (e.g. "ERR", "WRONGTYPE", "MOVED").
func (e ServerError) Prefix() string {
	s := string(e)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// MovedError is the internal representation of a MOVED redirection.
// For a command routed by slot, the cluster router retries against
// Addr and updates the slot map, so the caller never sees it.
// Commands sent to one fixed node (KEYS, SCANIter pages) bypass the
// router's redirect handling and return it as their error.
type MovedError struct {
	Slot int
	Addr string
}

func (e *MovedError) Error() string {
	return fmt.Sprintf("redis: MOVED %d %s", e.Slot, e.Addr)
}

// AskError is the internal representation of an ASK redirection: a
// one-shot retry against Addr, preceded by an ASKING command, that
// does not update the slot map. Like MovedError, it reaches the
// caller only from commands sent to one fixed node.
type AskError struct {
	Slot int
	Addr string
}

func (e *AskError) Error() string {
	return fmt.Sprintf("redis: ASK %d %s", e.Slot, e.Addr)
}

// TryAgainError signals a transient multi-key condition during
// resharding; retried a bounded number of times with backoff.
type TryAgainError struct{ Msg string }

func (e *TryAgainError) Error() string { return "redis: TRYAGAIN " + e.Msg }

// ClusterDownError is fatal for the call that received it; the router
// never retries it automatically.
type ClusterDownError struct{ Msg string }

func (e *ClusterDownError) Error() string { return "redis: CLUSTERDOWN " + e.Msg }

// LoadingError means the server is still loading its dataset. The
// connection that received it must be discarded, never re-idled.
type LoadingError struct{ Msg string }

func (e *LoadingError) Error() string { return "redis: LOADING " + e.Msg }

// ReadOnlyError means a replica rejected a write. In cluster mode this
// is recoverable after a topology refresh moves the master.
type ReadOnlyError struct{ Msg string }

func (e *ReadOnlyError) Error() string { return "redis: READONLY " + e.Msg }

// NoScriptError means EVALSHA referenced a script not present in the
// script cache; the caller may fall back to EVAL.
type NoScriptError struct{ Msg string }

func (e *NoScriptError) Error() string { return "redis: NOSCRIPT " + e.Msg }

// ExecAbortError means a MULTI/EXEC transaction was aborted server
// side due to a command error queued earlier in the transaction.
type ExecAbortError struct{ Msg string }

func (e *ExecAbortError) Error() string { return "redis: EXECABORT " + e.Msg }

// AuthError covers NOAUTH (authentication required) and WRONGPASS
// (authentication failed); Required distinguishes the two.
type AuthError struct {
	Msg      string
	Required bool // true for NOAUTH, false for WRONGPASS
}

func (e *AuthError) Error() string {
	if e.Required {
		return "redis: NOAUTH " + e.Msg
	}
	return "redis: WRONGPASS " + e.Msg
}

// PermissionError reports an ACL denial (NOPERM).
type PermissionError struct{ Msg string }

func (e *PermissionError) Error() string { return "redis: NOPERM " + e.Msg }

// classifyError turns a raw error reply line (without the leading '-'
// and trailing CRLF) into its typed error. The generic ServerError is
// returned for anything not in the table.
func classifyError(line string) error {
	prefix, rest := line, ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		prefix, rest = line[:i], line[i+1:]
	}

	switch prefix {
	case "MOVED":
		if slot, addr, ok := parseRedirect(rest); ok {
			return &MovedError{Slot: slot, Addr: addr}
		}
	case "ASK":
		if slot, addr, ok := parseRedirect(rest); ok {
			return &AskError{Slot: slot, Addr: addr}
		}
	case "TRYAGAIN":
		return &TryAgainError{Msg: rest}
	case "CLUSTERDOWN":
		return &ClusterDownError{Msg: rest}
	case "LOADING":
		return &LoadingError{Msg: rest}
	case "READONLY":
		return &ReadOnlyError{Msg: rest}
	case "NOSCRIPT":
		return &NoScriptError{Msg: rest}
	case "EXECABORT":
		return &ExecAbortError{Msg: rest}
	case "NOAUTH":
		return &AuthError{Msg: rest, Required: true}
	case "WRONGPASS":
		return &AuthError{Msg: rest, Required: false}
	case "NOPERM":
		return &PermissionError{Msg: rest}
	}
	return ServerError(line)
}

// parseRedirect reads "<slot> <host:port>" as sent after MOVED/ASK.
func parseRedirect(s string) (slot int, addr string, ok bool) {
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return 0, "", false
	}
	return n, s[i+1:], true
}
