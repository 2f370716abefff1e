package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/lib/pq"
)

// Kind partitions failures by how the sync engine must react to them.
type Kind string

const (
	// KindUnreachable covers transport failures and timeouts against the
	// remote node. Recovered locally via backoff, never fatal.
	KindUnreachable Kind = "unreachable"

	// KindProtocol covers malformed or undecodable upstream responses.
	KindProtocol Kind = "protocol"

	// KindNotFound means the node does not (yet or anymore) serve the
	// requested height. Treated as a stall: back off and retry.
	KindNotFound Kind = "not_found"

	// KindIntegrity covers hash collisions and continuity breaks beyond
	// the rewind window. Not retried blindly; fatal once policy is exhausted.
	KindIntegrity Kind = "integrity"

	// KindStorage covers lost or failing database connections. Recovered
	// via backoff identically to KindUnreachable.
	KindStorage Kind = "storage"
)

// Error carries a failure kind alongside the wrapped cause and, when
// known, the chain height the failure relates to.
type Error struct {
	Kind   Kind
	Height int64 // 0 when not height-scoped
	err    error
}

func (e *Error) Error() string {
	if e.Height > 0 {
		return fmt.Sprintf("%s: height=%d: %v", e.Kind, e.Height, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Wrap tags err with a kind. Returns nil for a nil err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: err}
}

// WrapHeight tags err with a kind and the height it occurred at.
func WrapHeight(kind Kind, height int64, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Height: height, err: err}
}

func Unreachable(err error) error { return Wrap(KindUnreachable, err) }
func Protocol(err error) error    { return Wrap(KindProtocol, err) }
func NotFound(err error) error    { return Wrap(KindNotFound, err) }
func Integrity(err error) error   { return Wrap(KindIntegrity, err) }
func Storage(err error) error     { return Wrap(KindStorage, err) }

// Integrityf builds a fatal integrity error from a format string.
func Integrityf(format string, args ...any) error {
	return &Error{Kind: KindIntegrity, err: fmt.Errorf(format, args...)}
}

// KindOf classifies err into the taxonomy. Explicitly tagged errors win;
// otherwise the classification falls back to transport, driver, and
// message-level heuristics.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindUnreachable
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return KindIntegrity
		default:
			return KindStorage
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindUnreachable
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, notFoundTokens) {
		return KindNotFound
	}
	if containsAny(lower, unreachableTokens) {
		return KindUnreachable
	}
	return KindProtocol
}

// IsFatal reports whether err must terminate ingestion rather than feed
// another backoff round. Only integrity violations qualify.
func IsFatal(err error) bool {
	return KindOf(err) == KindIntegrity
}

// Retryable reports whether err is recovered locally via backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnreachable, KindProtocol, KindNotFound, KindStorage:
		return true
	}
	return false
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var unreachableTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"server closed idle connection",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
}

var notFoundTokens = []string{
	"not found",
	"no such height",
	"height must be less than or equal",
}
