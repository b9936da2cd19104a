package threat

import (
	"context"
	"encoding/json"
	"fmt"
)

// AttackRecord is one detected attack event reported by the feed.
type AttackRecord struct {
	FlowID        string
	SourceAddress string
	Raw           json.RawMessage
}

// Feed fetches new attack records and acknowledges handled flows.
type Feed interface {
	FetchNewAttacks(ctx context.Context) ([]AttackRecord, error)
	Resolve(ctx context.Context, flowID string) error
}

// ErrorKind classifies feed failures for the caller's retry decision.
type ErrorKind int

const (
	// KindUnauthenticated: no token could be obtained; no request was sent.
	KindUnauthenticated ErrorKind = iota
	// KindUnauthorized: the API rejected a freshly acquired token as well.
	KindUnauthorized
	// KindForbidden: 403, needs operator attention.
	KindForbidden
	// KindTransient: network failure, timeout or 5xx.
	KindTransient
	// KindProtocol: unexpected status or undecodable payload.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// FeedError is returned by every Feed operation that fails.
type FeedError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *FeedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("feed %s: %s: status %d: %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("feed %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

// NeedsOperator reports whether only a configuration or permission change on
// the feed side can make the request succeed.
func (e *FeedError) NeedsOperator() bool {
	return e.Kind == KindForbidden
}

// Retryable reports whether retrying later may succeed without operator action.
func (e *FeedError) Retryable() bool {
	return e.Kind == KindTransient
}
