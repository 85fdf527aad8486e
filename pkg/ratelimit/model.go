package ratelimit

import (
	"context"
	"time"
)

type Namespace string

const (
	NamespaceIP   Namespace = "ip"
	NamespaceUser Namespace = "user"
)

// Identity names who is being limited.
type Identity struct {
	Namespace Namespace
	Key       string
}

func (id Identity) String() string {
	return string(id.Namespace) + ":" + id.Key
}

// Limit is a fixed-window policy: PerWindow calls per Window.
type Limit struct {
	PerWindow int64
	Window    time.Duration
}

// Decision is the verdict for one call.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store could not be consulted and the
	// decision came from the failure policy instead.
	Degraded bool
}

// RateLimiter decides whether a call may proceed. The Decision is always
// usable; a non-nil error only explains why it is Degraded.
type RateLimiter interface {
	Check(ctx context.Context, id Identity, limit Limit) (Decision, error)
}
