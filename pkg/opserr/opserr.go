// Package opserr classifies the errors returned by every reconciliation
// layer (cloud, block device, LVM, filesystem, mount) into the small,
// closed set of kinds the reconciler's decision list reacts to.
package opserr

import (
	"errors"
	"fmt"
)

// Kind is the category an operation error falls into. The reconciler never
// inspects an error's text; it only ever switches on Kind.
type Kind int

const (
	// Unknown is never returned deliberately; seeing it means a layer
	// forgot to wrap an error with a Kind.
	Unknown Kind = iota
	// Transient means the same call is expected to succeed if retried
	// after backoff: rate limiting, a busy unmount, a momentary API
	// timeout.
	Transient
	// NotReady means the underlying resource is converging on its own
	// (an attach not yet visible as a block device) and the cycle
	// should simply end without retrying immediately.
	NotReady
	// Conflict means another actor mutated the resource concurrently;
	// the cycle ends and the next cycle re-derives reality.
	Conflict
	// InvariantViolation means observed state cannot be reconciled
	// towards the target by any action in the decision list; the drive
	// is reported degraded and left untouched.
	InvariantViolation
	// Permanent means the requested action can never succeed as
	// specified (invalid size, quota exceeded). The cycle ends without
	// retrying it; the next cycle re-observes and may attempt it again.
	Permanent
	// Fatal means the daemon's own preconditions are broken
	// (misconfiguration, missing host tool). No layer returns it; the
	// supervisor handles it like any other non-degraded error.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case NotReady:
		return "not_ready"
	case Conflict:
		return "conflict"
	case InvariantViolation:
		return "invariant_violation"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind the reconciler needs.
type Error struct {
	Kind   Kind
	Op     string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New wraps cause with kind, tagged with the operation that produced it.
// Returns nil if cause is nil, so it is safe to call as `return opserr.New(op, kind, err)`.
func New(op string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// KindOf extracts the Kind carried by err, defaulting to Permanent for any
// error that was never classified by a layer.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Permanent
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
