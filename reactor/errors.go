package reactor

import "errors"

// ErrKind classifies the sentinel errors a fiber operation can return, per
// the error taxonomy of the runtime: io, cancelled, closed, resource,
// protocol, internal.
type ErrKind int

const (
	ErrKindIO ErrKind = iota
	ErrKindCancelled
	ErrKindClosed
	ErrKindResource
	ErrKindProtocol
	ErrKindInternal
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindIO:
		return "io"
	case ErrKindCancelled:
		return "cancelled"
	case ErrKindClosed:
		return "closed"
	case ErrKindResource:
		return "resource"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// KindError wraps an underlying cause with its ErrKind so callers can
// branch with errors.Is against the sentinels below while still seeing
// the concrete syscall/protocol error via Unwrap.
type KindError struct {
	Kind  ErrKind
	Cause error
}

func (e *KindError) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *KindError) Unwrap() error { return e.Cause }

func (e *KindError) Is(target error) bool {
	var ke *KindError
	if errors.As(target, &ke) {
		return ke.Kind == e.Kind
	}
	return false
}

func newErr(kind ErrKind, cause error) error {
	return &KindError{Kind: kind, Cause: cause}
}

// Sentinels for errors.Is comparisons that don't care about the cause.
var (
	ErrCancelled = &KindError{Kind: ErrKindCancelled}
	ErrClosed    = &KindError{Kind: ErrKindClosed}
	ErrResource  = &KindError{Kind: ErrKindResource}
	ErrProtocol  = &KindError{Kind: ErrKindProtocol}
	ErrInternal  = &KindError{Kind: ErrKindInternal}

	// ErrReentrantAwaitOnAll is returned by AwaitOnAll when invoked from
	// inside a reactor fiber; Design Note 9(c) requires this be rejected
	// explicitly rather than deadlocking.
	ErrReentrantAwaitOnAll = &KindError{Kind: ErrKindInternal, Cause: errors.New("AwaitOnAll called re-entrantly from a reactor fiber")}
)
