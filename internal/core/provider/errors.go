package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the adapter-level error taxonomy.
type Kind int

const (
	KindFatal Kind = iota
	KindTransient
	KindResourceExhausted
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindNotFound:
		return "not_found"
	default:
		return "fatal"
	}
}

var (
	// ErrNotRunning is returned when connection facts are asked of an instance that is not running.
	ErrNotRunning = errors.New("instance is not running")
	// ErrUnsupported marks a capability this provider does not offer.
	ErrUnsupported = errors.New("operation not supported by provider")
	// ErrUnknownProvider is returned by Set.Get.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Error is a classified adapter failure.
type Error struct {
	Kind     Kind
	Provider Name
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(k Kind, p Name, op string, err error) error {
	return &Error{Kind: k, Provider: p, Op: op, Err: err}
}

func Transient(p Name, op string, err error) error { return newError(KindTransient, p, op, err) }

func ResourceExhausted(p Name, op string, err error) error {
	return newError(KindResourceExhausted, p, op, err)
}

func NotFound(p Name, op string, err error) error { return newError(KindNotFound, p, op, err) }

func Fatal(p Name, op string, err error) error { return newError(KindFatal, p, op, err) }

// KindOf reports the kind of a classified error. ok is false for nil or
// unclassified errors, in which case the kind is KindFatal.
func KindOf(err error) (k Kind, ok bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindFatal, false
}

func is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

func IsTransient(err error) bool         { return is(err, KindTransient) }
func IsNotFound(err error) bool          { return is(err, KindNotFound) }
func IsResourceExhausted(err error) bool { return is(err, KindResourceExhausted) }

// IsFatal is true for explicit Fatal errors and for anything unclassified.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k, _ := KindOf(err)
	return k == KindFatal
}

// Classify wraps an unclassified error. Deadlines, cancellations and network
// timeouts become Transient, everything else Fatal.
func Classify(p Name, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := KindOf(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(p, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Transient(p, op, err)
	}
	return Fatal(p, op, err)
}
