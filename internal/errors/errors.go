// Package errors defines the structured error type shared by the runtime,
// the binding layer and the native call table.
package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which layer produced the error.
type Phase string

const (
	PhaseBind      Phase = "bind"      // hook installation
	PhaseRegistry  Phase = "registry"  // class/method/field lookup
	PhaseReference Phase = "reference" // local/global/weak bookkeeping
	PhaseMarshal   Phase = "marshal"   // value slots to Go values and back
	PhaseCodec     Phase = "codec"     // modified UTF-8 and UTF-16
	PhaseInvoke    Phase = "invoke"    // method and field dispatch
	PhaseBridge    Phase = "bridge"    // emulated native call table
)

// Kind categorizes the error.
type Kind string

const (
	KindLifetime          Kind = "lifetime"
	KindInvalidObject     Kind = "invalid_object"
	KindInvalidModifier   Kind = "invalid_modifier"
	KindAmbiguousReceiver Kind = "ambiguous_receiver"
	KindUnsupported       Kind = "unsupported"
	KindDecode            Kind = "decode"
	KindOutOfBounds       Kind = "out_of_bounds"
	KindSignature         Kind = "signature"
	KindNotFound          Kind = "not_found"
	KindMonitor           Kind = "monitor"
	KindTypeMismatch      Kind = "type_mismatch"
	KindFrozen            Kind = "frozen"
	KindRuntime           Kind = "runtime"
)

// Error is the structured error type used throughout jnivm.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target has the same kind. An empty phase on the target
// matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Builder provides structured error construction.
type Builder struct {
	err Error
}

// New creates a new error builder.
func New(phase Phase, kind Kind) *Builder {
	return &Builder{err: Error{Phase: phase, Kind: kind}}
}

// Op sets the operation name (usually the JNI function).
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Cause sets the underlying error.
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message.
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error.
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is comparisons. Only Kind is matched.
var (
	ErrLifetime          = &Error{Kind: KindLifetime}
	ErrInvalidObject     = &Error{Kind: KindInvalidObject}
	ErrInvalidModifier   = &Error{Kind: KindInvalidModifier}
	ErrAmbiguousReceiver = &Error{Kind: KindAmbiguousReceiver}
	ErrUnsupported       = &Error{Kind: KindUnsupported}
	ErrDecode            = &Error{Kind: KindDecode}
	ErrOutOfBounds       = &Error{Kind: KindOutOfBounds}
	ErrSignature         = &Error{Kind: KindSignature}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrMonitor           = &Error{Kind: KindMonitor}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrFrozen            = &Error{Kind: KindFrozen}
)

// Convenience constructors.

// Lifetime reports a reference that was not found in its expected scope.
func Lifetime(op, detail string, args ...any) *Error {
	return New(PhaseReference, KindLifetime).Op(op).Detail(detail, args...).Build()
}

// InvalidObject reports a class or monitor operation on a null or class-less object.
func InvalidObject(op, detail string, args ...any) *Error {
	return New(PhaseInvoke, KindInvalidObject).Op(op).Detail(detail, args...).Build()
}

// Unsupported reports an operation the runtime does not implement.
func Unsupported(phase Phase, op, detail string, args ...any) *Error {
	return New(phase, KindUnsupported).Op(op).Detail(detail, args...).Build()
}

// Decode reports malformed modified UTF-8 input.
func Decode(offset int, b byte) *Error {
	return New(PhaseCodec, KindDecode).Detail("malformed sequence at byte %d (0x%02x)", offset, b).Build()
}

// OutOfBounds reports a region outside the target's length.
func OutOfBounds(op string, start, n, length int) *Error {
	return New(PhaseInvoke, KindOutOfBounds).Op(op).
		Detail("region [%d,%d) outside length %d", start, start+n, length).Build()
}

// Signature reports a malformed type descriptor.
func Signature(sig, detail string, args ...any) *Error {
	return New(PhaseMarshal, KindSignature).Op(sig).Detail(detail, args...).Build()
}

// Wrap attaches phase and op to an arbitrary error, keeping it as cause.
func Wrap(phase Phase, op string, err error) *Error {
	if err == nil {
		return nil
	}
	kind := KindRuntime
	if e, ok := err.(*Error); ok {
		kind = e.Kind
	}
	return &Error{Phase: phase, Kind: kind, Op: op, Cause: err}
}
