package jnivm

import (
	"weak"
)

// String is java/lang/String backed by modified UTF-8 bytes.
type String struct {
	Object
	utf []byte
}

// NewStringBytes wraps modified UTF-8 without validating it.
func NewStringBytes(b []byte) *String {
	s := &String{utf: make([]byte, len(b))}
	copy(s.utf, b)
	return s
}

// Bytes returns the stored modified UTF-8.
func (s *String) Bytes() []byte { return s.utf }

// String decodes to a Go string.
func (s *String) String() string {
	if s == nil {
		return ""
	}
	return goString(s.utf)
}

// UTFLength is the encoded length in bytes.
func (s *String) UTFLength() int { return len(s.utf) }

// Length is the number of UTF-16 code units.
func (s *String) Length() (int, error) { return UTF16Len(s.utf) }

// Units decodes every code unit.
func (s *String) Units() ([]uint16, error) { return DecodeUnits(s.utf) }

// Region decodes n code units starting at unit start.
func (s *String) Region(start, n int) ([]uint16, error) {
	if start < 0 || n < 0 {
		return nil, errShort
	}
	return unitsRegion(s.utf, start, n)
}

// UTFRegion returns the encoded bytes of n code units starting at unit start.
func (s *String) UTFRegion(start, n int) ([]byte, error) {
	if start < 0 || n < 0 {
		return nil, errShort
	}
	return bytesRegion(s.utf, start, n)
}

// ByteBuffer is a direct java/nio/ByteBuffer. Address is the native address
// the buffer was created with; Data optionally mirrors its contents.
type ByteBuffer struct {
	Object
	Address  uint64
	Capacity int64
	Data     []byte
}

// Throwable is java/lang/Throwable and every exception class. The concrete
// class is carried by the object, so one Go type serves all of them.
type Throwable struct {
	Object
	Message string
	Cause   *Throwable
}

func (t *Throwable) Error() string {
	name := "java/lang/Throwable"
	if c := t.hdr().class.Load(); c != nil {
		name = c.FullName
	}
	if t.Message == "" {
		return name
	}
	return name + ": " + t.Message
}

// Unwrap exposes the cause chain to errors.Is and errors.As.
func (t *Throwable) Unwrap() error {
	if t.Cause == nil {
		return nil
	}
	return t.Cause
}

func (t *Throwable) children() []Ref {
	if t.Cause == nil {
		return nil
	}
	return []Ref{t.Cause}
}

// ClassName returns the exception class name.
func (t *Throwable) ClassName() string {
	if c := t.hdr().class.Load(); c != nil {
		return c.FullName
	}
	return "java/lang/Throwable"
}

const (
	globalRefClass = "jnivm/internal/GlobalRef"
	weakRefClass   = "jnivm/internal/WeakRef"
)

// Global is a VM-scoped owning reference.
type Global struct {
	Object
	target Ref
}

// Get returns the referenced object.
func (g *Global) Get() Ref { return g.target }

func (g *Global) children() []Ref { return []Ref{g.target} }

// Weak is a VM-scoped reference that does not keep its target alive.
type Weak struct {
	Object
	ptr weak.Pointer[header]
}

// Get returns the target, or nil once it has been destroyed.
func (w *Weak) Get() Ref {
	h := w.ptr.Value()
	if h == nil || h.dead.Load() {
		return nil
	}
	return h.self
}

// deref unwraps global and weak references to their targets.
func deref(r Ref) Ref {
	switch v := r.(type) {
	case nil:
		return nil
	case *Global:
		if v == nil {
			return nil
		}
		return v.target
	case *Weak:
		if v == nil {
			return nil
		}
		return v.Get()
	}
	if isNil(r) {
		return nil
	}
	return r
}

func weakPointer(h *header) weak.Pointer[header] {
	return weak.Make(h)
}
