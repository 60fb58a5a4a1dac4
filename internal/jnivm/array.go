package jnivm

import (
	"reflect"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

// Primitive is the set of Go element types backing primitive arrays.
type Primitive interface {
	~bool | ~int8 | ~uint16 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// Array is a primitive Java array. Element access through At and Set is
// unchecked; region copies are checked.
type Array[T Primitive] struct {
	Object
	Data []T
}

// NewArray allocates a zeroed primitive array.
func NewArray[T Primitive](n int) *Array[T] {
	return &Array[T]{Data: make([]T, n)}
}

// ArrayOf wraps a copy of vals.
func ArrayOf[T Primitive](vals ...T) *Array[T] {
	a := NewArray[T](len(vals))
	copy(a.Data, vals)
	return a
}

func (a *Array[T]) Len() int { return len(a.Data) }
func (a *Array[T]) At(i int) T { return a.Data[i] }
func (a *Array[T]) Set(i int, v T) { a.Data[i] = v }

// Region copies len(dst) elements starting at start into dst.
func (a *Array[T]) Region(start int, dst []T) error {
	if start < 0 || start+len(dst) > len(a.Data) {
		return jerrors.OutOfBounds("GetArrayRegion", start, len(dst), len(a.Data))
	}
	copy(dst, a.Data[start:])
	return nil
}

// SetRegion copies src into the array starting at start.
func (a *Array[T]) SetRegion(start int, src []T) error {
	if start < 0 || start+len(src) > len(a.Data) {
		return jerrors.OutOfBounds("SetArrayRegion", start, len(src), len(a.Data))
	}
	copy(a.Data[start:], src)
	return nil
}

func (a *Array[T]) elemDescriptor() string {
	return primitiveDescriptors[reflect.TypeFor[T]().Kind()]
}

// Descriptor is the array class name, e.g. "[I".
func (a *Array[T]) Descriptor() string { return "[" + a.elemDescriptor() }

// Lengther is implemented by every array kind.
type Lengther interface {
	Ref
	Len() int
}

// ObjectArray is a Java array of references. Elements are owned by the array.
type ObjectArray struct {
	Object
	elem *Class
	data []Ref
}

func (a *ObjectArray) Len() int { return len(a.data) }

// At returns element i without a bounds check.
func (a *ObjectArray) At(i int) Ref { return a.data[i] }

// ElementClass is the class the array was created with.
func (a *ObjectArray) ElementClass() *Class { return a.elem }

// Elements returns a copy of the element slice.
func (a *ObjectArray) Elements() []Ref {
	out := make([]Ref, len(a.data))
	copy(out, a.data)
	return out
}

func (a *ObjectArray) children() []Ref { return a.data }

func (a *ObjectArray) elemDescriptor() string {
	if a == nil || a.elem == nil {
		return "Ljava/lang/Object;"
	}
	return ClassDescriptor(a.elem.FullName)
}

// set stores r at i, taking ownership of r and releasing the old element.
func (a *ObjectArray) set(vm *VM, i int, r Ref) error {
	if i < 0 || i >= len(a.data) {
		return jerrors.OutOfBounds("SetObjectArrayElement", i, 1, len(a.data))
	}
	r = deref(r)
	if r != nil {
		vm.adopt(r).retain()
	}
	old := a.data[i]
	a.data[i] = r
	if !isNil(old) {
		old.object().hdr().release()
	}
	return nil
}
