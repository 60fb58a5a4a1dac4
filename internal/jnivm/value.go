package jnivm

import (
	"fmt"
	"math"
)

// Kind is the primitive category of a value slot, one per JNI descriptor letter.
type Kind uint8

const (
	KindVoid Kind = iota
	KindBoolean
	KindByte
	KindChar
	KindShort
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindObject
)

var kindNames = [...]string{"void", "boolean", "byte", "char", "short", "int", "long", "float", "double", "object"}

var kindDescriptors = [...]byte{'V', 'Z', 'B', 'C', 'S', 'I', 'J', 'F', 'D', 'L'}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Descriptor returns the one-letter descriptor. Objects and arrays both report 'L'.
func (k Kind) Descriptor() byte {
	if int(k) < len(kindDescriptors) {
		return kindDescriptors[k]
	}
	return '?'
}

// KindOf maps the first byte of a type descriptor to its slot kind.
func KindOf(desc string) Kind {
	if desc == "" {
		return KindVoid
	}
	switch desc[0] {
	case 'Z':
		return KindBoolean
	case 'B':
		return KindByte
	case 'C':
		return KindChar
	case 'S':
		return KindShort
	case 'I':
		return KindInt
	case 'J':
		return KindLong
	case 'F':
		return KindFloat
	case 'D':
		return KindDouble
	case 'L', '[':
		return KindObject
	}
	return KindVoid
}

// Value is a tagged jvalue. Integer kinds keep their sign-extended bits,
// floats keep their IEEE bits in the low word.
type Value struct {
	kind Kind
	bits uint64
	ref  Ref
}

// Void is the result of a method returning nothing.
var Void = Value{}

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBoolean, bits: 1}
	}
	return Value{kind: KindBoolean}
}

func Byte(v int8) Value { return Value{kind: KindByte, bits: uint64(int64(v))} }
func Char(v uint16) Value { return Value{kind: KindChar, bits: uint64(v)} }
func Short(v int16) Value { return Value{kind: KindShort, bits: uint64(int64(v))} }
func Int(v int32) Value { return Value{kind: KindInt, bits: uint64(int64(v))} }
func Long(v int64) Value { return Value{kind: KindLong, bits: uint64(v)} }
func Float(v float32) Value { return Value{kind: KindFloat, bits: uint64(math.Float32bits(v))} }
func Double(v float64) Value {
	return Value{kind: KindDouble, bits: math.Float64bits(v)}
}

// Obj wraps a reference. A nil Ref is the null object.
func Obj(r Ref) Value {
	if isNil(r) {
		return Value{kind: KindObject}
	}
	return Value{kind: KindObject, ref: r}
}

// Zero returns the default value for kind: 0, false, null or void.
func Zero(k Kind) Value {
	return Value{kind: k}
}

// FromRaw rebuilds a primitive value from jvalue bits. Only the low bytes
// relevant to kind are read.
func FromRaw(k Kind, bits uint64) Value {
	switch k {
	case KindBoolean:
		return Bool(uint8(bits) != 0)
	case KindByte:
		return Byte(int8(bits))
	case KindChar:
		return Char(uint16(bits))
	case KindShort:
		return Short(int16(bits))
	case KindInt:
		return Int(int32(bits))
	case KindLong:
		return Long(int64(bits))
	case KindFloat:
		return Float(math.Float32frombits(uint32(bits)))
	case KindDouble:
		return Double(math.Float64frombits(bits))
	}
	return Value{kind: k}
}

func (v Value) Kind() Kind { return v.kind }

// Raw returns the jvalue bits. Objects have no raw form and report 0.
func (v Value) Raw() uint64 { return v.bits }

func (v Value) Bool() bool { return v.bits&0xff != 0 }
func (v Value) Byte() int8 { return int8(v.bits) }
func (v Value) Char() uint16 { return uint16(v.bits) }
func (v Value) Short() int16 { return int16(v.bits) }
func (v Value) Int() int32 { return int32(v.bits) }
func (v Value) Long() int64 { return int64(v.bits) }

func (v Value) Float() float32 {
	if v.kind == KindDouble {
		return float32(math.Float64frombits(v.bits))
	}
	return math.Float32frombits(uint32(v.bits))
}

func (v Value) Double() float64 {
	if v.kind == KindFloat {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

// Ref returns the referenced object or nil.
func (v Value) Ref() Ref { return v.ref }

// IsNull reports whether v is an object slot holding null.
func (v Value) IsNull() bool { return v.kind == KindObject && v.ref == nil }

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindBoolean:
		return fmt.Sprintf("%t", v.Bool())
	case KindChar:
		return fmt.Sprintf("'%c'", rune(v.Char()))
	case KindFloat:
		return fmt.Sprintf("%gf", v.Float())
	case KindDouble:
		return fmt.Sprintf("%g", v.Double())
	case KindObject:
		if v.ref == nil {
			return "null"
		}
		return fmt.Sprintf("%T", v.ref)
	}
	return fmt.Sprintf("%d", v.Long())
}
