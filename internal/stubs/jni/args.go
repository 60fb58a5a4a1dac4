package jni

import (
	"math"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jnivm"
)

// argReader yields the raw bits of successive arguments. Floats come back
// as float32 bits in the low word whatever the source promoted them to.
type argReader interface {
	next(k jnivm.Kind) uint64
}

// regArgs reads the variadic part of a call: X registers from gr, D
// registers from vr, then 8-byte stack slots. Variadic floats arrive
// promoted to double.
type regArgs struct {
	emu *emulator.Emulator
	gr  int
	vr  int
	sp  uint64
}

func newRegArgs(emu *emulator.Emulator, fixed int) *regArgs {
	return &regArgs{emu: emu, gr: fixed, sp: emu.SP()}
}

func (a *regArgs) stack() uint64 {
	v, _ := a.emu.MemReadU64(a.sp)
	a.sp += 8
	return v
}

func (a *regArgs) next(k jnivm.Kind) uint64 {
	if k == jnivm.KindFloat || k == jnivm.KindDouble {
		var bits uint64
		if a.vr < 8 {
			bits = a.emu.DBits(a.vr)
			a.vr++
		} else {
			bits = a.stack()
		}
		return demote(k, bits)
	}
	if a.gr < 8 {
		v := a.emu.X(a.gr)
		a.gr++
		return v
	}
	return a.stack()
}

// vaList walks an AAPCS64 va_list:
//
//	struct { void *__stack; void *__gr_top; void *__vr_top; int __gr_offs; int __vr_offs; }
type vaList struct {
	emu    *emulator.Emulator
	stk    uint64
	grTop  uint64
	vrTop  uint64
	grOffs int32
	vrOffs int32
}

func newVaList(emu *emulator.Emulator, addr uint64) *vaList {
	va := &vaList{emu: emu}
	if addr == 0 {
		return va
	}
	va.stk, _ = emu.MemReadU64(addr)
	va.grTop, _ = emu.MemReadU64(addr + 8)
	va.vrTop, _ = emu.MemReadU64(addr + 16)
	gr, _ := emu.MemReadU32(addr + 24)
	vr, _ := emu.MemReadU32(addr + 28)
	va.grOffs, va.vrOffs = int32(gr), int32(vr)
	return va
}

func (va *vaList) stack() uint64 {
	v, _ := va.emu.MemReadU64(va.stk)
	va.stk += 8
	return v
}

func (va *vaList) next(k jnivm.Kind) uint64 {
	if k == jnivm.KindFloat || k == jnivm.KindDouble {
		if va.vrOffs < 0 {
			v, _ := va.emu.MemReadU64(va.vrTop + uint64(int64(va.vrOffs)))
			va.vrOffs += 16
			return demote(k, v)
		}
		return demote(k, va.stack())
	}
	if va.grOffs < 0 {
		v, _ := va.emu.MemReadU64(va.grTop + uint64(int64(va.grOffs)))
		va.grOffs += 8
		return v
	}
	return va.stack()
}

// jvalues reads a jvalue array: one 8-byte union per argument.
type jvalues struct {
	emu  *emulator.Emulator
	addr uint64
}

func (j *jvalues) next(jnivm.Kind) uint64 {
	if j.addr == 0 {
		return 0
	}
	v, _ := j.emu.MemReadU64(j.addr)
	j.addr += 8
	return v
}

// demote turns a promoted double back into float bits.
func demote(k jnivm.Kind, bits uint64) uint64 {
	if k != jnivm.KindFloat {
		return bits
	}
	return uint64(math.Float32bits(float32(math.Float64frombits(bits))))
}

// args decodes one argument per parameter of m. A method whose descriptor
// does not parse gets no arguments; the call itself reports the error.
func (b *Bridge) args(m *jnivm.Method, r argReader) []jnivm.Value {
	if m == nil {
		return nil
	}
	mt, err := m.Type()
	if err != nil {
		return nil
	}
	kinds := mt.ParamKinds()
	out := make([]jnivm.Value, len(kinds))
	for i, k := range kinds {
		out[i] = b.value(k, r.next(k))
	}
	return out
}

// value rebuilds a Value from raw bits; objects are resolved from handles.
func (b *Bridge) value(k jnivm.Kind, bits uint64) jnivm.Value {
	if k == jnivm.KindObject {
		return jnivm.Obj(b.ref(bits))
	}
	return jnivm.FromRaw(k, bits)
}

// setResult writes v to the return register for a call of kind k.
func (b *Bridge) setResult(emu *emulator.Emulator, k jnivm.Kind, v jnivm.Value) {
	switch k {
	case jnivm.KindVoid:
	case jnivm.KindFloat:
		emu.SetS(0, v.Float())
	case jnivm.KindDouble:
		emu.SetD(0, v.Double())
	case jnivm.KindObject:
		emu.SetX(0, b.handle(v.Ref()))
	default:
		emu.SetX(0, v.Raw())
	}
}

// setterValue reads the value argument of a Set*Field call. Integers and
// references follow the fixed arguments in X3; floats travel in S0/D0.
func (b *Bridge) setterValue(emu *emulator.Emulator, k jnivm.Kind) jnivm.Value {
	switch k {
	case jnivm.KindFloat:
		return jnivm.Float(emu.S(0))
	case jnivm.KindDouble:
		return jnivm.Double(emu.D(0))
	}
	return b.value(k, emu.X(3))
}
