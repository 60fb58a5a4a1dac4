package jni

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/jnivm"
	glog "github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/stubs"
)

// pin is a copy of array or string contents handed to native code.
// restore, when set, writes native modifications back to the array.
type pin struct {
	size    int
	restore func([]byte)
}

// pinBytes copies data to the emulator heap and remembers it until released.
func (b *Bridge) pinBytes(data []byte, restore func([]byte)) uint64 {
	addr := b.emu.Malloc(uint64(len(data)))
	if len(data) > 0 {
		if err := b.emu.MemWrite(addr, data); err != nil {
			b.log.Warn("pin write failed", glog.Addr(addr), zap.Error(err))
		}
	}
	b.mu.Lock()
	b.pins[addr] = pin{size: len(data), restore: restore}
	b.mu.Unlock()
	return addr
}

// pinUnits copies UTF-16 units plus a zero terminator.
func (b *Bridge) pinUnits(units []uint16) uint64 {
	raw, _ := binary.Append(nil, binary.LittleEndian, units)
	return b.pinBytes(append(raw, 0, 0), nil)
}

// release ends a pin. Mode 0 copies back and frees, JNI_COMMIT copies back
// and keeps the pin, JNI_ABORT frees without copying.
func (b *Bridge) release(addr uint64, mode int) {
	b.mu.Lock()
	p, ok := b.pins[addr]
	if ok && mode != JNI_COMMIT {
		delete(b.pins, addr)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Warn("lifetime", zap.Error(jerrors.Lifetime("Release", "0x%x was not handed out", addr)))
		return
	}
	if p.restore == nil || mode == JNI_ABORT {
		return
	}
	data, err := b.emu.MemRead(addr, uint64(p.size))
	if err != nil {
		b.log.Warn("pin read failed", glog.Addr(addr), zap.Error(err))
		return
	}
	p.restore(data)
}

// Pinned reports the number of buffers handed to native code and not yet
// released.
func (b *Bridge) Pinned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pins)
}

// encode serializes a primitive array little-endian and returns the
// function that reads a modified copy back.
func encode[T jnivm.Primitive](a *jnivm.Array[T]) ([]byte, func([]byte)) {
	raw, _ := binary.Append(nil, binary.LittleEndian, a.Data)
	return raw, func(p []byte) {
		binary.Decode(p, binary.LittleEndian, a.Data)
	}
}

// encodeAny is encode for an array of unknown element type.
func encodeAny(r jnivm.Ref) ([]byte, func([]byte), bool) {
	var (
		raw     []byte
		restore func([]byte)
	)
	switch a := r.(type) {
	case *jnivm.Array[bool]:
		raw, restore = encode(a)
	case *jnivm.Array[int8]:
		raw, restore = encode(a)
	case *jnivm.Array[uint16]:
		raw, restore = encode(a)
	case *jnivm.Array[int16]:
		raw, restore = encode(a)
	case *jnivm.Array[int32]:
		raw, restore = encode(a)
	case *jnivm.Array[int64]:
		raw, restore = encode(a)
	case *jnivm.Array[float32]:
		raw, restore = encode(a)
	case *jnivm.Array[float64]:
		raw, restore = encode(a)
	default:
		return nil, nil, false
	}
	return raw, restore, true
}

func notArray(op, want string, r jnivm.Ref) error {
	return jerrors.New(jerrors.PhaseBridge, jerrors.KindTypeMismatch).Op(op).
		Detail("%T is not a %s array", r, want).Build()
}

// registerArray installs the five slots of one primitive array family.
// i is the family offset: Boolean 0 through Double 7.
func registerArray[T jnivm.Primitive](b *Bridge, t *stubs.Table, i int, name string) {
	lookup := func(env *jnivm.Env, op string, h uint64) *jnivm.Array[T] {
		r := b.ref(h)
		if r == nil {
			env.Raise(jerrors.InvalidObject(op, "null array"))
			return nil
		}
		a, ok := r.(*jnivm.Array[T])
		if !ok {
			env.Raise(notArray(op, name, r))
			return nil
		}
		return a
	}

	newOp := "New" + name + "Array"
	b.slot(t, JNI_NewBooleanArray+i, newOp, func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := jsize(emu.X(1))
		if n < 0 {
			env.Raise(jerrors.OutOfBounds(newOp, 0, n, 0))
			emu.SetX(0, 0)
			return fmt.Sprintf("len=%d", n)
		}
		emu.SetX(0, b.handle(jnivm.NewPrimitiveArray[T](env, n)))
		return fmt.Sprintf("len=%d", n)
	})

	getOp := "Get" + name + "ArrayElements"
	b.slot(t, JNI_GetBooleanArrayElements+i, getOp, func(env *jnivm.Env, emu *emulator.Emulator) string {
		a := lookup(env, getOp, emu.X(1))
		if a == nil {
			emu.SetX(0, 0)
			return "null"
		}
		raw, restore := encode(a)
		addr := b.pinBytes(raw, restore)
		b.setBool(emu.X(2), true)
		emu.SetX(0, addr)
		return fmt.Sprintf("len=%d at %s", a.Len(), stubs.FormatHex(addr))
	})

	// Release<T>ArrayElements(env, array, elems, mode)
	b.slot(t, JNI_ReleaseBooleanArrayElements+i, "Release"+name+"ArrayElements", func(env *jnivm.Env, emu *emulator.Emulator) string {
		mode := jsize(emu.X(3))
		b.release(emu.X(2), mode)
		return fmt.Sprintf("%s mode=%d", stubs.FormatHex(emu.X(2)), mode)
	})

	// Get<T>ArrayRegion(env, array, start, len, buf)
	regionOp := "Get" + name + "ArrayRegion"
	b.slot(t, JNI_GetBooleanArrayRegion+i, regionOp, func(env *jnivm.Env, emu *emulator.Emulator) string {
		start, n := jsize(emu.X(2)), jsize(emu.X(3))
		detail := fmt.Sprintf("start=%d len=%d", start, n)
		a := lookup(env, regionOp, emu.X(1))
		if a == nil {
			return detail
		}
		if n < 0 {
			env.Raise(jerrors.OutOfBounds(regionOp, start, n, a.Len()))
			return detail
		}
		dst := make([]T, n)
		if err := a.Region(start, dst); err != nil {
			env.Raise(err)
			return detail
		}
		raw, _ := binary.Append(nil, binary.LittleEndian, dst)
		emu.MemWrite(emu.X(4), raw)
		return detail
	})

	setOp := "Set" + name + "ArrayRegion"
	b.slot(t, JNI_SetBooleanArrayRegion+i, setOp, func(env *jnivm.Env, emu *emulator.Emulator) string {
		start, n := jsize(emu.X(2)), jsize(emu.X(3))
		detail := fmt.Sprintf("start=%d len=%d", start, n)
		a := lookup(env, setOp, emu.X(1))
		if a == nil {
			return detail
		}
		if n < 0 {
			env.Raise(jerrors.OutOfBounds(setOp, start, n, a.Len()))
			return detail
		}
		src := make([]T, n)
		if n > 0 {
			raw, err := emu.MemRead(emu.X(4), uint64(binary.Size(src)))
			if err != nil {
				env.Raise(jerrors.Wrap(jerrors.PhaseBridge, setOp, err))
				return detail
			}
			binary.Decode(raw, binary.LittleEndian, src)
		}
		if err := a.SetRegion(start, src); err != nil {
			env.Raise(err)
		}
		return detail
	})
}

func (b *Bridge) registerCritical(t *stubs.Table) {
	b.slot(t, JNI_GetPrimitiveArrayCritical, "GetPrimitiveArrayCritical", func(env *jnivm.Env, emu *emulator.Emulator) string {
		r := b.ref(emu.X(1))
		raw, restore, ok := encodeAny(r)
		if !ok {
			env.Raise(notArray("GetPrimitiveArrayCritical", "primitive", r))
			emu.SetX(0, 0)
			return "null"
		}
		addr := b.pinBytes(raw, restore)
		b.setBool(emu.X(2), true)
		emu.SetX(0, addr)
		return stubs.FormatHex(addr)
	})

	// ReleasePrimitiveArrayCritical(env, array, carray, mode)
	b.slot(t, JNI_ReleasePrimitiveArrayCritical, "ReleasePrimitiveArrayCritical", func(env *jnivm.Env, emu *emulator.Emulator) string {
		mode := jsize(emu.X(3))
		b.release(emu.X(2), mode)
		return fmt.Sprintf("%s mode=%d", stubs.FormatHex(emu.X(2)), mode)
	})
}
