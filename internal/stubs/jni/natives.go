package jni

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/jnivm"
	glog "github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/stubs"
)

// nativeFrame is the local capacity given to each emulated native call.
const nativeFrame = 16

// slot is one argument of a call into emulated code.
type slot struct {
	bits uint64
	fp   bool
}

// Call runs the emulated function at addr under AAPCS64: integer and
// pointer arguments in X0-X7, floating point in D0-D7, the rest in 8-byte
// stack slots. It returns X0 and the raw bits of D0. Calls do not nest: a
// call made while the emulator is already running fails.
func (b *Bridge) call(addr uint64, args []slot) (x0, d0 uint64, err error) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return 0, 0, jerrors.Unsupported(jerrors.PhaseBridge, "call",
			"re-entrant call into native code at 0x%x", addr)
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	emu := b.emu
	var stack []uint64
	gr, vr := 0, 0
	for _, a := range args {
		switch {
		case a.fp && vr < 8:
			emu.SetDBits(vr, a.bits)
			vr++
		case !a.fp && gr < 8:
			emu.SetX(gr, a.bits)
			gr++
		default:
			stack = append(stack, a.bits)
		}
	}

	sp := emu.SP()
	defer emu.SetSP(sp)
	newSP := (sp - uint64(8*len(stack))) &^ 15
	for i, v := range stack {
		if err := emu.MemWriteU64(newSP+uint64(8*i), v); err != nil {
			return 0, 0, fmt.Errorf("spill argument %d: %w", i, err)
		}
	}
	emu.SetSP(newSP)
	emu.SetLR(b.stopAddr())

	if err := emu.Run(addr, b.stopAddr()); err != nil {
		return 0, 0, fmt.Errorf("run 0x%x: %w", addr, err)
	}
	if pc := emu.PC(); pc != b.stopAddr() {
		return 0, 0, fmt.Errorf("run 0x%x: stopped at 0x%x", addr, pc)
	}
	return emu.X(0), emu.DBits(0), nil
}

// nativeFunc is a native method implemented by emulated code.
type nativeFunc struct {
	b    *Bridge
	name string
	addr uint64
	mt   jnivm.MethodType
}

// NativeFunc returns an Invoker that calls the emulated function at addr
// with the JNI native calling convention for sig: (JNIEnv*, jobject or
// jclass, args...).
func (b *Bridge) NativeFunc(name string, addr uint64, sig string) (jnivm.Invoker, error) {
	mt, err := jnivm.ParseMethodSignature(sig)
	if err != nil {
		return nil, err
	}
	return &nativeFunc{b: b, name: name, addr: addr, mt: mt}, nil
}

func (n *nativeFunc) Invoke(env *jnivm.Env, recv jnivm.Ref, args []jnivm.Value) (jnivm.Value, error) {
	b := n.b
	if len(args) != len(n.mt.Params) {
		return jnivm.Void, jerrors.New(jerrors.PhaseBridge, jerrors.KindTypeMismatch).Op(n.name).
			Detail("takes %d arguments, got %d", len(n.mt.Params), len(args)).Build()
	}

	slots := make([]slot, 0, len(args)+2)
	slots = append(slots, slot{bits: b.EnvPtr()}, slot{bits: b.handle(recv)})
	for _, v := range args {
		switch v.Kind() {
		case jnivm.KindFloat:
			slots = append(slots, slot{bits: v.Raw() & 0xffffffff, fp: true})
		case jnivm.KindDouble:
			slots = append(slots, slot{bits: v.Raw(), fp: true})
		case jnivm.KindObject:
			slots = append(slots, slot{bits: b.handle(v.Ref())})
		default:
			slots = append(slots, slot{bits: v.Raw()})
		}
	}

	// Locals created by the native die with its frame; the result survives
	// in the caller's.
	if err := env.PushLocalFrame(nativeFrame); err != nil {
		return jnivm.Void, err
	}
	x0, d0, err := b.call(n.addr, slots)
	if err != nil {
		env.PopLocalFrame(nil)
		return jnivm.Zero(n.mt.ReturnKind()), err
	}

	switch k := n.mt.ReturnKind(); k {
	case jnivm.KindVoid:
		env.PopLocalFrame(nil)
		return jnivm.Void, nil
	case jnivm.KindObject:
		return jnivm.Obj(env.PopLocalFrame(b.ref(x0))), nil
	case jnivm.KindFloat, jnivm.KindDouble:
		env.PopLocalFrame(nil)
		return jnivm.FromRaw(k, d0), nil
	default:
		env.PopLocalFrame(nil)
		return jnivm.FromRaw(k, x0), nil
	}
}

// registerNatives installs RegisterNatives and UnregisterNatives.
func (b *Bridge) registerNatives(t *stubs.Table) {
	// RegisterNatives(env, clazz, const JNINativeMethod* methods, jint n)
	b.slot(t, JNI_RegisterNatives, "RegisterNatives", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(1))
		n := jsize(emu.X(3))
		natives, err := b.readNatives(emu.X(2), n)
		if err == nil && c == nil {
			err = jerrors.InvalidObject("RegisterNatives", "null class")
		}
		if err == nil {
			err = c.RegisterNatives(natives)
		}
		if err != nil {
			env.Raise(err)
			emu.SetX(0, uint64(int64(JNI_ERR)))
			return err.Error()
		}
		emu.SetX(0, JNI_OK)
		return fmt.Sprintf("%s n=%d", c.FullName, n)
	})

	b.slot(t, JNI_UnregisterNatives, "UnregisterNatives", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(1))
		if c == nil {
			env.Raise(jerrors.InvalidObject("UnregisterNatives", "null class"))
			emu.SetX(0, uint64(int64(JNI_ERR)))
			return "null"
		}
		c.UnregisterNatives()
		emu.SetX(0, JNI_OK)
		return c.FullName
	})
}

// readNatives decodes n JNINativeMethod entries:
//
//	struct { const char *name; const char *signature; void *fnPtr; }
func (b *Bridge) readNatives(addr uint64, n int) ([]jnivm.NativeMethod, error) {
	if n < 0 {
		return nil, jerrors.OutOfBounds("RegisterNatives", 0, n, 0)
	}
	if n > 0 && addr == 0 {
		return nil, jerrors.InvalidObject("RegisterNatives", "null method table")
	}
	natives := make([]jnivm.NativeMethod, 0, n)
	for i := 0; i < n; i++ {
		entry := addr + uint64(24*i)
		namePtr, err := b.emu.MemReadU64(entry)
		if err != nil {
			return nil, jerrors.Wrap(jerrors.PhaseBridge, "RegisterNatives", err)
		}
		sigPtr, _ := b.emu.MemReadU64(entry + 8)
		fn, _ := b.emu.MemReadU64(entry + 16)

		name, sig := b.cstring(namePtr), b.cstring(sigPtr)
		if fn == 0 {
			return nil, jerrors.InvalidObject("RegisterNatives", "null function for %s%s", name, sig)
		}
		inv, err := b.NativeFunc(name, fn, sig)
		if err != nil {
			return nil, err
		}
		b.log.Debug("native bound", glog.Member(name), glog.Sig(sig), glog.Addr(fn))
		natives = append(natives, jnivm.NativeMethod{Name: name, Signature: sig, Fn: inv})
	}
	return natives, nil
}

// CallJNIOnLoad runs JNI_OnLoad(vm, NULL) at addr on the calling goroutine,
// which is attached first, and returns the JNI version it reports.
func (b *Bridge) CallJNIOnLoad(addr uint64) (int32, error) {
	if _, err := b.vm.AttachCurrentThread(); err != nil {
		return 0, err
	}
	x0, _, err := b.call(addr, []slot{{bits: b.VMPtr()}, {bits: 0}})
	if err != nil {
		return 0, err
	}
	version := int32(x0)
	b.log.Debug("JNI_OnLoad returned", glog.Addr(addr), zap.String("version", glog.Hex(uint64(uint32(version)))))
	if !validVersion(version) {
		return version, jerrors.New(jerrors.PhaseBridge, jerrors.KindUnsupported).Op("JNI_OnLoad").
			Detail("unsupported version 0x%x", uint32(version)).Build()
	}
	return version, nil
}

func validVersion(v int32) bool {
	switch v {
	case jnivm.Version1_1, jnivm.Version1_2, jnivm.Version1_4, jnivm.Version1_6:
		return true
	}
	return false
}
