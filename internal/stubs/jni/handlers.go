package jni

import (
	"encoding/binary"
	"fmt"

	"github.com/zboralski/jnivm/internal/emulator"
	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/jnivm"
	"github.com/zboralski/jnivm/internal/stubs"
)

// handlerFunc performs one table operation and returns the trace detail.
type handlerFunc func(env *jnivm.Env, emu *emulator.Emulator) string

// wrap adapts fn to a stub hook: it resolves the Env, runs fn, reports the
// call and returns to the caller.
func (b *Bridge) wrap(category, name string, fn handlerFunc) stubs.HookFunc {
	return func(emu *emulator.Emulator) bool {
		env := b.env()
		if env == nil {
			emu.SetX(0, 0)
			b.reg.Log(category, name, "no env")
			stubs.ReturnFromStub(emu)
			return false
		}
		detail := fn(env, emu)
		b.reg.Log(category, name, detail)
		stubs.ReturnFromStub(emu)
		return false
	}
}

func (b *Bridge) slot(t *stubs.Table, index int, name string, fn handlerFunc) {
	if err := t.RegisterFunc(index, "jni", name, b.wrap("jni", name, fn)); err != nil {
		panic(err)
	}
}

// Result kinds in table order: each Call family has three variants and
// each field family one accessor per kind.
var (
	callKinds = [...]jnivm.Kind{
		jnivm.KindObject, jnivm.KindBoolean, jnivm.KindByte, jnivm.KindChar, jnivm.KindShort,
		jnivm.KindInt, jnivm.KindLong, jnivm.KindFloat, jnivm.KindDouble, jnivm.KindVoid,
	}
	kindNames = [...]string{"Object", "Boolean", "Byte", "Char", "Short", "Int", "Long", "Float", "Double", "Void"}
	variants  = [...]string{"", "V", "A"}
)

// reader picks the argument source for variant 0 (...), 1 (va_list) or
// 2 (jvalue*). fixed is the number of register arguments before it.
func reader(emu *emulator.Emulator, variant, fixed int) argReader {
	switch variant {
	case 0:
		return newRegArgs(emu, fixed)
	case 1:
		return newVaList(emu, emu.X(fixed))
	}
	return &jvalues{emu: emu, addr: emu.X(fixed)}
}

func describe(v fmt.Stringer, ok bool) string {
	if !ok {
		return "null"
	}
	return v.String()
}

func jsize(v uint64) int { return int(int32(v)) }

func (b *Bridge) registerEnv(t *stubs.Table) {
	t.Fallback = func(emu *emulator.Emulator) bool {
		b.reg.Log("jni", "reserved", stubs.FormatPtr("lr", emu.LR()))
		emu.SetX(0, 0)
		stubs.ReturnFromStub(emu)
		return false
	}

	b.registerClassOps(t)
	b.registerExceptions(t)
	b.registerRefs(t)
	b.registerObjects(t)
	b.registerCalls(t)
	b.registerFields(t)
	b.registerStrings(t)
	b.registerObjectArrays(t)
	registerArray[bool](b, t, 0, "Boolean")
	registerArray[int8](b, t, 1, "Byte")
	registerArray[uint16](b, t, 2, "Char")
	registerArray[int16](b, t, 3, "Short")
	registerArray[int32](b, t, 4, "Int")
	registerArray[int64](b, t, 5, "Long")
	registerArray[float32](b, t, 6, "Float")
	registerArray[float64](b, t, 7, "Double")
	b.registerCritical(t)
	b.registerNatives(t)
	b.registerMisc(t)
}

func (b *Bridge) registerClassOps(t *stubs.Table) {
	b.slot(t, JNI_GetVersion, "GetVersion", func(env *jnivm.Env, emu *emulator.Emulator) string {
		emu.SetX(0, uint64(env.GetVersion()))
		return stubs.FormatHex(uint64(env.GetVersion()))
	})

	b.slot(t, JNI_DefineClass, "DefineClass", func(env *jnivm.Env, emu *emulator.Emulator) string {
		name := b.cstring(emu.X(1))
		env.Raise(jerrors.Unsupported(jerrors.PhaseBridge, "DefineClass", "class file loading for %q", name))
		emu.SetX(0, 0)
		return name
	})

	b.slot(t, JNI_FindClass, "FindClass", func(env *jnivm.Env, emu *emulator.Emulator) string {
		name := b.cstring(emu.X(1))
		emu.SetX(0, b.localClass(env, env.FindClass(name)))
		return name
	})

	b.slot(t, JNI_FromReflectedMethod, "FromReflectedMethod", func(env *jnivm.Env, emu *emulator.Emulator) string {
		m := env.FromReflectedMethod(b.ref(emu.X(1)))
		emu.SetX(0, b.handle(m))
		return describe(m, m != nil)
	})

	b.slot(t, JNI_FromReflectedField, "FromReflectedField", func(env *jnivm.Env, emu *emulator.Emulator) string {
		f := env.FromReflectedField(b.ref(emu.X(1)))
		emu.SetX(0, b.handle(f))
		return describe(f, f != nil)
	})

	b.slot(t, JNI_ToReflectedMethod, "ToReflectedMethod", func(env *jnivm.Env, emu *emulator.Emulator) string {
		m := b.method(emu.X(2))
		emu.SetX(0, b.handle(env.ToReflectedMethod(b.class(emu.X(1)), m, emu.X(3)&0xff != 0)))
		return describe(m, m != nil)
	})

	b.slot(t, JNI_ToReflectedField, "ToReflectedField", func(env *jnivm.Env, emu *emulator.Emulator) string {
		f := b.field(emu.X(2))
		emu.SetX(0, b.handle(env.ToReflectedField(b.class(emu.X(1)), f, emu.X(3)&0xff != 0)))
		return describe(f, f != nil)
	})

	b.slot(t, JNI_GetSuperclass, "GetSuperclass", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(1))
		emu.SetX(0, b.localClass(env, env.GetSuperclass(c)))
		return describe(c, c != nil)
	})

	b.slot(t, JNI_IsAssignableFrom, "IsAssignableFrom", func(env *jnivm.Env, emu *emulator.Emulator) string {
		sub, sup := b.class(emu.X(1)), b.class(emu.X(2))
		ok := env.IsAssignableFrom(sub, sup)
		emu.SetX(0, boolean(ok))
		return fmt.Sprintf("%s <: %s = %t", describe(sub, sub != nil), describe(sup, sup != nil), ok)
	})
}

func (b *Bridge) registerExceptions(t *stubs.Table) {
	b.slot(t, JNI_Throw, "Throw", func(env *jnivm.Env, emu *emulator.Emulator) string {
		r := b.ref(emu.X(1))
		emu.SetX(0, status(env.Throw(r)))
		return fmt.Sprintf("%v", r)
	})

	b.slot(t, JNI_ThrowNew, "ThrowNew", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(1))
		msg := b.cstring(emu.X(2))
		emu.SetX(0, status(env.ThrowNew(c, msg)))
		return describe(c, c != nil) + ": " + msg
	})

	b.slot(t, JNI_ExceptionOccurred, "ExceptionOccurred", func(env *jnivm.Env, emu *emulator.Emulator) string {
		emu.SetX(0, b.handle(env.ExceptionOccurred()))
		return ""
	})

	b.slot(t, JNI_ExceptionDescribe, "ExceptionDescribe", func(env *jnivm.Env, emu *emulator.Emulator) string {
		env.ExceptionDescribe()
		return ""
	})

	b.slot(t, JNI_ExceptionClear, "ExceptionClear", func(env *jnivm.Env, emu *emulator.Emulator) string {
		env.ExceptionClear()
		return ""
	})

	b.slot(t, JNI_ExceptionCheck, "ExceptionCheck", func(env *jnivm.Env, emu *emulator.Emulator) string {
		pending := env.ExceptionCheck()
		emu.SetX(0, boolean(pending))
		return fmt.Sprintf("%t", pending)
	})

	// FatalError does not return to native code: emulation stops once the
	// fatal handler comes back.
	fatal := func(emu *emulator.Emulator) bool {
		msg := b.cstring(emu.X(1))
		b.reg.Log("jni", "FatalError", msg)
		if env := b.env(); env != nil {
			env.FatalError(msg)
		}
		return true
	}
	if err := t.RegisterFunc(JNI_FatalError, "jni", "FatalError", fatal); err != nil {
		panic(err)
	}
}

func (b *Bridge) registerRefs(t *stubs.Table) {
	b.slot(t, JNI_PushLocalFrame, "PushLocalFrame", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := jsize(emu.X(1))
		err := env.PushLocalFrame(n)
		if err != nil {
			env.Raise(err)
		}
		emu.SetX(0, status(err))
		return fmt.Sprintf("capacity=%d", n)
	})

	b.slot(t, JNI_PopLocalFrame, "PopLocalFrame", func(env *jnivm.Env, emu *emulator.Emulator) string {
		emu.SetX(0, b.handle(env.PopLocalFrame(b.ref(emu.X(1)))))
		return fmt.Sprintf("depth=%d", env.FrameDepth())
	})

	b.slot(t, JNI_EnsureLocalCapacity, "EnsureLocalCapacity", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := jsize(emu.X(1))
		err := env.EnsureLocalCapacity(n)
		if err != nil {
			env.Raise(err)
		}
		emu.SetX(0, status(err))
		return fmt.Sprintf("capacity=%d", n)
	})

	b.slot(t, JNI_NewGlobalRef, "NewGlobalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		g := env.NewGlobalRef(b.ref(emu.X(1)))
		h := b.handle(g)
		emu.SetX(0, h)
		return stubs.FormatHex(h)
	})

	b.slot(t, JNI_DeleteGlobalRef, "DeleteGlobalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		env.DeleteGlobalRef(b.raw(emu.X(1)))
		return stubs.FormatHex(emu.X(1))
	})

	b.slot(t, JNI_DeleteLocalRef, "DeleteLocalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		env.DeleteLocalRef(b.raw(emu.X(1)))
		return stubs.FormatHex(emu.X(1))
	})

	b.slot(t, JNI_IsSameObject, "IsSameObject", func(env *jnivm.Env, emu *emulator.Emulator) string {
		same := env.IsSameObject(b.raw(emu.X(1)), b.raw(emu.X(2)))
		emu.SetX(0, boolean(same))
		return fmt.Sprintf("%t", same)
	})

	b.slot(t, JNI_NewLocalRef, "NewLocalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		h := b.handle(env.NewLocalRef(b.ref(emu.X(1))))
		emu.SetX(0, h)
		return stubs.FormatHex(h)
	})

	b.slot(t, JNI_NewWeakGlobalRef, "NewWeakGlobalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		w := env.NewWeakGlobalRef(b.ref(emu.X(1)))
		h := b.handle(w)
		emu.SetX(0, h)
		return stubs.FormatHex(h)
	})

	b.slot(t, JNI_DeleteWeakGlobalRef, "DeleteWeakGlobalRef", func(env *jnivm.Env, emu *emulator.Emulator) string {
		env.DeleteWeakGlobalRef(b.raw(emu.X(1)))
		return stubs.FormatHex(emu.X(1))
	})

	b.slot(t, JNI_GetObjectRefType, "GetObjectRefType", func(env *jnivm.Env, emu *emulator.Emulator) string {
		rt := env.GetObjectRefType(b.raw(emu.X(1)))
		emu.SetX(0, uint64(rt))
		return rt.String()
	})
}

func (b *Bridge) registerObjects(t *stubs.Table) {
	b.slot(t, JNI_AllocObject, "AllocObject", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(1))
		emu.SetX(0, b.handle(env.AllocObject(c)))
		return describe(c, c != nil)
	})

	for v, suffix := range variants {
		b.slot(t, JNI_NewObject+v, "NewObject"+suffix, func(env *jnivm.Env, emu *emulator.Emulator) string {
			c, m := b.class(emu.X(1)), b.method(emu.X(2))
			args := b.args(m, reader(emu, v, 3))
			emu.SetX(0, b.handle(env.NewObject(c, m, args...)))
			return describe(m, m != nil)
		})
	}

	b.slot(t, JNI_GetObjectClass, "GetObjectClass", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := env.GetObjectClass(b.ref(emu.X(1)))
		emu.SetX(0, b.localClass(env, c))
		return describe(c, c != nil)
	})

	b.slot(t, JNI_IsInstanceOf, "IsInstanceOf", func(env *jnivm.Env, emu *emulator.Emulator) string {
		c := b.class(emu.X(2))
		ok := env.IsInstanceOf(b.ref(emu.X(1)), c)
		emu.SetX(0, boolean(ok))
		return fmt.Sprintf("%s = %t", describe(c, c != nil), ok)
	})

	b.slot(t, JNI_MonitorEnter, "MonitorEnter", func(env *jnivm.Env, emu *emulator.Emulator) string {
		emu.SetX(0, status(env.MonitorEnter(b.ref(emu.X(1)))))
		return stubs.FormatHex(emu.X(1))
	})

	b.slot(t, JNI_MonitorExit, "MonitorExit", func(env *jnivm.Env, emu *emulator.Emulator) string {
		h := emu.X(1)
		emu.SetX(0, status(env.MonitorExit(b.ref(h))))
		return stubs.FormatHex(h)
	})
}

// memberID looks up a method or field on the class in X1 by the name and
// signature in X2 and X3.
func (b *Bridge) memberID(env *jnivm.Env, emu *emulator.Emulator, lookup func(c *jnivm.Class, name, sig string) jnivm.Ref) string {
	c := b.class(emu.X(1))
	name, sig := b.cstring(emu.X(2)), b.cstring(emu.X(3))
	if c == nil {
		env.Raise(jerrors.InvalidObject("GetMemberID", "null class for %s%s", name, sig))
		emu.SetX(0, 0)
		return name + sig
	}
	emu.SetX(0, b.handle(lookup(c, name, sig)))
	return c.FullName + "." + name + sig
}

func (b *Bridge) registerCalls(t *stubs.Table) {
	b.slot(t, JNI_GetMethodID, "GetMethodID", func(env *jnivm.Env, emu *emulator.Emulator) string {
		return b.memberID(env, emu, func(c *jnivm.Class, name, sig string) jnivm.Ref {
			return c.GetMethodID(name, sig, false)
		})
	})

	b.slot(t, JNI_GetStaticMethodID, "GetStaticMethodID", func(env *jnivm.Env, emu *emulator.Emulator) string {
		return b.memberID(env, emu, func(c *jnivm.Class, name, sig string) jnivm.Ref {
			return c.GetMethodID(name, sig, true)
		})
	})

	for i, k := range callKinds {
		for v, suffix := range variants {
			// Call<T>Method(env, obj, methodID, ...)
			b.slot(t, JNI_CallObjectMethod+3*i+v, "Call"+kindNames[i]+"Method"+suffix,
				func(env *jnivm.Env, emu *emulator.Emulator) string {
					obj, m := b.ref(emu.X(1)), b.method(emu.X(2))
					args := b.args(m, reader(emu, v, 3))
					b.setResult(emu, k, env.CallMethod(obj, m, args...))
					return describe(m, m != nil)
				})

			// CallNonvirtual<T>Method(env, obj, clazz, methodID, ...)
			b.slot(t, JNI_CallNonvirtualObjectMethod+3*i+v, "CallNonvirtual"+kindNames[i]+"Method"+suffix,
				func(env *jnivm.Env, emu *emulator.Emulator) string {
					obj, c, m := b.ref(emu.X(1)), b.class(emu.X(2)), b.method(emu.X(3))
					args := b.args(m, reader(emu, v, 4))
					b.setResult(emu, k, env.CallNonvirtualMethod(obj, c, m, args...))
					return describe(m, m != nil)
				})

			// CallStatic<T>Method(env, clazz, methodID, ...)
			b.slot(t, JNI_CallStaticObjectMethod+3*i+v, "CallStatic"+kindNames[i]+"Method"+suffix,
				func(env *jnivm.Env, emu *emulator.Emulator) string {
					c, m := b.class(emu.X(1)), b.method(emu.X(2))
					args := b.args(m, reader(emu, v, 3))
					b.setResult(emu, k, env.CallStaticMethod(c, m, args...))
					return describe(m, m != nil)
				})
		}
	}
}

func (b *Bridge) registerFields(t *stubs.Table) {
	b.slot(t, JNI_GetFieldID, "GetFieldID", func(env *jnivm.Env, emu *emulator.Emulator) string {
		return b.memberID(env, emu, func(c *jnivm.Class, name, sig string) jnivm.Ref {
			return c.GetFieldID(name, sig, false)
		})
	})

	b.slot(t, JNI_GetStaticFieldID, "GetStaticFieldID", func(env *jnivm.Env, emu *emulator.Emulator) string {
		return b.memberID(env, emu, func(c *jnivm.Class, name, sig string) jnivm.Ref {
			return c.GetFieldID(name, sig, true)
		})
	})

	// Field families have no Void member.
	for i, k := range callKinds[:9] {
		b.slot(t, JNI_GetObjectField+i, "Get"+kindNames[i]+"Field", func(env *jnivm.Env, emu *emulator.Emulator) string {
			f := b.field(emu.X(2))
			b.setResult(emu, k, env.GetField(b.ref(emu.X(1)), f))
			return describe(f, f != nil)
		})

		b.slot(t, JNI_SetObjectField+i, "Set"+kindNames[i]+"Field", func(env *jnivm.Env, emu *emulator.Emulator) string {
			f := b.field(emu.X(2))
			v := b.setterValue(emu, k)
			env.SetField(b.ref(emu.X(1)), f, v)
			return describe(f, f != nil) + " = " + v.String()
		})

		b.slot(t, JNI_GetStaticObjectField+i, "GetStatic"+kindNames[i]+"Field", func(env *jnivm.Env, emu *emulator.Emulator) string {
			f := b.field(emu.X(2))
			b.setResult(emu, k, env.GetStaticField(b.class(emu.X(1)), f))
			return describe(f, f != nil)
		})

		b.slot(t, JNI_SetStaticObjectField+i, "SetStatic"+kindNames[i]+"Field", func(env *jnivm.Env, emu *emulator.Emulator) string {
			f := b.field(emu.X(2))
			v := b.setterValue(emu, k)
			env.SetStaticField(b.class(emu.X(1)), f, v)
			return describe(f, f != nil) + " = " + v.String()
		})
	}
}

func (b *Bridge) registerStrings(t *stubs.Table) {
	b.slot(t, JNI_NewString, "NewString", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := jsize(emu.X(2))
		if n < 0 {
			env.Raise(jerrors.OutOfBounds("NewString", 0, n, 0))
			emu.SetX(0, 0)
			return fmt.Sprintf("len=%d", n)
		}
		units := make([]uint16, n)
		if n > 0 {
			raw, err := emu.MemRead(emu.X(1), uint64(2*n))
			if err != nil {
				env.Raise(jerrors.Wrap(jerrors.PhaseBridge, "NewString", err))
				emu.SetX(0, 0)
				return err.Error()
			}
			binary.Decode(raw, binary.LittleEndian, units)
		}
		s := env.NewString(units)
		emu.SetX(0, b.handle(s))
		return fmt.Sprintf("%q", s.String())
	})

	b.slot(t, JNI_GetStringLength, "GetStringLength", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := env.GetStringLength(b.ref(emu.X(1)))
		emu.SetX(0, uint64(n))
		return fmt.Sprintf("%d", n)
	})

	b.slot(t, JNI_GetStringChars, "GetStringChars", func(env *jnivm.Env, emu *emulator.Emulator) string {
		addr := b.pinUnits(env.GetStringChars(b.ref(emu.X(1))))
		b.setBool(emu.X(2), true)
		emu.SetX(0, addr)
		return stubs.FormatHex(addr)
	})

	b.slot(t, JNI_ReleaseStringChars, "ReleaseStringChars", func(env *jnivm.Env, emu *emulator.Emulator) string {
		b.release(emu.X(2), 0)
		return stubs.FormatHex(emu.X(2))
	})

	b.slot(t, JNI_NewStringUTF, "NewStringUTF", func(env *jnivm.Env, emu *emulator.Emulator) string {
		ptr := emu.X(1)
		if ptr == 0 {
			emu.SetX(0, 0)
			return "null"
		}
		raw, err := emu.MemReadCString(ptr, 1<<20)
		if err != nil {
			env.Raise(jerrors.Wrap(jerrors.PhaseBridge, "NewStringUTF", err))
			emu.SetX(0, 0)
			return err.Error()
		}
		s := env.NewStringUTF(raw)
		emu.SetX(0, b.handle(s))
		return truncate(s.String())
	})

	b.slot(t, JNI_GetStringUTFLength, "GetStringUTFLength", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := env.GetStringUTFLength(b.ref(emu.X(1)))
		emu.SetX(0, uint64(n))
		return fmt.Sprintf("%d", n)
	})

	b.slot(t, JNI_GetStringUTFChars, "GetStringUTFChars", func(env *jnivm.Env, emu *emulator.Emulator) string {
		utf := env.GetStringUTFChars(b.ref(emu.X(1)))
		addr := b.pinBytes(append(utf, 0), nil)
		b.setBool(emu.X(2), true)
		emu.SetX(0, addr)
		return truncate(string(utf))
	})

	b.slot(t, JNI_ReleaseStringUTFChars, "ReleaseStringUTFChars", func(env *jnivm.Env, emu *emulator.Emulator) string {
		b.release(emu.X(2), 0)
		return stubs.FormatHex(emu.X(2))
	})

	// GetStringRegion(env, str, start, len, buf)
	b.slot(t, JNI_GetStringRegion, "GetStringRegion", func(env *jnivm.Env, emu *emulator.Emulator) string {
		start, n := jsize(emu.X(2)), jsize(emu.X(3))
		units := env.GetStringRegion(b.ref(emu.X(1)), start, n)
		if units != nil {
			raw, _ := binary.Append(nil, binary.LittleEndian, units)
			emu.MemWrite(emu.X(4), raw)
		}
		return fmt.Sprintf("start=%d len=%d", start, n)
	})

	b.slot(t, JNI_GetStringUTFRegion, "GetStringUTFRegion", func(env *jnivm.Env, emu *emulator.Emulator) string {
		start, n := jsize(emu.X(2)), jsize(emu.X(3))
		utf := env.GetStringUTFRegion(b.ref(emu.X(1)), start, n)
		if utf != nil || (n == 0 && !env.ExceptionCheck()) {
			emu.MemWrite(emu.X(4), append(utf, 0))
		}
		return fmt.Sprintf("start=%d len=%d", start, n)
	})

	b.slot(t, JNI_GetStringCritical, "GetStringCritical", func(env *jnivm.Env, emu *emulator.Emulator) string {
		addr := b.pinUnits(env.GetStringChars(b.ref(emu.X(1))))
		b.setBool(emu.X(2), true)
		emu.SetX(0, addr)
		return stubs.FormatHex(addr)
	})

	b.slot(t, JNI_ReleaseStringCritical, "ReleaseStringCritical", func(env *jnivm.Env, emu *emulator.Emulator) string {
		b.release(emu.X(2), 0)
		return stubs.FormatHex(emu.X(2))
	})
}

func (b *Bridge) registerObjectArrays(t *stubs.Table) {
	b.slot(t, JNI_GetArrayLength, "GetArrayLength", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := env.GetArrayLength(b.ref(emu.X(1)))
		emu.SetX(0, uint64(n))
		return fmt.Sprintf("%d", n)
	})

	// NewObjectArray(env, len, elementClass, initialElement)
	b.slot(t, JNI_NewObjectArray, "NewObjectArray", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := jsize(emu.X(1))
		c := b.class(emu.X(2))
		emu.SetX(0, b.handle(env.NewObjectArray(n, c, b.ref(emu.X(3)))))
		return fmt.Sprintf("%s[%d]", describe(c, c != nil), n)
	})

	b.slot(t, JNI_GetObjectArrayElement, "GetObjectArrayElement", func(env *jnivm.Env, emu *emulator.Emulator) string {
		i := jsize(emu.X(2))
		emu.SetX(0, b.handle(env.GetObjectArrayElement(b.ref(emu.X(1)), i)))
		return fmt.Sprintf("[%d]", i)
	})

	b.slot(t, JNI_SetObjectArrayElement, "SetObjectArrayElement", func(env *jnivm.Env, emu *emulator.Emulator) string {
		i := jsize(emu.X(2))
		env.SetObjectArrayElement(b.ref(emu.X(1)), i, b.ref(emu.X(3)))
		return fmt.Sprintf("[%d]", i)
	})
}

func (b *Bridge) registerMisc(t *stubs.Table) {
	b.slot(t, JNI_GetJavaVM, "GetJavaVM", func(env *jnivm.Env, emu *emulator.Emulator) string {
		out := emu.X(1)
		if out == 0 {
			emu.SetX(0, uint64(int64(JNI_ERR)))
			return "null"
		}
		emu.MemWriteU64(out, b.VMPtr())
		emu.SetX(0, JNI_OK)
		return stubs.FormatHex(b.VMPtr())
	})

	// NewDirectByteBuffer(env, address, capacity)
	b.slot(t, JNI_NewDirectByteBuffer, "NewDirectByteBuffer", func(env *jnivm.Env, emu *emulator.Emulator) string {
		addr, capacity := emu.X(1), int64(emu.X(2))
		emu.SetX(0, b.handle(env.NewDirectByteBuffer(addr, capacity, nil)))
		return stubs.FormatPtrPair("addr", addr, "cap", uint64(capacity))
	})

	b.slot(t, JNI_GetDirectBufferAddress, "GetDirectBufferAddress", func(env *jnivm.Env, emu *emulator.Emulator) string {
		addr := env.GetDirectBufferAddress(b.ref(emu.X(1)))
		emu.SetX(0, addr)
		return stubs.FormatHex(addr)
	})

	b.slot(t, JNI_GetDirectBufferCapacity, "GetDirectBufferCapacity", func(env *jnivm.Env, emu *emulator.Emulator) string {
		n := env.GetDirectBufferCapacity(b.ref(emu.X(1)))
		emu.SetX(0, uint64(n))
		return fmt.Sprintf("%d", n)
	})
}

func truncate(s string) string {
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return fmt.Sprintf("%q", s)
}
