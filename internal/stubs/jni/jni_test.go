package jni

import (
	"encoding/binary"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jnivm"
	glog "github.com/zboralski/jnivm/internal/log"
)

type fixture struct {
	t     *testing.T
	emu   *emulator.Emulator
	vm    *jnivm.VM
	b     *Bridge
	env   *jnivm.Env
	logs  *observer.ObservedLogs
	fatal string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t}

	emu, err := emulator.New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })

	core, logs := observer.New(zapcore.DebugLevel)
	vm := jnivm.New(
		jnivm.WithLogger(glog.Wrap(zap.New(core))),
		jnivm.WithFatalHandler(func(msg string) { f.fatal = msg }),
	)
	t.Cleanup(vm.Destroy)

	b := New(emu, vm)
	envPtr, vmPtr, err := b.Install()
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if envPtr != b.EnvPtr() || vmPtr != b.VMPtr() {
		t.Fatalf("Install returned 0x%x/0x%x", envPtr, vmPtr)
	}

	env, err := vm.AttachCurrentThread()
	if err != nil {
		t.Fatalf("AttachCurrentThread: %v", err)
	}

	f.emu, f.vm, f.b, f.env, f.logs = emu, vm, b, env, logs
	return f
}

// jni calls JNIEnv slot index with env in X0 and the given arguments after it.
func (f *fixture) jni(index int, args ...slot) uint64 {
	f.t.Helper()
	fn, err := f.emu.MemReadU64(f.b.EnvSlot(index))
	if err != nil {
		f.t.Fatalf("read slot %d: %v", index, err)
	}
	x0, _, err := f.b.call(fn, append([]slot{{bits: f.b.EnvPtr()}}, args...))
	if err != nil {
		f.t.Fatalf("slot %d: %v", index, err)
	}
	return x0
}

// jnid is jni for slots returning float or double.
func (f *fixture) jnid(index int, args ...slot) uint64 {
	f.t.Helper()
	fn, _ := f.emu.MemReadU64(f.b.EnvSlot(index))
	_, d0, err := f.b.call(fn, append([]slot{{bits: f.b.EnvPtr()}}, args...))
	if err != nil {
		f.t.Fatalf("slot %d: %v", index, err)
	}
	return d0
}

func (f *fixture) javavm(index int, args ...slot) int32 {
	f.t.Helper()
	fn, err := f.emu.MemReadU64(f.b.VMSlot(index))
	if err != nil {
		f.t.Fatalf("read vm slot %d: %v", index, err)
	}
	x0, _, err := f.b.call(fn, append([]slot{{bits: f.b.VMPtr()}}, args...))
	if err != nil {
		f.t.Fatalf("vm slot %d: %v", index, err)
	}
	return int32(x0)
}

func (f *fixture) cstr(s string) uint64 {
	addr := f.emu.Malloc(uint64(len(s) + 1))
	if err := f.emu.MemWriteString(addr, s); err != nil {
		f.t.Fatalf("write %q: %v", s, err)
	}
	return addr
}

func (f *fixture) words(addr uint64, insns ...uint32) {
	var code []byte
	for _, w := range insns {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	if err := f.emu.LoadCodeAt(addr, code); err != nil {
		f.t.Fatalf("LoadCodeAt: %v", err)
	}
}

func x(v uint64) slot { return slot{bits: v} }

func i32(v int32) slot { return slot{bits: uint64(uint32(v))} }

func fp64(v float64) slot { return slot{bits: math.Float64bits(v), fp: true} }

func TestInstallLayout(t *testing.T) {
	f := newFixture(t)

	tab, err := f.emu.MemReadU64(f.b.EnvPtr())
	if err != nil {
		t.Fatal(err)
	}
	if tab != f.b.EnvSlot(0) {
		t.Errorf("JNIEnv points to 0x%x, want table at 0x%x", tab, f.b.EnvSlot(0))
	}
	for _, i := range []int{0, JNI_FindClass, JNI_GetObjectRefType} {
		stub, _ := f.emu.MemReadU64(f.b.EnvSlot(i))
		insn, _ := f.emu.MemRead(stub, 4)
		if binary.LittleEndian.Uint32(insn) != 0xd65f03c0 {
			t.Errorf("slot %d stub at 0x%x is not RET", i, stub)
		}
	}

	vtab, _ := f.emu.MemReadU64(f.b.VMPtr())
	if vtab != f.b.VMSlot(0) {
		t.Errorf("JavaVM points to 0x%x, want 0x%x", vtab, f.b.VMSlot(0))
	}

	// Reserved slots answer zero rather than crash.
	if got := f.jni(0); got != 0 {
		t.Errorf("reserved slot returned 0x%x", got)
	}
	if got := f.javavm(1); got != JNI_ERR {
		t.Errorf("reserved invoke slot returned %d", got)
	}
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t)
	if got := int32(f.jni(JNI_GetVersion)); got != jnivm.Version1_6 {
		t.Errorf("GetVersion = 0x%x, want 0x%x", got, jnivm.Version1_6)
	}
}

type widget struct {
	jnivm.Object
}

func TestFindClassIdentity(t *testing.T) {
	f := newFixture(t)
	jnivm.DefineClass[*widget](f.vm, "com/example/Widget").AddBase(f.vm.FindClass("java/lang/Object"))
	name := f.cstr("com/example/Widget")

	h1 := f.jni(JNI_FindClass, x(name))
	h2 := f.jni(JNI_FindClass, x(name))
	if h1 == 0 || h1 != h2 {
		t.Fatalf("FindClass handles 0x%x, 0x%x", h1, h2)
	}
	c, ok := f.vm.Resolve(h1).(*jnivm.Class)
	if !ok || c.FullName != "com/example/Widget" {
		t.Fatalf("handle resolves to %v", f.vm.Resolve(h1))
	}

	obj := f.jni(JNI_AllocObject, x(h1))
	if _, ok := f.b.ref(obj).(*widget); !ok {
		t.Fatalf("AllocObject made %T", f.b.ref(obj))
	}
	if got := f.jni(JNI_GetObjectClass, x(obj)); got != h1 {
		t.Errorf("GetObjectClass = 0x%x, want 0x%x", got, h1)
	}
	if got := f.jni(JNI_IsInstanceOf, x(obj), x(h1)); got != JNI_TRUE {
		t.Error("IsInstanceOf should be true")
	}

	object := f.jni(JNI_FindClass, x(f.cstr("java/lang/Object")))
	if got := f.jni(JNI_IsAssignableFrom, x(h1), x(object)); got != JNI_TRUE {
		t.Error("Widget should be assignable to Object")
	}
	if got := f.jni(JNI_GetSuperclass, x(h1)); got != object {
		t.Errorf("GetSuperclass = 0x%x, want 0x%x", got, object)
	}
}

func TestStringUTFRoundTrip(t *testing.T) {
	f := newFixture(t)

	h := f.jni(JNI_NewStringUTF, x(f.cstr("héllo")))
	if h == 0 {
		t.Fatal("NewStringUTF returned null")
	}
	if s, ok := f.vm.Resolve(h).(*jnivm.String); !ok || s.String() != "héllo" {
		t.Fatalf("string = %v", f.vm.Resolve(h))
	}
	if n := f.jni(JNI_GetStringLength, x(h)); n != 5 {
		t.Errorf("GetStringLength = %d", n)
	}
	if n := f.jni(JNI_GetStringUTFLength, x(h)); n != 6 {
		t.Errorf("GetStringUTFLength = %d", n)
	}

	isCopy := f.emu.Malloc(1)
	chars := f.jni(JNI_GetStringUTFChars, x(h), x(isCopy))
	got, err := f.emu.MemReadString(chars, 64)
	if err != nil || got != "héllo" {
		t.Errorf("GetStringUTFChars = %q, %v", got, err)
	}
	if c, _ := f.emu.MemReadU8(isCopy); c != JNI_TRUE {
		t.Error("isCopy should be set")
	}
	if f.b.Pinned() != 1 {
		t.Errorf("Pinned = %d before release", f.b.Pinned())
	}
	f.jni(JNI_ReleaseStringUTFChars, x(h), x(chars))
	if f.b.Pinned() != 0 {
		t.Errorf("Pinned = %d after release", f.b.Pinned())
	}

	if got := f.jni(JNI_NewStringUTF, x(0)); got != 0 {
		t.Error("NewStringUTF(NULL) should return null")
	}
}

func TestStringChars(t *testing.T) {
	f := newFixture(t)

	units := []uint16{'h', 0xe9, 'y'}
	buf := f.emu.Malloc(6)
	raw, _ := binary.Append(nil, binary.LittleEndian, units)
	f.emu.MemWrite(buf, raw)

	h := f.jni(JNI_NewString, x(buf), i32(3))
	if s, ok := f.vm.Resolve(h).(*jnivm.String); !ok || s.String() != "héy" {
		t.Fatalf("NewString = %v", f.vm.Resolve(h))
	}

	chars := f.jni(JNI_GetStringChars, x(h), x(0))
	back, _ := f.emu.MemRead(chars, 8)
	for i, u := range units {
		if got := binary.LittleEndian.Uint16(back[2*i:]); got != u {
			t.Errorf("unit %d = 0x%x, want 0x%x", i, got, u)
		}
	}
	if binary.LittleEndian.Uint16(back[6:]) != 0 {
		t.Error("chars not zero-terminated")
	}
	f.jni(JNI_ReleaseStringChars, x(h), x(chars))

	region := f.emu.Malloc(16)
	f.jni(JNI_GetStringUTFRegion, x(h), i32(1), i32(2), x(region))
	if got, _ := f.emu.MemReadString(region, 16); got != "éy" {
		t.Errorf("GetStringUTFRegion = %q", got)
	}

	f.jni(JNI_GetStringRegion, x(h), i32(2), i32(5), x(region))
	if f.jni(JNI_ExceptionCheck) != JNI_TRUE {
		t.Fatal("out of range region should raise")
	}
	exc := f.jni(JNI_ExceptionOccurred)
	if c := f.env.GetObjectClass(f.b.ref(exc)); c.FullName != "java/lang/StringIndexOutOfBoundsException" {
		t.Errorf("exception class = %s", c.FullName)
	}
	f.jni(JNI_ExceptionClear)
}

func newCalc(t *testing.T, f *fixture) (*jnivm.Class, uint64) {
	t.Helper()
	cls := f.vm.FindClass("com/example/Calc")
	if err := cls.BindStatic("add", func(a, b int32) int32 { return a + b }); err != nil {
		t.Fatal(err)
	}
	if err := cls.BindStatic("scale", func(v float64, k int32) float64 { return v * float64(k) }); err != nil {
		t.Fatal(err)
	}
	if err := cls.BindStatic("half", func(v float32) float32 { return v / 2 }); err != nil {
		t.Fatal(err)
	}
	return cls, f.vm.Handle(cls)
}

func TestCallStaticIntMethodVariants(t *testing.T) {
	f := newFixture(t)
	_, cls := newCalc(t, f)

	mid := f.jni(JNI_GetStaticMethodID, x(cls), x(f.cstr("add")), x(f.cstr("(II)I")))
	if mid == 0 {
		t.Fatal("GetStaticMethodID returned null")
	}
	if again := f.jni(JNI_GetStaticMethodID, x(cls), x(f.cstr("add")), x(f.cstr("(II)I"))); again != mid {
		t.Errorf("method id not stable: 0x%x vs 0x%x", mid, again)
	}

	callInt := JNI_CallStaticObjectMethod + 3*5

	t.Run("varargs", func(t *testing.T) {
		if got := int32(f.jni(callInt, x(cls), x(mid), i32(40), i32(2))); got != 42 {
			t.Errorf("CallStaticIntMethod = %d", got)
		}
	})

	t.Run("va_list", func(t *testing.T) {
		save := f.emu.Malloc(32)
		f.emu.MemWriteU64(save+16, 7)
		f.emu.MemWriteU64(save+24, uint64(uint32(int32(-3))))

		va := f.emu.Malloc(32)
		f.emu.MemWriteU64(va, 0)
		f.emu.MemWriteU64(va+8, save+32)
		f.emu.MemWriteU64(va+16, 0)
		f.emu.MemWriteU32(va+24, uint32(0xfffffff0)) // -16
		f.emu.MemWriteU32(va+28, 0)

		if got := int32(f.jni(callInt+1, x(cls), x(mid), x(va))); got != 4 {
			t.Errorf("CallStaticIntMethodV = %d", got)
		}
	})

	t.Run("jvalue", func(t *testing.T) {
		args := f.emu.Malloc(16)
		f.emu.MemWriteU64(args, 100)
		f.emu.MemWriteU64(args+8, 23)
		if got := int32(f.jni(callInt+2, x(cls), x(mid), x(args))); got != 123 {
			t.Errorf("CallStaticIntMethodA = %d", got)
		}
	})
}

func TestCallStaticFloatingPoint(t *testing.T) {
	f := newFixture(t)
	_, cls := newCalc(t, f)

	scale := f.jni(JNI_GetStaticMethodID, x(cls), x(f.cstr("scale")), x(f.cstr("(DI)D")))
	d0 := f.jnid(JNI_CallStaticObjectMethod+3*8, x(cls), x(scale), fp64(1.5), i32(4))
	if got := math.Float64frombits(d0); got != 6 {
		t.Errorf("CallStaticDoubleMethod = %v", got)
	}

	// Variadic floats arrive promoted to double.
	half := f.jni(JNI_GetStaticMethodID, x(cls), x(f.cstr("half")), x(f.cstr("(F)F")))
	d0 = f.jnid(JNI_CallStaticObjectMethod+3*7, x(cls), x(half), fp64(5))
	if got := math.Float32frombits(uint32(d0)); got != 2.5 {
		t.Errorf("CallStaticFloatMethod = %v", got)
	}

	// jvalue floats are stored unpromoted.
	args := f.emu.Malloc(8)
	f.emu.MemWriteU64(args, uint64(math.Float32bits(9)))
	d0 = f.jnid(JNI_CallStaticObjectMethod+3*7+2, x(cls), x(half), x(args))
	if got := math.Float32frombits(uint32(d0)); got != 4.5 {
		t.Errorf("CallStaticFloatMethodA = %v", got)
	}
}

func TestStaticFields(t *testing.T) {
	f := newFixture(t)
	c := f.vm.FindClass("com/example/Config")
	var (
		count int32
		ratio float32
	)
	if err := c.BindField("count", &count, jnivm.ModStatic); err != nil {
		t.Fatal(err)
	}
	if err := c.BindField("ratio", &ratio, jnivm.ModStatic); err != nil {
		t.Fatal(err)
	}
	cls := f.vm.Handle(c)

	fid := f.jni(JNI_GetStaticFieldID, x(cls), x(f.cstr("count")), x(f.cstr("I")))
	f.jni(JNI_SetStaticObjectField+5, x(cls), x(fid), i32(7))
	if count != 7 {
		t.Errorf("count = %d after SetStaticIntField", count)
	}
	count = 11
	if got := int32(f.jni(JNI_GetStaticObjectField+5, x(cls), x(fid))); got != 11 {
		t.Errorf("GetStaticIntField = %d", got)
	}

	rid := f.jni(JNI_GetStaticFieldID, x(cls), x(f.cstr("ratio")), x(f.cstr("F")))
	f.jni(JNI_SetStaticObjectField+7, x(cls), x(rid), slot{bits: uint64(math.Float32bits(0.25)), fp: true})
	if ratio != 0.25 {
		t.Errorf("ratio = %v after SetStaticFloatField", ratio)
	}
	d0 := f.jnid(JNI_GetStaticObjectField+7, x(cls), x(rid))
	if got := math.Float32frombits(uint32(d0)); got != 0.25 {
		t.Errorf("GetStaticFloatField = %v", got)
	}
}

func TestThrowNewThroughTable(t *testing.T) {
	f := newFixture(t)

	cls := f.jni(JNI_FindClass, x(f.cstr("java/lang/IllegalStateException")))
	if rc := int32(f.jni(JNI_ThrowNew, x(cls), x(f.cstr("bad state")))); rc != JNI_OK {
		t.Fatalf("ThrowNew = %d", rc)
	}
	if f.jni(JNI_ExceptionCheck) != JNI_TRUE {
		t.Fatal("exception should be pending")
	}
	th, ok := f.b.ref(f.jni(JNI_ExceptionOccurred)).(*jnivm.Throwable)
	if !ok || th.Message != "bad state" {
		t.Fatalf("ExceptionOccurred = %v", th)
	}
	f.jni(JNI_ExceptionClear)
	if f.jni(JNI_ExceptionCheck) != JNI_FALSE {
		t.Error("exception should be cleared")
	}

	f.jni(JNI_DefineClass, x(f.cstr("com/example/Dyn")))
	if !f.env.ExceptionCheck() {
		t.Error("DefineClass should raise")
	}
	f.env.ExceptionClear()
}

func TestGlobalAndWeakRefs(t *testing.T) {
	f := newFixture(t)

	obj := f.jni(JNI_NewStringUTF, x(f.cstr("kept")))
	g := f.jni(JNI_NewGlobalRef, x(obj))
	if g == 0 || g == obj {
		t.Fatalf("NewGlobalRef = 0x%x", g)
	}
	if rt := int32(f.jni(JNI_GetObjectRefType, x(g))); rt != int32(jnivm.GlobalRefType) {
		t.Errorf("GetObjectRefType(global) = %d", rt)
	}
	if f.jni(JNI_IsSameObject, x(g), x(obj)) != JNI_TRUE {
		t.Error("global should designate the same object")
	}

	w := f.jni(JNI_NewWeakGlobalRef, x(obj))
	if rt := int32(f.jni(JNI_GetObjectRefType, x(w))); rt != int32(jnivm.WeakGlobalRefType) {
		t.Errorf("GetObjectRefType(weak) = %d", rt)
	}

	f.jni(JNI_DeleteWeakGlobalRef, x(w))
	f.jni(JNI_DeleteGlobalRef, x(g))
	if f.env.ExceptionCheck() {
		t.Errorf("unexpected exception %v", f.env.ExceptionOccurred())
	}

	if rc := int32(f.jni(JNI_PushLocalFrame, i32(4))); rc != JNI_OK {
		t.Fatalf("PushLocalFrame = %d", rc)
	}
	inner := f.jni(JNI_NewStringUTF, x(f.cstr("inner")))
	kept := f.jni(JNI_PopLocalFrame, x(inner))
	if f.b.ref(kept) != f.b.ref(inner) {
		t.Error("PopLocalFrame should keep the result object")
	}
}

func TestClassHandlesAreLocal(t *testing.T) {
	f := newFixture(t)

	str := f.jni(JNI_NewStringUTF, x(f.cstr("s")))
	handles := map[string]uint64{
		"FindClass":      f.jni(JNI_FindClass, x(f.cstr("java/lang/String"))),
		"GetObjectClass": f.jni(JNI_GetObjectClass, x(str)),
	}
	handles["GetSuperclass"] = f.jni(JNI_GetSuperclass, x(handles["FindClass"]))

	for name, h := range handles {
		if h == 0 {
			t.Errorf("%s returned null", name)
			continue
		}
		if rt := int32(f.jni(JNI_GetObjectRefType, x(h))); rt != int32(jnivm.LocalRefType) {
			t.Errorf("GetObjectRefType(%s) = %d", name, rt)
		}
		f.jni(JNI_DeleteLocalRef, x(h))
	}
	if n := f.logs.FilterMessage("lifetime").Len(); n != 0 {
		t.Errorf("%d lifetime warnings after deleting class refs", n)
	}
	if f.vm.LookupClass("java/lang/String") == nil {
		t.Error("class should survive its local refs")
	}
}

func TestPrimitiveArrayElements(t *testing.T) {
	f := newFixture(t)
	const intOff = 4

	h := f.jni(JNI_NewBooleanArray+intOff, i32(3))
	arr, ok := f.b.ref(h).(*jnivm.Array[int32])
	if !ok {
		t.Fatalf("NewIntArray made %T", f.b.ref(h))
	}
	if n := f.jni(JNI_GetArrayLength, x(h)); n != 3 {
		t.Errorf("GetArrayLength = %d", n)
	}

	buf := f.emu.Malloc(12)
	raw, _ := binary.Append(nil, binary.LittleEndian, []int32{1, 2, 3})
	f.emu.MemWrite(buf, raw)
	f.jni(JNI_SetBooleanArrayRegion+intOff, x(h), i32(0), i32(3), x(buf))
	if arr.Data[0] != 1 || arr.Data[2] != 3 {
		t.Fatalf("after SetIntArrayRegion: %v", arr.Data)
	}

	tests := []struct {
		name     string
		mode     int
		want     int32
		stillPin bool
	}{
		{"abort", JNI_ABORT, 1, false},
		{"commit", JNI_COMMIT, 42, true},
		{"copy back", 0, 43, false},
	}
	var elems uint64
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if elems == 0 {
				elems = f.jni(JNI_GetBooleanArrayElements+intOff, x(h), x(0))
			}
			f.emu.MemWriteU32(elems, uint32(tt.want))
			if tt.mode == JNI_ABORT {
				f.emu.MemWriteU32(elems, 99)
			}
			f.jni(JNI_ReleaseBooleanArrayElements+intOff, x(h), x(elems), i32(int32(tt.mode)))
			if arr.Data[0] != tt.want {
				t.Errorf("element 0 = %d, want %d", arr.Data[0], tt.want)
			}
			if got := f.b.Pinned() == 1; got != tt.stillPin {
				t.Errorf("pinned = %d", f.b.Pinned())
			}
			if !tt.stillPin {
				elems = 0
			}
		})
	}

	f.jni(JNI_GetBooleanArrayRegion+intOff, x(h), i32(2), i32(5), x(buf))
	exc, _ := f.b.ref(f.jni(JNI_ExceptionOccurred)).(*jnivm.Throwable)
	if exc == nil || f.env.GetObjectClass(exc).FullName != "java/lang/ArrayIndexOutOfBoundsException" {
		t.Errorf("region overflow raised %v", exc)
	}
	f.jni(JNI_ExceptionClear)
}

func TestPrimitiveArrayCritical(t *testing.T) {
	f := newFixture(t)

	h := f.jni(JNI_NewBooleanArray+7, i32(2))
	p := f.jni(JNI_GetPrimitiveArrayCritical, x(h), x(0))
	f.emu.MemWriteU64(p+8, math.Float64bits(2.5))
	f.jni(JNI_ReleasePrimitiveArrayCritical, x(h), x(p), i32(0))

	arr := f.b.ref(h).(*jnivm.Array[float64])
	if arr.Data[1] != 2.5 {
		t.Errorf("critical write lost: %v", arr.Data)
	}

	str := f.jni(JNI_NewStringUTF, x(f.cstr("x")))
	f.jni(JNI_GetPrimitiveArrayCritical, x(str), x(0))
	if !f.env.ExceptionCheck() {
		t.Error("critical access to a string should raise")
	}
	f.env.ExceptionClear()
}

const (
	insnRET      = 0xd65f03c0
	insnAddW0    = 0x0b030040 // add w0, w2, w3
	insnFaddD0D1 = 0x1e612800 // fadd d0, d0, d1
)

// writeNatives builds a JNINativeMethod array in emulated memory.
func (f *fixture) writeNatives(entries ...[3]uint64) uint64 {
	table := f.emu.Malloc(uint64(24 * len(entries)))
	for i, e := range entries {
		for j, v := range e {
			f.emu.MemWriteU64(table+uint64(24*i+8*j), v)
		}
	}
	return table
}

func TestRegisterNativesEmulated(t *testing.T) {
	f := newFixture(t)
	f.words(emulator.CodeBase, insnAddW0, insnRET, insnFaddD0D1, insnRET)

	c := f.vm.FindClass("com/example/Native")
	table := f.writeNatives(
		[3]uint64{f.cstr("add"), f.cstr("(II)I"), emulator.CodeBase},
		[3]uint64{f.cstr("sum"), f.cstr("(DD)D"), emulator.CodeBase + 8},
	)
	if rc := int32(f.jni(JNI_RegisterNatives, x(f.vm.Handle(c)), x(table), i32(2))); rc != JNI_OK {
		t.Fatalf("RegisterNatives = %d: %v", rc, f.env.ExceptionOccurred())
	}

	if v := f.env.CallNative(c, "add", "(II)I", nil, jnivm.Int(40), jnivm.Int(2)); v.Int() != 42 {
		t.Errorf("add(40, 2) = %v", v)
	}
	if v := f.env.CallNative(c, "sum", "(DD)D", nil, jnivm.Double(1.25), jnivm.Double(2.5)); v.Double() != 3.75 {
		t.Errorf("sum(1.25, 2.5) = %v", v)
	}
	if f.env.ExceptionCheck() {
		t.Fatalf("unexpected exception %v", f.env.ExceptionOccurred())
	}

	bad := f.writeNatives([3]uint64{f.cstr("broken"), f.cstr("(Q)V"), emulator.CodeBase})
	if rc := int32(f.jni(JNI_RegisterNatives, x(f.vm.Handle(c)), x(bad), i32(1))); rc != JNI_ERR {
		t.Errorf("bad signature RegisterNatives = %d", rc)
	}
	if !f.env.ExceptionCheck() {
		t.Error("bad signature should raise")
	}
	f.env.ExceptionClear()

	f.jni(JNI_UnregisterNatives, x(f.vm.Handle(c)))
	f.env.CallNative(c, "add", "(II)I", nil, jnivm.Int(1), jnivm.Int(1))
	if !f.env.ExceptionCheck() {
		t.Error("unregistered native should raise")
	}
	f.env.ExceptionClear()
}

func TestReentrantNativeCall(t *testing.T) {
	f := newFixture(t)
	f.words(emulator.CodeBase, insnAddW0, insnRET)

	c := f.vm.FindClass("com/example/Reentrant")
	inv, err := f.b.NativeFunc("add", emulator.CodeBase, "(II)I")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterNatives([]jnivm.NativeMethod{{Name: "add", Signature: "(II)I", Fn: inv, Static: true}}); err != nil {
		t.Fatal(err)
	}
	err = c.BindStatic("viaNative", func(env *jnivm.Env) int32 {
		return env.CallNative(c, "add", "(II)I", nil, jnivm.Int(1), jnivm.Int(2)).Int()
	})
	if err != nil {
		t.Fatal(err)
	}

	cls := f.vm.Handle(c)
	mid := f.jni(JNI_GetStaticMethodID, x(cls), x(f.cstr("viaNative")), x(f.cstr("()I")))
	f.jni(JNI_CallStaticObjectMethod+3*5, x(cls), x(mid))

	exc, _ := f.env.ExceptionOccurred().(*jnivm.Throwable)
	if exc == nil || f.env.GetObjectClass(exc).FullName != "java/lang/UnsupportedOperationException" {
		t.Fatalf("nested emulation raised %v", exc)
	}
	f.env.ExceptionClear()

	// Outside the emulator the same native runs.
	if v := f.env.CallStaticMethod(c, c.GetMethodID("viaNative", "()I", true)); v.Int() != 3 {
		t.Errorf("viaNative() = %v", v)
	}
}

func TestCallJNIOnLoad(t *testing.T) {
	f := newFixture(t)

	const className = emulator.CodeBase + 0x200
	f.emu.MemWriteString(className, "com/example/Loader")

	// JNI_OnLoad(vm) { vm->GetEnv(&env, 0x10006); env->FindClass(className); return 0x10006; }
	f.words(emulator.CodeBase,
		0xa9be7bfd, // stp x29, x30, [sp, #-32]!
		0x910003fd, // mov x29, sp
		0xf9400008, // ldr x8, [x0]
		0xf9401908, // ldr x8, [x8, #48]
		0x910043e1, // add x1, sp, #16
		0x528000c2, // mov w2, #6
		0x72a00022, // movk w2, #1, lsl #16
		0xd63f0100, // blr x8
		0xf9400be0, // ldr x0, [sp, #16]
		0xf9400008, // ldr x8, [x0]
		0xf9401908, // ldr x8, [x8, #48]
		0xd2804001, // mov x1, #0x200
		0xf2a00021, // movk x1, #1, lsl #16
		0xd63f0100, // blr x8
		0x528000c0, // mov w0, #6
		0x72a00020, // movk w0, #1, lsl #16
		0xa8c27bfd, // ldp x29, x30, [sp], #32
		insnRET,
	)

	var calls []string
	f.b.Registry().OnCall = func(category, name, detail string) {
		calls = append(calls, category+"."+name)
	}

	version, err := f.b.CallJNIOnLoad(emulator.CodeBase)
	if err != nil {
		t.Fatalf("CallJNIOnLoad: %v", err)
	}
	if version != jnivm.Version1_6 {
		t.Errorf("version = 0x%x", version)
	}
	if f.vm.LookupClass("com/example/Loader") == nil {
		t.Error("FindClass from native code did not define the class")
	}
	want := []string{"javavm.GetEnv", "jni.FindClass"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
}

func TestCallJNIOnLoadBadVersion(t *testing.T) {
	f := newFixture(t)
	f.words(emulator.CodeBase,
		0x52800020, // mov w0, #1
		insnRET,
	)
	if _, err := f.b.CallJNIOnLoad(emulator.CodeBase); err == nil {
		t.Error("version 1 should be rejected")
	}
}

func TestJavaVMGetEnv(t *testing.T) {
	f := newFixture(t)
	out := f.emu.Malloc(8)

	tests := []struct {
		name    string
		version int32
		want    int32
		wantEnv uint64
	}{
		{"1.6", jnivm.Version1_6, JNI_OK, f.b.EnvPtr()},
		{"1.2", jnivm.Version1_2, JNI_OK, f.b.EnvPtr()},
		{"unknown", 0x7fff, JNI_EVERSION, 0},
		{"newer than vm", 0x00010008, JNI_EVERSION, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.emu.MemWriteU64(out, 0xdead)
			if rc := f.javavm(JAVAVM_GetEnv, x(out), i32(tt.version)); rc != tt.want {
				t.Errorf("GetEnv = %d, want %d", rc, tt.want)
			}
			if got, _ := f.emu.MemReadU64(out); got != tt.wantEnv {
				t.Errorf("*penv = 0x%x, want 0x%x", got, tt.wantEnv)
			}
		})
	}

	if rc := f.javavm(JAVAVM_DetachCurrentThread); rc != JNI_OK {
		t.Fatalf("DetachCurrentThread = %d", rc)
	}
	if rc := f.javavm(JAVAVM_GetEnv, x(out), i32(jnivm.Version1_6)); rc != JNI_EDETACHED {
		t.Errorf("GetEnv after detach = %d", rc)
	}
	if rc := f.javavm(JAVAVM_AttachCurrentThread, x(out), x(0)); rc != JNI_OK {
		t.Fatalf("AttachCurrentThread = %d", rc)
	}
	if got, _ := f.emu.MemReadU64(out); got != f.b.EnvPtr() {
		t.Errorf("attach wrote 0x%x", got)
	}
	if f.vm.GetEnv() == nil {
		t.Error("goroutine should be attached again")
	}
}

func TestFatalErrorStops(t *testing.T) {
	f := newFixture(t)
	fn, _ := f.emu.MemReadU64(f.b.EnvSlot(JNI_FatalError))
	_, _, err := f.b.call(fn, []slot{x(f.b.EnvPtr()), x(f.cstr("boom"))})
	if err == nil {
		t.Error("FatalError should not return to native code")
	}
	if f.fatal != "boom" {
		t.Errorf("fatal handler got %q", f.fatal)
	}
}

func TestCallsAreLogged(t *testing.T) {
	f := newFixture(t)
	f.jni(JNI_FindClass, x(f.cstr("com/example/Traced")))

	entries := f.logs.FilterMessage("call").FilterField(zap.String("fn", "FindClass")).All()
	if len(entries) != 1 {
		t.Fatalf("FindClass traced %d times", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["detail"] != "com/example/Traced" || fields["cat"] != "jni" {
		t.Errorf("trace fields = %v", fields)
	}
}
