// Package jni lays out the JNIEnv and JavaVM function tables in emulated
// memory and bridges every slot to the jnivm runtime.
//
// Native code receives a JNIEnv* whose table entries point at RET stubs;
// each stub carries an address hook that decodes the AAPCS64 arguments,
// performs the operation on the calling goroutine's jnivm.Env and writes the
// result back to X0 or D0. Object references crossing the boundary are VM
// handles (jnivm.VM.Handle / Resolve).
package jni

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jnivm"
	glog "github.com/zboralski/jnivm/internal/log"
	"github.com/zboralski/jnivm/internal/stubs"
)

// JNI Constants
const (
	JNI_OK        = 0
	JNI_ERR       = -1
	JNI_EDETACHED = -2
	JNI_EVERSION  = -3

	JNI_FALSE = 0
	JNI_TRUE  = 1

	// Release modes for Release*ArrayElements
	JNI_COMMIT = 1
	JNI_ABORT  = 2
)

// JNI Function Indices (JNINativeInterface)
const (
	JNI_GetVersion                    = 4
	JNI_DefineClass                   = 5
	JNI_FindClass                     = 6
	JNI_FromReflectedMethod           = 7
	JNI_FromReflectedField            = 8
	JNI_ToReflectedMethod             = 9
	JNI_GetSuperclass                 = 10
	JNI_IsAssignableFrom              = 11
	JNI_ToReflectedField              = 12
	JNI_Throw                         = 13
	JNI_ThrowNew                      = 14
	JNI_ExceptionOccurred             = 15
	JNI_ExceptionDescribe             = 16
	JNI_ExceptionClear                = 17
	JNI_FatalError                    = 18
	JNI_PushLocalFrame                = 19
	JNI_PopLocalFrame                 = 20
	JNI_NewGlobalRef                  = 21
	JNI_DeleteGlobalRef               = 22
	JNI_DeleteLocalRef                = 23
	JNI_IsSameObject                  = 24
	JNI_NewLocalRef                   = 25
	JNI_EnsureLocalCapacity           = 26
	JNI_AllocObject                   = 27
	JNI_NewObject                     = 28
	JNI_NewObjectV                    = 29
	JNI_NewObjectA                    = 30
	JNI_GetObjectClass                = 31
	JNI_IsInstanceOf                  = 32
	JNI_GetMethodID                   = 33
	JNI_CallObjectMethod              = 34
	JNI_CallNonvirtualObjectMethod    = 64
	JNI_GetFieldID                    = 94
	JNI_GetObjectField                = 95
	JNI_SetObjectField                = 104
	JNI_GetStaticMethodID             = 113
	JNI_CallStaticObjectMethod        = 114
	JNI_GetStaticFieldID              = 144
	JNI_GetStaticObjectField          = 145
	JNI_SetStaticObjectField          = 154
	JNI_NewString                     = 163
	JNI_GetStringLength               = 164
	JNI_GetStringChars                = 165
	JNI_ReleaseStringChars            = 166
	JNI_NewStringUTF                  = 167
	JNI_GetStringUTFLength            = 168
	JNI_GetStringUTFChars             = 169
	JNI_ReleaseStringUTFChars         = 170
	JNI_GetArrayLength                = 171
	JNI_NewObjectArray                = 172
	JNI_GetObjectArrayElement         = 173
	JNI_SetObjectArrayElement         = 174
	JNI_NewBooleanArray               = 175
	JNI_GetBooleanArrayElements       = 183
	JNI_ReleaseBooleanArrayElements   = 191
	JNI_GetBooleanArrayRegion         = 199
	JNI_SetBooleanArrayRegion         = 207
	JNI_RegisterNatives               = 215
	JNI_UnregisterNatives             = 216
	JNI_MonitorEnter                  = 217
	JNI_MonitorExit                   = 218
	JNI_GetJavaVM                     = 219
	JNI_GetStringRegion               = 220
	JNI_GetStringUTFRegion            = 221
	JNI_GetPrimitiveArrayCritical     = 222
	JNI_ReleasePrimitiveArrayCritical = 223
	JNI_GetStringCritical             = 224
	JNI_ReleaseStringCritical         = 225
	JNI_NewWeakGlobalRef              = 226
	JNI_DeleteWeakGlobalRef           = 227
	JNI_ExceptionCheck                = 228
	JNI_NewDirectByteBuffer           = 229
	JNI_GetDirectBufferAddress        = 230
	JNI_GetDirectBufferCapacity       = 231
	JNI_GetObjectRefType              = 232
	JNI_FUNC_COUNT                    = 233
)

// JavaVM Function Indices (JNIInvokeInterface). Slots 0-2 are reserved.
const (
	JAVAVM_DestroyJavaVM               = 3
	JAVAVM_AttachCurrentThread         = 4
	JAVAVM_DetachCurrentThread         = 5
	JAVAVM_GetEnv                      = 6
	JAVAVM_AttachCurrentThreadAsDaemon = 7
	JAVAVM_FUNC_COUNT                  = 8
)

// Table names in the stubs registry.
const (
	EnvTable = "JNINativeInterface"
	VMTable  = "JNIInvokeInterface"
)

// Layout offsets from the bridge base.
const (
	envOffset     = 0x0000
	envTabOffset  = 0x1000
	envStubOffset = 0x2000
	vmOffset      = 0x3000
	vmTabOffset   = 0x4000
	vmStubOffset  = 0x5000
	stopOffset    = 0x6000
)

// DefaultBase is where New places the tables.
const DefaultBase = emulator.StubBase + 0x10000

// Bridge connects one emulator to one VM.
type Bridge struct {
	emu *emulator.Emulator
	vm  *jnivm.VM
	reg *stubs.Registry
	log *glog.Logger

	base   uint64
	envTab stubs.Layout
	vmTab  stubs.Layout

	mu      sync.Mutex
	running bool
	pins    map[uint64]pin
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRegistry reports calls through reg instead of a private registry.
func WithRegistry(reg *stubs.Registry) Option {
	return func(b *Bridge) {
		if reg != nil {
			b.reg = reg
		}
	}
}

// WithBase places the tables at base, which must lie in the stub region.
func WithBase(base uint64) Option {
	return func(b *Bridge) { b.base = base }
}

// New creates a bridge and registers its handlers. Install must run before
// native code sees EnvPtr or VMPtr.
func New(emu *emulator.Emulator, vm *jnivm.VM, opts ...Option) *Bridge {
	b := &Bridge{
		emu:  emu,
		vm:   vm,
		log:  vm.Logger().Named("jni"),
		base: DefaultBase,
		pins: make(map[uint64]pin),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.reg == nil {
		b.reg = stubs.NewRegistry(b.log)
	}
	b.registerEnv(b.reg.Table(EnvTable, JNI_FUNC_COUNT))
	b.registerVM(b.reg.Table(VMTable, JAVAVM_FUNC_COUNT))
	return b
}

// Install writes the JNIEnv and JavaVM structures and their tables.
// Returns JNIEnv* and JavaVM* pointers.
func (b *Bridge) Install() (jniEnv, javaVM uint64, err error) {
	if b.base < emulator.StubBase || b.base+stopOffset+4 > emulator.StubBase+emulator.StubSize {
		return 0, 0, fmt.Errorf("bridge base 0x%x outside stub region", b.base)
	}

	b.envTab, err = b.reg.Install(b.emu, EnvTable, b.base+envTabOffset, b.base+envStubOffset)
	if err != nil {
		return 0, 0, err
	}
	b.vmTab, err = b.reg.Install(b.emu, VMTable, b.base+vmTabOffset, b.base+vmStubOffset)
	if err != nil {
		return 0, 0, err
	}

	// Set up JNIEnv and JavaVM structures
	if err := b.emu.MemWriteU64(b.EnvPtr(), b.envTab.Table); err != nil {
		return 0, 0, fmt.Errorf("write JNIEnv: %w", err)
	}
	if err := b.emu.MemWriteU64(b.VMPtr(), b.vmTab.Table); err != nil {
		return 0, 0, fmt.Errorf("write JavaVM: %w", err)
	}

	// Return address for calls made from Go; emulation ends on reaching it.
	if err := b.emu.MemWrite(b.stopAddr(), stubs.RetInsn); err != nil {
		return 0, 0, fmt.Errorf("write stop stub: %w", err)
	}

	b.log.Debug("jni tables installed",
		glog.Ptr("env", b.EnvPtr()),
		glog.Ptr("vm", b.VMPtr()),
		zap.Int("env_slots", b.envTab.Filled),
		zap.Int("vm_slots", b.vmTab.Filled),
	)
	return b.EnvPtr(), b.VMPtr(), nil
}

// EnvPtr returns the JNIEnv* pointer. One structure serves every goroutine;
// handlers resolve the Env of the goroutine running the emulator.
func (b *Bridge) EnvPtr() uint64 { return b.base + envOffset }

// VMPtr returns the JavaVM* pointer.
func (b *Bridge) VMPtr() uint64 { return b.base + vmOffset }

// EnvSlot returns the address of the function pointer at index.
func (b *Bridge) EnvSlot(index int) uint64 { return b.envTab.Entry(index) }

// VMSlot returns the address of the invoke-interface pointer at index.
func (b *Bridge) VMSlot(index int) uint64 { return b.vmTab.Entry(index) }

// VM returns the bridged VM.
func (b *Bridge) VM() *jnivm.VM { return b.vm }

// Registry returns the registry the tables were installed through.
func (b *Bridge) Registry() *stubs.Registry { return b.reg }

func (b *Bridge) stopAddr() uint64 { return b.base + stopOffset }

// env returns the Env of the goroutine driving the emulator, attaching it
// on first use.
func (b *Bridge) env() *jnivm.Env {
	if env := b.vm.GetEnv(); env != nil {
		return env
	}
	env, err := b.vm.AttachCurrentThread()
	if err != nil {
		b.log.Warn("attach failed", zap.Error(err))
		return nil
	}
	return env
}

// Handle conversion

func (b *Bridge) handle(r jnivm.Ref) uint64 { return b.vm.Handle(r) }

// localClass returns c as a local reference handle in env's current frame,
// so natives may DeleteLocalRef it like any other jclass.
func (b *Bridge) localClass(env *jnivm.Env, c *jnivm.Class) uint64 {
	if c == nil {
		return 0
	}
	return b.handle(env.NewLocalRef(c))
}

// raw resolves h without unwrapping global or weak references.
func (b *Bridge) raw(h uint64) jnivm.Ref { return b.vm.Resolve(h) }

// ref resolves h to the object it designates.
func (b *Bridge) ref(h uint64) jnivm.Ref {
	switch r := b.vm.Resolve(h).(type) {
	case *jnivm.Global:
		return r.Get()
	case *jnivm.Weak:
		return r.Get()
	default:
		return r
	}
}

func (b *Bridge) class(h uint64) *jnivm.Class {
	c, _ := b.ref(h).(*jnivm.Class)
	return c
}

func (b *Bridge) method(h uint64) *jnivm.Method {
	m, _ := b.ref(h).(*jnivm.Method)
	return m
}

func (b *Bridge) field(h uint64) *jnivm.Field {
	f, _ := b.ref(h).(*jnivm.Field)
	return f
}

// cstring reads a NUL-terminated string argument. A null pointer reads as "".
func (b *Bridge) cstring(addr uint64) string {
	if addr == 0 {
		return ""
	}
	s, err := b.emu.MemReadString(addr, 4096)
	if err != nil {
		b.log.Debug("bad string pointer", glog.Addr(addr), zap.Error(err))
	}
	return s
}

// setBool writes *isCopy when the pointer is non-null.
func (b *Bridge) setBool(addr uint64, v bool) {
	if addr == 0 {
		return
	}
	var u uint8
	if v {
		u = JNI_TRUE
	}
	b.emu.MemWriteU8(addr, u)
}

func status(err error) uint64 {
	if err != nil {
		return uint64(int64(JNI_ERR))
	}
	return JNI_OK
}

func boolean(v bool) uint64 {
	if v {
		return JNI_TRUE
	}
	return JNI_FALSE
}
