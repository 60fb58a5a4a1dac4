// Package jnivm is a JNI runtime without a Java virtual machine. It models
// the VM and per-goroutine environments, local, global and weak references,
// a lazily populated class/method/field registry, and a binding layer that
// exposes Go functions and fields as Java members with derived descriptors.
package jnivm

import (
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// JNI versions reported by GetVersion.
const (
	Version1_1 = 0x00010001
	Version1_2 = 0x00010002
	Version1_4 = 0x00010004
	Version1_6 = 0x00010006
)

// DefaultLocalCapacity is the capacity reserved for the root frame.
const DefaultLocalCapacity = 16

// VM owns every class, global reference and environment it creates.
type VM struct {
	id  uuid.UUID
	log *log.Logger

	mu       sync.RWMutex
	classes  map[string]*Class
	types    map[reflect.Type]*Class
	globals  []Ref
	envs     map[int64]*Env
	handles  map[uint64]Ref
	nextID   uint64
	closed   bool
	fatal    func(msg string)
	localCap int
	version  int32
}

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the VM logger. Default is log.L.
func WithLogger(l *log.Logger) Option {
	return func(vm *VM) {
		if l != nil {
			vm.log = l
		}
	}
}

// WithFatalHandler replaces the default FatalError behavior of exiting the process.
func WithFatalHandler(fn func(msg string)) Option {
	return func(vm *VM) {
		if fn != nil {
			vm.fatal = fn
		}
	}
}

// WithLocalCapacity sets the capacity reserved for each root frame.
func WithLocalCapacity(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.localCap = n
		}
	}
}

// WithVersion sets the value reported by GetVersion.
func WithVersion(v int32) Option {
	return func(vm *VM) { vm.version = v }
}

// New creates a VM with the core java/lang classes registered.
func New(opts ...Option) *VM {
	vm := &VM{
		id:       uuid.New(),
		log:      log.L,
		classes:  make(map[string]*Class),
		types:    make(map[reflect.Type]*Class),
		envs:     make(map[int64]*Env),
		handles:  make(map[uint64]Ref),
		fatal:    func(string) { os.Exit(1) },
		localCap: DefaultLocalCapacity,
		version:  Version1_6,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.log = vm.log.With(zap.String("vm", vm.id.String()))
	vm.bootstrap()
	vm.log.Debug("vm created")
	return vm
}

// ID returns the VM's unique id.
func (vm *VM) ID() uuid.UUID { return vm.id }

// Logger returns the VM logger.
func (vm *VM) Logger() *log.Logger { return vm.log }

// Version returns the JNI version reported by GetVersion.
func (vm *VM) Version() int32 { return vm.version }

// exception classes created at startup, child first.
var builtinExceptions = [][2]string{
	{"java/lang/Exception", "java/lang/Throwable"},
	{"java/lang/Error", "java/lang/Throwable"},
	{"java/lang/RuntimeException", "java/lang/Exception"},
	{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException"},
	{"java/lang/IllegalArgumentException", "java/lang/RuntimeException"},
	{"java/lang/IllegalStateException", "java/lang/RuntimeException"},
	{"java/lang/IllegalMonitorStateException", "java/lang/RuntimeException"},
	{"java/lang/NullPointerException", "java/lang/RuntimeException"},
	{"java/lang/ClassCastException", "java/lang/RuntimeException"},
	{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException"},
	{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
	{"java/lang/StringIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException"},
	{"java/lang/NoSuchMethodError", "java/lang/Error"},
	{"java/lang/NoSuchFieldError", "java/lang/Error"},
	{"java/lang/OutOfMemoryError", "java/lang/Error"},
}

func (vm *VM) bootstrap() {
	object := vm.FindClass("java/lang/Object")
	DefineClass[*Class](vm, "java/lang/Class")
	DefineClass[*String](vm, "java/lang/String")
	DefineClass[*Throwable](vm, "java/lang/Throwable")
	DefineClass[*ByteBuffer](vm, "java/nio/ByteBuffer")
	DefineClass[*Method](vm, "java/lang/reflect/Method")
	DefineClass[*Field](vm, "java/lang/reflect/Field")
	DefineClass[*Global](vm, globalRefClass)
	DefineClass[*Weak](vm, weakRefClass)
	DefineClass[*ObjectArray](vm, "[Ljava/lang/Object;")
	definePrimitiveArray[bool](vm)
	definePrimitiveArray[int8](vm)
	definePrimitiveArray[uint16](vm)
	definePrimitiveArray[int16](vm)
	definePrimitiveArray[int32](vm)
	definePrimitiveArray[int64](vm)
	definePrimitiveArray[float32](vm)
	definePrimitiveArray[float64](vm)

	for _, name := range []string{"java/lang/Class", "java/lang/String", "java/lang/Throwable", "java/nio/ByteBuffer"} {
		vm.FindClass(name).AddBase(object)
	}
	for _, pair := range builtinExceptions {
		vm.FindClass(pair[0]).AddBase(vm.FindClass(pair[1]))
	}
}

func definePrimitiveArray[T Primitive](vm *VM) {
	DefineClass[*Array[T]](vm, (&Array[T]{}).Descriptor())
}

// FindClass returns the class named name, creating it on first use. Dotted
// names are normalized to slashes.
func (vm *VM) FindClass(name string) *Class {
	name = strings.ReplaceAll(name, ".", "/")

	vm.mu.RLock()
	c := vm.classes[name]
	vm.mu.RUnlock()
	if c != nil {
		return c
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if c := vm.classes[name]; c != nil {
		return c
	}
	c = newClass(vm, name)
	vm.classes[name] = c
	vm.pinLocked(c)
	vm.log.Debug("class created", log.Class(name))
	return c
}

// LookupClass returns the class named name without creating it.
func (vm *VM) LookupClass(name string) *Class {
	name = strings.ReplaceAll(name, ".", "/")
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.classes[name]
}

// Classes returns a snapshot of every registered class.
func (vm *VM) Classes() []*Class {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]*Class, 0, len(vm.classes))
	for _, c := range vm.classes {
		out = append(out, c)
	}
	return out
}

// ClassFor returns the class bound to Go type t with DefineClass.
func (vm *VM) ClassFor(t reflect.Type) *Class {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.types[t]
}

func (vm *VM) pin(r Ref) {
	vm.mu.Lock()
	vm.pinLocked(r)
	vm.mu.Unlock()
}

// AttachCurrentThread returns the calling goroutine's Env, creating it on
// first use.
func (vm *VM) AttachCurrentThread() (*Env, error) {
	g := goid.Get()

	vm.mu.RLock()
	env, closed := vm.envs[g], vm.closed
	vm.mu.RUnlock()
	if env != nil {
		return env, nil
	}
	if closed {
		return nil, jerrors.New(jerrors.PhaseReference, jerrors.KindInvalidObject).
			Op("AttachCurrentThread").Detail("vm destroyed").Build()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if env := vm.envs[g]; env != nil {
		return env, nil
	}
	env = newEnv(vm, g)
	vm.envs[g] = env
	vm.log.Debug("thread attached", zap.Int64("goid", g))
	return env, nil
}

// GetEnv returns the calling goroutine's Env, or nil if it is not attached.
func (vm *VM) GetEnv() *Env {
	g := goid.Get()
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.envs[g]
}

// DetachCurrentThread releases every local reference of the calling
// goroutine's Env and forgets it.
func (vm *VM) DetachCurrentThread() error {
	g := goid.Get()
	vm.mu.Lock()
	env := vm.envs[g]
	delete(vm.envs, g)
	vm.mu.Unlock()
	if env == nil {
		return jerrors.Lifetime("DetachCurrentThread", "goroutine %d is not attached", g)
	}
	env.teardown()
	vm.log.Debug("thread detached", zap.Int64("goid", g))
	return nil
}

// Destroy drops every environment and global reference. Classes stay
// reachable for inspection but the VM no longer attaches threads.
func (vm *VM) Destroy() {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return
	}
	vm.closed = true
	envs := vm.envs
	globals := vm.globals
	vm.envs = make(map[int64]*Env)
	vm.globals = nil
	vm.mu.Unlock()

	for _, env := range envs {
		env.teardown()
	}
	for _, g := range globals {
		g.object().hdr().release()
	}
	vm.log.Debug("vm destroyed", zap.Int("envs", len(envs)), zap.Int("globals", len(globals)))
}

// Globals returns a snapshot of the global and weak reference wrappers.
func (vm *VM) Globals() []Ref {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return append([]Ref(nil), vm.globals...)
}

func (vm *VM) addGlobal(r Ref) {
	vm.mu.Lock()
	vm.pinLocked(r)
	vm.globals = append(vm.globals, r)
	vm.mu.Unlock()
}

// removeGlobal drops r from the global list. The caller releases it after
// the lock is gone.
func (vm *VM) removeGlobal(r Ref) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	for i, g := range vm.globals {
		if g == r {
			vm.globals = append(vm.globals[:i], vm.globals[i+1:]...)
			return true
		}
	}
	return false
}
