package jnivm

import (
	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// Strings.

// NewString creates a local string from UTF-16 code units.
func (env *Env) NewString(units []uint16) *String {
	return local(env, &String{utf: EncodeUnits(units)})
}

// NewStringUTF creates a local string from modified UTF-8 bytes.
func (env *Env) NewStringUTF(b []byte) *String {
	return local(env, NewStringBytes(b))
}

// NewStringGo creates a local string from a Go string.
func (env *Env) NewStringGo(s string) *String {
	return local(env, &String{utf: EncodeString(s)})
}

func (env *Env) asString(op string, r Ref) *String {
	s, ok := deref(r).(*String)
	if !ok || s == nil {
		env.throwError(jerrors.InvalidObject(op, "%T is not a java/lang/String", r))
		return nil
	}
	return s
}

// GetStringLength returns the number of UTF-16 code units.
func (env *Env) GetStringLength(r Ref) int {
	s := env.asString("GetStringLength", r)
	if s == nil {
		return 0
	}
	n, err := s.Length()
	if err != nil {
		env.throwError(err)
	}
	return n
}

// GetStringUTFLength returns the modified UTF-8 length in bytes.
func (env *Env) GetStringUTFLength(r Ref) int {
	s := env.asString("GetStringUTFLength", r)
	if s == nil {
		return 0
	}
	return s.UTFLength()
}

// GetStringChars returns a copy of every code unit.
func (env *Env) GetStringChars(r Ref) []uint16 {
	s := env.asString("GetStringChars", r)
	if s == nil {
		return nil
	}
	units, err := s.Units()
	if err != nil {
		env.throwError(err)
		return nil
	}
	return units
}

// GetStringUTFChars returns a copy of the modified UTF-8 bytes.
func (env *Env) GetStringUTFChars(r Ref) []byte {
	s := env.asString("GetStringUTFChars", r)
	if s == nil {
		return nil
	}
	return append([]byte(nil), s.utf...)
}

// GetStringRegion decodes n code units starting at start.
func (env *Env) GetStringRegion(r Ref, start, n int) []uint16 {
	s := env.asString("GetStringRegion", r)
	if s == nil {
		return nil
	}
	out, err := s.Region(start, n)
	if err != nil {
		env.throwError(err)
		return nil
	}
	return out
}

// GetStringUTFRegion returns the encoded bytes of n code units starting at start.
func (env *Env) GetStringUTFRegion(r Ref, start, n int) []byte {
	s := env.asString("GetStringUTFRegion", r)
	if s == nil {
		return nil
	}
	out, err := s.UTFRegion(start, n)
	if err != nil {
		env.throwError(err)
		return nil
	}
	return out
}

// Arrays.

func (env *Env) newObjectArray(n int, elem *Class) *ObjectArray {
	if elem == nil {
		elem = env.vm.FindClass("java/lang/Object")
	}
	a := &ObjectArray{elem: elem, data: make([]Ref, n)}
	h := env.vm.adopt(a)
	h.class.Store(env.vm.FindClass("[" + ClassDescriptor(elem.FullName)))
	return a
}

// NewObjectArray creates a local array of n elements of class elem, each set
// to init.
func (env *Env) NewObjectArray(n int, elem *Class, init Ref) *ObjectArray {
	if n < 0 {
		env.throwError(jerrors.OutOfBounds("NewObjectArray", 0, n, 0))
		return nil
	}
	a := env.newObjectArray(n, elem)
	if init = deref(init); init != nil {
		for i := range a.data {
			a.set(env.vm, i, init)
		}
	}
	return local(env, a)
}

// NewPrimitiveArray creates a local zeroed primitive array.
func NewPrimitiveArray[T Primitive](env *Env, n int) *Array[T] {
	if n < 0 {
		env.throwError(jerrors.OutOfBounds("NewArray", 0, n, 0))
		return nil
	}
	return local(env, NewArray[T](n))
}

// GetArrayLength returns the element count of any array.
func (env *Env) GetArrayLength(r Ref) int {
	a, ok := deref(r).(Lengther)
	if !ok || isNil(a) {
		env.throwError(jerrors.InvalidObject("GetArrayLength", "%T is not an array", r))
		return 0
	}
	return a.Len()
}

func (env *Env) asObjectArray(op string, r Ref) *ObjectArray {
	a, ok := deref(r).(*ObjectArray)
	if !ok || a == nil {
		env.throwError(jerrors.InvalidObject(op, "%T is not an object array", r))
		return nil
	}
	return a
}

// GetObjectArrayElement returns element i as a local reference.
func (env *Env) GetObjectArrayElement(r Ref, i int) Ref {
	a := env.asObjectArray("GetObjectArrayElement", r)
	if a == nil {
		return nil
	}
	if i < 0 || i >= len(a.data) {
		env.throwError(jerrors.OutOfBounds("GetObjectArrayElement", i, 1, len(a.data)))
		return nil
	}
	return env.NewLocalRef(a.data[i])
}

// SetObjectArrayElement stores v at i.
func (env *Env) SetObjectArrayElement(r Ref, i int, v Ref) {
	a := env.asObjectArray("SetObjectArrayElement", r)
	if a == nil {
		return
	}
	if err := a.set(env.vm, i, v); err != nil {
		env.throwError(err)
	}
}

// GetArrayRegion copies len(dst) elements starting at start.
func GetArrayRegion[T Primitive](env *Env, a *Array[T], start int, dst []T) {
	if a == nil {
		env.throwError(jerrors.InvalidObject("GetArrayRegion", "null array"))
		return
	}
	if err := a.Region(start, dst); err != nil {
		env.throwError(err)
	}
}

// SetArrayRegion copies src into a starting at start.
func SetArrayRegion[T Primitive](env *Env, a *Array[T], start int, src []T) {
	if a == nil {
		env.throwError(jerrors.InvalidObject("SetArrayRegion", "null array"))
		return
	}
	if err := a.SetRegion(start, src); err != nil {
		env.throwError(err)
	}
}

// Direct buffers.

// NewDirectByteBuffer wraps native memory at addr.
func (env *Env) NewDirectByteBuffer(addr uint64, capacity int64, data []byte) *ByteBuffer {
	return local(env, &ByteBuffer{Address: addr, Capacity: capacity, Data: data})
}

// GetDirectBufferAddress returns the buffer's address, or 0 for non-buffers.
func (env *Env) GetDirectBufferAddress(r Ref) uint64 {
	if b, ok := deref(r).(*ByteBuffer); ok && b != nil {
		return b.Address
	}
	return 0
}

// GetDirectBufferCapacity returns the capacity, or -1 for non-buffers.
func (env *Env) GetDirectBufferCapacity(r Ref) int64 {
	if b, ok := deref(r).(*ByteBuffer); ok && b != nil {
		return b.Capacity
	}
	return -1
}

// Objects and classes.

// FindClass resolves a class through the VM.
func (env *Env) FindClass(name string) *Class {
	return env.vm.FindClass(name)
}

// GetObjectClass returns r's class. Class-less objects raise NullPointerException.
func (env *Env) GetObjectClass(r Ref) *Class {
	c, err := env.vm.classOf(deref(r))
	if err != nil {
		env.throwError(err)
		return nil
	}
	return c
}

// GetSuperclass returns the first declared base of c.
func (env *Env) GetSuperclass(c *Class) *Class {
	if c == nil {
		return nil
	}
	return c.Superclass()
}

// IsAssignableFrom reports whether sub can be used where sup is expected.
func (env *Env) IsAssignableFrom(sub, sup *Class) bool {
	return env.vm.IsAssignableFrom(sub, sup)
}

// IsInstanceOf reports whether r's class is assignable to c. Null is an
// instance of every class.
func (env *Env) IsInstanceOf(r Ref, c *Class) bool {
	r = deref(r)
	if r == nil {
		return true
	}
	oc, err := env.vm.classOf(r)
	if err != nil {
		return false
	}
	return env.vm.IsAssignableFrom(oc, c)
}

// AllocObject creates an instance of c through its Factory without running
// a constructor.
func (env *Env) AllocObject(c *Class) Ref {
	if c == nil {
		env.throwError(jerrors.InvalidObject("AllocObject", "null class"))
		return nil
	}
	if c.Factory == nil {
		env.throwError(jerrors.Unsupported(jerrors.PhaseInvoke, "AllocObject", "%s has no factory", c.FullName))
		return nil
	}
	r, err := c.Factory(env)
	if err != nil {
		env.throwError(err)
		return nil
	}
	if isNil(r) {
		return nil
	}
	env.vm.adopt(r).class.CompareAndSwap(nil, c)
	return env.NewLocalRef(r)
}

// NewObject runs the constructor ctor, obtained from GetMethodID with
// "<init>". An unbound constructor falls back to AllocObject.
func (env *Env) NewObject(c *Class, ctor *Method, args ...Value) Ref {
	if ctor == nil || !ctor.Resolved() {
		return env.AllocObject(c)
	}
	v := env.invoke("NewObject", ctor, c, args)
	r := v.Ref()
	if r != nil {
		env.vm.adopt(r).class.CompareAndSwap(nil, c)
	}
	return r
}

// MonitorEnter acquires r's monitor, re-entrantly.
func (env *Env) MonitorEnter(r Ref) error {
	r = deref(r)
	if r == nil {
		err := jerrors.InvalidObject("MonitorEnter", "null object")
		env.throwError(err)
		return err
	}
	env.vm.adopt(r).mon.Enter()
	return nil
}

// MonitorExit releases one level of r's monitor. Exiting a monitor the
// goroutine does not own raises IllegalMonitorStateException.
func (env *Env) MonitorExit(r Ref) error {
	r = deref(r)
	if r == nil {
		err := jerrors.InvalidObject("MonitorExit", "null object")
		env.throwError(err)
		return err
	}
	if err := env.vm.adopt(r).mon.Exit(); err != nil {
		env.throwError(err)
		return err
	}
	return nil
}

// Reflection.

// ToReflectedMethod returns m as a java/lang/reflect/Method local reference.
func (env *Env) ToReflectedMethod(c *Class, m *Method, static bool) Ref {
	if m == nil {
		return nil
	}
	return env.NewLocalRef(m)
}

// FromReflectedMethod returns the method behind a reflected method object.
func (env *Env) FromReflectedMethod(r Ref) *Method {
	m, _ := deref(r).(*Method)
	return m
}

// ToReflectedField returns f as a java/lang/reflect/Field local reference.
func (env *Env) ToReflectedField(c *Class, f *Field, static bool) Ref {
	if f == nil {
		return nil
	}
	return env.NewLocalRef(f)
}

// FromReflectedField returns the field behind a reflected field object.
func (env *Env) FromReflectedField(r Ref) *Field {
	f, _ := deref(r).(*Field)
	return f
}

// Calls.

// invoke runs m and turns errors and argument mismatches into pending
// exceptions.
func (env *Env) invoke(op string, m *Method, recv Ref, args []Value) Value {
	if m == nil {
		env.throwError(jerrors.InvalidObject(op, "null method"))
		return Void
	}
	if m.sigErr != nil {
		env.throwError(m.sigErr)
		return Void
	}
	if m.Resolved() && len(args) != len(m.mt.Params) {
		env.throwError(jerrors.New(jerrors.PhaseInvoke, jerrors.KindTypeMismatch).Op(op).
			Detail("%s takes %d arguments, got %d", m, len(m.mt.Params), len(args)).Build())
		return Zero(m.mt.ReturnKind())
	}
	v, err := m.invoke(env, recv, args)
	if err != nil {
		env.log.Debug("call raised", log.Fn(op), log.Member(m.String()), zap.Error(err))
		env.throwError(err)
		return Zero(m.mt.ReturnKind())
	}
	return v
}

// CallMethod invokes an instance method with virtual dispatch: a resolved
// override on the receiver's class or its bases wins over m.
func (env *Env) CallMethod(obj Ref, m *Method, args ...Value) Value {
	obj = deref(obj)
	if obj == nil {
		env.throwError(jerrors.InvalidObject("CallMethod", "null receiver"))
		return Void
	}
	if m != nil && !m.Static {
		if oc, err := env.vm.classOf(obj); err == nil && oc != m.class {
			if o := oc.lookupOverride(m.Name, m.Signature); o != nil {
				m = o
			}
		}
	}
	return env.invoke("CallMethod", m, obj, args)
}

// CallNonvirtualMethod invokes m as declared on c, skipping override lookup.
// Bound Go methods cannot be dispatched this way and raise
// UnsupportedOperationException.
func (env *Env) CallNonvirtualMethod(obj Ref, c *Class, m *Method, args ...Value) Value {
	obj = deref(obj)
	if obj == nil {
		env.throwError(jerrors.InvalidObject("CallNonvirtualMethod", "null receiver"))
		return Void
	}
	if m != nil {
		if k, ok := m.Kind(); ok && k == InstanceFunction {
			env.throwError(jerrors.Unsupported(jerrors.PhaseInvoke, "CallNonvirtualMethod",
				"non-virtual dispatch of bound member %s", m))
			return Zero(m.mt.ReturnKind())
		}
	}
	return env.invoke("CallNonvirtualMethod", m, obj, args)
}

// CallStaticMethod invokes a static method; the class is the receiver.
func (env *Env) CallStaticMethod(c *Class, m *Method, args ...Value) Value {
	if c == nil && m != nil {
		c = m.class
	}
	return env.invoke("CallStaticMethod", m, c, args)
}

// Fields.

// GetField reads an instance field. Unbound fields read as zero.
func (env *Env) GetField(obj Ref, f *Field) Value {
	obj = deref(obj)
	if obj == nil || f == nil {
		env.throwError(jerrors.InvalidObject("GetField", "null receiver or field"))
		return Void
	}
	v, err := f.load(env, obj)
	if err != nil {
		env.throwError(err)
		return Zero(KindOf(f.Signature))
	}
	return v
}

// SetField writes an instance field. Unbound fields ignore writes.
func (env *Env) SetField(obj Ref, f *Field, v Value) {
	obj = deref(obj)
	if obj == nil || f == nil {
		env.throwError(jerrors.InvalidObject("SetField", "null receiver or field"))
		return
	}
	if err := f.store(env, obj, v); err != nil {
		env.throwError(err)
	}
}

// GetStaticField reads a static field.
func (env *Env) GetStaticField(c *Class, f *Field) Value {
	if f == nil {
		env.throwError(jerrors.InvalidObject("GetStaticField", "null field"))
		return Void
	}
	v, err := f.load(env, c)
	if err != nil {
		env.throwError(err)
		return Zero(KindOf(f.Signature))
	}
	return v
}

// SetStaticField writes a static field.
func (env *Env) SetStaticField(c *Class, f *Field, v Value) {
	if f == nil {
		env.throwError(jerrors.InvalidObject("SetStaticField", "null field"))
		return
	}
	if err := f.store(env, c, v); err != nil {
		env.throwError(err)
	}
}
