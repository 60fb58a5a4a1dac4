package jnivm

import (
	"sync/atomic"
)

// Invoker is a type-erased callable bound to a method or field accessor.
// recv is the receiver object for instance calls and the class for static ones.
type Invoker interface {
	Invoke(env *Env, recv Ref, args []Value) (Value, error)
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(env *Env, recv Ref, args []Value) (Value, error)

func (f InvokerFunc) Invoke(env *Env, recv Ref, args []Value) (Value, error) {
	return f(env, recv, args)
}

// HookKind tags how a binding dispatches.
type HookKind uint8

const (
	StaticFunction HookKind = iota
	InstanceFunction
	StaticGetter
	StaticSetter
	InstanceGetter
	InstanceSetter
)

var hookKindNames = [...]string{"static-function", "instance-function", "static-getter", "static-setter", "instance-getter", "instance-setter"}

func (k HookKind) String() string {
	if int(k) < len(hookKindNames) {
		return hookKindNames[k]
	}
	return "unknown"
}

// binding is what a Method or Field accessor points at once resolved.
type binding struct {
	kind HookKind
	inv  Invoker
}

// Method is a class member identified by (Name, Signature, Static). It is
// also the java/lang/reflect/Method object returned by ToReflectedMethod.
type Method struct {
	Object
	Name      string
	Signature string
	Static    bool
	Native    bool

	class  *Class
	mt     MethodType
	sigErr error
	impl   atomic.Pointer[binding]
}

// Class returns the declaring class.
func (m *Method) Class() *Class { return m.class }

// Type returns the parsed descriptor.
func (m *Method) Type() (MethodType, error) { return m.mt, m.sigErr }

// Resolved reports whether an implementation is bound.
func (m *Method) Resolved() bool { return m.impl.Load() != nil }

// Kind reports the binding kind. ok is false for unresolved methods.
func (m *Method) Kind() (HookKind, bool) {
	b := m.impl.Load()
	if b == nil {
		return 0, false
	}
	return b.kind, true
}

// Bind installs inv as the implementation, replacing any previous one.
func (m *Method) Bind(kind HookKind, inv Invoker) {
	if inv == nil {
		m.impl.Store(nil)
		return
	}
	m.impl.Store(&binding{kind: kind, inv: inv})
}

func (m *Method) String() string {
	owner := "?"
	if m.class != nil {
		owner = m.class.FullName
	}
	return owner + "." + m.Name + m.Signature
}

// invoke runs the bound implementation. Unresolved methods return the zero
// value of their return type.
func (m *Method) invoke(env *Env, recv Ref, args []Value) (Value, error) {
	b := m.impl.Load()
	if b == nil {
		return Zero(m.mt.ReturnKind()), nil
	}
	return b.inv.Invoke(env, recv, args)
}

// Field is a class member identified by (Name, Signature, Static). It is
// also the java/lang/reflect/Field object returned by ToReflectedField.
type Field struct {
	Object
	Name      string
	Signature string
	Static    bool

	class *Class
	get   atomic.Pointer[binding]
	set   atomic.Pointer[binding]
}

// Class returns the declaring class.
func (f *Field) Class() *Class { return f.class }

// Readable reports whether a getter is bound.
func (f *Field) Readable() bool { return f.get.Load() != nil }

// Writable reports whether a setter is bound.
func (f *Field) Writable() bool { return f.set.Load() != nil }

// BindAccessors installs getter and setter. A nil Invoker leaves that side
// unresolved.
func (f *Field) BindAccessors(get, set Invoker) {
	gk, sk := InstanceGetter, InstanceSetter
	if f.Static {
		gk, sk = StaticGetter, StaticSetter
	}
	if get != nil {
		f.get.Store(&binding{kind: gk, inv: get})
	}
	if set != nil {
		f.set.Store(&binding{kind: sk, inv: set})
	}
}

func (f *Field) String() string {
	owner := "?"
	if f.class != nil {
		owner = f.class.FullName
	}
	return owner + "." + f.Name + ":" + f.Signature
}

func (f *Field) load(env *Env, recv Ref) (Value, error) {
	b := f.get.Load()
	if b == nil {
		return Zero(KindOf(f.Signature)), nil
	}
	return b.inv.Invoke(env, recv, nil)
}

func (f *Field) store(env *Env, recv Ref, v Value) error {
	b := f.set.Load()
	if b == nil {
		return nil
	}
	_, err := b.inv.Invoke(env, recv, []Value{v})
	return err
}
