package jnivm

import (
	"fmt"
	"reflect"

	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// Modifier selects static or instance storage for BindField and BindProperty.
type Modifier uint8

const (
	ModInstance Modifier = iota
	ModStatic
)

func (m Modifier) String() string {
	if m == ModStatic {
		return "static"
	}
	return "instance"
}

// hook is a Go function analysed once at bind time.
type hook struct {
	name   string
	fn     reflect.Value
	env    bool
	in     []reflect.Type
	out    reflect.Type
	hasErr bool
}

func bindError(kind jerrors.Kind, op, format string, args ...any) error {
	return jerrors.New(jerrors.PhaseBind, kind).Op(op).Detail(format, args...).Build()
}

// compile inspects fn. A leading *Env is passed through; a *Env in any other
// position is ambiguous. Results are at most one value plus a trailing error.
func compile(name string, fn any) (*hook, error) {
	if fn == nil {
		return nil, bindError(jerrors.KindTypeMismatch, name, "nil function")
	}
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, bindError(jerrors.KindTypeMismatch, name, "%s is not a function", t)
	}
	if t.IsVariadic() {
		return nil, bindError(jerrors.KindUnsupported, name, "variadic functions cannot be bound")
	}
	h := &hook{name: name, fn: v}
	for i := 0; i < t.NumIn(); i++ {
		p := t.In(i)
		if p == envType {
			if i != 0 {
				return nil, bindError(jerrors.KindAmbiguousReceiver, name, "*Env must be the first parameter, found at %d", i)
			}
			h.env = true
			continue
		}
		h.in = append(h.in, p)
	}
	outs := t.NumOut()
	if outs > 0 && t.Out(outs-1) == errorType {
		h.hasErr = true
		outs--
	}
	switch outs {
	case 0:
	case 1:
		h.out = t.Out(0)
	default:
		return nil, bindError(jerrors.KindSignature, name, "%d results; want at most one value and an error", t.NumOut())
	}
	return h, nil
}

// isObject reports whether t marshals as an object reference.
func isObject(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Interface:
		return t.Implements(refType) || t == refType
	}
	return false
}

func (h *hook) signature(vm *VM, skip int) (string, error) {
	return vm.invokeSignature(h.in[skip:], h.out)
}

// invoker adapts h. With withRecv the receiver fills the first parameter.
func (h *hook) invoker(withRecv bool) Invoker {
	return InvokerFunc(func(env *Env, recv Ref, args []Value) (Value, error) {
		in := make([]reflect.Value, 0, len(h.in)+1)
		if h.env {
			in = append(in, reflect.ValueOf(env))
		}
		params := h.in
		if withRecv {
			rv, err := env.toGo(Obj(recv), params[0])
			if err != nil {
				return Void, err
			}
			in = append(in, rv)
			params = params[1:]
		}
		if len(args) != len(params) {
			return Void, jerrors.New(jerrors.PhaseMarshal, jerrors.KindTypeMismatch).Op(h.name).
				Detail("want %d arguments, got %d", len(params), len(args)).Build()
		}
		for i, p := range params {
			v, err := env.toGo(args[i], p)
			if err != nil {
				return Void, err
			}
			in = append(in, v)
		}
		return h.call(env, in)
	})
}

// call runs the function, converting a returned error or a panic into an
// error for the caller to raise.
func (h *hook) call(env *Env, in []reflect.Value) (v Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = recovered(h.name, p)
			v = Void
		}
	}()
	out := h.fn.Call(in)
	if h.hasErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return Void, e.Interface().(error)
		}
	}
	if h.out == nil {
		return Void, nil
	}
	return env.fromGo(out[0], h.out)
}

func recovered(name string, p any) error {
	b := jerrors.New(jerrors.PhaseInvoke, jerrors.KindRuntime).Op(name)
	if e, ok := p.(error); ok {
		return b.Cause(e).Detail("panic").Build()
	}
	return b.Detail("panic: %s", fmt.Sprint(p)).Build()
}

// BindStatic binds fn as the static method name. When the first parameter
// after an optional *Env is an object, the same function is also bound as an
// instance method taking that object as receiver.
func (c *Class) BindStatic(name string, fn any) error {
	h, err := compile(name, fn)
	if err != nil {
		return err
	}
	sig, err := h.signature(c.vm, 0)
	if err != nil {
		return err
	}
	c.GetMethodID(name, sig, true).Bind(StaticFunction, h.invoker(false))
	c.vm.log.Debug("bound", log.Class(c.FullName), log.Member(name), log.Sig(sig),
		zap.Stringer("kind", StaticFunction))

	if len(h.in) == 0 || !isObject(h.in[0]) {
		return nil
	}
	isig, err := h.signature(c.vm, 1)
	if err != nil {
		return err
	}
	c.GetMethodID(name, isig, false).Bind(InstanceFunction, h.invoker(true))
	return nil
}

// BindMethod binds fn as the instance method name. The first parameter after
// an optional *Env is the receiver.
func (c *Class) BindMethod(name string, fn any) error {
	h, err := compile(name, fn)
	if err != nil {
		return err
	}
	if len(h.in) == 0 || !isObject(h.in[0]) {
		return bindError(jerrors.KindInvalidModifier, name, "instance method needs an object receiver")
	}
	sig, err := h.signature(c.vm, 1)
	if err != nil {
		return err
	}
	c.GetMethodID(name, sig, false).Bind(InstanceFunction, h.invoker(true))
	c.vm.log.Debug("bound", log.Class(c.FullName), log.Member(name), log.Sig(sig),
		zap.Stringer("kind", InstanceFunction))
	return nil
}

// BindField exposes Go storage as the field name. target is a *T for static
// fields or a func(*X) *T returning per-receiver storage for instance fields.
func (c *Class) BindField(name string, target any, mod Modifier) error {
	if target == nil {
		return bindError(jerrors.KindTypeMismatch, name, "nil target")
	}
	tv := reflect.ValueOf(target)
	tt := tv.Type()

	var (
		elem    reflect.Type
		storage func(env *Env, recv Ref) (reflect.Value, error)
	)
	switch {
	case tt.Kind() == reflect.Pointer:
		if mod != ModStatic {
			return bindError(jerrors.KindInvalidModifier, name, "pointer storage %s needs ModStatic", tt)
		}
		if tv.IsNil() {
			return bindError(jerrors.KindTypeMismatch, name, "nil storage")
		}
		elem = tt.Elem()
		storage = func(*Env, Ref) (reflect.Value, error) { return tv.Elem(), nil }
	case tt.Kind() == reflect.Func && tt.NumIn() == 1 && tt.NumOut() == 1 && tt.Out(0).Kind() == reflect.Pointer:
		if mod != ModInstance {
			return bindError(jerrors.KindInvalidModifier, name, "accessor storage %s needs ModInstance", tt)
		}
		if !isObject(tt.In(0)) {
			return bindError(jerrors.KindInvalidModifier, name, "accessor receiver %s is not an object", tt.In(0))
		}
		elem = tt.Out(0).Elem()
		recvType := tt.In(0)
		storage = func(env *Env, recv Ref) (reflect.Value, error) {
			rv, err := env.toGo(Obj(recv), recvType)
			if err != nil {
				return reflect.Value{}, err
			}
			p := tv.Call([]reflect.Value{rv})[0]
			if p.IsNil() {
				return reflect.Value{}, jerrors.InvalidObject(name, "no storage for receiver %T", recv)
			}
			return p.Elem(), nil
		}
	default:
		return bindError(jerrors.KindInvalidModifier, name, "%s is neither *T nor func(*X) *T", tt)
	}

	sig, err := c.vm.SignatureOf(elem)
	if err != nil {
		return err
	}
	f := c.DeclareField(name, sig, mod == ModStatic)
	get := InvokerFunc(func(env *Env, recv Ref, _ []Value) (Value, error) {
		s, err := storage(env, recv)
		if err != nil {
			return Void, err
		}
		return env.fromGo(s, elem)
	})
	set := InvokerFunc(func(env *Env, recv Ref, args []Value) (Value, error) {
		s, err := storage(env, recv)
		if err != nil {
			return Void, err
		}
		nv, err := env.toGo(args[0], elem)
		if err != nil {
			return Void, err
		}
		env.vm.swapStored(s, nv)
		return Void, nil
	})
	f.BindAccessors(get, set)
	c.vm.log.Debug("bound", log.Class(c.FullName), log.Member(name), log.Sig(sig),
		zap.Stringer("mod", mod))
	return nil
}

// swapStored assigns nv to storage. Object values stored in Go storage hold
// a strong reference, released when overwritten.
func (vm *VM) swapStored(s, nv reflect.Value) {
	if !isObject(s.Type()) {
		s.Set(nv)
		return
	}
	var old Ref
	if !s.IsNil() {
		old, _ = s.Interface().(Ref)
	}
	if !nv.IsNil() {
		if r, ok := nv.Interface().(Ref); ok {
			vm.adopt(r).retain()
		}
	}
	s.Set(nv)
	if !isNil(old) {
		old.object().hdr().release()
	}
}

// BindProperty binds getter and setter functions as the field name. For
// ModInstance both take the receiver first. Either may be nil.
func (c *Class) BindProperty(name string, get, set any, mod Modifier) error {
	if get == nil && set == nil {
		return bindError(jerrors.KindTypeMismatch, name, "no accessor")
	}
	skip := 0
	if mod == ModInstance {
		skip = 1
	}
	checkRecv := func(h *hook) error {
		if mod == ModInstance && (len(h.in) == 0 || !isObject(h.in[0])) {
			return bindError(jerrors.KindInvalidModifier, name, "instance accessor needs an object receiver")
		}
		return nil
	}
	var (
		sig        string
		ginv, sinv Invoker
	)
	if get != nil {
		h, err := compile(name, get)
		if err != nil {
			return err
		}
		if err := checkRecv(h); err != nil {
			return err
		}
		if len(h.in) != skip || h.out == nil {
			return bindError(jerrors.KindInvalidModifier, name, "%s getter must take %d arguments and return a value", mod, skip)
		}
		if sig, err = c.vm.SignatureOf(h.out); err != nil {
			return err
		}
		ginv = h.invoker(mod == ModInstance)
	}
	if set != nil {
		h, err := compile(name, set)
		if err != nil {
			return err
		}
		if err := checkRecv(h); err != nil {
			return err
		}
		if len(h.in) != skip+1 || h.out != nil {
			return bindError(jerrors.KindInvalidModifier, name, "%s setter must take %d arguments and return nothing", mod, skip+1)
		}
		ssig, err := c.vm.SignatureOf(h.in[skip])
		if err != nil {
			return err
		}
		if sig != "" && sig != ssig {
			return bindError(jerrors.KindTypeMismatch, name, "getter type %s and setter type %s differ", sig, ssig)
		}
		sig = ssig
		sinv = h.invoker(mod == ModInstance)
	}
	c.DeclareField(name, sig, mod == ModStatic).BindAccessors(ginv, sinv)
	return nil
}
