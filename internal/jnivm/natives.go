package jnivm

import (
	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// NativeMethod is one entry of a RegisterNatives call. Fn is an Invoker or a
// Go function accepted by BindStatic (Static) or BindMethod.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        any
	Static    bool
}

func (nm NativeMethod) invoker() (Invoker, error) {
	if inv, ok := nm.Fn.(Invoker); ok {
		return inv, nil
	}
	h, err := compile(nm.Name, nm.Fn)
	if err != nil {
		return nil, err
	}
	if nm.Static {
		return h.invoker(false), nil
	}
	if len(h.in) == 0 || !isObject(h.in[0]) {
		return nil, bindError(jerrors.KindInvalidModifier, nm.Name, "instance native needs an object receiver")
	}
	return h.invoker(true), nil
}

// RegisterNatives binds native implementations. An entry with the same name
// and signature as an existing native is overwritten; others are appended.
// Nothing is registered if any entry fails to compile.
func (c *Class) RegisterNatives(natives []NativeMethod) error {
	invs := make([]Invoker, len(natives))
	for i, nm := range natives {
		if _, err := ParseMethodSignature(nm.Signature); err != nil {
			return err
		}
		inv, err := nm.invoker()
		if err != nil {
			return err
		}
		invs[i] = inv
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, nm := range natives {
		m := c.findNativeLocked(nm.Name, nm.Signature)
		if m == nil {
			m = c.newMethodLocked(nm.Name, nm.Signature, nm.Static, true)
		}
		m.Static = nm.Static
		kind := InstanceFunction
		if nm.Static {
			kind = StaticFunction
		}
		m.Bind(kind, invs[i])
		c.vm.log.Debug("native registered",
			log.Class(c.FullName), log.Member(nm.Name), log.Sig(nm.Signature), zap.Bool("static", nm.Static))
	}
	return nil
}

func (c *Class) findNativeLocked(name, sig string) *Method {
	for _, m := range c.methods {
		if m.Native && m.Name == name && m.Signature == sig {
			return m
		}
	}
	return nil
}

// UnregisterNatives unbinds and removes every native method of c.
func (c *Class) UnregisterNatives() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.methods[:0]
	for _, m := range c.methods {
		if m.Native {
			m.Bind(0, nil)
			continue
		}
		kept = append(kept, m)
	}
	clear(c.methods[len(kept):])
	c.methods = kept
}

// CallNative invokes the registered native name with signature sig. recv is
// ignored for static natives, which receive the class.
func (env *Env) CallNative(c *Class, name, sig string, recv Ref, args ...Value) Value {
	if c == nil {
		env.throwError(jerrors.InvalidObject("CallNative", "null class"))
		return Void
	}
	m := c.NativeMethod(name, sig)
	if m == nil {
		env.throwError(jerrors.New(jerrors.PhaseRegistry, jerrors.KindNotFound).Op("CallNative").
			Detail("%s.%s%s is not registered", c.FullName, name, sig).Build())
		return Void
	}
	if m.Static || isNil(recv) {
		recv = c
	}
	return env.invoke("CallNative", m, recv, args)
}
