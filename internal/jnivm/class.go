package jnivm

import (
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/log"
)

// Class is a native-side class descriptor. It is itself an object (a jclass).
type Class struct {
	Object

	// Name is the simple name; FullName is the internal name used as the
	// registry key and descriptor component, e.g. "java/lang/String".
	Name     string
	FullName string

	vm *VM

	mu       sync.Mutex
	methods  []*Method
	fields   []*Field
	bases    []*Class
	resolver func() []*Class
	goType   reflect.Type

	// Factory builds a default instance for AllocObject and unbound constructors.
	Factory func(env *Env) (Ref, error)
	// ArrayFactory builds an array of this class.
	ArrayFactory func(env *Env, n int) Ref

	casts castTable
}

func newClass(vm *VM, name string) *Class {
	simple := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		simple = name[i+1:]
	}
	return &Class{Name: simple, FullName: name, vm: vm}
}

func (c *Class) String() string { return c.FullName }

// VM returns the owning VM.
func (c *Class) VM() *VM { return c.vm }

// GoType is the Go type bound with DefineClass, or nil.
func (c *Class) GoType() reflect.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goType
}

// Methods returns a snapshot of the method list in declaration order.
func (c *Class) Methods() []*Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Method(nil), c.methods...)
}

// Fields returns a snapshot of the field list in declaration order.
func (c *Class) Fields() []*Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Field(nil), c.fields...)
}

// SetBaseResolver installs a function returning additional immediate bases.
func (c *Class) SetBaseResolver(fn func() []*Class) {
	c.mu.Lock()
	c.resolver = fn
	c.mu.Unlock()
}

// AddBase declares base as an immediate base class.
func (c *Class) AddBase(base *Class) {
	if base == nil || base == c {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.bases {
		if b == base {
			return
		}
	}
	c.bases = append(c.bases, base)
}

// Bases returns the immediate base classes: declared ones first, then the
// resolver's.
func (c *Class) Bases() []*Class {
	c.mu.Lock()
	out := append([]*Class(nil), c.bases...)
	resolver := c.resolver
	c.mu.Unlock()
	if resolver != nil {
		out = append(out, resolver()...)
	}
	return out
}

// Superclass returns the first immediate base, or nil.
func (c *Class) Superclass() *Class {
	bases := c.Bases()
	if len(bases) == 0 {
		return nil
	}
	return bases[0]
}

// IsAssignableFrom reports whether sup is sub or in its transitive base closure.
func (vm *VM) IsAssignableFrom(sub, sup *Class) bool {
	if sub == nil || sup == nil {
		return false
	}
	if sub == sup {
		return true
	}
	seen := map[*Class]bool{sub: true}
	queue := sub.Bases()
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c == sup {
			return true
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		queue = append(queue, c.Bases()...)
	}
	return false
}

// GetMethodID returns the method identified by (name, sig, static), creating
// an unresolved one on miss. Constructors become a static "<init>" factory
// returning the owner.
func (c *Class) GetMethodID(name, sig string, static bool) *Method {
	if name == "<init>" {
		static = true
		sig = constructorSignature(sig, c.FullName)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.findMethodLocked(name, sig, static, false); m != nil {
		return m
	}
	m := c.newMethodLocked(name, sig, static, false)
	c.vm.log.Debug("method created",
		log.Class(c.FullName), log.Member(name), log.Sig(sig), zap.Bool("static", static))
	return m
}

func constructorSignature(sig, owner string) string {
	if i := strings.LastIndexByte(sig, ')'); i >= 0 {
		return sig[:i+1] + ClassDescriptor(owner)
	}
	return sig
}

func (c *Class) findMethodLocked(name, sig string, static, native bool) *Method {
	for _, m := range c.methods {
		if m.Native == native && m.Static == static && m.Name == name && m.Signature == sig {
			return m
		}
	}
	return nil
}

func (c *Class) newMethodLocked(name, sig string, static, native bool) *Method {
	m := &Method{Name: name, Signature: sig, Static: static, Native: native, class: c}
	m.mt, m.sigErr = ParseMethodSignature(sig)
	c.methods = append(c.methods, m)
	c.vm.pin(m)
	return m
}

// GetFieldID returns the field identified by (name, sig, static). On a local
// miss the base classes are probed before a new unresolved field is created.
func (c *Class) GetFieldID(name, sig string, static bool) *Field {
	c.mu.Lock()
	if f := c.findFieldLocked(name, sig, static); f != nil {
		c.mu.Unlock()
		return f
	}
	c.mu.Unlock()

	if f := c.findInBases(name, sig, static, map[*Class]bool{c: true}); f != nil {
		return f
	}
	return c.DeclareField(name, sig, static)
}

// DeclareField returns the field (name, sig, static) declared on c itself,
// creating it on a miss. Base classes are not consulted, so binding on a
// derived class never takes over an inherited field.
func (c *Class) DeclareField(name, sig string, static bool) *Field {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.findFieldLocked(name, sig, static); f != nil {
		return f
	}
	f := &Field{Name: name, Signature: sig, Static: static, class: c}
	c.fields = append(c.fields, f)
	c.vm.pin(f)
	c.vm.log.Debug("field created",
		log.Class(c.FullName), log.Member(name), log.Sig(sig), zap.Bool("static", static))
	return f
}

func (c *Class) findFieldLocked(name, sig string, static bool) *Field {
	for _, f := range c.fields {
		if f.Static == static && f.Name == name && f.Signature == sig {
			return f
		}
	}
	return nil
}

// findInBases searches declared fields of every base, depth first, without
// creating anything.
func (c *Class) findInBases(name, sig string, static bool, seen map[*Class]bool) *Field {
	for _, b := range c.Bases() {
		if seen[b] {
			continue
		}
		seen[b] = true
		b.mu.Lock()
		f := b.findFieldLocked(name, sig, static)
		b.mu.Unlock()
		if f != nil {
			return f
		}
		if f := b.findInBases(name, sig, static, seen); f != nil {
			return f
		}
	}
	return nil
}

// lookupOverride finds a resolved instance method with the same identity,
// starting at c and walking its bases.
func (c *Class) lookupOverride(name, sig string) *Method {
	seen := map[*Class]bool{}
	queue := []*Class{c}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if seen[k] {
			continue
		}
		seen[k] = true
		k.mu.Lock()
		m := k.findMethodLocked(name, sig, false, false)
		k.mu.Unlock()
		if m != nil && m.Resolved() {
			return m
		}
		queue = append(queue, k.Bases()...)
	}
	return nil
}

// NativeMethod looks up a method registered with RegisterNatives.
func (c *Class) NativeMethod(name, sig string) *Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.methods {
		if m.Native && m.Name == name && (sig == "" || m.Signature == sig) {
			return m
		}
	}
	return nil
}
