package jnivm

import (
	"reflect"
	"sync"
	"sync/atomic"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

// Cast converts between a class's own Go type and one related type.
// Up goes from the class's type to the related type, Down the other way.
type Cast struct {
	Up   func(Ref) Ref
	Down func(Ref) Ref
}

type castEdge struct {
	base *Class
	cast Cast
}

// castTable is built on first lookup from the class's own identity and the
// tables of its declared bases, then frozen.
type castTable struct {
	mu     sync.Mutex
	edges  []castEdge
	once   sync.Once
	table  map[reflect.Type]Cast
	frozen atomic.Bool
}

func identity(r Ref) Ref { return r }

// DefineClass binds Go type T to the class named name. Objects of type T then
// resolve to this class, descriptors of T use its name, and a default Factory
// and ArrayFactory are installed when absent.
func DefineClass[T Ref](vm *VM, name string) *Class {
	c := vm.FindClass(name)
	t := reflect.TypeFor[T]()

	vm.mu.Lock()
	vm.types[t] = c
	vm.mu.Unlock()

	c.mu.Lock()
	c.goType = t
	if c.Factory == nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct {
		c.Factory = func(env *Env) (Ref, error) {
			return reflect.New(t.Elem()).Interface().(Ref), nil
		}
	}
	if c.ArrayFactory == nil {
		c.ArrayFactory = func(env *Env, n int) Ref {
			return env.NewObjectArray(n, c, nil)
		}
	}
	c.mu.Unlock()
	return c
}

// Extend declares base as an immediate base of derived and records how a D
// value is viewed as a B. The reverse direction recovers the outermost value
// from the object header.
func Extend[D, B Ref](derived, base *Class, up func(D) B) error {
	if derived.casts.frozen.Load() {
		return jerrors.New(jerrors.PhaseRegistry, jerrors.KindFrozen).Op("Extend").
			Detail("cast table of %s already built", derived.FullName).Build()
	}
	derived.AddBase(base)
	edge := castEdge{base: base, cast: Cast{
		Up: func(r Ref) Ref {
			d, ok := outermost(r).(D)
			if !ok {
				return nil
			}
			return up(d)
		},
		Down: func(r Ref) Ref {
			d, ok := outermost(r).(D)
			if !ok {
				return nil
			}
			return d
		},
	}}
	derived.casts.mu.Lock()
	derived.casts.edges = append(derived.casts.edges, edge)
	derived.casts.mu.Unlock()
	return nil
}

// outermost returns the value that embeds r's Object, if it was adopted.
func outermost(r Ref) Ref {
	if isNil(r) {
		return nil
	}
	if self := r.object().hdr().self; self != nil {
		return self
	}
	return r
}

func (c *Class) castTable() map[reflect.Type]Cast {
	c.casts.once.Do(func() {
		c.casts.table = c.buildCasts(map[*Class]bool{})
	})
	return c.casts.table
}

// buildCasts composes c's own identity entry with each base's entries.
// Every class visited is frozen so later Extend calls cannot change a table
// another class already folded in.
func (c *Class) buildCasts(seen map[*Class]bool) map[reflect.Type]Cast {
	seen[c] = true
	c.casts.frozen.Store(true)

	t := make(map[reflect.Type]Cast)
	if gt := c.GoType(); gt != nil {
		t[gt] = Cast{Up: identity, Down: identity}
	}
	c.casts.mu.Lock()
	edges := append([]castEdge(nil), c.casts.edges...)
	c.casts.mu.Unlock()

	for _, e := range edges {
		if seen[e.base] {
			continue
		}
		for typ, bc := range e.base.buildCasts(seen) {
			if _, exists := t[typ]; exists {
				continue
			}
			t[typ] = compose(e.cast, bc)
		}
	}
	return t
}

// compose chains the derived-to-base edge with a base table entry.
func compose(edge, base Cast) Cast {
	return Cast{
		Up: func(r Ref) Ref {
			v := edge.Up(r)
			if isNil(v) {
				return nil
			}
			return base.Up(v)
		},
		Down: func(r Ref) Ref {
			v := base.Down(r)
			if isNil(v) {
				return nil
			}
			return edge.Down(v)
		},
	}
}

// CastTo views r, an instance of c, as Go type t. ok is false when t is not
// in c's cast table, which means the types are unrelated.
func (c *Class) CastTo(r Ref, t reflect.Type) (Ref, bool) {
	cast, ok := c.castTable()[t]
	if !ok || isNil(r) {
		return nil, false
	}
	v := cast.Up(r)
	return v, !isNil(v)
}

// CastFrom recovers an instance of c from r, whose Go type is t.
func (c *Class) CastFrom(r Ref, t reflect.Type) (Ref, bool) {
	cast, ok := c.castTable()[t]
	if !ok || isNil(r) {
		return nil, false
	}
	v := cast.Down(r)
	return v, !isNil(v)
}

// As converts r to T using direct assertion, then the cast tables of r's class
// and of T's class.
func As[T Ref](vm *VM, r Ref) (T, bool) {
	var zero T
	r = deref(r)
	if isNil(r) {
		return zero, false
	}
	if v, ok := r.(T); ok {
		return v, true
	}
	if v, ok := outermost(r).(T); ok {
		return v, true
	}
	v, ok := vm.convert(r, reflect.TypeFor[T]())
	if !ok {
		return zero, false
	}
	out, ok := v.(T)
	return out, ok
}

// convert is the reflection form of As.
func (vm *VM) convert(r Ref, t reflect.Type) (Ref, bool) {
	if reflect.TypeOf(r).AssignableTo(t) {
		return r, true
	}
	if o := outermost(r); reflect.TypeOf(o).AssignableTo(t) {
		return o, true
	}
	if c, err := vm.classOf(r); err == nil {
		if v, ok := c.CastTo(r, t); ok && reflect.TypeOf(v).AssignableTo(t) {
			return v, true
		}
	}
	vm.mu.RLock()
	target := vm.types[t]
	vm.mu.RUnlock()
	if target != nil {
		if v, ok := target.CastFrom(r, reflect.TypeOf(r)); ok && reflect.TypeOf(v).AssignableTo(t) {
			return v, true
		}
	}
	return nil, false
}
