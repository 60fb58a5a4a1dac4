package jnivm

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// Ref is any VM-visible entity. Types satisfy it by embedding Object:
//
//	type Activity struct {
//		jnivm.Object
//		Title string
//	}
type Ref interface {
	object() *Object
}

// Finalizer is called once when an object's last owning reference is dropped.
type Finalizer interface {
	Finalize()
}

// owner is implemented by objects that hold strong references to children.
type owner interface {
	children() []Ref
}

// Object is the embeddable base of every Ref. The zero value is ready to use;
// bookkeeping is allocated when the object first meets a VM.
type Object struct {
	h atomic.Pointer[header]
}

func (o *Object) object() *Object { return o }

// header is allocated separately so weak references can point at it without
// pinning the embedding value.
type header struct {
	id     atomic.Uint64
	vm     *VM
	self   Ref
	class  atomic.Pointer[Class]
	strong atomic.Int32
	dead   atomic.Bool
	mon    Monitor
}

func (o *Object) hdr() *header {
	if h := o.h.Load(); h != nil {
		return h
	}
	h := &header{}
	if o.h.CompareAndSwap(nil, h) {
		return h
	}
	return o.h.Load()
}

func (h *header) retain() {
	h.strong.Add(1)
}

func (h *header) release() {
	n := h.strong.Add(-1)
	if n == 0 {
		h.destroy()
	} else if n < 0 {
		h.strong.Store(0)
	}
}

func (h *header) destroy() {
	if !h.dead.CompareAndSwap(false, true) {
		return
	}
	if h.vm != nil {
		h.vm.forget(h.id.Load())
	}
	if f, ok := h.self.(Finalizer); ok {
		f.Finalize()
	}
	if o, ok := h.self.(owner); ok {
		for _, c := range o.children() {
			if !isNil(c) {
				c.object().hdr().release()
			}
		}
	}
}

// isNil reports whether r is nil or a typed nil pointer.
func isNil(r Ref) bool {
	if r == nil {
		return true
	}
	v := reflect.ValueOf(r)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// Alive reports whether r still has an owner or has never been owned.
// It is false once the last local or global reference was dropped.
func Alive(r Ref) bool {
	if isNil(r) {
		return false
	}
	return !r.object().hdr().dead.Load()
}

// adopt gives r an id and handle in vm. It is idempotent.
func (vm *VM) adopt(r Ref) *header {
	h := r.object().hdr()
	if h.id.Load() != 0 {
		return h
	}
	vm.mu.Lock()
	h = vm.adoptLocked(r)
	vm.mu.Unlock()
	return h
}

func (vm *VM) adoptLocked(r Ref) *header {
	h := r.object().hdr()
	if h.id.Load() != 0 {
		return h
	}
	vm.nextID++
	id := vm.nextID
	h.vm = vm
	h.self = r
	vm.handles[id] = r
	h.id.Store(id)
	return h
}

// pin gives the VM a permanent owning reference, used for classes and members.
func (vm *VM) pinLocked(r Ref) {
	vm.adoptLocked(r).retain()
}

func (vm *VM) forget(id uint64) {
	if id == 0 {
		return
	}
	vm.mu.Lock()
	delete(vm.handles, id)
	vm.mu.Unlock()
}

// Handle returns the stable non-zero id for r, adopting it if needed.
func (vm *VM) Handle(r Ref) uint64 {
	if isNil(r) {
		return 0
	}
	return vm.adopt(r).id.Load()
}

// Resolve maps a handle back to its object. Dead or unknown handles give nil.
func (vm *VM) Resolve(id uint64) Ref {
	if id == 0 {
		return nil
	}
	vm.mu.RLock()
	r := vm.handles[id]
	vm.mu.RUnlock()
	return r
}

// Monitor is a re-entrant lock owned by a goroutine.
type Monitor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

// Enter blocks until the calling goroutine owns m, then bumps the depth.
func (m *Monitor) Enter() {
	g := goid.Get()
	m.mu.Lock()
	if m.cond == nil {
		m.cond = sync.NewCond(&m.mu)
	}
	for m.depth > 0 && m.owner != g {
		m.cond.Wait()
	}
	m.owner = g
	m.depth++
	m.mu.Unlock()
}

// Exit releases one level of ownership.
func (m *Monitor) Exit() error {
	g := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != g {
		return jerrors.New(jerrors.PhaseInvoke, jerrors.KindMonitor).Op("MonitorExit").
			Detail("goroutine %d does not own the monitor", g).Build()
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		if m.cond != nil {
			m.cond.Signal()
		}
	}
	return nil
}

// Held reports whether the calling goroutine owns m.
func (m *Monitor) Held() bool {
	g := goid.Get()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0 && m.owner == g
}

// classOf resolves the class lazily: explicit assignment first, then the VM
// type registry, then ClassNamer.
func (vm *VM) classOf(r Ref) (*Class, error) {
	if isNil(r) {
		return nil, jerrors.InvalidObject("GetObjectClass", "null object")
	}
	h := r.object().hdr()
	if c := h.class.Load(); c != nil {
		return c, nil
	}
	t := reflect.TypeOf(r)
	vm.mu.RLock()
	c := vm.types[t]
	vm.mu.RUnlock()
	if c == nil {
		if n, ok := r.(ClassNamer); ok && n.JavaClassName() != "" {
			c = vm.FindClass(n.JavaClassName())
		}
	}
	if c == nil {
		vm.log.Debug("no class for object", zap.Stringer("type", t), log.Handle(h.id.Load()))
		return nil, jerrors.InvalidObject("GetObjectClass", "no class registered for %s", t)
	}
	h.class.CompareAndSwap(nil, c)
	return h.class.Load(), nil
}
