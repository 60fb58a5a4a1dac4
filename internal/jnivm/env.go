package jnivm

import (
	stderrors "errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	jerrors "github.com/zboralski/jnivm/internal/errors"
	"github.com/zboralski/jnivm/internal/log"
)

// RefType mirrors jobjectRefType.
type RefType int

const (
	InvalidRefType RefType = iota
	LocalRefType
	GlobalRefType
	WeakGlobalRefType
)

func (t RefType) String() string {
	switch t {
	case LocalRefType:
		return "local"
	case GlobalRefType:
		return "global"
	case WeakGlobalRefType:
		return "weak"
	}
	return "invalid"
}

// frame holds the owning local references of one PushLocalFrame scope.
type frame struct {
	refs []Ref
}

// Env is the per-goroutine JNI environment. It must only be used by the
// goroutine that attached it.
type Env struct {
	vm  *VM
	gid int64
	log *log.Logger

	// frames live in arena; stack and free hold arena indices.
	arena []frame
	stack []int
	free  []int

	pending Ref

	// Data is free for embedders, e.g. the native call table keeps its
	// per-thread state here.
	Data any
}

func newEnv(vm *VM, gid int64) *Env {
	env := &Env{vm: vm, gid: gid, log: vm.log.With(zap.Int64("goid", gid))}
	env.pushFrame(vm.localCap)
	return env
}

// VM returns the owning VM.
func (env *Env) VM() *VM { return env.vm }

// GetVersion returns the JNI version of the VM.
func (env *Env) GetVersion() int32 { return env.vm.version }

// Logger returns the environment logger.
func (env *Env) Logger() *log.Logger { return env.log }

func (env *Env) pushFrame(capacity int) {
	var idx int
	if n := len(env.free); n > 0 {
		idx = env.free[n-1]
		env.free = env.free[:n-1]
	} else {
		env.arena = append(env.arena, frame{})
		idx = len(env.arena) - 1
	}
	f := &env.arena[idx]
	if cap(f.refs) < capacity {
		f.refs = make([]Ref, 0, capacity)
	}
	env.stack = append(env.stack, idx)
}

func (env *Env) top() *frame {
	return &env.arena[env.stack[len(env.stack)-1]]
}

// popFrame releases the innermost frame and recycles it. The root frame is
// recreated when the stack would become empty.
func (env *Env) popFrame() {
	idx := env.stack[len(env.stack)-1]
	env.stack = env.stack[:len(env.stack)-1]
	f := &env.arena[idx]
	refs := f.refs
	f.refs = f.refs[:0]
	for _, r := range refs {
		r.object().hdr().release()
	}
	clear(refs)
	env.free = append(env.free, idx)
	if len(env.stack) == 0 {
		env.pushFrame(env.vm.localCap)
	}
}

// FrameDepth is the number of frames on the stack; never less than one.
func (env *Env) FrameDepth() int { return len(env.stack) }

// LocalCount is the number of references held by the innermost frame.
func (env *Env) LocalCount() int { return len(env.top().refs) }

// PushLocalFrame opens a new local reference scope with room for capacity refs.
func (env *Env) PushLocalFrame(capacity int) error {
	if capacity < 0 {
		return jerrors.New(jerrors.PhaseReference, jerrors.KindOutOfBounds).
			Op("PushLocalFrame").Detail("negative capacity %d", capacity).Build()
	}
	env.pushFrame(capacity)
	return nil
}

// PopLocalFrame releases the innermost scope and returns result as a local
// reference in the enclosing one.
func (env *Env) PopLocalFrame(result Ref) Ref {
	result = deref(result)
	var h *header
	if result != nil {
		h = env.vm.adopt(result)
		h.retain()
	}
	env.popFrame()
	if h == nil {
		return nil
	}
	out := env.NewLocalRef(result)
	h.release()
	return out
}

// EnsureLocalCapacity guarantees room for n more references in the innermost frame.
func (env *Env) EnsureLocalCapacity(n int) error {
	if n < 0 {
		return jerrors.New(jerrors.PhaseReference, jerrors.KindOutOfBounds).
			Op("EnsureLocalCapacity").Detail("negative capacity %d", n).Build()
	}
	f := env.top()
	if cap(f.refs)-len(f.refs) < n {
		grown := make([]Ref, len(f.refs), len(f.refs)+n)
		copy(grown, f.refs)
		f.refs = grown
	}
	return nil
}

// NewLocalRef adds an owning reference to r in the innermost frame and
// returns r. Global and weak wrappers are unwrapped first; dead targets give nil.
func (env *Env) NewLocalRef(r Ref) Ref {
	r = deref(r)
	if r == nil {
		return nil
	}
	h := env.vm.adopt(r)
	if h.dead.Load() {
		return nil
	}
	h.retain()
	f := env.top()
	f.refs = append(f.refs, r)
	return r
}

// local registers r and returns it with its static type intact.
func local[T Ref](env *Env, r T) T {
	env.NewLocalRef(r)
	return r
}

// DeleteLocalRef drops one owning reference to r, searching frames from the
// innermost outward. A miss is logged and returned; it changes nothing.
func (env *Env) DeleteLocalRef(r Ref) error {
	if isNil(r) {
		return nil
	}
	target := r.object()
	for i := len(env.stack) - 1; i >= 0; i-- {
		f := &env.arena[env.stack[i]]
		for j := len(f.refs) - 1; j >= 0; j-- {
			if f.refs[j].object() != target {
				continue
			}
			f.refs = slices.Delete(f.refs, j, j+1)
			target.hdr().release()
			return nil
		}
	}
	err := jerrors.Lifetime("DeleteLocalRef", "%T is not held by any local frame", r)
	env.log.Warn("lifetime", zap.Error(err), log.Handle(target.hdr().id.Load()))
	return err
}

// isLocal reports whether any frame holds r.
func (env *Env) isLocal(r Ref) bool {
	target := r.object()
	for _, idx := range env.stack {
		for _, x := range env.arena[idx].refs {
			if x.object() == target {
				return true
			}
		}
	}
	return false
}

// NewGlobalRef creates a VM-scoped owning reference to r.
func (env *Env) NewGlobalRef(r Ref) *Global {
	r = deref(r)
	if r == nil {
		return nil
	}
	h := env.vm.adopt(r)
	if h.dead.Load() {
		return nil
	}
	h.retain()
	g := &Global{target: r}
	env.vm.addGlobal(g)
	return g
}

// DeleteGlobalRef drops a reference made by NewGlobalRef. A miss is logged
// and returned.
func (env *Env) DeleteGlobalRef(r Ref) error {
	g, ok := r.(*Global)
	if !ok || g == nil || !env.vm.removeGlobal(g) {
		err := jerrors.Lifetime("DeleteGlobalRef", "%T is not a live global reference", r)
		env.log.Warn("lifetime", zap.Error(err))
		return err
	}
	g.hdr().release()
	return nil
}

// NewWeakGlobalRef creates a VM-scoped reference that does not own r.
func (env *Env) NewWeakGlobalRef(r Ref) *Weak {
	r = deref(r)
	if r == nil {
		return nil
	}
	h := env.vm.adopt(r)
	if h.dead.Load() {
		return nil
	}
	w := &Weak{}
	w.ptr = weakPointer(h)
	env.vm.addGlobal(w)
	return w
}

// DeleteWeakGlobalRef drops a reference made by NewWeakGlobalRef.
func (env *Env) DeleteWeakGlobalRef(r Ref) error {
	w, ok := r.(*Weak)
	if !ok || w == nil || !env.vm.removeGlobal(w) {
		err := jerrors.Lifetime("DeleteWeakGlobalRef", "%T is not a live weak reference", r)
		env.log.Warn("lifetime", zap.Error(err))
		return err
	}
	w.hdr().release()
	return nil
}

// IsSameObject compares targets after unwrapping global and weak references.
// A cleared weak reference equals nil.
func (env *Env) IsSameObject(a, b Ref) bool {
	a, b = deref(a), deref(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.object() == b.object() || outermost(a) == outermost(b)
}

// GetObjectRefType classifies r.
func (env *Env) GetObjectRefType(r Ref) RefType {
	if isNil(r) {
		return InvalidRefType
	}
	switch r.(type) {
	case *Global:
		if Alive(r) {
			return GlobalRefType
		}
		return InvalidRefType
	case *Weak:
		if Alive(r) {
			return WeakGlobalRefType
		}
		return InvalidRefType
	}
	if env.isLocal(r) {
		return LocalRefType
	}
	return InvalidRefType
}

// teardown releases every frame and the pending exception.
func (env *Env) teardown() {
	for len(env.stack) > 1 {
		env.popFrame()
	}
	env.popFrame()
	env.ExceptionClear()
}

// Exceptions.

// Throw makes t the pending exception.
func (env *Env) Throw(t Ref) error {
	t = deref(t)
	if t == nil {
		return jerrors.InvalidObject("Throw", "null throwable")
	}
	env.vm.adopt(t).retain()
	env.ExceptionClear()
	env.pending = t
	return nil
}

// ThrowNew constructs an instance of cls with msg and makes it pending.
func (env *Env) ThrowNew(cls *Class, msg string) error {
	if cls == nil {
		return jerrors.InvalidObject("ThrowNew", "null class")
	}
	return env.Throw(env.NewThrowable(cls, msg, nil))
}

// NewThrowable creates a local Throwable of class cls.
func (env *Env) NewThrowable(cls *Class, msg string, cause *Throwable) *Throwable {
	t := &Throwable{Message: msg, Cause: cause}
	h := env.vm.adopt(t)
	h.class.Store(cls)
	if cause != nil {
		env.vm.adopt(cause).retain()
	}
	return local(env, t)
}

// Raise makes err the pending exception, mapped as for failed calls.
func (env *Env) Raise(err error) {
	if err != nil {
		env.throwError(err)
	}
}

// throwError converts a Go error into a pending exception. Throwables are
// thrown as is; runtime errors map to the closest java/lang exception.
func (env *Env) throwError(err error) {
	var t *Throwable
	if stderrors.As(err, &t) {
		env.Throw(t)
		return
	}
	env.ThrowNew(env.vm.FindClass(exceptionClassFor(err)), err.Error())
}

func exceptionClassFor(err error) string {
	var e *jerrors.Error
	if !stderrors.As(err, &e) {
		return "java/lang/RuntimeException"
	}
	switch e.Kind {
	case jerrors.KindUnsupported:
		return "java/lang/UnsupportedOperationException"
	case jerrors.KindOutOfBounds:
		if e.Phase == jerrors.PhaseCodec {
			return "java/lang/StringIndexOutOfBoundsException"
		}
		return "java/lang/ArrayIndexOutOfBoundsException"
	case jerrors.KindInvalidObject:
		return "java/lang/NullPointerException"
	case jerrors.KindMonitor:
		return "java/lang/IllegalMonitorStateException"
	case jerrors.KindTypeMismatch, jerrors.KindSignature:
		return "java/lang/IllegalArgumentException"
	case jerrors.KindDecode:
		return "java/lang/IllegalArgumentException"
	case jerrors.KindNotFound:
		return "java/lang/NoSuchMethodError"
	}
	return "java/lang/RuntimeException"
}

// ExceptionOccurred returns the pending exception as a local reference, or nil.
func (env *Env) ExceptionOccurred() Ref {
	if env.pending == nil {
		return nil
	}
	return env.NewLocalRef(env.pending)
}

// ExceptionCheck reports whether an exception is pending.
func (env *Env) ExceptionCheck() bool { return env.pending != nil }

// ExceptionClear drops the pending exception.
func (env *Env) ExceptionClear() {
	if env.pending == nil {
		return
	}
	p := env.pending
	env.pending = nil
	p.object().hdr().release()
}

// ExceptionDescribe logs the pending exception and clears it.
func (env *Env) ExceptionDescribe() {
	if env.pending == nil {
		return
	}
	env.log.Warn("exception", zap.String("exception", describe(env.pending)))
	env.ExceptionClear()
}

func describe(r Ref) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	return fmt.Sprintf("%T", r)
}

// Check returns the pending exception as an error and clears it.
func (env *Env) Check() error {
	if env.pending == nil {
		return nil
	}
	p := env.pending
	env.ExceptionClear()
	if err, ok := p.(error); ok {
		return err
	}
	return fmt.Errorf("exception %T", p)
}

// FatalError logs msg and hands it to the VM's fatal handler, which exits
// the process by default.
func (env *Env) FatalError(msg string) {
	env.log.Error("fatal error", zap.String("msg", msg))
	env.vm.fatal(msg)
}
