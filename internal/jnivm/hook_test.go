package jnivm

import (
	stderrors "errors"
	"fmt"
	"testing"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

type counter struct {
	Object
	N      int32
	Active bool
	Label  *String
}

func newCounterClass(t *testing.T, env *Env) *Class {
	t.Helper()
	return DefineClass[*counter](env.VM(), "com/example/Counter")
}

func TestBindStatic(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	if err := cls.BindStatic("add", func(a, b int32) int32 { return a + b }); err != nil {
		t.Fatal(err)
	}
	m := cls.GetMethodID("add", "(II)I", true)
	if !m.Resolved() {
		t.Fatal("add should be bound")
	}
	if k, _ := m.Kind(); k != StaticFunction {
		t.Errorf("kind = %s", k)
	}
	if v := env.CallStaticMethod(cls, m, Int(2), Int(3)); v.Int() != 5 {
		t.Errorf("add(2, 3) = %v", v)
	}

	env.CallStaticMethod(cls, m, Int(1))
	if !env.ExceptionCheck() {
		t.Error("wrong arity should raise")
	}
	env.ExceptionClear()
}

func TestBindStaticStrings(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	err := cls.BindStatic("join", func(env *Env, parts []string, sep string) string {
		out := ""
		for i, p := range parts {
			if i > 0 {
				out += sep
			}
			out += p
		}
		return out
	})
	if err != nil {
		t.Fatal(err)
	}
	m := cls.GetMethodID("join", "([Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;", true)
	if !m.Resolved() {
		t.Fatalf("join not bound under derived descriptor; have %v", cls.Methods())
	}

	arr := env.NewObjectArray(2, env.FindClass("java/lang/String"), nil)
	env.SetObjectArrayElement(arr, 0, env.NewStringGo("a"))
	env.SetObjectArrayElement(arr, 1, env.NewStringGo("b"))
	v := env.CallStaticMethod(cls, m, Obj(arr), Obj(env.NewStringGo("-")))
	if s, ok := v.Ref().(*String); !ok || s.String() != "a-b" {
		t.Errorf("join = %v", v)
	}
}

func TestBindStaticInstallsInstanceOverload(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	err := cls.BindStatic("bump", func(c *counter, by int32) int32 {
		c.N += by
		return c.N
	})
	if err != nil {
		t.Fatal(err)
	}
	static := cls.GetMethodID("bump", "(Lcom/example/Counter;I)I", true)
	inst := cls.GetMethodID("bump", "(I)I", false)
	if !static.Resolved() || !inst.Resolved() {
		t.Fatal("both overloads should be bound")
	}
	obj := env.AllocObject(cls)
	env.CallStaticMethod(cls, static, Obj(obj), Int(2))
	if v := env.CallMethod(obj, inst, Int(3)); v.Int() != 5 {
		t.Errorf("bump = %v, want 5", v)
	}

	env.CallNonvirtualMethod(obj, cls, inst, Int(1))
	if c := env.GetObjectClass(env.ExceptionOccurred()); c.FullName != "java/lang/UnsupportedOperationException" {
		t.Errorf("non-virtual bound call raised %s", c.FullName)
	}
	env.ExceptionClear()
	if obj.(*counter).N != 5 {
		t.Error("non-virtual call must not run the binding")
	}
}

func TestBindMethod(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	if err := cls.BindMethod("get", func(c *counter) int32 { return c.N }); err != nil {
		t.Fatal(err)
	}
	obj := env.AllocObject(cls)
	obj.(*counter).N = 9
	if v := env.CallMethod(obj, cls.GetMethodID("get", "()I", false)); v.Int() != 9 {
		t.Errorf("get = %v", v)
	}

	if err := cls.BindMethod("nope", func(n int32) {}); !stderrors.Is(err, jerrors.ErrInvalidModifier) {
		t.Errorf("receiver-less BindMethod err = %v", err)
	}
}

func TestVirtualDispatch(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	base := vm.FindClass("com/example/Shape")
	cls := newCounterClass(t, env)
	cls.AddBase(base)

	if err := cls.BindMethod("area", func(c *counter) int32 { return 42 }); err != nil {
		t.Fatal(err)
	}
	declared := base.GetMethodID("area", "()I", false)
	obj := env.AllocObject(cls)
	if v := env.CallMethod(obj, declared); v.Int() != 42 {
		t.Errorf("virtual call = %v, want the subclass binding", v)
	}
	if v := env.CallNonvirtualMethod(obj, base, declared); v.Int() != 0 {
		t.Errorf("non-virtual call = %v, want the unbound base zero", v)
	}
}

func TestBindErrors(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)
	var static int32

	tests := []struct {
		name string
		bind func() error
		want error
	}{
		{"env not first", func() error { return cls.BindStatic("f", func(n int32, env *Env) {}) }, jerrors.ErrAmbiguousReceiver},
		{"not a function", func() error { return cls.BindStatic("f", 3) }, jerrors.ErrTypeMismatch},
		{"two results", func() error { return cls.BindStatic("f", func() (int32, int32) { return 0, 0 }) }, jerrors.ErrSignature},
		{"pointer needs static", func() error { return cls.BindField("f", &static, ModInstance) }, jerrors.ErrInvalidModifier},
		{"accessor needs instance", func() error {
			return cls.BindField("f", func(c *counter) *int32 { return &c.N }, ModStatic)
		}, jerrors.ErrInvalidModifier},
		{"bad storage", func() error { return cls.BindField("f", static, ModStatic) }, jerrors.ErrInvalidModifier},
		{"static getter with receiver", func() error {
			return cls.BindProperty("f", func(c *counter) int32 { return 0 }, nil, ModStatic)
		}, jerrors.ErrInvalidModifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.bind(); !stderrors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBooleanFields(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	var enabled bool
	if err := cls.BindField("enabled", &enabled, ModStatic); err != nil {
		t.Fatal(err)
	}
	if err := cls.BindField("active", func(c *counter) *bool { return &c.Active }, ModInstance); err != nil {
		t.Fatal(err)
	}

	sf := cls.GetFieldID("enabled", "Z", true)
	env.SetStaticField(cls, sf, Bool(true))
	if !enabled || !env.GetStaticField(cls, sf).Bool() {
		t.Error("static boolean field did not round trip")
	}

	obj := env.AllocObject(cls)
	f := cls.GetFieldID("active", "Z", false)
	if env.GetField(obj, f).Bool() {
		t.Error("instance field should start false")
	}
	env.SetField(obj, f, Bool(true))
	if !obj.(*counter).Active || !env.GetField(obj, f).Bool() {
		t.Error("instance boolean field did not round trip")
	}
	if k := env.GetField(obj, f).Kind(); k != KindBoolean {
		t.Errorf("field kind = %s", k)
	}
}

func TestObjectFieldOwnsValue(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	if err := cls.BindField("label", func(c *counter) **String { return &c.Label }, ModInstance); err != nil {
		t.Fatal(err)
	}
	f := cls.GetFieldID("label", "Ljava/lang/String;", false)
	obj := env.AllocObject(cls)

	env.PushLocalFrame(1)
	s := env.NewStringGo("name")
	env.SetField(obj, f, Obj(s))
	env.PopLocalFrame(nil)
	if !Alive(s) {
		t.Fatal("object stored in a field should stay alive")
	}
	got := env.GetField(obj, f).Ref()
	if got != Ref(s) {
		t.Errorf("GetField = %v", got)
	}
	env.DeleteLocalRef(got)
	env.SetField(obj, f, Obj(nil))
	if Alive(s) {
		t.Error("overwritten field value should be released")
	}
}

type shape struct {
	Object
	Size int32
}

type box struct {
	Object
	Size int32
}

func TestDerivedFieldDoesNotRebindBase(t *testing.T) {
	env, _ := newTestEnv(t)
	base := DefineClass[*shape](env.VM(), "com/example/Shape")
	derived := DefineClass[*box](env.VM(), "com/example/Box")
	derived.AddBase(base)

	if err := base.BindField("size", func(s *shape) *int32 { return &s.Size }, ModInstance); err != nil {
		t.Fatal(err)
	}
	if err := derived.BindField("size", func(b *box) *int32 { return &b.Size }, ModInstance); err != nil {
		t.Fatal(err)
	}
	if err := derived.BindProperty("area", func(b *box) int32 { return b.Size * b.Size }, nil, ModInstance); err != nil {
		t.Fatal(err)
	}
	if len(derived.Fields()) != 2 || len(base.Fields()) != 1 {
		t.Fatalf("derived fields = %d, base fields = %d", len(derived.Fields()), len(base.Fields()))
	}

	bf := base.GetFieldID("size", "I", false)
	df := derived.GetFieldID("size", "I", false)
	if bf == df {
		t.Fatal("derived binding reused the base field")
	}

	s := env.AllocObject(base)
	s.(*shape).Size = 7
	if v := env.GetField(s, bf); v.Int() != 7 || env.ExceptionCheck() {
		t.Errorf("base GetField = %v, pending = %v", v, env.ExceptionCheck())
	}
	env.ExceptionClear()

	b := env.AllocObject(derived)
	b.(*box).Size = 3
	if v := env.GetField(b, df); v.Int() != 3 {
		t.Errorf("derived GetField = %v", v)
	}
	if v := env.GetField(b, derived.GetFieldID("area", "I", false)); v.Int() != 9 {
		t.Errorf("area = %v", v)
	}
}

func TestBindProperty(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	var level int64
	err := cls.BindProperty("level",
		func() int64 { return level * 10 },
		func(v int64) { level = v },
		ModStatic)
	if err != nil {
		t.Fatal(err)
	}
	f := cls.GetFieldID("level", "J", true)
	env.SetStaticField(cls, f, Long(4))
	if v := env.GetStaticField(cls, f); v.Long() != 40 {
		t.Errorf("level = %v", v)
	}

	err = cls.BindProperty("size", func(c *counter) int32 { return c.N }, nil, ModInstance)
	if err != nil {
		t.Fatal(err)
	}
	sf := cls.GetFieldID("size", "I", false)
	if !sf.Readable() || sf.Writable() {
		t.Error("getter-only property")
	}
}

func TestErrorsBecomeExceptions(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()
	cls := newCounterClass(t, env)

	cls.BindStatic("fail", func() error { return fmt.Errorf("nope") })
	cls.BindStatic("panics", func() int32 { panic("boom") })
	cls.BindStatic("throws", func(env *Env) error {
		return env.NewThrowable(vm.FindClass("java/lang/IllegalStateException"), "custom", nil)
	})

	tests := []struct {
		method string
		sig    string
		class  string
	}{
		{"fail", "()V", "java/lang/RuntimeException"},
		{"panics", "()I", "java/lang/RuntimeException"},
		{"throws", "()V", "java/lang/IllegalStateException"},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			v := env.CallStaticMethod(cls, cls.GetMethodID(tt.method, tt.sig, true))
			if v.Raw() != 0 {
				t.Errorf("result = %v, want zero", v)
			}
			exc := env.ExceptionOccurred()
			if exc == nil {
				t.Fatal("no exception pending")
			}
			if c := env.GetObjectClass(exc); c.FullName != tt.class {
				t.Errorf("raised %s, want %s", c.FullName, tt.class)
			}
			env.ExceptionClear()
		})
	}
}
