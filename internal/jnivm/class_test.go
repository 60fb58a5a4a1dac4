package jnivm

import (
	stderrors "errors"
	"reflect"
	"testing"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

func TestMemberIDsAreStable(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Stable")

	m1 := cls.GetMethodID("run", "(I)V", false)
	m2 := cls.GetMethodID("run", "(I)V", false)
	if m1 != m2 {
		t.Error("GetMethodID should be idempotent")
	}
	if cls.GetMethodID("run", "(I)V", true) == m1 {
		t.Error("static and instance methods are distinct")
	}
	if cls.GetMethodID("run", "(J)V", false) == m1 {
		t.Error("signatures distinguish overloads")
	}

	f1 := cls.GetFieldID("count", "I", false)
	if cls.GetFieldID("count", "I", false) != f1 {
		t.Error("GetFieldID should be idempotent")
	}
	if len(cls.Methods()) != 3 || len(cls.Fields()) != 1 {
		t.Errorf("members = %d methods, %d fields", len(cls.Methods()), len(cls.Fields()))
	}
}

func TestMalformedMethodSignature(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Bad")

	m := cls.GetMethodID("broken", "(Q)V", true)
	if _, err := m.Type(); err == nil {
		t.Fatal("malformed descriptor should be reported")
	}
	env.CallStaticMethod(cls, m)
	if c := env.GetObjectClass(env.ExceptionOccurred()); c.FullName != "java/lang/IllegalArgumentException" {
		t.Errorf("calling a malformed method raised %s", c.FullName)
	}
	env.ExceptionClear()
}

func TestFieldBaseFallback(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	base := vm.FindClass("com/example/Base")
	derived := vm.FindClass("com/example/Derived")
	derived.AddBase(base)

	bf := base.GetFieldID("shared", "I", false)
	if got := derived.GetFieldID("shared", "I", false); got != bf {
		t.Error("derived lookup should find the base field")
	}
	own := derived.GetFieldID("own", "I", false)
	if own.Class() != derived {
		t.Error("misses should be created on the derived class")
	}
	if len(base.Fields()) != 1 {
		t.Error("derived lookups must not add fields to the base")
	}
}

func TestBaseCycles(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	a := vm.FindClass("com/example/A")
	b := vm.FindClass("com/example/B")
	a.AddBase(b)
	b.AddBase(a)

	if f := a.GetFieldID("x", "I", false); f.Class() != a {
		t.Error("cyclic bases should still create locally")
	}
	if !vm.IsAssignableFrom(a, b) || !vm.IsAssignableFrom(b, a) {
		t.Error("cycle should be assignable both ways")
	}
	if vm.IsAssignableFrom(a, vm.FindClass("com/example/C")) {
		t.Error("unrelated class")
	}
}

func TestIsAssignableFromAsymmetric(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	mammal := vm.FindClass("com/example/Animal")
	hound := vm.FindClass("com/example/Dog")
	pup := vm.FindClass("com/example/Puppy")
	hound.AddBase(mammal)
	pup.SetBaseResolver(func() []*Class { return []*Class{hound} })

	tests := []struct {
		sub, sup *Class
		want     bool
	}{
		{hound, mammal, true},
		{mammal, hound, false},
		{pup, mammal, true},
		{mammal, pup, false},
		{hound, hound, true},
		{nil, hound, false},
	}
	for _, tt := range tests {
		if got := vm.IsAssignableFrom(tt.sub, tt.sup); got != tt.want {
			t.Errorf("IsAssignableFrom(%v, %v) = %v, want %v", tt.sub, tt.sup, got, tt.want)
		}
	}
	if env.GetSuperclass(pup) != hound {
		t.Error("resolver bases count as superclass")
	}
}

type animal struct {
	Object
	Legs int32
}

type dog struct {
	animal
	Name string
}

func (d *dog) asAnimal() *animal { return &d.animal }

func TestCastTable(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	animalCls := DefineClass[*animal](vm, "com/example/Animal")
	dogCls := DefineClass[*dog](vm, "com/example/Dog")
	if err := Extend(dogCls, animalCls, (*dog).asAnimal); err != nil {
		t.Fatal(err)
	}

	d := &dog{animal: animal{Legs: 4}, Name: "rex"}
	env.NewLocalRef(d)

	up, ok := dogCls.CastTo(d, reflect.TypeFor[*animal]())
	if !ok || up.(*animal).Legs != 4 {
		t.Fatalf("upcast = %v, %v", up, ok)
	}
	down, ok := dogCls.CastFrom(up, reflect.TypeFor[*animal]())
	if !ok || down != Ref(d) {
		t.Fatalf("downcast = %v, %v", down, ok)
	}
	if _, ok := dogCls.CastTo(d, reflect.TypeFor[*String]()); ok {
		t.Error("unrelated types should not cast")
	}

	a, ok := As[*animal](vm, d)
	if !ok || a != &d.animal {
		t.Error("As should upcast through the table")
	}
	back, ok := As[*dog](vm, a)
	if !ok || back != d {
		t.Error("As should recover the outer value")
	}
	if _, ok := As[*String](vm, d); ok {
		t.Error("As to an unrelated type")
	}

	err := Extend(dogCls, vm.FindClass("com/example/Pet"), func(d *dog) *dog { return d })
	if !stderrors.Is(err, jerrors.ErrFrozen) {
		t.Errorf("Extend after first cast = %v, want frozen", err)
	}
}

func TestCastTableTransitive(t *testing.T) {
	env, _ := newTestEnv(t)
	vm := env.VM()

	animalCls := DefineClass[*animal](vm, "com/example/Animal")
	dogCls := DefineClass[*dog](vm, "com/example/Dog")
	puppyCls := vm.FindClass("com/example/Puppy")
	if err := Extend(dogCls, animalCls, (*dog).asAnimal); err != nil {
		t.Fatal(err)
	}
	if err := Extend(puppyCls, dogCls, func(d *dog) *dog { return d }); err != nil {
		t.Fatal(err)
	}

	d := &dog{}
	env.NewLocalRef(d)
	if _, ok := puppyCls.CastTo(d, reflect.TypeFor[*animal]()); !ok {
		t.Error("cast tables should compose through bases")
	}
	if !vm.IsAssignableFrom(puppyCls, animalCls) {
		t.Error("Extend should declare the base")
	}
}
