package jnivm

import (
	"testing"
)

func TestRegisterNatives(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Native")

	err := cls.RegisterNatives([]NativeMethod{
		{Name: "twice", Signature: "(I)I", Fn: func(n int32) int32 { return 2 * n }, Static: true},
		{Name: "raw", Signature: "()J", Fn: InvokerFunc(func(env *Env, recv Ref, args []Value) (Value, error) {
			return Long(77), nil
		}), Static: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if v := env.CallNative(cls, "twice", "(I)I", nil, Int(21)); v.Int() != 42 {
		t.Errorf("twice(21) = %v", v)
	}
	if v := env.CallNative(cls, "raw", "()J", nil); v.Long() != 77 {
		t.Errorf("raw() = %v", v)
	}

	if cls.GetMethodID("twice", "(I)I", true).Resolved() {
		t.Error("GetMethodID should not return natives")
	}
}

func TestRegisterNativesOverwrite(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Native")

	register := func(n int32) {
		t.Helper()
		err := cls.RegisterNatives([]NativeMethod{
			{Name: "value", Signature: "()I", Fn: func() int32 { return n }, Static: true},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	register(1)
	first := cls.NativeMethod("value", "()I")
	register(2)
	if cls.NativeMethod("value", "()I") != first {
		t.Error("same name and signature should overwrite in place")
	}
	if v := env.CallNative(cls, "value", "()I", nil); v.Int() != 2 {
		t.Errorf("value() = %v, want 2", v)
	}
	natives := 0
	for _, m := range cls.Methods() {
		if m.Native {
			natives++
		}
	}
	if natives != 1 {
		t.Errorf("%d natives registered, want 1", natives)
	}
}

func TestRegisterNativesOverwriteChangesStatic(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Native")

	fn := InvokerFunc(func(*Env, Ref, []Value) (Value, error) { return Int(5), nil })
	for _, static := range []bool{true, false} {
		if err := cls.RegisterNatives([]NativeMethod{{Name: "id", Signature: "()I", Fn: fn, Static: static}}); err != nil {
			t.Fatal(err)
		}
	}
	m := cls.NativeMethod("id", "()I")
	if m.Static {
		t.Error("overwrite should take the new static flag")
	}
	if k, _ := m.Kind(); k != InstanceFunction {
		t.Errorf("kind = %s", k)
	}
}

func TestRegisterNativesInstance(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := newCounterClass(t, env)

	err := cls.RegisterNatives([]NativeMethod{
		{Name: "peek", Signature: "()I", Fn: func(c *counter) int32 { return c.N }},
	})
	if err != nil {
		t.Fatal(err)
	}
	obj := env.AllocObject(cls)
	obj.(*counter).N = 3
	if v := env.CallNative(cls, "peek", "()I", obj); v.Int() != 3 {
		t.Errorf("peek = %v", v)
	}
}

func TestRegisterNativesRejectsBadEntries(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Native")

	tests := []struct {
		name string
		nm   NativeMethod
	}{
		{"bad signature", NativeMethod{Name: "f", Signature: "(I", Fn: func() {}, Static: true}},
		{"not callable", NativeMethod{Name: "f", Signature: "()V", Fn: 42, Static: true}},
		{"no receiver", NativeMethod{Name: "f", Signature: "()V", Fn: func() {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := cls.RegisterNatives([]NativeMethod{tt.nm}); err == nil {
				t.Error("expected an error")
			}
		})
	}
	if cls.NativeMethod("f", "") != nil {
		t.Error("failed registrations must not leave entries")
	}
}

func TestUnregisterNatives(t *testing.T) {
	env, _ := newTestEnv(t)
	cls := env.VM().FindClass("com/example/Native")

	cls.GetMethodID("plain", "()V", false)
	cls.RegisterNatives([]NativeMethod{
		{Name: "gone", Signature: "()V", Fn: func() {}, Static: true},
	})
	cls.UnregisterNatives()
	if cls.NativeMethod("gone", "()V") != nil {
		t.Error("natives should be removed")
	}
	if len(cls.Methods()) != 1 {
		t.Error("non-native methods should stay")
	}

	env.CallNative(cls, "gone", "()V", nil)
	if c := env.GetObjectClass(env.ExceptionOccurred()); c.FullName != "java/lang/NoSuchMethodError" {
		t.Errorf("missing native raised %s", c.FullName)
	}
	env.ExceptionClear()
}
