package jni

import (
	"fmt"

	"github.com/zboralski/jnivm/internal/emulator"
	"github.com/zboralski/jnivm/internal/jnivm"
	"github.com/zboralski/jnivm/internal/stubs"
)

// vmHook is a JNIInvokeInterface handler. Unlike JNIEnv handlers these run
// before any Env exists.
type vmHook func(emu *emulator.Emulator) (ret int32, detail string)

func (b *Bridge) vmSlot(t *stubs.Table, index int, name string, fn vmHook) {
	hook := func(emu *emulator.Emulator) bool {
		ret, detail := fn(emu)
		b.reg.Log("javavm", name, detail)
		emu.SetX(0, uint64(int64(ret)))
		stubs.ReturnFromStub(emu)
		return false
	}
	if err := t.RegisterFunc(index, "javavm", name, hook); err != nil {
		panic(err)
	}
}

func (b *Bridge) registerVM(t *stubs.Table) {
	t.Fallback = func(emu *emulator.Emulator) bool {
		b.reg.Log("javavm", "reserved", stubs.FormatPtr("lr", emu.LR()))
		emu.SetX(0, uint64(int64(JNI_ERR)))
		stubs.ReturnFromStub(emu)
		return false
	}

	b.vmSlot(t, JAVAVM_DestroyJavaVM, "DestroyJavaVM", func(emu *emulator.Emulator) (int32, string) {
		b.vm.Destroy()
		return JNI_OK, b.vm.ID().String()
	})

	// AttachCurrentThread(vm, JNIEnv** penv, void* args)
	attach := func(emu *emulator.Emulator) (int32, string) {
		penv := emu.X(1)
		if _, err := b.vm.AttachCurrentThread(); err != nil {
			return JNI_ERR, err.Error()
		}
		if penv != 0 {
			emu.MemWriteU64(penv, b.EnvPtr())
		}
		return JNI_OK, stubs.FormatHex(b.EnvPtr())
	}
	b.vmSlot(t, JAVAVM_AttachCurrentThread, "AttachCurrentThread", attach)
	b.vmSlot(t, JAVAVM_AttachCurrentThreadAsDaemon, "AttachCurrentThreadAsDaemon", attach)

	b.vmSlot(t, JAVAVM_DetachCurrentThread, "DetachCurrentThread", func(emu *emulator.Emulator) (int32, string) {
		if err := b.vm.DetachCurrentThread(); err != nil {
			return JNI_EDETACHED, err.Error()
		}
		return JNI_OK, ""
	})

	// GetEnv(vm, void** penv, jint version)
	b.vmSlot(t, JAVAVM_GetEnv, "GetEnv", func(emu *emulator.Emulator) (int32, string) {
		penv, version := emu.X(1), int32(emu.X(2))
		detail := fmt.Sprintf("version=%s", stubs.FormatHex(uint64(uint32(version))))
		if penv == 0 {
			return JNI_ERR, detail
		}
		if !validVersion(version) || version > b.vm.Version() {
			emu.MemWriteU64(penv, 0)
			return JNI_EVERSION, detail
		}
		if b.vm.GetEnv() == nil {
			emu.MemWriteU64(penv, 0)
			return JNI_EDETACHED, detail
		}
		emu.MemWriteU64(penv, b.EnvPtr())
		return JNI_OK, detail
	})
}

// Env returns the jnivm Env bound to the calling goroutine, attaching it.
// Go code driving native calls uses it to inspect exceptions and locals.
func (b *Bridge) Env() (*jnivm.Env, error) {
	return b.vm.AttachCurrentThread()
}
