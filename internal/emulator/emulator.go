// Package emulator provides ARM64 emulation using Unicorn Engine.
package emulator

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Memory layout constants
const (
	CodeBase  = 0x00010000
	CodeSize  = 0x01000000 // 16MB for code
	StackBase = 0x80000000
	StackSize = 0x00100000 // 1MB stack
	HeapBase  = 0x90000000
	HeapSize  = 0x10000000 // 256MB heap
	TLSBase   = 0xDEAC0000 // Thread Local Storage
	TLSSize   = 0x00010000 // 64KB TLS
	StubBase  = 0xF0000000 // Function tables and their RET stubs
	StubSize  = 0x00100000 // 1MB for stubs
)

// StackTop is the initial stack pointer.
const StackTop = StackBase + StackSize - 0x1000

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called when execution reaches a specific address
type AddressHookFunc func(emu *Emulator) bool // return true to stop emulation

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu uc.Unicorn

	// Memory management
	heapMu  sync.Mutex
	heapPtr uint64 // Current heap allocation pointer

	// Hooks
	codeHooks   []CodeHookFunc
	addrHooks   map[uint64]AddressHookFunc
	addrHooksMu sync.RWMutex

	// Stop flag
	stopped bool
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		heapPtr:   HeapBase,
		addrHooks: make(map[uint64]AddressHookFunc),
	}

	// Map memory regions
	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}

	// Set up internal hooks
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}

	return emu, nil
}

// mapMemory sets up the memory layout
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		name string
	}{
		{CodeBase, CodeSize, "code"},
		{StackBase, StackSize, "stack"},
		{HeapBase, HeapSize, "heap"},
		{TLSBase, TLSSize, "tls"},
		{StubBase, StubSize, "stubs"},
	}

	for _, r := range regions {
		if err := e.mu.MemMap(r.base, r.size); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	if err := e.mu.RegWrite(uc.ARM64_REG_SP, StackTop); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}

	// TPIDR_EL0 is the thread pointer register on ARM64
	if err := e.mu.RegWrite(uc.ARM64_REG_TPIDR_EL0, TLSBase); err != nil {
		return fmt.Errorf("set TPIDR_EL0: %w", err)
	}

	// Stack canary at TLS+0x28, deterministic for reproducible runs
	canary := make([]byte, 8)
	binary.LittleEndian.PutUint64(canary, 0xDEADBEEFDEADBEEF)
	if err := e.mu.MemWrite(TLSBase+0x28, canary); err != nil {
		return fmt.Errorf("set stack canary: %w", err)
	}

	// Float/SIMD access (CPACR_EL1.FPEN) for jfloat/jdouble arguments
	if err := e.mu.RegWrite(uc.ARM64_REG_CPACR_EL1, 0x300000); err != nil {
		return fmt.Errorf("enable fp: %w", err)
	}

	return nil
}

func (e *Emulator) setupHooks() error {
	// Code hook for tracing and address hooks
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		// Check for stop
		if e.stopped {
			e.mu.Stop()
			return
		}

		// Check address hooks first (protected by mutex)
		e.addrHooksMu.RLock()
		hook, ok := e.addrHooks[addr]
		e.addrHooksMu.RUnlock()

		if ok {
			if hook(e) {
				e.Stop()
				return
			}
		}

		// Call user code hooks
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
	}, 1, 0)

	return err
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.LoadCodeAt(CodeBase, code)
}

// LoadCodeAt writes code at addr, which must lie in the code region.
func (e *Emulator) LoadCodeAt(addr uint64, code []byte) error {
	if addr < CodeBase || addr+uint64(len(code)) > CodeBase+CodeSize {
		return fmt.Errorf("code at 0x%x+%d outside code region", addr, len(code))
	}
	return e.mu.MemWrite(addr, code)
}

// MemRead reads bytes from memory
func (e *Emulator) MemRead(addr, size uint64) ([]byte, error) {
	return e.mu.MemRead(addr, size)
}

// MemWrite writes bytes to memory
func (e *Emulator) MemWrite(addr uint64, data []byte) error {
	return e.mu.MemWrite(addr, data)
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian)
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU32 reads a uint32 from memory (little endian)
func (e *Emulator) MemReadU32(addr uint64) (uint32, error) {
	data, err := e.mu.MemRead(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

// MemWriteU32 writes a uint32 to memory (little endian)
func (e *Emulator) MemWriteU32(addr uint64, val uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, val)
	return e.mu.MemWrite(addr, data)
}

// MemReadU8 reads a single byte from memory
func (e *Emulator) MemReadU8(addr uint64) (uint8, error) {
	data, err := e.mu.MemRead(addr, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// MemWriteU8 writes a single byte to memory
func (e *Emulator) MemWriteU8(addr uint64, val uint8) error {
	return e.mu.MemWrite(addr, []byte{val})
}

// MemReadString reads a null-terminated string from memory
func (e *Emulator) MemReadString(addr uint64, maxLen int) (string, error) {
	b, err := e.MemReadCString(addr, maxLen)
	return string(b), err
}

// MemReadCString reads bytes up to (not including) a NUL, at most maxLen.
// Reads proceed in small chunks so a string near the end of a mapping
// does not fault.
func (e *Emulator) MemReadCString(addr uint64, maxLen int) ([]byte, error) {
	if maxLen <= 0 {
		maxLen = 4096
	}
	const chunk = 64
	var out []byte
	for len(out) < maxLen {
		n := chunk - int((addr+uint64(len(out)))%chunk)
		if n > maxLen-len(out) {
			n = maxLen - len(out)
		}
		data, err := e.mu.MemRead(addr+uint64(len(out)), uint64(n))
		if err != nil {
			return out, err
		}
		for i, b := range data {
			if b == 0 {
				return append(out, data[:i]...), nil
			}
		}
		out = append(out, data...)
	}
	return out, nil
}

// MemWriteString writes a null-terminated string to memory
func (e *Emulator) MemWriteString(addr uint64, s string) error {
	data := append([]byte(s), 0)
	return e.mu.MemWrite(addr, data)
}

// xreg maps n to the unicorn register id. X29 and X30 are not contiguous
// with X0-X28 in unicorn's numbering.
func xreg(n int) int {
	switch n {
	case 29:
		return uc.ARM64_REG_X29
	case 30:
		return uc.ARM64_REG_X30
	}
	return uc.ARM64_REG_X0 + n
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(xreg(n))
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(xreg(n), val)
}

// DBits reads the raw 64 bits of SIMD register D0-D31.
func (e *Emulator) DBits(n int) uint64 {
	if n < 0 || n > 31 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_D0 + n)
	return val
}

// SetDBits writes the raw 64 bits of SIMD register D0-D31.
func (e *Emulator) SetDBits(n int, val uint64) error {
	if n < 0 || n > 31 {
		return fmt.Errorf("invalid register D%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_D0+n, val)
}

// D reads D0-D31 as a double.
func (e *Emulator) D(n int) float64 {
	return math.Float64frombits(e.DBits(n))
}

// S reads S0-S31 (the low half of Dn) as a float.
func (e *Emulator) S(n int) float32 {
	return math.Float32frombits(uint32(e.DBits(n)))
}

// SetD writes a double into Dn.
func (e *Emulator) SetD(n int, v float64) error {
	return e.SetDBits(n, math.Float64bits(v))
}

// SetS writes a float into Sn, zeroing the upper half of Dn.
func (e *Emulator) SetS(n int, v float32) error {
	return e.SetDBits(n, uint64(math.Float32bits(v)))
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SetPC sets the program counter
func (e *Emulator) SetPC(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_PC, val)
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// SetSP sets the stack pointer
func (e *Emulator) SetSP(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_SP, val)
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates memory from the heap (bump allocator).
// Panics if heap is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)
	if size == 0 {
		size = 16
	}

	e.heapMu.Lock()
	defer e.heapMu.Unlock()
	addr := e.heapPtr
	e.heapPtr += size

	if e.heapPtr >= HeapBase+HeapSize {
		panic("heap exhausted")
	}

	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook for a specific address
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooksMu.Lock()
	defer e.addrHooksMu.Unlock()
	e.addrHooks[addr] = fn
}

// Run starts emulation from addr
func (e *Emulator) Run(start, end uint64) error {
	e.stopped = false
	return e.mu.Start(start, end)
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopped = true
	e.mu.Stop()
}
