// Package stubs installs C function-pointer tables into the emulator.
// Every slot of a table points at a RET instruction with an address hook,
// so native code calling through the table lands in a Go handler.
//
// Features:
//   - Index-addressed tables (JNINativeInterface, JNIInvokeInterface)
//   - Per-table fallback for slots without a handler
//   - Call reporting through Log to the trace callback and zap
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/jnivm/internal/emulator"
	glog "github.com/zboralski/jnivm/internal/log"
)

// HookFunc is the signature for stub hook functions.
// Returns true to stop emulation, false to continue.
type HookFunc func(emu *emulator.Emulator) bool

// StubDef defines one table slot.
type StubDef struct {
	Index    int
	Name     string // e.g. "FindClass"
	Hook     HookFunc
	Category string // for logging: "jni", "javavm"
}

// Table is a function-pointer table of fixed size.
type Table struct {
	Name     string
	Size     int
	Fallback HookFunc

	mu    sync.RWMutex
	slots map[int]*StubDef
}

// Register installs def at def.Index, replacing any earlier definition.
func (t *Table) Register(def StubDef) error {
	if def.Index < 0 || def.Index >= t.Size {
		return fmt.Errorf("%s: slot %d outside table of %d", t.Name, def.Index, t.Size)
	}
	t.mu.Lock()
	t.slots[def.Index] = &def
	t.mu.Unlock()
	return nil
}

// RegisterFunc is a convenience method to register a simple slot.
func (t *Table) RegisterFunc(index int, category, name string, hook HookFunc) error {
	return t.Register(StubDef{Index: index, Name: name, Hook: hook, Category: category})
}

// Slot returns the definition at index, or nil.
func (t *Table) Slot(index int) *StubDef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[index]
}

// Layout records where a table was installed.
type Layout struct {
	Table  uint64 // address of slot 0
	Stubs  uint64 // address of the RET stub for slot 0
	Filled int    // slots with a registered handler
}

// Entry returns the table address of slot i.
func (l Layout) Entry(i int) uint64 { return l.Table + uint64(i)*8 }

// Stub returns the RET stub address of slot i.
func (l Layout) Stub(i int) uint64 { return l.Stubs + uint64(i)*4 }

// Registry holds the tables of one emulator session.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*Table

	// Callbacks
	OnCall func(category, name, detail string)

	emu *emulator.Emulator
	log *glog.Logger
}

// NewRegistry creates an empty registry logging through l.
func NewRegistry(l *glog.Logger) *Registry {
	if l == nil {
		l = glog.L
	}
	return &Registry{
		tables: make(map[string]*Table),
		log:    l,
	}
}

// Table returns the table called name, creating it with size slots.
func (r *Registry) Table(name string, size int) *Table {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tables[name]; ok {
		return t
	}
	t := &Table{Name: name, Size: size, slots: make(map[int]*StubDef)}
	r.tables[name] = t
	return t
}

// RetInsn is the ARM64 RET instruction.
var RetInsn = []byte{0xc0, 0x03, 0x5f, 0xd6}

// Install writes the table called name at tableBase and one RET stub per
// slot at stubBase, hooking each stub to its handler or the table fallback.
func (r *Registry) Install(emu *emulator.Emulator, name string, tableBase, stubBase uint64) (Layout, error) {
	r.mu.Lock()
	t, ok := r.tables[name]
	r.emu = emu
	r.mu.Unlock()
	if !ok {
		return Layout{}, fmt.Errorf("no table %q", name)
	}

	l := Layout{Table: tableBase, Stubs: stubBase}
	for i := 0; i < t.Size; i++ {
		stub := l.Stub(i)
		if err := emu.MemWrite(stub, RetInsn); err != nil {
			return l, fmt.Errorf("write %s stub %d: %w", name, i, err)
		}
		if err := emu.MemWriteU64(l.Entry(i), stub); err != nil {
			return l, fmt.Errorf("write %s entry %d: %w", name, i, err)
		}

		def := t.Slot(i)
		switch {
		case def != nil:
			emu.HookAddress(stub, def.Hook)
			l.Filled++
		case t.Fallback != nil:
			emu.HookAddress(stub, t.Fallback)
		}
	}

	if Debug {
		r.log.Debug("table installed",
			zap.String("table", name),
			glog.Addr(tableBase),
			zap.Int("slots", t.Size),
			zap.Int("filled", l.Filled),
		)
	}
	return l, nil
}

// GetEmulator returns the emulator reference.
func (r *Registry) GetEmulator() *emulator.Emulator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emu
}

// Log calls the OnCall callback and logs via zap.
// This is the primary method for stubs to report their activity.
func (r *Registry) Log(category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	emu := r.emu
	r.mu.RUnlock()

	var pc uint64
	if emu != nil {
		pc = emu.LR() // return address of the stub call
	}

	if cb != nil {
		cb(category, name, detail)
	}
	r.log.Trace(pc, category, name, detail)
}

// Count returns the number of registered slots across all tables.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.tables {
		t.mu.RLock()
		n += len(t.slots)
		t.mu.RUnlock()
	}
	return n
}

// List returns "table.name" for every registered slot, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for tn, t := range r.tables {
		t.mu.RLock()
		for _, def := range t.slots {
			names = append(names, tn+"."+def.Name)
		}
		t.mu.RUnlock()
	}
	sort.Strings(names)
	return names
}

// Debug enables verbose logging during installation.
var Debug = false

// Helper functions for stubs

// ReturnFromStub sets PC to LR to return from the current function.
func ReturnFromStub(emu *emulator.Emulator) {
	emu.SetPC(emu.LR())
}

// FormatHex formats a value as hex string.
func FormatHex(v uint64) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint64) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint64, name2 string, val2 uint64) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
