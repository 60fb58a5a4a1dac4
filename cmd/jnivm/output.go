package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/zboralski/jnivm/internal/trace"
	"github.com/zboralski/jnivm/internal/ui/colorize"
)

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	o := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go o.run()
	return o
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

// Write queues a line. Lines are dropped when the queue is full.
func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func instructionTags(dis string) []string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "BL":
		return []string{"#call"}
	case "BLR":
		return []string{"#call", "#br"}
	case "BR":
		return []string{"#br"}
	case "RET":
		return []string{"#ret"}
	case "SVC":
		return []string{"#syscall"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	op := fields[0]
	switch {
	case op == "RET", op == "BR", op == "B", op == "ERET":
		return true
	case strings.HasPrefix(op, "B."):
		return true
	case strings.HasPrefix(op, "CBZ"), strings.HasPrefix(op, "CBNZ"),
		strings.HasPrefix(op, "TBZ"), strings.HasPrefix(op, "TBNZ"):
		return true
	}
	return false
}

// formatLine renders one traced instruction with the table calls that
// happened since the previous one.
func formatLine(addr uint64, code []byte, dis string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visible := 0
	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visible += 8 + 2

	if len(code) >= 4 {
		b.WriteString(colorize.HexBytes(fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])))
		b.WriteString("  ")
		visible += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visible += len(dis)

	tags := instructionTags(dis)
	var details []string
	for _, e := range events {
		tags = append(tags, e.Tags.Strings()...)
		if e.Detail != "" {
			details = append(details, e.Detail)
		}
		for _, k := range e.AnnotationKeys() {
			details = append(details, k+"="+e.Annotations[k])
		}
	}
	if len(tags) == 0 && len(events) == 0 {
		return b.String()
	}

	const insnCol = 50
	for visible < insnCol {
		b.WriteByte(' ')
		visible++
	}

	if len(tags) > 0 || len(details) > 0 {
		var parts []string
		if len(tags) > 0 {
			parts = append(parts, strings.Join(tags, " "))
		}
		if len(details) > 0 {
			parts = append(parts, strings.Join(details, ", "))
		}
		b.WriteString(colorize.Comment("; " + strings.Join(parts, " ")))
		b.WriteString("  ")
	}

	for i, e := range events {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(colorize.FuncName(e.Name))
	}
	return b.String()
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func relPath(path string) string {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return path
}
