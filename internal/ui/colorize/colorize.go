package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

var forceOff atomic.Bool

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"armasm", "gas", "GAS", "Gas", "nasm"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// SetEnabled turns colors off for the process when on is false. The
// environment can still disable colors when on is true.
func SetEnabled(on bool) {
	forceOff.Store(!on)
}

// IsDisabled returns true if colors are disabled via SetEnabled or environment
func IsDisabled() bool {
	return forceOff.Load() || os.Getenv("JNIVM_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes an assembly instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// paint wraps s in a 24-bit foreground color escape.
func paint(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return paint(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string { return paint(255, 180, 200, tag) }

// FuncName formats a function name in yellow (IDA style labels)
func FuncName(name string) string { return paint(255, 200, 0, name) }

// Class formats an internal class name in light blue
func Class(name string) string { return paint(135, 206, 235, name) }

// Descriptor formats a type descriptor in green
func Descriptor(sig string) string { return paint(0, 255, 0, sig) }

// Detail formats detail text in light gray
func Detail(detail string) string { return paint(180, 180, 180, detail) }

// Border formats border characters in dark gray
func Border(s string) string { return paint(80, 80, 80, s) }

// Comment formats comments in white
func Comment(s string) string { return paint(255, 255, 255, s) }

// Header formats header text in blue (IDA style)
func Header(s string) string { return paint(86, 156, 214, s) }

// HexBytes formats hex opcode bytes in light gray
func HexBytes(s string) string { return paint(180, 180, 180, s) }

// Error formats error messages in pink
func Error(s string) string { return paint(255, 128, 192, s) }

// String formats string values in pink/magenta
func String(s string) string { return paint(255, 128, 192, s) }
