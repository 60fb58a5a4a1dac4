// Package colorize provides terminal colors for traces and class listings.
// Disassembly goes through Chroma with the disasm-dark style; everything
// else is a plain 24-bit escape. JNIVM_NO_COLOR or NO_COLOR turns it off.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// DisasmDark is the disassembly style, registered with Chroma on load.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        "#FF8000",
	chroma.CommentPreproc: "#FF8000",

	// Mnemonics and registers
	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          "#87CEEB",
	chroma.NameBuiltin:   "#87CEEB",
	chroma.NameVariable:  "#87CEEB",

	// Immediates
	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberBin:     "#FF80C0",
	chroma.LiteralNumberOct:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",
	chroma.LiteralNumberFloat:   "#FF80C0",

	chroma.NameLabel:    "#FFC800",
	chroma.NameFunction: "#FFFFFF",
	chroma.Operator:     "#FFFFFF",
	chroma.Punctuation:  "#FFFFFF",
	chroma.String:       "#00FF00",
}))
