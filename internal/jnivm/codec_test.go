package jnivm

import (
	stderrors "errors"
	"reflect"
	"testing"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

func TestDecodeUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		unit uint16
		n    int
		err  error
	}{
		{"ascii", []byte("A"), 'A', 1, nil},
		{"two byte", []byte{0xc3, 0xa9}, 0xe9, 2, nil},
		{"nul", []byte{0xc0, 0x80}, 0, 2, nil},
		{"three byte", []byte{0xe4, 0xb8, 0x96}, 0x4e16, 3, nil},
		{"surrogate half", []byte{0xed, 0xa0, 0xbd}, 0xd83d, 3, nil},
		{"four byte lead", []byte{0xf0, 0x9f, 0x98, 0x80}, 0, 0, jerrors.ErrDecode},
		{"bare continuation", []byte{0x80}, 0, 0, jerrors.ErrDecode},
		{"truncated", []byte{0xe4, 0xb8}, 0, 0, jerrors.ErrDecode},
		{"bad continuation", []byte{0xc3, 0x41}, 0, 0, jerrors.ErrDecode},
		{"empty", nil, 0, 0, jerrors.ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, n, err := DecodeUTF8(tt.in)
			if tt.err != nil {
				if !stderrors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if u != tt.unit || n != tt.n {
				t.Errorf("DecodeUTF8 = %#x, %d; want %#x, %d", u, n, tt.unit, tt.n)
			}
		})
	}
}

func TestEncodeStringSupplementary(t *testing.T) {
	b := EncodeString("😀")
	want := []byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}
	if !reflect.DeepEqual(b, want) {
		t.Fatalf("EncodeString = %x, want %x", b, want)
	}
	if n, err := UTF16Len(b); err != nil || n != 2 {
		t.Errorf("UTF16Len = %d, %v; want 2 surrogate units", n, err)
	}
	if goString(b) != "😀" {
		t.Errorf("goString = %q", goString(b))
	}
}

func TestDecodeUnitsReportsOffset(t *testing.T) {
	_, err := DecodeUnits([]byte{'a', 'b', 0xf0, 0x9f, 0x98, 0x80})
	var e *jerrors.Error
	if !stderrors.As(err, &e) || e.Kind != jerrors.KindDecode {
		t.Fatalf("err = %v, want decode error", err)
	}
	if want := "malformed sequence at byte 2 (0xf0)"; e.Detail != want {
		t.Errorf("detail = %q, want %q", e.Detail, want)
	}
}

func TestRegions(t *testing.T) {
	b := EncodeString("héllo")
	units, err := unitsRegion(b, 1, 3)
	if err != nil || !reflect.DeepEqual(units, []uint16{0xe9, 'l', 'l'}) {
		t.Errorf("unitsRegion = %v, %v", units, err)
	}
	raw, err := bytesRegion(b, 1, 2)
	if err != nil || string(raw) != "él" {
		t.Errorf("bytesRegion = %q, %v", raw, err)
	}
	if _, err := unitsRegion(b, 4, 2); !stderrors.Is(err, jerrors.ErrOutOfBounds) {
		t.Errorf("overrun err = %v", err)
	}
	if units, err := unitsRegion(b, 5, 0); err != nil || len(units) != 0 {
		t.Errorf("empty region at end = %v, %v", units, err)
	}
}

func TestGoStringReplacesInvalid(t *testing.T) {
	if got := goString([]byte{'a', 0xff, 'b'}); got != "a�b" {
		t.Errorf("goString = %q", got)
	}
}
