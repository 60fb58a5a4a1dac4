package jnivm

import (
	"unicode/utf16"

	jerrors "github.com/zboralski/jnivm/internal/errors"
)

// Strings are stored as modified UTF-8: every UTF-16 code unit is encoded on
// its own in one to three bytes, surrogate halves included, and U+0000 is
// written as C0 80. Decoding accepts exactly those forms; a four byte lead
// (F0..FF) is rejected rather than combined into a surrogate pair.

// DecodeUTF8 decodes one code unit from the start of b.
func DecodeUTF8(b []byte) (unit uint16, n int, err error) {
	if len(b) == 0 {
		return 0, 0, jerrors.New(jerrors.PhaseCodec, jerrors.KindDecode).Detail("empty input").Build()
	}
	c := b[0]
	switch {
	case c < 0x80:
		return uint16(c), 1, nil
	case c&0xe0 == 0xc0:
		if len(b) < 2 || b[1]&0xc0 != 0x80 {
			return 0, 0, jerrors.Decode(0, c)
		}
		return uint16(c&0x1f)<<6 | uint16(b[1]&0x3f), 2, nil
	case c&0xf0 == 0xe0:
		if len(b) < 3 || b[1]&0xc0 != 0x80 || b[2]&0xc0 != 0x80 {
			return 0, 0, jerrors.Decode(0, c)
		}
		return uint16(c&0x0f)<<12 | uint16(b[1]&0x3f)<<6 | uint16(b[2]&0x3f), 3, nil
	}
	return 0, 0, jerrors.Decode(0, c)
}

// EncodeUTF8 appends the modified UTF-8 form of one code unit to dst.
func EncodeUTF8(dst []byte, u uint16) []byte {
	switch {
	case u == 0:
		return append(dst, 0xc0, 0x80)
	case u < 0x80:
		return append(dst, byte(u))
	case u < 0x800:
		return append(dst, 0xc0|byte(u>>6), 0x80|byte(u&0x3f))
	}
	return append(dst, 0xe0|byte(u>>12), 0x80|byte((u>>6)&0x3f), 0x80|byte(u&0x3f))
}

// EncodeUnits converts UTF-16 code units to modified UTF-8.
func EncodeUnits(units []uint16) []byte {
	out := make([]byte, 0, len(units))
	for _, u := range units {
		out = EncodeUTF8(out, u)
	}
	return out
}

// EncodeString converts a Go string to modified UTF-8.
func EncodeString(s string) []byte {
	return EncodeUnits(utf16.Encode([]rune(s)))
}

// DecodeUnits converts modified UTF-8 to UTF-16 code units.
func DecodeUnits(b []byte) ([]uint16, error) {
	out := make([]uint16, 0, len(b))
	for off := 0; off < len(b); {
		u, n, err := DecodeUTF8(b[off:])
		if err != nil {
			return out, offsetError(err, off, b[off])
		}
		out = append(out, u)
		off += n
	}
	return out, nil
}

// UTF16Len counts the code units encoded in b.
func UTF16Len(b []byte) (int, error) {
	count := 0
	for off := 0; off < len(b); count++ {
		_, n, err := DecodeUTF8(b[off:])
		if err != nil {
			return count, offsetError(err, off, b[off])
		}
		off += n
	}
	return count, nil
}

// skipUnits walks b from the start and returns the byte offset of unit start.
func skipUnits(b []byte, start int) (int, error) {
	off := 0
	for i := 0; i < start; i++ {
		if off >= len(b) {
			return off, errShort
		}
		_, n, err := DecodeUTF8(b[off:])
		if err != nil {
			return off, offsetError(err, off, b[off])
		}
		off += n
	}
	return off, nil
}

var errShort = jerrors.New(jerrors.PhaseCodec, jerrors.KindOutOfBounds).Detail("ran past end of string").Build()

func offsetError(err error, off int, c byte) error {
	if e, ok := err.(*jerrors.Error); ok && e.Kind == jerrors.KindDecode {
		return jerrors.Decode(off, c)
	}
	return err
}

// unitsRegion decodes n code units beginning at unit start.
func unitsRegion(b []byte, start, n int) ([]uint16, error) {
	off, err := skipUnits(b, start)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, n)
	for len(out) < n {
		if off >= len(b) {
			return nil, errShort
		}
		u, sz, err := DecodeUTF8(b[off:])
		if err != nil {
			return nil, offsetError(err, off, b[off])
		}
		out = append(out, u)
		off += sz
	}
	return out, nil
}

// bytesRegion returns the encoded bytes of n code units beginning at unit start.
func bytesRegion(b []byte, start, n int) ([]byte, error) {
	off, err := skipUnits(b, start)
	if err != nil {
		return nil, err
	}
	rel, err := skipUnits(b[off:], n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, rel)
	copy(out, b[off:off+rel])
	return out, nil
}

// goString decodes to a Go string, replacing undecodable bytes with U+FFFD.
func goString(b []byte) string {
	units := make([]uint16, 0, len(b))
	for off := 0; off < len(b); {
		u, n, err := DecodeUTF8(b[off:])
		if err != nil {
			units = append(units, 0xfffd)
			off++
			continue
		}
		units = append(units, u)
		off += n
	}
	return string(utf16.Decode(units))
}
