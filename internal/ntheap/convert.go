package ntheap

import "unicode/utf16"

// MultiByteToUnicode widens an ANSI (or OEM — intercepted identically,
// spec.md §4.10's "to avoid depending on NLS tables") byte string to
// UTF-16LE, one code unit per input byte. This is the same byte-for-byte
// cast the loader's writeWideString uses, applied here to the
// RtlMultiByteToUnicodeN / RtlMultiByteToUnicodeSize / RtlOemToUnicodeN
// family (SPEC_FULL.md §5.F).
func MultiByteToUnicode(src []byte) []uint16 {
	out := make([]uint16, len(src))
	for i, b := range src {
		out[i] = uint16(b)
	}
	return out
}

// UnicodeToMultiByte narrows UTF-16LE code units to single bytes,
// truncating anything above U+00FF, backing RtlUnicodeToMultiByteN /
// RtlUnicodeToMultiByteSize / RtlUnicodeToOemN.
func UnicodeToMultiByte(src []uint16) []byte {
	out := make([]byte, len(src))
	for i, ch := range src {
		out[i] = byte(ch)
	}
	return out
}

// DecodeUTF16 turns a little-endian UTF-16 guest buffer into a Go string,
// for callers that need an actual string rather than the raw narrowing
// WBOX's interception performs.
func DecodeUTF16(words []uint16) string { return string(utf16.Decode(words)) }

// EncodeUTF16 is the inverse of DecodeUTF16.
func EncodeUTF16(s string) []uint16 { return utf16.Encode([]rune(s)) }
