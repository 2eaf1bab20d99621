package imessage

import (
	"bytes"
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

var nsStringMarker = []byte("NSString")

// textFromAttributedBody pulls the plain string out of an NSAttributedString
// typedstream blob. Newer macOS leaves message.text NULL and stores the body
// only here. Returns "" when the blob is not in the expected shape.
//
// After the class name the stream carries a short preamble ending in '+',
// then a length: one byte, or 0x81 + uint16 LE, or 0x82 + uint32 LE.
func textFromAttributedBody(blob []byte) string {
	idx := bytes.Index(blob, nsStringMarker)
	if idx < 0 {
		return ""
	}
	rest := blob[idx+len(nsStringMarker):]

	plus := bytes.IndexByte(rest, '+')
	if plus < 0 || plus > 8 {
		return ""
	}
	rest = rest[plus+1:]
	if len(rest) == 0 {
		return ""
	}

	var n, off int
	switch rest[0] {
	case 0x81:
		if len(rest) < 3 {
			return ""
		}
		n, off = int(binary.LittleEndian.Uint16(rest[1:3])), 3
	case 0x82:
		if len(rest) < 5 {
			return ""
		}
		n, off = int(binary.LittleEndian.Uint32(rest[1:5])), 5
	default:
		n, off = int(rest[0]), 1
	}
	if n <= 0 || off+n > len(rest) {
		return ""
	}

	text := rest[off : off+n]
	if !utf8.Valid(text) {
		return ""
	}
	// U+FFFC marks inline attachments; they arrive as attachments instead.
	return strings.TrimSpace(strings.ReplaceAll(string(text), "￼", ""))
}
