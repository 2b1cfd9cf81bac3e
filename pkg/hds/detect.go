package hds

import (
	"bytes"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// detectPeekBytes is the minimum amount of input Detect inspects before
// giving up on recognizing an HDS manifest.
const detectPeekBytes = 200

// decodePreviewBytes bounds how much of the peeked buffer is decoded when
// checking for a UTF-16 preamble; manifests put the <manifest ...> opening
// tag well within this window.
const decodePreviewBytes = 512

// manifestMarker is the substring that identifies manifest XML, regardless
// of encoding.
const manifestMarker = "<manifest"

// Detect reports whether r begins with an HDS manifest. It peeks at least
// detectPeekBytes from r (via a *bufio.Reader-like buffering read) without
// otherwise disturbing the stream a caller expects. Detect consumes the
// bytes it reads; callers needing to rewind should pass a TeeReader or a
// buffer rather than the original stream.
func Detect(r io.Reader) (bool, []byte, error) {
	buf := make([]byte, detectPeekBytes)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false, buf[:n], err
	}
	buf = buf[:n]

	return looksLikeManifest(buf), buf, nil
}

// looksLikeManifest decodes the UTF-16 preamble if present and checks for
// the manifest marker.
func looksLikeManifest(buf []byte) bool {
	text, ok := decodeText(buf)
	if !ok {
		return false
	}
	return bytes.Contains([]byte(text), []byte(manifestMarker))
}

// decodeText sniffs a UTF-16LE/BE BOM and decodes accordingly; absent a BOM,
// the bytes are treated as already 8-bit (ASCII/UTF-8) text.
func decodeText(buf []byte) (string, bool) {
	preview := buf
	if len(preview) > decodePreviewBytes {
		preview = preview[:decodePreviewBytes]
	}

	var enc *unicode.Decoder
	switch {
	case bytes.HasPrefix(preview, []byte{0xFF, 0xFE}):
		enc = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder()
	case bytes.HasPrefix(preview, []byte{0xFE, 0xFF}):
		enc = unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
	default:
		return string(preview), true
	}

	decoded, _, err := transform.Bytes(enc, preview)
	if err != nil {
		return "", false
	}
	return string(decoded), true
}
