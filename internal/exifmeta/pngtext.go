package exifmeta

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"
)

const pngSignature = "\x89PNG\r\n\x1a\n"

// maxTextChunk caps inflated zTXt/iTXt payloads.
const maxTextChunk = 8 << 20

// pngText returns the tEXt, zTXt and iTXt entries of a PNG keyed by keyword.
// Values that hold a JSON object or array are decoded so generator workflows
// stay structured. Anything that is not a PNG yields nil.
func pngText(data []byte) map[string]any {
	if !bytes.HasPrefix(data, []byte(pngSignature)) {
		return nil
	}
	out := map[string]any{}
	rest := data[len(pngSignature):]
	for len(rest) >= 12 {
		n := binary.BigEndian.Uint32(rest[:4])
		typ := string(rest[4:8])
		if uint64(n)+12 > uint64(len(rest)) {
			break
		}
		body := rest[8 : 8+n]
		rest = rest[12+n:]

		var (
			key, val string
			ok       bool
		)
		switch typ {
		case "tEXt":
			key, val, ok = parseTEXt(body)
		case "zTXt":
			key, val, ok = parseZTXt(body)
		case "iTXt":
			key, val, ok = parseITXt(body)
		case "IEND":
			return out
		}
		if ok && key != "" {
			out[key] = textValue(val)
		}
	}
	return out
}

func parseTEXt(b []byte) (string, string, bool) {
	key, text, ok := bytes.Cut(b, []byte{0})
	if !ok {
		return "", "", false
	}
	return latin1(key), latin1(text), true
}

func parseZTXt(b []byte) (string, string, bool) {
	key, rest, ok := bytes.Cut(b, []byte{0})
	if !ok || len(rest) < 1 || rest[0] != 0 {
		return "", "", false
	}
	text, err := inflate(rest[1:])
	if err != nil {
		return "", "", false
	}
	return latin1(key), latin1(text), true
}

func parseITXt(b []byte) (string, string, bool) {
	key, rest, ok := bytes.Cut(b, []byte{0})
	if !ok || len(rest) < 2 {
		return "", "", false
	}
	compressed, method := rest[0], rest[1]
	rest = rest[2:]
	// language tag, then translated keyword
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", "", false
	}
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok {
		return "", "", false
	}
	text := rest
	if compressed == 1 {
		if method != 0 {
			return "", "", false
		}
		var err error
		if text, err = inflate(rest); err != nil {
			return "", "", false
		}
	}
	if !utf8.Valid(text) {
		return "", "", false
	}
	return latin1(key), string(text), true
}

func inflate(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxTextChunk))
}

// latin1 converts ISO 8859-1 bytes, the encoding of tEXt and zTXt, to UTF-8.
func latin1(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

func textValue(s string) any {
	t := strings.TrimSpace(s)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		var v any
		if err := json.Unmarshal([]byte(t), &v); err == nil {
			return v
		}
	}
	return s
}
