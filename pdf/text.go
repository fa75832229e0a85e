package pdf

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// ExtractText extracts the text shown on every page by scanning content
// streams for text-showing operators (Tj, TJ, ' and "). Font encodings are
// not consulted: strings are decoded as UTF-16BE when they carry a BOM and
// passed through byte-for-byte otherwise, which is sufficient for locating
// identifiers rendered with standard fonts.
func (d *Document) ExtractText() string {
	var sb strings.Builder
	for _, page := range d.Pages() {
		for _, content := range d.pageContents(page) {
			extractStreamText(&sb, content)
		}
	}
	return sb.String()
}

// pageContents returns the decoded content streams of a page.
func (d *Document) pageContents(page Dict) [][]byte {
	var streams []*Stream
	switch c := d.Resolve(page.Get("Contents")).(type) {
	case *Stream:
		streams = append(streams, c)
	case Array:
		for _, item := range c {
			if s, ok := d.Resolve(item).(*Stream); ok {
				streams = append(streams, s)
			}
		}
	}

	var out [][]byte
	for _, stream := range streams {
		decoded, err := d.Decode(stream)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out
}

// extractStreamText walks one content stream collecting shown strings.
func extractStreamText(sb *strings.Builder, content []byte) {
	lex := newLexer(content, 0)
	var pending []String

	for lex.pos < len(content) {
		lex.skipWhitespace()
		if lex.pos >= len(content) {
			break
		}

		b := content[lex.pos]
		switch {
		case b == '(' || b == '<':
			if b == '<' && lex.pos+1 < len(content) && content[lex.pos+1] == '<' {
				if _, err := lex.parseDict(); err != nil {
					return
				}
				continue
			}
			s, err := lex.parseObject()
			if err != nil {
				return
			}
			if str, ok := s.(String); ok {
				pending = append(pending, str)
			}
		case b == '[':
			arr, err := lex.parseArray()
			if err != nil {
				return
			}
			for _, item := range arr {
				if str, ok := item.(String); ok {
					pending = append(pending, str)
				}
			}
		case b == '/':
			if _, err := lex.parseName(); err != nil {
				return
			}
		case isDigit(b) || b == '+' || b == '-' || b == '.':
			if _, _, err := lex.readNumber(); err != nil {
				return
			}
		default:
			op := lex.readOperator()
			switch op {
			case "Tj", "TJ", "'", "\"":
				for _, str := range pending {
					sb.WriteString(decodeTextString(str.Value))
				}
				pending = pending[:0]
			case "ET", "BT", "Td", "TD", "T*":
				// text positioning; drop operands but keep a word break
				if op != "BT" && sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				pending = pending[:0]
			default:
				pending = pending[:0]
			}
		}
	}
}

// readOperator consumes one content stream operator token.
func (l *lexer) readOperator() string {
	start := l.pos
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		if isWhitespace(b) || (isDelimiter(b) && b != '\'' && b != '"') {
			break
		}
		l.pos++
	}
	if l.pos == start {
		l.pos++ // never stall
		return string(l.data[start : start+1])
	}
	return string(l.data[start:l.pos])
}

// decodeTextString converts a PDF text string to UTF-8. Decoders keep
// internal state, so a fresh one is used per string.
func decodeTextString(value []byte) string {
	if bytes.HasPrefix(value, []byte{0xfe, 0xff}) {
		decoder := unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder()
		decoded, err := decoder.Bytes(value)
		if err == nil {
			return string(decoded)
		}
	}
	return string(value)
}
