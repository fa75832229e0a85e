package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// Common errors
var (
	ErrNotPDF           = errors.New("not a PDF document")
	ErrMalformedObject  = errors.New("malformed PDF object")
	ErrMissingCatalog   = errors.New("document catalog not found")
	ErrUnexpectedEOF    = errors.New("unexpected end of PDF data")
	ErrReferenceMissing = errors.New("indirect object not found")
)

// Document is a parsed PDF document. Objects holds every indirect object
// found in the file; for objects redefined by incremental updates the last
// definition wins, which matches how signed documents append revisions.
type Document struct {
	data    []byte
	objects map[int]Object
	trailer Dict
}

// Parse parses raw PDF bytes into a Document. It does not rely on the xref
// table: signed PDFs frequently carry several incremental updates and
// real-world files often have broken offsets, so every "N G obj" section is
// scanned instead.
func Parse(data []byte) (*Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}

	doc := &Document{
		data:    data,
		objects: make(map[int]Object),
	}

	if err := doc.scanObjects(); err != nil {
		return nil, err
	}
	doc.scanTrailer()

	return doc, nil
}

// Raw returns the raw bytes the document was parsed from.
func (d *Document) Raw() []byte {
	return d.data
}

// Resolve follows indirect references until a direct object is reached.
func (d *Document) Resolve(obj Object) Object {
	for i := 0; i < 32; i++ {
		ref, ok := obj.(Ref)
		if !ok {
			return obj
		}
		next, ok := d.objects[ref.Number]
		if !ok {
			return nil
		}
		obj = next
	}
	return nil
}

// ResolveDict resolves obj and asserts it is a dictionary.
func (d *Document) ResolveDict(obj Object) (Dict, bool) {
	switch v := d.Resolve(obj).(type) {
	case Dict:
		return v, true
	case *Stream:
		return v.Dict, true
	default:
		return nil, false
	}
}

// Catalog returns the document catalog dictionary.
func (d *Document) Catalog() (Dict, error) {
	if root := d.trailer.Get("Root"); root != nil {
		if dict, ok := d.ResolveDict(root); ok {
			return dict, nil
		}
	}
	// Trailer missing or broken: fall back to the last /Type /Catalog object.
	var catalog Dict
	for _, obj := range d.objects {
		if dict, ok := obj.(Dict); ok {
			if name, ok := dict.Get("Type").(Name); ok && name == "Catalog" {
				catalog = dict
			}
		}
	}
	if catalog == nil {
		return nil, ErrMissingCatalog
	}
	return catalog, nil
}

// Pages returns the page dictionaries of the document in file order.
func (d *Document) Pages() []Dict {
	var pages []Dict
	seen := make(map[int]bool)
	for num, obj := range d.objects {
		dict, ok := obj.(Dict)
		if !ok {
			continue
		}
		if name, ok := dict.Get("Type").(Name); ok && name == "Page" && !seen[num] {
			seen[num] = true
			pages = append(pages, dict)
		}
	}
	return pages
}

// scanObjects walks the file finding every "N G obj ... endobj" section.
func (d *Document) scanObjects() error {
	data := d.data
	pos := 0
	for {
		idx := bytes.Index(data[pos:], []byte(" obj"))
		if idx < 0 {
			break
		}
		objAt := pos + idx

		num, gen, start, ok := parseObjectHeader(data, objAt)
		if !ok {
			pos = objAt + 4
			continue
		}

		lex := newLexer(data, objAt+4)
		obj, err := lex.parseObject()
		if err != nil {
			pos = objAt + 4
			continue
		}

		// A dictionary followed by "stream" is a stream object.
		if dict, ok := obj.(Dict); ok {
			if stream, next, ok := d.readStream(dict, lex.pos); ok {
				d.objects[num] = stream
				pos = next
				_ = gen
				_ = start
				continue
			}
		}

		d.objects[num] = obj
		pos = lex.pos
	}

	if len(d.objects) == 0 {
		return fmt.Errorf("%w: no indirect objects found", ErrMalformedObject)
	}
	return nil
}

// parseObjectHeader checks that the bytes before " obj" read "N G" and
// returns the object number, generation and the offset where the numbers
// start.
func parseObjectHeader(data []byte, objAt int) (num, gen, start int, ok bool) {
	end := objAt
	// generation number
	g := end
	for g > 0 && isDigit(data[g-1]) {
		g--
	}
	if g == end || g == 0 || !isWhitespace(data[g-1]) {
		return 0, 0, 0, false
	}
	// object number
	n := g - 1
	for n > 0 && isWhitespace(data[n-1]) {
		n--
	}
	e := n
	for n > 0 && isDigit(data[n-1]) {
		n--
	}
	if n == e {
		return 0, 0, 0, false
	}
	num, err := strconv.Atoi(string(data[n:e]))
	if err != nil {
		return 0, 0, 0, false
	}
	gen, err = strconv.Atoi(string(data[g:end]))
	if err != nil {
		return 0, 0, 0, false
	}
	return num, gen, n, true
}

// readStream reads the stream payload following a stream dictionary. The
// /Length entry is used when it is a direct integer; otherwise the data up
// to the next "endstream" keyword is taken.
func (d *Document) readStream(dict Dict, pos int) (*Stream, int, bool) {
	data := d.data
	for pos < len(data) && isWhitespace(data[pos]) {
		pos++
	}
	if !bytes.HasPrefix(data[pos:], []byte("stream")) {
		return nil, 0, false
	}
	pos += len("stream")
	if pos < len(data) && data[pos] == '\r' {
		pos++
	}
	if pos < len(data) && data[pos] == '\n' {
		pos++
	}

	var raw []byte
	var next int
	if n, ok := dict.Get("Length").(Integer); ok && int(n) >= 0 && pos+int(n) <= len(data) {
		raw = data[pos : pos+int(n)]
		next = pos + int(n)
		// Tolerate a wrong /Length by checking for the keyword.
		rest := data[next:]
		if !bytes.Contains(rest[:min(len(rest), 32)], []byte("endstream")) {
			if end := bytes.Index(data[pos:], []byte("endstream")); end >= 0 {
				raw = trimStreamEnd(data[pos : pos+end])
				next = pos + end
			}
		}
	} else {
		end := bytes.Index(data[pos:], []byte("endstream"))
		if end < 0 {
			return nil, 0, false
		}
		raw = trimStreamEnd(data[pos : pos+end])
		next = pos + end
	}

	if idx := bytes.Index(data[next:], []byte("endobj")); idx >= 0 {
		next += idx + len("endobj")
	}
	return &Stream{Dict: dict, Raw: raw}, next, true
}

func trimStreamEnd(raw []byte) []byte {
	raw = bytes.TrimSuffix(raw, []byte("\n"))
	raw = bytes.TrimSuffix(raw, []byte("\r"))
	return raw
}

// scanTrailer locates the last trailer dictionary in the file.
func (d *Document) scanTrailer() {
	pos := 0
	for {
		idx := bytes.Index(d.data[pos:], []byte("trailer"))
		if idx < 0 {
			break
		}
		lex := newLexer(d.data, pos+idx+len("trailer"))
		if obj, err := lex.parseObject(); err == nil {
			if dict, ok := obj.(Dict); ok {
				d.trailer = dict
			}
		}
		pos += idx + len("trailer")
	}
	if d.trailer != nil {
		return
	}
	// Cross-reference streams carry the trailer entries in their dictionary.
	for _, obj := range d.objects {
		if stream, ok := obj.(*Stream); ok {
			if name, ok := stream.Dict.Get("Type").(Name); ok && name == "XRef" {
				d.trailer = stream.Dict
			}
		}
	}
}

// lexer tokenizes PDF syntax from a byte slice.
type lexer struct {
	data []byte
	pos  int
}

func newLexer(data []byte, pos int) *lexer {
	return &lexer{data: data, pos: pos}
}

func (l *lexer) skipWhitespace() {
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		if isWhitespace(b) {
			l.pos++
			continue
		}
		if b == '%' {
			// comment runs to end of line
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		break
	}
}

func (l *lexer) parseObject() (Object, error) {
	l.skipWhitespace()
	if l.pos >= len(l.data) {
		return nil, ErrUnexpectedEOF
	}

	switch b := l.data[l.pos]; {
	case b == '/':
		return l.parseName()
	case b == '(':
		return l.parseLiteralString()
	case b == '<':
		if l.pos+1 < len(l.data) && l.data[l.pos+1] == '<' {
			return l.parseDict()
		}
		return l.parseHexString()
	case b == '[':
		return l.parseArray()
	case b == 't' || b == 'f':
		return l.parseKeyword()
	case b == 'n':
		return l.parseKeyword()
	case isDigit(b) || b == '+' || b == '-' || b == '.':
		return l.parseNumberOrRef()
	default:
		return nil, fmt.Errorf("%w: unexpected byte %q at %d", ErrMalformedObject, b, l.pos)
	}
}

func (l *lexer) parseName() (Name, error) {
	l.pos++ // consume '/'
	start := l.pos
	var buf []byte
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		if isWhitespace(b) || isDelimiter(b) {
			break
		}
		if b == '#' && l.pos+2 < len(l.data) {
			if v, err := strconv.ParseUint(string(l.data[l.pos+1:l.pos+3]), 16, 8); err == nil {
				if buf == nil {
					buf = append(buf, l.data[start:l.pos]...)
				}
				buf = append(buf, byte(v))
				l.pos += 3
				continue
			}
		}
		if buf != nil {
			buf = append(buf, b)
		}
		l.pos++
	}
	if buf != nil {
		return Name(buf), nil
	}
	return Name(l.data[start:l.pos]), nil
}

func (l *lexer) parseLiteralString() (String, error) {
	l.pos++ // consume '('
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		switch b {
		case '\\':
			l.pos++
			if l.pos >= len(l.data) {
				return String{}, ErrUnexpectedEOF
			}
			e := l.data[l.pos]
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '(', ')', '\\':
				out = append(out, e)
			case '\r':
				if l.pos+1 < len(l.data) && l.data[l.pos+1] == '\n' {
					l.pos++
				}
			case '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					// up to three octal digits
					v := int(e - '0')
					for n := 0; n < 2 && l.pos+1 < len(l.data); n++ {
						c := l.data[l.pos+1]
						if c < '0' || c > '7' {
							break
						}
						v = v*8 + int(c-'0')
						l.pos++
					}
					out = append(out, byte(v))
				} else {
					out = append(out, e)
				}
			}
			l.pos++
		case '(':
			depth++
			out = append(out, b)
			l.pos++
		case ')':
			depth--
			if depth == 0 {
				l.pos++
				return String{Value: out}, nil
			}
			out = append(out, b)
			l.pos++
		default:
			out = append(out, b)
			l.pos++
		}
	}
	return String{}, ErrUnexpectedEOF
}

func (l *lexer) parseHexString() (String, error) {
	l.pos++ // consume '<'
	var digits []byte
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		if b == '>' {
			l.pos++
			if len(digits)%2 == 1 {
				digits = append(digits, '0')
			}
			out := make([]byte, len(digits)/2)
			for i := 0; i < len(out); i++ {
				v, err := strconv.ParseUint(string(digits[i*2:i*2+2]), 16, 8)
				if err != nil {
					return String{}, fmt.Errorf("%w: bad hex string", ErrMalformedObject)
				}
				out[i] = byte(v)
			}
			return String{Value: out, Hex: true}, nil
		}
		if isHexDigit(b) {
			digits = append(digits, b)
		} else if !isWhitespace(b) {
			return String{}, fmt.Errorf("%w: bad hex digit %q", ErrMalformedObject, b)
		}
		l.pos++
	}
	return String{}, ErrUnexpectedEOF
}

func (l *lexer) parseDict() (Dict, error) {
	l.pos += 2 // consume '<<'
	dict := make(Dict)
	for {
		l.skipWhitespace()
		if l.pos+1 < len(l.data) && l.data[l.pos] == '>' && l.data[l.pos+1] == '>' {
			l.pos += 2
			return dict, nil
		}
		if l.pos >= len(l.data) {
			return nil, ErrUnexpectedEOF
		}
		if l.data[l.pos] != '/' {
			return nil, fmt.Errorf("%w: dictionary key must be a name", ErrMalformedObject)
		}
		key, err := l.parseName()
		if err != nil {
			return nil, err
		}
		value, err := l.parseObject()
		if err != nil {
			return nil, err
		}
		dict[key] = value
	}
}

func (l *lexer) parseArray() (Array, error) {
	l.pos++ // consume '['
	var arr Array
	for {
		l.skipWhitespace()
		if l.pos >= len(l.data) {
			return nil, ErrUnexpectedEOF
		}
		if l.data[l.pos] == ']' {
			l.pos++
			return arr, nil
		}
		obj, err := l.parseObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (l *lexer) parseKeyword() (Object, error) {
	start := l.pos
	for l.pos < len(l.data) && !isWhitespace(l.data[l.pos]) && !isDelimiter(l.data[l.pos]) {
		l.pos++
	}
	switch string(l.data[start:l.pos]) {
	case "true":
		return Boolean(true), nil
	case "false":
		return Boolean(false), nil
	case "null":
		return Null{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown keyword %q", ErrMalformedObject, l.data[start:l.pos])
	}
}

// parseNumberOrRef parses an integer, a real number, or an indirect
// reference of the form "N G R".
func (l *lexer) parseNumberOrRef() (Object, error) {
	first, isInt, err := l.readNumber()
	if err != nil {
		return nil, err
	}
	if !isInt {
		return Real(first), nil
	}

	// Lookahead for "G R".
	save := l.pos
	l.skipWhitespace()
	if l.pos < len(l.data) && isDigit(l.data[l.pos]) {
		gen, genInt, err := l.readNumber()
		if err == nil && genInt {
			l.skipWhitespace()
			if l.pos < len(l.data) && l.data[l.pos] == 'R' &&
				(l.pos+1 >= len(l.data) || isWhitespace(l.data[l.pos+1]) || isDelimiter(l.data[l.pos+1])) {
				l.pos++
				return Ref{Number: int(first), Generation: int(gen)}, nil
			}
		}
	}
	l.pos = save
	return Integer(first), nil
}

func (l *lexer) readNumber() (float64, bool, error) {
	start := l.pos
	if l.pos < len(l.data) && (l.data[l.pos] == '+' || l.data[l.pos] == '-') {
		l.pos++
	}
	isInt := true
	for l.pos < len(l.data) {
		b := l.data[l.pos]
		if isDigit(b) {
			l.pos++
		} else if b == '.' {
			isInt = false
			l.pos++
		} else {
			break
		}
	}
	v, err := strconv.ParseFloat(string(l.data[start:l.pos]), 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: bad number %q", ErrMalformedObject, l.data[start:l.pos])
	}
	return v, isInt, nil
}

func isWhitespace(b byte) bool {
	return b == 0x00 || b == 0x09 || b == 0x0a || b == 0x0c || b == 0x0d || b == 0x20
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isHexDigit(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}
