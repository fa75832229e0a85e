package pdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"testing"
)

// buildPDF assembles a syntactically valid single-revision PDF from body
// objects.
func buildPDF(objects ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	for i, obj := range objects {
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	buf.WriteString("trailer\n<< /Root 1 0 R >>\n%%EOF\n")
	return buf.Bytes()
}

func TestParseRejectsNonPDF(t *testing.T) {
	if _, err := Parse([]byte("hello world")); err != ErrNotPDF {
		t.Fatalf("expected ErrNotPDF, got %v", err)
	}
}

func TestParseObjects(t *testing.T) {
	data := buildPDF(
		`<< /Type /Catalog /Pages 2 0 R >>`,
		`<< /Type /Pages /Kids [3 0 R] /Count 1 >>`,
		`<< /Type /Page /Parent 2 0 R >>`,
	)

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	catalog, err := doc.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if name, _ := catalog.Get("Type").(Name); name != "Catalog" {
		t.Errorf("expected /Type /Catalog, got %q", name)
	}

	pages := doc.Pages()
	if len(pages) != 1 {
		t.Fatalf("expected 1 page, got %d", len(pages))
	}
}

func TestParseObjectTypes(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		check func(t *testing.T, obj Object)
	}{
		{
			name: "literal string with escapes",
			src:  `(ab\(c\)\n)`,
			check: func(t *testing.T, obj Object) {
				s, ok := obj.(String)
				if !ok {
					t.Fatalf("expected String, got %T", obj)
				}
				if string(s.Value) != "ab(c)\n" {
					t.Errorf("got %q", s.Value)
				}
			},
		},
		{
			name: "hex string",
			src:  `<48 65 6C 6C 6F>`,
			check: func(t *testing.T, obj Object) {
				s, ok := obj.(String)
				if !ok || !s.Hex {
					t.Fatalf("expected hex String, got %#v", obj)
				}
				if string(s.Value) != "Hello" {
					t.Errorf("got %q", s.Value)
				}
			},
		},
		{
			name: "odd hex string pads with zero",
			src:  `<414>`,
			check: func(t *testing.T, obj Object) {
				s := obj.(String)
				if !bytes.Equal(s.Value, []byte{0x41, 0x40}) {
					t.Errorf("got % x", s.Value)
				}
			},
		},
		{
			name: "name with hex escape",
			src:  `/A#20B`,
			check: func(t *testing.T, obj Object) {
				if n := obj.(Name); n != "A B" {
					t.Errorf("got %q", n)
				}
			},
		},
		{
			name: "reference",
			src:  `12 0 R`,
			check: func(t *testing.T, obj Object) {
				ref, ok := obj.(Ref)
				if !ok || ref.Number != 12 {
					t.Errorf("got %#v", obj)
				}
			},
		},
		{
			name: "nested dictionary",
			src:  `<< /A << /B [1 2.5 true null] >> >>`,
			check: func(t *testing.T, obj Object) {
				dict := obj.(Dict)
				inner := dict.Get("A").(Dict)
				arr := inner.Get("B").(Array)
				if len(arr) != 4 {
					t.Fatalf("expected 4 items, got %d", len(arr))
				}
				if arr[0].(Integer) != 1 || arr[1].(Real) != 2.5 {
					t.Errorf("bad numbers: %#v", arr)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lex := newLexer([]byte(tt.src), 0)
			obj, err := lex.parseObject()
			if err != nil {
				t.Fatalf("parseObject failed: %v", err)
			}
			tt.check(t, obj)
		})
	}
}

func TestIncrementalUpdateLastDefinitionWins(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Version 1 >>\nendobj\n")
	buf.WriteString("trailer\n<< /Root 1 0 R >>\n")
	// incremental update redefines object 1
	buf.WriteString("1 0 obj\n<< /Type /Catalog /Version 2 >>\nendobj\n")
	buf.WriteString("trailer\n<< /Root 1 0 R >>\n%%EOF\n")

	doc, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	catalog, err := doc.Catalog()
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if v, _ := catalog.Get("Version").(Integer); v != 2 {
		t.Errorf("expected updated object, got version %v", v)
	}
}

func TestStreamDecodeFlate(t *testing.T) {
	content := []byte("BT (compressed text) Tj ET")
	var compressed bytes.Buffer
	w := zlib.NewWriter(&compressed)
	w.Write(content)
	w.Close()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	fmt.Fprintf(&buf, "1 0 obj\n<< /Length %d /Filter /FlateDecode >>\nstream\n", compressed.Len())
	buf.Write(compressed.Bytes())
	buf.WriteString("\nendstream\nendobj\n")
	buf.WriteString("trailer\n<< /Root 1 0 R >>\n%%EOF\n")

	doc, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	stream, ok := doc.objects[1].(*Stream)
	if !ok {
		t.Fatalf("expected stream object, got %T", doc.objects[1])
	}
	decoded, err := doc.Decode(stream)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("decoded %q, want %q", decoded, content)
	}
}
