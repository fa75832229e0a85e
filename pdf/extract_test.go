package pdf

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func TestExtractSignatureFromContents(t *testing.T) {
	blob := []byte{0x30, 0x82, 0x01, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}
	data := buildPDF(
		`<< /Type /Catalog /AcroForm 2 0 R >>`,
		`<< /Fields [3 0 R] /SigFlags 3 >>`,
		`<< /FT /Sig /T (Assinatura1) /V 4 0 R >>`,
		`<< /Type /Sig /Contents <`+strings.ToUpper(hex.EncodeToString(blob))+`> /ByteRange [0 100 200 50] >>`,
	)

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	payload, err := doc.ExtractSignature()
	if err != nil {
		t.Fatalf("ExtractSignature failed: %v", err)
	}
	if !bytes.Equal(payload.PKCS7, blob) {
		t.Errorf("PKCS7 = % x, want % x", payload.PKCS7, blob)
	}
	if payload.FieldName != "Assinatura1" {
		t.Errorf("FieldName = %q", payload.FieldName)
	}
	want := []int64{0, 100, 200, 50}
	if len(payload.ByteRange) != len(want) {
		t.Fatalf("ByteRange = %v, want %v", payload.ByteRange, want)
	}
	for i := range want {
		if payload.ByteRange[i] != want[i] {
			t.Errorf("ByteRange[%d] = %d, want %d", i, payload.ByteRange[i], want[i])
		}
	}
}

func TestExtractSignatureNestedField(t *testing.T) {
	data := buildPDF(
		`<< /Type /Catalog /AcroForm 2 0 R >>`,
		`<< /Fields [3 0 R] >>`,
		`<< /T (form1) /Kids [4 0 R] >>`,
		`<< /FT /Sig /T (sig1) /V 5 0 R >>`,
		`<< /Type /Sig /Contents <3082> >>`,
	)

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	payload, err := doc.ExtractSignature()
	if err != nil {
		t.Fatalf("ExtractSignature failed: %v", err)
	}
	if payload.FieldName != "form1.sig1" {
		t.Errorf("FieldName = %q, want form1.sig1", payload.FieldName)
	}
}

func TestExtractSignatureLegacyCert(t *testing.T) {
	data := buildPDF(
		`<< /Type /Catalog /AcroForm 2 0 R >>`,
		`<< /Fields [3 0 R] >>`,
		`<< /FT /Sig /T (sig) /V 4 0 R >>`,
		`<< /Type /Sig /Cert [<3081AA> <3081BB>] >>`,
	)

	doc, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	payload, err := doc.ExtractSignature()
	if err != nil {
		t.Fatalf("ExtractSignature failed: %v", err)
	}
	if len(payload.PKCS7) != 0 {
		t.Errorf("expected no PKCS7 payload, got % x", payload.PKCS7)
	}
	if len(payload.LegacyCerts) != 2 {
		t.Fatalf("expected 2 legacy certs, got %d", len(payload.LegacyCerts))
	}
	if !bytes.Equal(payload.LegacyCerts[0], []byte{0x30, 0x81, 0xAA}) {
		t.Errorf("cert[0] = % x", payload.LegacyCerts[0])
	}
}

func TestExtractSignatureErrors(t *testing.T) {
	tests := []struct {
		name    string
		objects []string
		wantErr error
	}{
		{
			name:    "no AcroForm",
			objects: []string{`<< /Type /Catalog >>`},
			wantErr: ErrNoDigitalSignature,
		},
		{
			name: "empty field list",
			objects: []string{
				`<< /Type /Catalog /AcroForm 2 0 R >>`,
				`<< /Fields [] >>`,
			},
			wantErr: ErrNoSignatureFields,
		},
		{
			name: "no signature field",
			objects: []string{
				`<< /Type /Catalog /AcroForm 2 0 R >>`,
				`<< /Fields [3 0 R] >>`,
				`<< /FT /Tx /T (nome) >>`,
			},
			wantErr: ErrNoSignatureFields,
		},
		{
			name: "signature field without value",
			objects: []string{
				`<< /Type /Catalog /AcroForm 2 0 R >>`,
				`<< /Fields [3 0 R] >>`,
				`<< /FT /Sig /T (sig) >>`,
			},
			wantErr: ErrInvalidSignatureField,
		},
		{
			name: "value without certificate",
			objects: []string{
				`<< /Type /Catalog /AcroForm 2 0 R >>`,
				`<< /Fields [3 0 R] >>`,
				`<< /FT /Sig /T (sig) /V 4 0 R >>`,
				`<< /Type /Sig >>`,
			},
			wantErr: ErrNoCertificate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(buildPDF(tt.objects...))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if _, err := doc.ExtractSignature(); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignedBytes(t *testing.T) {
	data := []byte("0123456789abcdef")
	tests := []struct {
		name      string
		byteRange []int64
		want      string
	}{
		{"two segments", []int64{0, 4, 10, 3}, "0123abc"},
		{"empty", nil, ""},
		{"odd length", []int64{0, 4, 10}, ""},
		{"out of bounds", []int64{0, 4, 12, 10}, ""},
		{"negative offset", []int64{-1, 4}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &SignaturePayload{ByteRange: tt.byteRange}
			got := p.SignedBytes(data)
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapHex(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{"wrapped", []byte("<DEADBEEF>"), []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{"wrapped with whitespace", []byte(" <DE AD\nBE EF> "), []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		{"raw DER passes through", []byte{0x30, 0x82, 0x01}, []byte{0x30, 0x82, 0x01}},
		{"bad hex passes through", []byte("<ZZZZ>"), []byte("<ZZZZ>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := unwrapHex(tt.in); !bytes.Equal(got, tt.want) {
				t.Errorf("got % x, want % x", got, tt.want)
			}
		})
	}
}
