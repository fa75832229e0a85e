package pdf

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// Extraction errors. Each maps to a distinct rejection message for the
// signer, so they must stay distinguishable.
var (
	ErrNoDigitalSignature    = errors.New("document has no digital signature")
	ErrNoSignatureFields     = errors.New("document has no signature fields")
	ErrInvalidSignatureField = errors.New("signature field has no value")
	ErrNoCertificate         = errors.New("no certificate found in signature")
)

// SignaturePayload is the certificate material extracted from the first
// populated signature field of a document.
type SignaturePayload struct {
	// PKCS7 holds the raw CMS SignedData blob from /Contents, when present.
	PKCS7 []byte
	// LegacyCerts holds raw DER certificates from a legacy /Cert entry.
	// Populated only when PKCS7 is empty.
	LegacyCerts [][]byte
	// ByteRange is the signed byte range, when declared.
	ByteRange []int64
	// FieldName is the fully qualified name of the signature field.
	FieldName string
}

// SignedBytes assembles the bytes covered by the signature's /ByteRange.
// Returns nil when no byte range was declared.
func (p *SignaturePayload) SignedBytes(data []byte) []byte {
	if len(p.ByteRange)%2 != 0 || len(p.ByteRange) == 0 {
		return nil
	}
	var out []byte
	for i := 0; i < len(p.ByteRange); i += 2 {
		off, n := p.ByteRange[i], p.ByteRange[i+1]
		if off < 0 || n < 0 || off+n > int64(len(data)) {
			return nil
		}
		out = append(out, data[off:off+n]...)
	}
	return out
}

// ExtractSignature locates the interactive form, finds the first signature
// field, and pulls out its certificate payload. The first populated field
// wins; additional signature fields are ignored.
func (d *Document) ExtractSignature() (*SignaturePayload, error) {
	catalog, err := d.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDigitalSignature, err)
	}

	acroForm, ok := d.ResolveDict(catalog.Get("AcroForm"))
	if !ok {
		return nil, ErrNoDigitalSignature
	}

	fields, ok := d.Resolve(acroForm.Get("Fields")).(Array)
	if !ok || len(fields) == 0 {
		return nil, ErrNoSignatureFields
	}

	sigField, fieldName := d.findSignatureField(fields, "")
	if sigField == nil {
		return nil, ErrNoSignatureFields
	}

	sigDict, ok := d.ResolveDict(sigField.Get("V"))
	if !ok {
		return nil, ErrInvalidSignatureField
	}

	payload := &SignaturePayload{FieldName: fieldName}
	payload.ByteRange = d.byteRange(sigDict)

	if contents, ok := d.Resolve(sigDict.Get("Contents")).(String); ok && len(contents.Value) > 0 {
		payload.PKCS7 = unwrapHex(contents.Value)
		return payload, nil
	}

	// Legacy format: a bare certificate (or array of certificates) in /Cert.
	switch cert := d.Resolve(sigDict.Get("Cert")).(type) {
	case String:
		payload.LegacyCerts = [][]byte{unwrapHex(cert.Value)}
	case Array:
		for _, item := range cert {
			if s, ok := d.Resolve(item).(String); ok {
				payload.LegacyCerts = append(payload.LegacyCerts, unwrapHex(s.Value))
			}
		}
	}
	if len(payload.LegacyCerts) == 0 {
		return nil, ErrNoCertificate
	}
	return payload, nil
}

// findSignatureField walks the field tree and returns the first field of
// signature type, along with its fully qualified name.
func (d *Document) findSignatureField(fields Array, parentName string) (Dict, string) {
	for _, fieldObj := range fields {
		field, ok := d.ResolveDict(fieldObj)
		if !ok {
			continue
		}

		name := parentName
		if t, ok := d.Resolve(field.Get("T")).(String); ok {
			if name != "" {
				name += "." + string(t.Value)
			} else {
				name = string(t.Value)
			}
		}

		if ft, ok := d.Resolve(field.Get("FT")).(Name); ok && ft == "Sig" {
			return field, name
		}

		if kids, ok := d.Resolve(field.Get("Kids")).(Array); ok {
			if found, foundName := d.findSignatureField(kids, name); found != nil {
				return found, foundName
			}
		}
	}
	return nil, ""
}

func (d *Document) byteRange(sigDict Dict) []int64 {
	arr, ok := d.Resolve(sigDict.Get("ByteRange")).(Array)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, item := range arr {
		switch v := d.Resolve(item).(type) {
		case Integer:
			out = append(out, int64(v))
		default:
			return nil
		}
	}
	return out
}

// unwrapHex strips a textual <...> hex wrapper that some producers leave
// around the DER payload even inside an already-decoded string.
func unwrapHex(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) < 2 || trimmed[0] != '<' || trimmed[len(trimmed)-1] != '>' {
		return data
	}
	inner := bytes.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, trimmed[1:len(trimmed)-1])
	decoded := make([]byte, hex.DecodedLen(len(inner)))
	n, err := hex.Decode(decoded, inner)
	if err != nil {
		return data
	}
	return decoded[:n]
}

// ContainsIdentifier reports whether the document carries the given
// identifier, first as a raw byte substring (covers identifiers stored in
// any PDF object), then in the extracted page text (covers identifiers that
// are visible but encoded differently at the byte level).
func ContainsIdentifier(data []byte, identifier string) bool {
	if identifier == "" {
		return false
	}
	if bytes.Contains(data, []byte(identifier)) {
		return true
	}

	doc, err := Parse(data)
	if err != nil {
		return false
	}
	return bytes.Contains([]byte(doc.ExtractText()), []byte(identifier))
}
