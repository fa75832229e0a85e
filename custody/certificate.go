package custody

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// CertificateData holds everything rendered onto the custody
// certificate document.
type CertificateData struct {
	SignatureUUID string
	PetitionTitle string

	SignerName string
	City       string
	State      string

	CertificateSubject string
	CertificateIssuer  string
	CertificateSerial  string

	VerificationHash string
	VerificationURL  string
	IssuedAt         time.Time

	Steps []Step
	Chain *Chain
}

// Page geometry in PDF points (A4).
const (
	pageWidth  = 595
	pageHeight = 842
	marginLeft = 56
	marginTop  = 60
)

// RenderCertificate produces a single-page PDF custody certificate.
// The document is evidence presentation only; the authoritative
// record is the evidence JSON and its verification hash.
func RenderCertificate(data CertificateData) ([]byte, error) {
	page := newPageWriter()

	page.heading("CERTIFICADO DE CADEIA DE CUSTÓDIA")
	page.line(fmt.Sprintf("CERTIFICADO Nº: %s", data.SignatureUUID))
	page.line(fmt.Sprintf("Emitido em: %s", data.IssuedAt.Format("02/01/2006 15:04:05")))
	page.gap()

	page.section("DADOS DA ASSINATURA")
	page.line(fmt.Sprintf("Petição: %s", truncate(data.PetitionTitle, 80)))
	page.line(fmt.Sprintf("Signatário: %s", data.SignerName))
	if data.City != "" || data.State != "" {
		page.line(fmt.Sprintf("Local: %s - %s", data.City, data.State))
	}
	page.gap()

	page.section("CERTIFICADO DIGITAL ICP-BRASIL")
	page.line(fmt.Sprintf("Titular: %s", truncate(data.CertificateSubject, 90)))
	page.line(fmt.Sprintf("Emissor: %s", truncate(data.CertificateIssuer, 90)))
	page.line(fmt.Sprintf("Número de série: %s", data.CertificateSerial))
	page.gap()

	page.section("VERIFICAÇÕES REALIZADAS")
	for _, step := range data.Steps {
		mark := "[ok]"
		if step.Status != StepPassed {
			mark = "[--]"
		}
		page.line(fmt.Sprintf("%s %s", mark, step.Step))
	}
	page.line("Status Final: APROVADA")
	page.gap()

	if data.Chain != nil && len(data.Chain.Events) > 0 {
		page.section("CADEIA DE CUSTÓDIA")
		for _, event := range data.Chain.Events {
			page.line(fmt.Sprintf("%s  %s - %s", event.Timestamp, event.Event, event.Description))
		}
		page.gap()
	}

	page.section("INTEGRIDADE E AUTENTICIDADE")
	page.line("Hash SHA-256 das evidências de verificação:")
	for _, part := range splitHash(data.VerificationHash, 32) {
		page.line(part)
	}
	page.gap()

	if data.VerificationURL != "" {
		page.section("VERIFICAÇÃO")
		page.line("Para verificar a autenticidade deste certificado, acesse:")
		page.line(data.VerificationURL)
	}

	return buildPDF(page.content())
}

// pageWriter lays out left-aligned text lines on a single page.
type pageWriter struct {
	buf bytes.Buffer
	y   int
}

func newPageWriter() *pageWriter {
	return &pageWriter{y: pageHeight - marginTop}
}

func (w *pageWriter) heading(text string) {
	w.write(text, "F2", 16, 24)
	w.y -= 8
}

func (w *pageWriter) section(text string) {
	w.write(text, "F2", 11, 16)
}

func (w *pageWriter) line(text string) {
	w.write(text, "F1", 9, 12)
}

func (w *pageWriter) gap() {
	w.y -= 8
}

func (w *pageWriter) write(text, font string, size, leading int) {
	if w.y < marginTop {
		return
	}
	fmt.Fprintf(&w.buf, "BT /%s %d Tf %d %d Td (%s) Tj ET\n",
		font, size, marginLeft, w.y, escapeText(text))
	w.y -= leading
}

func (w *pageWriter) content() []byte {
	return w.buf.Bytes()
}

// escapeText encodes a string for a PDF literal string with
// WinAnsiEncoding fonts. Unmappable runes become question marks.
func escapeText(text string) string {
	encoded, err := charmap.Windows1252.NewEncoder().Bytes([]byte(text))
	if err != nil {
		encoded = []byte(strings.Map(func(r rune) rune {
			if r > 0x7e {
				return '?'
			}
			return r
		}, text))
	}

	var out strings.Builder
	for _, b := range encoded {
		switch {
		case b == '(' || b == ')' || b == '\\':
			out.WriteByte('\\')
			out.WriteByte(b)
		case b < 0x20 || b > 0x7e:
			fmt.Fprintf(&out, "\\%03o", b)
		default:
			out.WriteByte(b)
		}
	}
	return out.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func splitHash(hash string, width int) []string {
	var parts []string
	for len(hash) > width {
		parts = append(parts, hash[:width])
		hash = hash[width:]
	}
	if hash != "" {
		parts = append(parts, hash)
	}
	return parts
}

// buildPDF assembles a complete one-page document around the given
// content stream, with a correct cross-reference table.
func buildPDF(content []byte) ([]byte, error) {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] "+
			"/Resources << /Font << /F1 5 0 R /F2 6 0 R >> >> /Contents 4 0 R >>",
			pageWidth, pageHeight),
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")

	offsets := make([]int, len(objects)+1)
	for i, body := range objects {
		offsets[i+1] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xrefOffset := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&buf, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xrefOffset)

	return buf.Bytes(), nil
}
