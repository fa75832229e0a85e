package verify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/thsteixeira/peticao-brasil/cms"
	"github.com/thsteixeira/peticao-brasil/icp"
	"github.com/thsteixeira/peticao-brasil/pdf"
	"github.com/thsteixeira/peticao-brasil/revocation"
	"github.com/thsteixeira/peticao-brasil/trust"
)

const testPetitionUUID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Marshal-side mirrors of the CMS wire structures, used only to build
// test fixtures.
type testSignerInfo struct {
	Version            int
	SID                cms.IssuerAndSerialNumber
	DigestAlgorithm    cms.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm cms.AlgorithmIdentifier
	Signature          []byte
}

type testSignedData struct {
	Version          int
	DigestAlgorithms []cms.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo cms.EncapsulatedContentInfo
	Certificates     []asn1.RawValue  `asn1:"optional,implicit,tag:0,set"`
	SignerInfos      []testSignerInfo `asn1:"set"`
}

type testContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

var testOIDSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// sanExtension builds a SAN extension with a single OtherName entry:
// an implicitly tagged [0] GeneralName carrying the type OID and an
// explicit [0] wrapper around the OCTET STRING payload. Raw values
// are used because encoding/asn1 drops an explicit tag when
// marshalling a RawValue field.
func sanExtension(t *testing.T, oid asn1.ObjectIdentifier, value string) pkix.Extension {
	t.Helper()

	octets, err := asn1.Marshal([]byte(value))
	if err != nil {
		t.Fatalf("marshal value: %v", err)
	}
	wrapped, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      octets,
	})
	if err != nil {
		t.Fatalf("wrap value: %v", err)
	}
	oidDER, err := asn1.Marshal(oid)
	if err != nil {
		t.Fatalf("marshal type OID: %v", err)
	}
	encoded, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      append(oidDER, wrapped...),
	})
	if err != nil {
		t.Fatalf("marshal other name: %v", err)
	}
	seq, err := asn1.Marshal(asn1.RawValue{
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      encoded,
	})
	if err != nil {
		t.Fatalf("marshal SAN sequence: %v", err)
	}
	return pkix.Extension{Id: testOIDSubjectAltName, Value: seq}
}

// personSAN encodes the DOC-ICP-04 person payload: birth date, then
// the eleven CPF digits.
func personSAN(t *testing.T, cpf string) pkix.Extension {
	return sanExtension(t, icp.OIDPersonRegistry, "01011980"+cpf)
}

func companySAN(t *testing.T, cnpj string) pkix.Extension {
	return sanExtension(t, icp.OIDCompanyRegistry, cnpj)
}

var testSerial int64 = 1000

func makeCA(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	testSerial++
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(testSerial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-24 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}
	return cert, key
}

type leafConfig struct {
	cn        string
	san       *pkix.Extension
	notBefore time.Time
	notAfter  time.Time
}

func makeLeaf(t *testing.T, cfg leafConfig, ca *x509.Certificate, caKey *rsa.PrivateKey) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if cfg.notBefore.IsZero() {
		cfg.notBefore = time.Now().Add(-time.Hour)
	}
	if cfg.notAfter.IsZero() {
		cfg.notAfter = time.Now().Add(time.Hour)
	}
	testSerial++
	template := &x509.Certificate{
		SerialNumber: big.NewInt(testSerial),
		Subject:      pkix.Name{CommonName: cfg.cn},
		NotBefore:    cfg.notBefore,
		NotAfter:     cfg.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	if cfg.san != nil {
		template.ExtraExtensions = []pkix.Extension{*cfg.san}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	return cert, key
}

// buildCMS produces a SignedData blob over content signed with
// cert/key, embedding the chain.
func buildCMS(t *testing.T, content []byte, cert *x509.Certificate, key *rsa.PrivateKey, chain ...*x509.Certificate) []byte {
	t.Helper()

	digest := sha256.Sum256(content)
	digestValue, _ := asn1.Marshal(digest[:])
	contentTypeValue, _ := asn1.Marshal(cms.OIDData)

	attrs := []cms.Attribute{
		{Type: cms.OIDContentType, Values: []asn1.RawValue{{FullBytes: contentTypeValue}}},
		{Type: cms.OIDMessageDigest, Values: []asn1.RawValue{{FullBytes: digestValue}}},
	}
	attrBytes, err := asn1.Marshal(attrs)
	if err != nil {
		t.Fatalf("marshal attributes: %v", err)
	}

	setBytes := append([]byte{}, attrBytes...)
	setBytes[0] = 0x31
	attrDigest := sha256.Sum256(setBytes)

	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(attrBytes, &inner); err != nil {
		t.Fatalf("reparse attributes: %v", err)
	}

	sigValue, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, attrDigest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	signedData := testSignedData{
		Version:          1,
		DigestAlgorithms: []cms.AlgorithmIdentifier{{Algorithm: cms.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}}},
		EncapContentInfo: cms.EncapsulatedContentInfo{EContentType: cms.OIDData},
		Certificates:     []asn1.RawValue{{FullBytes: cert.Raw}},
		SignerInfos: []testSignerInfo{{
			Version: 1,
			SID: cms.IssuerAndSerialNumber{
				Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
				SerialNumber: cert.SerialNumber,
			},
			DigestAlgorithm: cms.AlgorithmIdentifier{Algorithm: cms.OIDSHA256, Parameters: asn1.RawValue{Tag: 5}},
			SignedAttrs:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: inner.Bytes},
			SignatureAlgorithm: cms.AlgorithmIdentifier{
				Algorithm:  asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11},
				Parameters: asn1.RawValue{Tag: 5},
			},
			Signature: sigValue,
		}},
	}
	for _, c := range chain {
		signedData.Certificates = append(signedData.Certificates, asn1.RawValue{FullBytes: c.Raw})
	}

	signedDataBytes, err := asn1.Marshal(signedData)
	if err != nil {
		t.Fatalf("marshal signed data: %v", err)
	}
	blob, err := asn1.Marshal(testContentInfo{
		ContentType: cms.OIDSignedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: signedDataBytes},
	})
	if err != nil {
		t.Fatalf("marshal content info: %v", err)
	}
	return blob
}

// signedPDF assembles a single-revision PDF whose page mentions the
// petition identifier and whose signature field carries the CMS blob.
func signedPDF(petitionUUID string, cmsBlob []byte) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (Peticao %s) Tj ET", petitionUUID)
	stream := fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	objects := []string{
		`<< /Type /Catalog /Pages 2 0 R /AcroForm 6 0 R >>`,
		`<< /Type /Pages /Kids [3 0 R] /Count 1 >>`,
		`<< /Type /Page /Parent 2 0 R /Contents 4 0 R >>`,
		stream,
		`<< /Type /Sig /Contents <` + strings.ToUpper(hex.EncodeToString(cmsBlob)) + `> >>`,
		`<< /Fields [7 0 R] /SigFlags 3 >>`,
		`<< /FT /Sig /T (Assinatura1) /V 5 0 R >>`,
	}
	for i, obj := range objects {
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	buf.WriteString("trailer\n<< /Root 1 0 R >>\n%%EOF\n")
	return buf.Bytes()
}

// makeCRL issues a CRL from the CA listing the given serials.
func makeCRL(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, serials ...*big.Int) *x509.RevocationList {
	t.Helper()

	var revoked []x509.RevocationListEntry
	for _, serial := range serials {
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: time.Now().Add(-time.Hour),
			ReasonCode:     1,
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, ca, caKey)
	if err != nil {
		t.Fatalf("create CRL: %v", err)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		t.Fatalf("parse CRL: %v", err)
	}
	return crl
}

// checkerWithCRL returns a strict checker whose cache already holds a
// CRL for the test CA.
func checkerWithCRL(t *testing.T, ca *x509.Certificate, caKey *rsa.PrivateKey, serials ...*big.Int) *revocation.Checker {
	t.Helper()

	checker := revocation.NewChecker(revocation.NewMemoryCache(), revocation.NewFetcher(nil, nil), testLogger())
	crl := makeCRL(t, ca, caKey, serials...)
	if err := checker.StoreCRL(context.Background(), "AC-SERPROv5", crl); err != nil {
		t.Fatalf("store CRL: %v", err)
	}
	return checker
}

const testCACN = "Autoridade Certificadora SERPRO v5"

func TestVerifyPDFApproves(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA DA SILVA:12345678901", san: &san}, ca, caKey)

	blob := buildCMS(t, []byte("content"), leaf, leafKey, ca)
	data := signedPDF(testPetitionUUID, blob)

	v := NewVerifier(
		trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})),
		checkerWithCRL(t, ca, caKey),
		testLogger(),
	)

	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if !verdict.Verified {
		t.Fatalf("not verified: code=%s reason=%q", verdict.RejectionCode, verdict.Reason)
	}
	if verdict.Holder.Kind != icp.KindPerson {
		t.Errorf("holder kind = %v", verdict.Holder.Kind)
	}
	if verdict.CertificateInfo == nil || verdict.CertificateInfo.CPF != "12345678901" {
		t.Errorf("certificate info = %+v", verdict.CertificateInfo)
	}
	if verdict.Revocation == nil || verdict.Revocation.Method != revocation.MethodCachedCRL {
		t.Errorf("revocation = %+v", verdict.Revocation)
	}
}

func TestVerifyPDFRejectsCompanyCertificate(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := companySAN(t, "12345678000199")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "EMPRESA EXEMPLO LTDA", san: &san}, ca, caKey)

	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey, ca))

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), nil, testLogger())
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if verdict.Verified || verdict.RejectionCode != RejectCNPJNotAccepted {
		t.Errorf("verdict = %+v", verdict)
	}
	if !strings.Contains(verdict.Reason, "CNPJ") {
		t.Errorf("reason = %q", verdict.Reason)
	}
}

func TestVerifyPDFUnknownCertificateManualReview(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "FULANO DE TAL"}, ca, caKey)

	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey, ca))

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), nil, testLogger())
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if !verdict.ManualReview {
		t.Errorf("verdict = %+v", verdict)
	}
}

func TestVerifyPDFRevokedCertificate(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA DA SILVA:12345678901", san: &san}, ca, caKey)

	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey, ca))

	v := NewVerifier(
		trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})),
		checkerWithCRL(t, ca, caKey, leaf.SerialNumber),
		testLogger(),
	)
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if verdict.RejectionCode != RejectCertificateRevoked {
		t.Errorf("code = %s", verdict.RejectionCode)
	}
	if verdict.Revocation == nil || verdict.Revocation.Status != revocation.StatusRevoked {
		t.Errorf("revocation = %+v", verdict.Revocation)
	}
}

func TestVerifyPDFStrictRevocationFailureIsRetryable(t *testing.T) {
	ca, caKey := makeCA(t, "AC Sem Presenca no Cache")
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA:12345678901", san: &san}, ca, caKey)

	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey, ca))

	checker := revocation.NewChecker(revocation.NewMemoryCache(), revocation.NewFetcher(nil, nil), testLogger())
	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), checker, testLogger())

	_, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("error not retryable: %v", err)
	}
}

func TestVerifyPDFUntrustedChain(t *testing.T) {
	ca, caKey := makeCA(t, "AC Desconhecida Qualquer")
	trustedRoot, _ := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA:12345678901", san: &san}, ca, caKey)

	// The CMS blob omits the issuing CA so the chain cannot reach a
	// trusted root.
	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey))

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{trustedRoot})), nil, testLogger())
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if verdict.RejectionCode != RejectUntrustedChain {
		t.Errorf("code = %s, reason = %q", verdict.RejectionCode, verdict.Reason)
	}
}

func TestVerifyPDFExpiredCertificate(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{
		cn:        "MARIA:12345678901",
		san:       &san,
		notBefore: time.Now().Add(-48 * time.Hour),
		notAfter:  time.Now().Add(-24 * time.Hour),
	}, ca, caKey)

	data := signedPDF(testPetitionUUID, buildCMS(t, []byte("content"), leaf, leafKey, ca))

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), nil, testLogger())
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if verdict.RejectionCode != RejectExpired {
		t.Errorf("code = %s", verdict.RejectionCode)
	}
}

func TestVerifyPDFContentMismatch(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA:12345678901", san: &san}, ca, caKey)

	data := signedPDF("00000000-0000-0000-0000-000000000000", buildCMS(t, []byte("content"), leaf, leafKey, ca))

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), nil, testLogger())
	verdict, err := v.VerifyPDF(context.Background(), data, testPetitionUUID)
	if err != nil {
		t.Fatalf("VerifyPDF: %v", err)
	}
	if verdict.RejectionCode != RejectContentMismatch {
		t.Errorf("code = %s", verdict.RejectionCode)
	}
}

func TestVerifyPDFExtractionRejections(t *testing.T) {
	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore(nil)), nil, testLogger())

	unsigned := signedPDF(testPetitionUUID, nil)
	noAcroForm := []byte("%PDF-1.7\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

	tests := []struct {
		name string
		data []byte
		code RejectionCode
	}{
		{"not a PDF", []byte("plain text file"), RejectMalformedPDF},
		{"no AcroForm", noAcroForm, RejectNoDigitalSignature},
		{"empty contents", unsigned, RejectNoCertificate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := v.VerifyPDF(context.Background(), tt.data, testPetitionUUID)
			if err != nil {
				t.Fatalf("VerifyPDF: %v", err)
			}
			if verdict.RejectionCode != tt.code {
				t.Errorf("code = %s, want %s", verdict.RejectionCode, tt.code)
			}
		})
	}
}

func TestCheckCryptography(t *testing.T) {
	ca, caKey := makeCA(t, testCACN)
	san := personSAN(t, "12345678901")
	leaf, leafKey := makeLeaf(t, leafConfig{cn: "MARIA:12345678901", san: &san}, ca, caKey)

	data := []byte("the exact bytes covered by the signature")
	blob := buildCMS(t, data, leaf, leafKey, ca)
	payload := &pdf.SignaturePayload{
		PKCS7:     blob,
		ByteRange: []int64{0, int64(len(data))},
	}

	v := NewVerifier(trust.NewHeuristicValidator(trust.NewStore([]*x509.Certificate{ca})), nil, testLogger())
	holder := icp.Classify(leaf)
	info := icp.ExtractInfo(leaf)

	if verdict := v.checkCryptography(payload, data, holder, &info, nil); verdict != nil {
		t.Errorf("valid signature rejected: %+v", verdict)
	}

	tampered := append([]byte{}, data...)
	tampered[0] ^= 0xFF
	verdict := v.checkCryptography(payload, tampered, holder, &info, nil)
	if verdict == nil || verdict.RejectionCode != RejectInvalidSignature {
		t.Errorf("tampered content not rejected: %+v", verdict)
	}

	// No byte range means the check is skipped, not failed.
	noRange := &pdf.SignaturePayload{PKCS7: blob}
	if verdict := v.checkCryptography(noRange, data, holder, &info, nil); verdict != nil {
		t.Errorf("missing byte range rejected: %+v", verdict)
	}
}
