// Package verify runs the full signature verification pipeline over a
// signed petition document and decides its fate.
package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thsteixeira/peticao-brasil/cms"
	"github.com/thsteixeira/peticao-brasil/icp"
	"github.com/thsteixeira/peticao-brasil/pdf"
	"github.com/thsteixeira/peticao-brasil/revocation"
	"github.com/thsteixeira/peticao-brasil/trust"
)

// RejectionCode identifies why a signature was refused. Codes are
// stable identifiers stored with the record; the Reason string carries
// the signer-facing message.
type RejectionCode string

const (
	RejectNone                  RejectionCode = ""
	RejectMalformedPDF          RejectionCode = "MALFORMED_PDF"
	RejectNoDigitalSignature    RejectionCode = "NO_DIGITAL_SIGNATURE"
	RejectNoSignatureFields     RejectionCode = "NO_SIGNATURE_FIELDS"
	RejectInvalidSignatureField RejectionCode = "INVALID_SIGNATURE_FIELD"
	RejectNoCertificate         RejectionCode = "NO_CERTIFICATE"
	RejectCNPJNotAccepted       RejectionCode = "CNPJ_NOT_ACCEPTED"
	RejectCertificateRevoked    RejectionCode = "CERTIFICATE_REVOKED"
	RejectUntrustedChain        RejectionCode = "UNTRUSTED_CHAIN"
	RejectNotYetValid           RejectionCode = "CERTIFICATE_NOT_YET_VALID"
	RejectExpired               RejectionCode = "CERTIFICATE_EXPIRED"
	RejectInvalidSignature      RejectionCode = "SIGNATURE_INVALID"
	RejectContentMismatch       RejectionCode = "CONTENT_MISMATCH"
)

// Verdict is the outcome of one verification run.
type Verdict struct {
	Verified      bool
	ManualReview  bool
	RejectionCode RejectionCode

	// Reason is the signer-facing message, in Portuguese like the
	// rest of the platform.
	Reason string

	CertificateInfo *icp.CertificateInfo
	Holder          icp.Holder
	Revocation      *revocation.Result
}

// RetryableError marks a failure as transient: the document could not
// be judged now, but a later attempt may succeed. Anything else is a
// final policy decision.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable reports whether err (or anything it wraps) is transient.
func Retryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Verifier runs the verification pipeline. All collaborators are
// required except Revocation, which may be nil to skip revocation
// checking entirely (tests only).
type Verifier struct {
	Chain      trust.ChainValidator
	Revocation *revocation.Checker

	// VerifySignature enables cryptographic verification of the CMS
	// signature over the declared byte range.
	VerifySignature bool

	logger *slog.Logger
	now    func() time.Time
}

func NewVerifier(chain trust.ChainValidator, checker *revocation.Checker, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		Chain:           chain,
		Revocation:      checker,
		VerifySignature: true,
		logger:          logger,
		now:             time.Now,
	}
}

// VerifyPDF checks a signed document against the petition identified
// by petitionUUID. A rejection is reported in the Verdict, not as an
// error; errors are reserved for transient infrastructure failures.
func (v *Verifier) VerifyPDF(ctx context.Context, data []byte, petitionUUID string) (*Verdict, error) {
	doc, err := pdf.Parse(data)
	if err != nil {
		return reject(RejectMalformedPDF, "Arquivo PDF inválido ou corrompido"), nil
	}

	payload, err := doc.ExtractSignature()
	if err != nil {
		return rejectExtraction(err), nil
	}

	cert, chain, err := certificatesFrom(payload)
	if err != nil {
		return reject(RejectNoCertificate, "Certificado não encontrado na assinatura"), nil
	}

	// Holder classification runs before everything else so company
	// certificates are refused without spending network calls.
	holder := icp.Classify(cert)
	info := icp.ExtractInfo(cert)

	switch holder.Kind {
	case icp.KindLegalEntity:
		verdict := reject(RejectCNPJNotAccepted,
			"Certificado CNPJ detectado. Esta plataforma aceita apenas certificados "+
				"de pessoa física (CPF). Por favor, utilize certificado Gov.br, e-CPF "+
				"ou A1/A3 de pessoa física.")
		verdict.Holder = holder
		verdict.CertificateInfo = &info
		v.logger.Warn("company certificate rejected",
			"serial", info.SerialNumber, "registry", holder.Registry)
		return verdict, nil
	case icp.KindUnknown:
		v.logger.Warn("unclassifiable certificate, flagging for manual review",
			"serial", info.SerialNumber, "subject", info.Subject)
		return &Verdict{
			ManualReview:    true,
			Reason:          "Tipo de certificado não identificado. Sua assinatura está em análise manual.",
			Holder:          holder,
			CertificateInfo: &info,
		}, nil
	}

	var revResult *revocation.Result
	if v.Revocation != nil {
		issuer := findIssuer(v.Chain, cert, chain)
		res, err := v.Revocation.Check(ctx, cert, issuer)
		if err != nil {
			if errors.Is(err, revocation.ErrUnableToVerify) {
				return nil, &RetryableError{Err: err}
			}
			return nil, fmt.Errorf("revocation check: %w", err)
		}
		revResult = &res
		if revResult.Revoked() {
			verdict := reject(RejectCertificateRevoked, "Certificado revogado pela autoridade certificadora")
			verdict.Holder = holder
			verdict.CertificateInfo = &info
			verdict.Revocation = revResult
			return verdict, nil
		}
	}

	if err := v.Chain.Validate(append([]*x509.Certificate{cert}, chain...)); err != nil {
		verdict := reject(RejectUntrustedChain, "Certificado não pertence à cadeia ICP-Brasil")
		verdict.Holder = holder
		verdict.CertificateInfo = &info
		verdict.Revocation = revResult
		return verdict, nil
	}

	now := v.now()
	if now.Before(cert.NotBefore) {
		return rejectWith(RejectNotYetValid, "Certificado ainda não é válido", holder, &info, revResult), nil
	}
	if now.After(cert.NotAfter) {
		return rejectWith(RejectExpired, "Certificado expirado", holder, &info, revResult), nil
	}

	if v.VerifySignature && len(payload.PKCS7) > 0 {
		if verdict := v.checkCryptography(payload, data, holder, &info, revResult); verdict != nil {
			return verdict, nil
		}
	}

	if !pdf.ContainsIdentifier(data, petitionUUID) {
		return rejectWith(RejectContentMismatch,
			"Conteúdo do PDF não corresponde à petição original", holder, &info, revResult), nil
	}

	return &Verdict{
		Verified:        true,
		Holder:          holder,
		CertificateInfo: &info,
		Revocation:      revResult,
	}, nil
}

// checkCryptography verifies the CMS signature over the declared byte
// range. Returns a rejection verdict on failure, nil to continue.
// Documents without a byte range or with an unsupported digest are
// let through; the remaining checks still apply.
func (v *Verifier) checkCryptography(payload *pdf.SignaturePayload, data []byte, holder icp.Holder, info *icp.CertificateInfo, rev *revocation.Result) *Verdict {
	signed := payload.SignedBytes(data)
	if signed == nil {
		v.logger.Warn("signature declares no byte range, skipping cryptographic check",
			"field", payload.FieldName)
		return nil
	}

	sd, err := cms.ParseSignedData(payload.PKCS7)
	if err != nil {
		return rejectWith(RejectInvalidSignature, "Assinatura digital inválida", holder, info, rev)
	}
	if err := sd.Verify(signed); err != nil {
		if errors.Is(err, cms.ErrUnsupportedAlgorithm) {
			v.logger.Warn("unsupported signature algorithm, skipping cryptographic check",
				"error", err)
			return nil
		}
		return rejectWith(RejectInvalidSignature, "Assinatura digital inválida", holder, info, rev)
	}
	return nil
}

// certificatesFrom parses the signer certificate and the rest of the
// chain out of the extracted payload.
func certificatesFrom(payload *pdf.SignaturePayload) (*x509.Certificate, []*x509.Certificate, error) {
	if len(payload.PKCS7) > 0 {
		sd, err := cms.ParseSignedData(payload.PKCS7)
		if err != nil {
			return nil, nil, err
		}
		cert, err := sd.SignerCertificate()
		if err != nil {
			return nil, nil, err
		}
		var rest []*x509.Certificate
		for _, c := range sd.Certificates() {
			if !c.Equal(cert) {
				rest = append(rest, c)
			}
		}
		return cert, rest, nil
	}

	var certs []*x509.Certificate
	for _, der := range payload.LegacyCerts {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, nil, pdf.ErrNoCertificate
	}
	return certs[0], certs[1:], nil
}

func findIssuer(validator trust.ChainValidator, cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	if hv, ok := validator.(*trust.HeuristicValidator); ok {
		return hv.FindIssuer(cert, chain)
	}
	for _, candidate := range chain {
		if bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
			return candidate
		}
	}
	return nil
}

func rejectExtraction(err error) *Verdict {
	switch {
	case errors.Is(err, pdf.ErrNoDigitalSignature):
		return reject(RejectNoDigitalSignature, "PDF não possui assinatura digital")
	case errors.Is(err, pdf.ErrNoSignatureFields):
		return reject(RejectNoSignatureFields, "PDF não possui campos de assinatura")
	case errors.Is(err, pdf.ErrInvalidSignatureField):
		return reject(RejectInvalidSignatureField, "Campo de assinatura inválido")
	case errors.Is(err, pdf.ErrNoCertificate):
		return reject(RejectNoCertificate, "Certificado não encontrado na assinatura")
	default:
		return reject(RejectNoDigitalSignature, "Nenhuma assinatura digital encontrada no PDF")
	}
}

func reject(code RejectionCode, reason string) *Verdict {
	return &Verdict{RejectionCode: code, Reason: reason}
}

func rejectWith(code RejectionCode, reason string, holder icp.Holder, info *icp.CertificateInfo, rev *revocation.Result) *Verdict {
	return &Verdict{
		RejectionCode:   code,
		Reason:          reason,
		Holder:          holder,
		CertificateInfo: info,
		Revocation:      rev,
	}
}
