package icp

import (
	"crypto/x509"
	"strconv"
	"strings"
	"time"
)

// CertificateInfo is the summary of a signing certificate recorded in
// verification evidence.
type CertificateInfo struct {
	Subject      string     `json:"subject"`
	Issuer       string     `json:"issuer"`
	SerialNumber string     `json:"serial_number"`
	NotBefore    time.Time  `json:"not_before"`
	NotAfter     time.Time  `json:"not_after"`
	CommonName   string     `json:"common_name,omitempty"`
	Email        string     `json:"email,omitempty"`
	HolderKind   HolderKind `json:"-"`
	CPF          string     `json:"cpf,omitempty"`
	CNPJ         string     `json:"cnpj,omitempty"`
}

// ExtractInfo collects the certificate fields and classification
// recorded alongside a verification.
func ExtractInfo(cert *x509.Certificate) CertificateInfo {
	info := CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		CommonName:   cert.Subject.CommonName,
	}
	if len(cert.EmailAddresses) > 0 {
		info.Email = cert.EmailAddresses[0]
	}

	holder := Classify(cert)
	info.HolderKind = holder.Kind
	switch holder.Kind {
	case KindPerson:
		info.CPF = holder.Registry
	case KindLegalEntity:
		info.CNPJ = holder.Registry
	}
	if info.CPF == "" && holder.Kind != KindLegalEntity {
		if _, cpf := SignerName(cert); cpf != "" {
			info.CPF = cpf
		}
	}
	return info
}

// SignerName splits an ICP-Brasil common name of the form "NAME:CPF"
// into its parts. Certificates without the suffix return the whole
// common name and an empty registry number.
func SignerName(cert *x509.Certificate) (name, cpf string) {
	cn := cert.Subject.CommonName
	idx := strings.LastIndex(cn, ":")
	if idx < 0 {
		return cn, ""
	}
	suffix := cn[idx+1:]
	if len(suffix) == 11 && isDigits(suffix) {
		return cn[:idx], suffix
	}
	return cn, ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}
