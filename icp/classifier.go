// Package icp classifies ICP-Brasil certificates by holder kind.
//
// Brazilian national PKI certificates identify their holder through
// OtherName entries in the Subject Alternative Name extension, following
// DOC-ICP-04. A natural person carries the per-person registry entry
// (CPF), legal entities carry the company registry entry (CNPJ) or the
// employer identifier (CEI).
package icp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"
)

// ICP-Brasil OtherName type OIDs, per DOC-ICP-04.
var (
	OIDPersonRegistry  = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 1} // CPF holder data
	OIDHolderIDCard    = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 2} // RG
	OIDCompanyRegistry = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 3} // CNPJ
	OIDSocialSecurity  = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 5} // PIS/PASEP
	OIDEmployerID      = asn1.ObjectIdentifier{2, 16, 76, 1, 3, 7} // CEI
)

var oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}

// HolderKind is the classification of a certificate holder.
type HolderKind int

const (
	// KindUnknown means no classification signal was found. Callers
	// route these to manual review instead of rejecting outright.
	KindUnknown HolderKind = iota
	// KindPerson is a natural-person certificate (e-CPF).
	KindPerson
	// KindLegalEntity is a company certificate (e-CNPJ or CEI).
	KindLegalEntity
)

func (k HolderKind) String() string {
	switch k {
	case KindPerson:
		return "person"
	case KindLegalEntity:
		return "legal_entity"
	default:
		return "unknown"
	}
}

// Holder is the classification result.
type Holder struct {
	Kind HolderKind
	// Registry is the registry number backing the classification: the
	// CPF for a person, the CNPJ or CEI for a company. Empty when the
	// kind came from the distinguished-name fallback.
	Registry string
	// FromFallback reports that the distinguished-name keyword scan
	// decided, not the SAN extension.
	FromFallback bool
}

// otherName is the SAN OtherName structure: type-id plus an explicitly
// tagged value.
type otherName struct {
	TypeID asn1.ObjectIdentifier
	Value  asn1.RawValue `asn1:"explicit,tag:0"`
}

// companyKeywords are legal-entity markers scanned in the subject DN
// when the SAN extension is silent. Short tokens that also occur inside
// personal names are matched as whole words.
var companyKeywords = []struct {
	token     string
	wholeWord bool
}{
	{"EMPRESA", false},
	{"LTDA", false},
	{"EIRELI", false},
	{"S.A.", false},
	{"S/A", true},
	{"ME", true},
	{"EPP", true},
}

// Classify determines the holder kind of an ICP-Brasil certificate.
// Company entries win over person entries when both are present, so an
// e-CNPJ that also names its legal representative is still a company
// certificate.
func Classify(cert *x509.Certificate) Holder {
	if holder, ok := classifyFromSAN(cert); ok {
		return holder
	}
	return classifyFromDN(cert)
}

func classifyFromSAN(cert *x509.Certificate) (Holder, bool) {
	names := otherNames(cert)
	if len(names) == 0 {
		return Holder{}, false
	}

	for _, name := range names {
		switch {
		case name.TypeID.Equal(OIDCompanyRegistry):
			return Holder{Kind: KindLegalEntity, Registry: otherNameText(name)}, true
		case name.TypeID.Equal(OIDEmployerID):
			return Holder{Kind: KindLegalEntity, Registry: otherNameText(name)}, true
		}
	}
	for _, name := range names {
		if name.TypeID.Equal(OIDPersonRegistry) {
			return Holder{Kind: KindPerson, Registry: personCPF(otherNameText(name))}, true
		}
	}
	return Holder{}, false
}

func classifyFromDN(cert *x509.Certificate) Holder {
	subject := strings.ToUpper(dnString(cert.Subject))
	issuer := strings.ToUpper(dnString(cert.Issuer))

	if strings.Contains(subject, "CNPJ") || strings.Contains(issuer, "CNPJ") {
		return Holder{Kind: KindLegalEntity, FromFallback: true}
	}
	for _, kw := range companyKeywords {
		if kw.wholeWord {
			if containsWord(subject, kw.token) {
				return Holder{Kind: KindLegalEntity, FromFallback: true}
			}
		} else if strings.Contains(subject, kw.token) {
			return Holder{Kind: KindLegalEntity, FromFallback: true}
		}
	}
	return Holder{Kind: KindUnknown}
}

// otherNames parses the SAN extension and returns its OtherName entries.
// The stdlib x509 parser exposes DNS/email/IP names only, so the raw
// extension is walked here.
func otherNames(cert *x509.Certificate) []otherName {
	var raw []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidSubjectAltName) {
			raw = ext.Value
			break
		}
	}
	if raw == nil {
		return nil
	}

	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(raw, &seq); err != nil || seq.Tag != asn1.TagSequence {
		return nil
	}

	var names []otherName
	rest := seq.Bytes
	for len(rest) > 0 {
		var entry asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &entry)
		if err != nil {
			return names
		}
		// GeneralName CHOICE: otherName is context tag 0
		if entry.Class != asn1.ClassContextSpecific || entry.Tag != 0 {
			continue
		}
		var name otherName
		if _, err := asn1.UnmarshalWithParams(entry.FullBytes, &name, "tag:0"); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names
}

// otherNameText extracts the textual payload of an OtherName value. The
// value is an OCTET STRING or PrintableString holding digits.
func otherNameText(name otherName) string {
	var inner asn1.RawValue
	if _, err := asn1.Unmarshal(name.Value.Bytes, &inner); err == nil && len(inner.Bytes) > 0 {
		return string(inner.Bytes)
	}
	return string(name.Value.Bytes)
}

// personCPF pulls the CPF out of the person registry payload. The field
// layout is birth date (8 digits), CPF (11), NIS (11), RG, per
// DOC-ICP-04. Shorter payloads are returned as-is.
func personCPF(data string) string {
	if len(data) >= 19 {
		return data[8:19]
	}
	return data
}

func dnString(name pkix.Name) string {
	return name.String()
}

func containsWord(s, word string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isDNWordChar(s[start-1])
		afterOK := end == len(s) || !isDNWordChar(s[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isDNWordChar(b byte) bool {
	return b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
