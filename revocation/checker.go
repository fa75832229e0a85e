package revocation

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/thsteixeira/peticao-brasil/metrics"
)

// ErrUnableToVerify is returned in strict mode when every tier failed.
var ErrUnableToVerify = errors.New("unable to verify revocation status")

// Status is the revocation status of a certificate.
type Status string

const (
	StatusGood    Status = "GOOD"
	StatusRevoked Status = "REVOKED"
	StatusUnknown Status = "UNKNOWN"
)

// Method names the tier that produced a result.
type Method string

const (
	MethodCachedCRL  Method = "CACHED_CRL"
	MethodOCSP       Method = "OCSP"
	MethodDynamicCRL Method = "DYNAMIC_CRL"
	MethodFailed     Method = "FAILED"
)

// Result is the outcome of a revocation check, recorded verbatim in
// verification evidence.
type Result struct {
	Method         Method     `json:"method"`
	Status         Status     `json:"status"`
	CheckedAt      time.Time  `json:"checked_at"`
	Reason         string     `json:"reason,omitempty"`
	RevocationDate *time.Time `json:"revocation_date,omitempty"`
	CRLIssuer      string     `json:"crl_issuer,omitempty"`
	CRLURL         string     `json:"crl_url,omitempty"`
	ThisUpdate     *time.Time `json:"this_update,omitempty"`
	NextUpdate     *time.Time `json:"next_update,omitempty"`
	RevokedCount   int        `json:"revoked_count,omitempty"`
}

// Revoked reports whether the result marks the certificate revoked.
func (r Result) Revoked() bool {
	return r.Status == StatusRevoked
}

// Cache key layout and TTLs. The 25 hour CRL TTL outlives the daily
// refresh by one hour so a missed run does not empty the cache.
const (
	crlCacheTTL        = 25 * time.Hour
	endpointCacheTTL   = 30 * 24 * time.Hour
	discoveredCacheKey = "discovered_crl_endpoints"
	serialsKeySuffix   = "serials"
	detailsKeySuffix   = "details"
	metaKeySuffix      = "meta"
)

// caKeywords maps issuer-name substrings to canonical cached-CRL
// identifiers, checked in this order. Lookup always falls back to the
// root authority entry.
var caKeywords = []struct {
	keyword string
	caNames []string
}{
	{"serpro", []string{"AC-SERPROv5"}},
	{"serasa", []string{"AC-Serasa-JUS-v5"}},
	{"valid", []string{"AC-VALID-v5"}},
	{"certisign", []string{"AC-Certisign-G7"}},
	{"soluti", []string{"AC-SOLUTI-v5"}},
	{"sincor", []string{"AC-SINCOR-v5"}},
	{"raiz", []string{"AC-Raiz"}},
}

const rootCAName = "AC-Raiz"

// crlMeta is the cached CRL metadata payload.
type crlMeta struct {
	Issuer     string     `json:"issuer"`
	ThisUpdate time.Time  `json:"this_update"`
	NextUpdate *time.Time `json:"next_update,omitempty"`
	Count      int        `json:"count"`
	CachedAt   time.Time  `json:"cached_at"`
}

// revokedEntry is the cached per-serial detail payload.
type revokedEntry struct {
	RevocationDate time.Time `json:"revocation_date"`
	Reason         string    `json:"reason"`
}

// Checker runs the tiered revocation lookup.
type Checker struct {
	cache   Cache
	fetcher *Fetcher
	logger  *slog.Logger

	// Strict rejects when no tier can answer; permissive mode lets the
	// signature through with an indeterminate result.
	Strict bool

	now func() time.Time
}

// NewChecker assembles a checker. Strict mode is the default.
func NewChecker(cache Cache, fetcher *Fetcher, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cache:   cache,
		fetcher: fetcher,
		logger:  logger,
		Strict:  true,
		now:     time.Now,
	}
}

// Check determines whether cert is revoked. The issuer certificate is
// optional; without it the OCSP tier is skipped. In strict mode an
// undecidable status returns ErrUnableToVerify; in permissive mode it
// returns an indeterminate result and no error. Every check, failures
// included, is counted by method and status.
func (c *Checker) Check(ctx context.Context, cert, issuer *x509.Certificate) (Result, error) {
	result, err := c.check(ctx, cert, issuer)
	if err != nil {
		metrics.RecordRevocationCheck(string(MethodFailed), string(StatusUnknown))
		return result, err
	}
	metrics.RecordRevocationCheck(string(result.Method), string(result.Status))
	return result, nil
}

func (c *Checker) check(ctx context.Context, cert, issuer *x509.Certificate) (Result, error) {
	serial := cert.SerialNumber.String()

	result, err := c.checkCachedCRL(ctx, cert)
	if err == nil {
		return result, nil
	}
	c.logger.Warn("cached CRL lookup failed, trying OCSP", "serial", serial, "error", err)

	if issuer != nil {
		result, err = c.checkOCSP(ctx, cert, issuer)
		if err == nil {
			return result, nil
		}
		c.logger.Warn("OCSP check failed, trying dynamic CRL", "serial", serial, "error", err)
	}

	result, err = c.checkDynamicCRL(ctx, cert)
	if err == nil {
		return result, nil
	}
	c.logger.Error("all revocation tiers failed", "serial", serial, "error", err)

	if c.Strict {
		return Result{}, fmt.Errorf("%w: serial %s", ErrUnableToVerify, serial)
	}

	c.logger.Warn("allowing signature with unverified revocation status", "serial", serial)
	return Result{
		Method:    MethodFailed,
		Status:    StatusUnknown,
		CheckedAt: c.now(),
		Reason:    "unable to verify, defaulting to not revoked in permissive mode",
	}, nil
}

// checkCachedCRL is tier one: look up pre-downloaded CRL data for the
// issuing CA.
func (c *Checker) checkCachedCRL(ctx context.Context, cert *x509.Certificate) (Result, error) {
	issuerCN := issuerCommonName(cert)

	for _, caName := range candidateCANames(issuerCN) {
		serials, err := c.cachedSerials(ctx, caName)
		if err != nil {
			continue
		}

		var meta crlMeta
		c.getJSON(ctx, cacheKey(caName, metaKeySuffix), &meta)

		result := Result{
			Method:       MethodCachedCRL,
			CheckedAt:    c.now(),
			CRLIssuer:    meta.Issuer,
			ThisUpdate:   nonZero(meta.ThisUpdate),
			NextUpdate:   meta.NextUpdate,
			RevokedCount: meta.Count,
		}

		serial := cert.SerialNumber.String()
		if _, revoked := serials[serial]; revoked {
			result.Status = StatusRevoked
			var details map[string]revokedEntry
			c.getJSON(ctx, cacheKey(caName, detailsKeySuffix), &details)
			if entry, ok := details[serial]; ok {
				result.RevocationDate = nonZero(entry.RevocationDate)
				result.Reason = entry.Reason
			}
			if result.Reason == "" {
				result.Reason = "unspecified"
			}
			c.logger.Warn("certificate revoked per cached CRL", "ca", caName, "serial", serial)
			return result, nil
		}

		result.Status = StatusGood
		return result, nil
	}

	return Result{}, fmt.Errorf("no cached CRL for issuer %q", issuerCN)
}

// checkOCSP is tier two: a live responder query.
func (c *Checker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (Result, error) {
	resp, err := c.fetcher.FetchOCSP(ctx, cert, issuer)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Method:     MethodOCSP,
		CheckedAt:  c.now(),
		ThisUpdate: nonZero(resp.ThisUpdate),
		NextUpdate: nonZero(resp.NextUpdate),
	}

	switch resp.Status {
	case ocsp.Good:
		result.Status = StatusGood
		return result, nil
	case ocsp.Revoked:
		result.Status = StatusRevoked
		result.RevocationDate = nonZero(resp.RevokedAt)
		result.Reason = revocationReason(resp.RevocationReason)
		c.logger.Warn("certificate revoked per OCSP", "serial", cert.SerialNumber.String())
		return result, nil
	default:
		return Result{}, fmt.Errorf("OCSP responder returned unknown status for serial %s", cert.SerialNumber)
	}
}

// checkDynamicCRL is tier three: download the CRL from the
// certificate's distribution points, cache it, and remember the
// endpoint for the daily refresh.
func (c *Checker) checkDynamicCRL(ctx context.Context, cert *x509.Certificate) (Result, error) {
	crl, crlURL, err := c.fetcher.FetchAnyCRL(ctx, cert)
	if err != nil {
		return Result{}, err
	}

	caName := NormalizeCAName(issuerCommonName(cert))
	if err := c.StoreCRL(ctx, caName, crl); err != nil {
		c.logger.Warn("failed to cache downloaded CRL", "ca", caName, "error", err)
	}
	c.rememberEndpoint(ctx, caName, crlURL)

	result := Result{
		Method:       MethodDynamicCRL,
		CheckedAt:    c.now(),
		CRLURL:       crlURL,
		CRLIssuer:    crl.Issuer.String(),
		RevokedCount: len(crl.RevokedCertificateEntries),
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			result.Status = StatusRevoked
			result.RevocationDate = nonZero(entry.RevocationTime)
			result.Reason = revocationReason(entry.ReasonCode)
			c.logger.Warn("certificate revoked per dynamic CRL", "ca", caName, "serial", cert.SerialNumber.String())
			return result, nil
		}
	}

	result.Status = StatusGood
	return result, nil
}

// StoreCRL writes a CRL into the cache under the canonical CA name.
// Used by the dynamic tier and by the scheduled refresh job.
func (c *Checker) StoreCRL(ctx context.Context, caName string, crl *x509.RevocationList) error {
	serials := make(map[string]struct{}, len(crl.RevokedCertificateEntries))
	details := make(map[string]revokedEntry, len(crl.RevokedCertificateEntries))
	for _, entry := range crl.RevokedCertificateEntries {
		serial := entry.SerialNumber.String()
		serials[serial] = struct{}{}
		details[serial] = revokedEntry{
			RevocationDate: entry.RevocationTime,
			Reason:         revocationReason(entry.ReasonCode),
		}
	}

	meta := crlMeta{
		Issuer:     crl.Issuer.String(),
		ThisUpdate: crl.ThisUpdate,
		Count:      len(serials),
		CachedAt:   c.now(),
	}
	if !crl.NextUpdate.IsZero() {
		next := crl.NextUpdate
		meta.NextUpdate = &next
	}

	if err := c.setJSON(ctx, cacheKey(caName, serialsKeySuffix), serialList(serials), crlCacheTTL); err != nil {
		return err
	}
	if err := c.setJSON(ctx, cacheKey(caName, detailsKeySuffix), details, crlCacheTTL); err != nil {
		return err
	}
	if err := c.setJSON(ctx, cacheKey(caName, metaKeySuffix), meta, crlCacheTTL); err != nil {
		return err
	}

	c.logger.Info("CRL cached", "ca", caName, "revoked_count", len(serials))
	return nil
}

// DiscoveredEndpoints returns the CRL endpoints learned from dynamic
// downloads, keyed by canonical CA name.
func (c *Checker) DiscoveredEndpoints(ctx context.Context) map[string]string {
	var endpoints map[string]string
	if err := c.getJSON(ctx, discoveredCacheKey, &endpoints); err != nil || endpoints == nil {
		return map[string]string{}
	}
	return endpoints
}

// RefreshDiscovered re-downloads every CRL in the discovered-endpoints
// map and refreshes the cache. Returns how many CRLs were updated;
// individual endpoint failures are logged and skipped.
func (c *Checker) RefreshDiscovered(ctx context.Context) (int, error) {
	endpoints := c.DiscoveredEndpoints(ctx)
	refreshed := 0
	for caName, crlURL := range endpoints {
		crl, err := c.fetcher.FetchCRL(ctx, crlURL)
		if err != nil {
			c.logger.Warn("CRL refresh failed", "ca", caName, "url", crlURL, "error", err)
			continue
		}
		if err := c.StoreCRL(ctx, caName, crl); err != nil {
			c.logger.Warn("CRL refresh store failed", "ca", caName, "error", err)
			continue
		}
		refreshed++
	}
	if len(endpoints) > 0 {
		c.logger.Info("discovered CRL refresh finished",
			"endpoints", len(endpoints), "refreshed", refreshed)
	}
	return refreshed, nil
}

// rememberEndpoint merges one endpoint into the discovered set. The
// set is merged rather than replaced so concurrent discoveries keep
// each other's entries.
func (c *Checker) rememberEndpoint(ctx context.Context, caName, crlURL string) {
	endpoints := c.DiscoveredEndpoints(ctx)
	if _, known := endpoints[caName]; known {
		return
	}
	endpoints[caName] = crlURL
	if err := c.setJSON(ctx, discoveredCacheKey, endpoints, endpointCacheTTL); err != nil {
		c.logger.Warn("failed to store discovered CRL endpoint", "ca", caName, "error", err)
		return
	}
	c.logger.Info("discovered CRL endpoint for daily refresh", "ca", caName, "url", crlURL)
}

func (c *Checker) cachedSerials(ctx context.Context, caName string) (map[string]struct{}, error) {
	var list []string
	if err := c.getJSON(ctx, cacheKey(caName, serialsKeySuffix), &list); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[s] = struct{}{}
	}
	return set, nil
}

func (c *Checker) getJSON(ctx context.Context, key string, out any) error {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *Checker) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, key, data, ttl)
}

func cacheKey(caName, suffix string) string {
	return "crl:" + caName + ":" + suffix
}

// candidateCANames maps a certificate issuer to the cached CRL
// identifiers worth checking, always ending with the root fallback.
func candidateCANames(issuerCN string) []string {
	lower := strings.ToLower(issuerCN)

	var names []string
	for _, entry := range caKeywords {
		if strings.Contains(lower, entry.keyword) {
			names = append(names, entry.caNames...)
		}
	}
	for _, name := range names {
		if name == rootCAName {
			return names
		}
	}
	return append(names, rootCAName)
}

// NormalizeCAName turns an issuer common name into a cache-safe
// identifier: runs of characters outside [A-Za-z0-9-] collapse to one
// dash.
func NormalizeCAName(issuerCN string) string {
	var sb strings.Builder
	lastDash := true
	for _, r := range issuerCN {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-':
			sb.WriteRune(r)
			lastDash = r == '-'
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}

func issuerCommonName(cert *x509.Certificate) string {
	if cn := cert.Issuer.CommonName; cn != "" {
		return cn
	}
	return cert.Issuer.String()
}

func serialList(set map[string]struct{}) []string {
	list := make([]string, 0, len(set))
	for s := range set {
		list = append(list, s)
	}
	return list
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func revocationReason(code int) string {
	reasons := map[int]string{
		0:  "unspecified",
		1:  "key compromise",
		2:  "ca compromise",
		3:  "affiliation changed",
		4:  "superseded",
		5:  "cessation of operation",
		6:  "certificate hold",
		8:  "remove from CRL",
		9:  "privilege withdrawn",
		10: "aa compromise",
	}
	if reason, ok := reasons[code]; ok {
		return reason
	}
	return "unspecified"
}
