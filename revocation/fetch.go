package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/crypto/ocsp"
)

// Fetch errors
var (
	ErrFetchFailed    = errors.New("fetch failed")
	ErrCRLParseFailed = errors.New("CRL parse failed")
	ErrNoOCSPServer   = errors.New("certificate carries no OCSP server URL")
	ErrNoCRLEndpoints = errors.New("certificate carries no CRL distribution points")
)

// FetcherConfig bounds the network behavior of revocation lookups.
type FetcherConfig struct {
	// OCSPTimeout bounds one OCSP round trip.
	OCSPTimeout time.Duration
	// CRLTimeout bounds one CRL download.
	CRLTimeout time.Duration
	// MaxResponseSize caps response bodies; national CRLs run to a few
	// megabytes.
	MaxResponseSize int64
	// UserAgent identifies the verifier to CA endpoints.
	UserAgent string
	// MaxRetries is the number of additional attempts per URL.
	MaxRetries int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// DefaultFetcherConfig returns the production defaults.
func DefaultFetcherConfig() *FetcherConfig {
	return &FetcherConfig{
		OCSPTimeout:     10 * time.Second,
		CRLTimeout:      30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "peticao-brasil-verifier/1.0",
		MaxRetries:      2,
		RetryDelay:      time.Second,
	}
}

// Fetcher downloads CRLs and queries OCSP responders.
type Fetcher struct {
	config *FetcherConfig
	client *http.Client
}

// NewFetcher creates a fetcher. A nil config selects the defaults; a
// nil client builds one without its own timeout since every call is
// bounded by a per-request context.
func NewFetcher(config *FetcherConfig, client *http.Client) *Fetcher {
	if config == nil {
		config = DefaultFetcherConfig()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{config: config, client: client}
}

// FetchCRL downloads and parses one CRL.
func (f *Fetcher) FetchCRL(ctx context.Context, urlStr string) (*x509.RevocationList, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.CRLTimeout)
	defer cancel()

	data, err := f.fetchWithRetry(ctx, urlStr)
	if err != nil {
		return nil, err
	}
	return parseCRL(data)
}

// FetchAnyCRL tries each distribution point of the certificate and
// returns the first CRL that downloads and parses, along with its URL.
func (f *Fetcher) FetchAnyCRL(ctx context.Context, cert *x509.Certificate) (*x509.RevocationList, string, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, "", ErrNoCRLEndpoints
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, err := f.FetchCRL(ctx, dp)
		if err != nil {
			lastErr = err
			continue
		}
		return crl, dp, nil
	}
	return nil, "", fmt.Errorf("all distribution points failed: %w", lastErr)
}

// FetchOCSP queries the certificate's OCSP responder. POST is tried
// first, then the base64 GET form some responders require.
func (f *Fetcher) FetchOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServer
	}

	reqBytes, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("create OCSP request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.OCSPTimeout)
	defer cancel()

	var lastErr error
	for _, server := range cert.OCSPServer {
		resp, err := f.ocspPOST(ctx, server, reqBytes, issuer)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		resp, err = f.ocspGET(ctx, server, reqBytes, issuer)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all OCSP servers failed: %w", lastErr)
}

func (f *Fetcher) ocspPOST(ctx context.Context, server string, reqBytes []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("User-Agent", f.config.UserAgent)

	body, err := f.do(req)
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponse(body, issuer)
}

func (f *Fetcher) ocspGET(ctx context.Context, server string, reqBytes []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	encoded := base64.StdEncoding.EncodeToString(reqBytes)
	target := server
	if target[len(target)-1] != '/' {
		target += "/"
	}
	target += url.QueryEscape(encoded)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	body, err := f.do(req)
	if err != nil {
		return nil, err
	}
	return ocsp.ParseResponse(body, issuer)
}

// fetchWithRetry GETs a URL, retrying transient failures.
func (f *Fetcher) fetchWithRetry(ctx context.Context, urlStr string) ([]byte, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrFetchFailed, parsed.Scheme)
	}

	var lastErr error
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.config.RetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		req.Header.Set("User-Agent", f.config.UserAgent)

		data, err := f.do(req)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}

// parseCRL decodes a DER CRL, unwrapping PEM armor when present.
func parseCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if bytes.Contains(data, []byte("-----BEGIN X509 CRL-----")) {
		if block, _ := pem.Decode(data); block != nil {
			der = block.Bytes
		}
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	return crl, nil
}
