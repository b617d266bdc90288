// Package hkp fetches armored keys from an HKP keyserver.
package hkp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// Fetcher retrieves key material over the HKP lookup interface.
type Fetcher struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewFetcher creates a fetcher against the given keyserver base URL,
// e.g. "https://keys.openpgp.org".
func NewFetcher(baseURL string, timeout time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Fetch looks up a key by fingerprint, key ID, or email address and
// returns the armored key material.
func (f *Fetcher) Fetch(ctx context.Context, identifier string) ([]byte, error) {
	search := strings.TrimSpace(identifier)
	if search == "" {
		return nil, fmt.Errorf("empty key identifier")
	}
	if isFingerprint(search) && !strings.HasPrefix(strings.ToLower(search), "0x") {
		search = "0x" + search
	}

	lookup := fmt.Sprintf("%s/pks/lookup?op=get&options=mr&search=%s", f.baseURL, url.QueryEscape(search))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookup, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyserver lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no key found for %s", identifier)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyserver returned status %d", resp.StatusCode)
	}

	material, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading keyserver response: %w", err)
	}
	if !strings.Contains(string(material), "-----BEGIN PGP PUBLIC KEY BLOCK-----") {
		return nil, fmt.Errorf("keyserver response for %s contains no key", identifier)
	}

	f.logger.Debug("Fetched key from keyserver",
		zap.String("search", search),
		zap.Int("bytes", len(material)))
	return material, nil
}

func isFingerprint(s string) bool {
	trimmed := strings.TrimPrefix(strings.ToUpper(s), "0X")
	if len(trimmed) != 16 && len(trimmed) != 40 {
		return false
	}
	for _, r := range trimmed {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

var _ core.KeyFetcher = (*Fetcher)(nil)
