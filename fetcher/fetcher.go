// Package fetcher downloads package artifacts from the configured source
// repository, verifies their declared integrity and persists them to the
// content-addressed store. It also resolves license metadata from the
// repository's package documents and uploads approved artifacts to the
// target repository.
package fetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"

	"depvet/config"
	"depvet/lockfile"
	"depvet/store"
)

// Artifact describes a verified, persisted download.
type Artifact struct {
	Checksum string
	Size     int64
}

// Metadata is the license-relevant slice of a repository package document.
type Metadata struct {
	License     string
	LicenseText string
}

// Fetcher downloads and publishes artifacts with bounded retries.
type Fetcher struct {
	client          *http.Client
	store           store.Store
	sourceBaseURL   string
	targetBaseURL   string
	attempts        uint64
	initialInterval time.Duration
}

// New creates a fetcher backed by the given artifact store.
func New(
	cfg config.FetcherConfig,
	source config.RepoConfig,
	target config.RepoConfig,
	st store.Store,
) *Fetcher {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 2 * time.Minute
	}

	return &Fetcher{
		// The per-request timeout turns a repository that accepts the
		// connection but never answers into a retryable failure instead
		// of a hung download stage.
		client:          &http.Client{Timeout: requestTimeout},
		store:           st,
		sourceBaseURL:   source.BaseURL,
		targetBaseURL:   target.BaseURL,
		attempts:        uint64(attempts),
		initialInterval: cfg.InitialInterval,
	}
}

// Fetch downloads one declared package, verifies its integrity value,
// and persists the content under its sha256 checksum. Content already
// present in the store is not rewritten.
func (f *Fetcher) Fetch(ctx context.Context, pkg lockfile.Declared) (*Artifact, error) {
	fetchURL, err := rewriteURL(pkg.Resolved, f.sourceBaseURL)
	if err != nil {
		return nil, err
	}

	content, err := f.download(ctx, fetchURL)
	if err != nil {
		return nil, err
	}

	if err := verifyIntegrity(fetchURL, pkg.Integrity, content); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	exists, err := f.store.HasArtifact(checksum)
	if err != nil {
		return nil, fmt.Errorf("failed to probe artifact store: %w", err)
	}
	if !exists {
		if err := f.store.StoreArtifact(checksum, content); err != nil {
			return nil, fmt.Errorf("failed to persist artifact: %w", err)
		}
	}

	log.Debug().
		Str("package", pkg.Name).
		Str("version", pkg.Version).
		Str("checksum", checksum).
		Bool("deduplicated", exists).
		Msg("artifact fetched")

	return &Artifact{
		Checksum: checksum,
		Size:     int64(len(content)),
	}, nil
}

// Meta fetches the repository package document for name and extracts the
// declared license. A missing or unparseable license yields empty fields,
// not an error.
func (f *Fetcher) Meta(ctx context.Context, name, version string) (*Metadata, error) {
	base := f.sourceBaseURL
	if base == "" {
		base = "https://registry.npmjs.org"
	}

	docURL := strings.TrimSuffix(base, "/") + "/" + url.PathEscape(name)

	body, err := f.download(ctx, docURL)
	if err != nil {
		return nil, err
	}

	var doc struct {
		License  json.RawMessage `json:"license"`
		Versions map[string]struct {
			License json.RawMessage `json:"license"`
		} `json:"versions"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse package document at %q: %w", docURL, err)
	}

	// Prefer the exact version's declaration, fall back to the
	// document-level one.
	raw := doc.License
	if v, ok := doc.Versions[version]; ok && len(v.License) > 0 {
		raw = v.License
	}

	return &Metadata{License: parseLicenseField(raw)}, nil
}

// Publish uploads an approved artifact to the target repository under
// the conventional tarball path.
func (f *Fetcher) Publish(ctx context.Context, name, version string, content []byte) error {
	if f.targetBaseURL == "" {
		return fmt.Errorf("no target repository configured")
	}

	publishURL := fmt.Sprintf(
		"%s/%s/-/%s-%s.tgz",
		strings.TrimSuffix(f.targetBaseURL, "/"),
		name,
		tarballBasename(name),
		version,
	)

	operation := func() error {
		req, err := http.NewRequestWithContext(
			ctx,
			http.MethodPut,
			publishURL,
			bytes.NewReader(content),
		)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		return statusToErr(publishURL, resp.StatusCode)
	}

	return backoff.Retry(operation, f.newBackOff(ctx))
}

func (f *Fetcher) download(ctx context.Context, fetchURL string) ([]byte, error) {
	var content []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if err := statusToErr(fetchURL, resp.StatusCode); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)

			return err
		}

		content, err = io.ReadAll(resp.Body)

		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("url", fetchURL).
			Dur("retry_in", wait).
			Msg("transient download failure")
	}

	if err := backoff.RetryNotify(operation, f.newBackOff(ctx), notify); err != nil {
		return nil, err
	}

	return content, nil
}

func (f *Fetcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if f.initialInterval > 0 {
		b.InitialInterval = f.initialInterval
	}

	return backoff.WithContext(backoff.WithMaxRetries(b, f.attempts-1), ctx)
}

// statusToErr maps HTTP status codes to retry semantics: 2xx succeeds,
// 4xx is permanent, everything else is transient.
func statusToErr(u string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		return backoff.Permanent(&DownloadError{URL: u, StatusCode: status})
	default:
		return &DownloadError{URL: u, StatusCode: status}
	}
}

// rewriteURL points a lockfile resolved URL at the configured source
// repository by substituting scheme and host, keeping the path. Empty
// base means the resolved URL is used verbatim.
func rewriteURL(resolved, base string) (string, error) {
	if base == "" {
		return resolved, nil
	}

	resolvedURL, err := url.Parse(resolved)
	if err != nil {
		return "", fmt.Errorf("invalid resolved url %q: %w", resolved, err)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid source base url %q: %w", base, err)
	}

	resolvedURL.Scheme = baseURL.Scheme
	resolvedURL.Host = baseURL.Host
	if baseURL.Path != "" && baseURL.Path != "/" {
		resolvedURL.Path = strings.TrimSuffix(baseURL.Path, "/") + resolvedURL.Path
	}

	return resolvedURL.String(), nil
}

// parseLicenseField handles both the modern string form and the legacy
// {"type": "..."} object form of the license field.
func parseLicenseField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}

	return ""
}

// tarballBasename strips the scope from a package name: the tarball for
// "@scope/pkg" is named "pkg-<version>.tgz".
func tarballBasename(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}

	return name
}
