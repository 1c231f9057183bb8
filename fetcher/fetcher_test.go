package fetcher

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"depvet/config"
	"depvet/lockfile"
	"depvet/store/memoryStore"
)

func sriFor(content []byte) string {
	sum := sha512.Sum512(content)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

func testFetcher(sourceURL, targetURL string, st *memoryStore.MemoryStore) *Fetcher {
	return New(
		config.FetcherConfig{Attempts: 3, InitialInterval: time.Millisecond},
		config.RepoConfig{BaseURL: sourceURL},
		config.RepoConfig{BaseURL: targetURL},
		st,
	)
}

func TestFetchRewritesHostAndPersists(t *testing.T) {
	content := []byte("tarball bytes")

	var servedPath atomic.Value
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			servedPath.Store(r.URL.Path)
			_, _ = w.Write(content)
		}),
	)
	defer server.Close()

	st := memoryStore.New()
	f := testFetcher(server.URL, "", st)

	artifact, err := f.Fetch(context.Background(), lockfile.Declared{
		Name:      "left-pad",
		Version:   "1.3.0",
		Resolved:  "https://registry.npmjs.org/left-pad/-/left-pad-1.3.0.tgz",
		Integrity: sriFor(content),
	})
	assert.NoError(t, err)

	// The resolved URL's host is replaced by the configured source, the
	// path is kept.
	assert.Equal(t, "/left-pad/-/left-pad-1.3.0.tgz", servedPath.Load())

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), artifact.Checksum)
	assert.Equal(t, int64(len(content)), artifact.Size)

	stored, err := st.GetArtifact(artifact.Checksum)
	assert.NoError(t, err)
	assert.Equal(t, content, stored)
}

func TestFetchIntegrityMismatchDiscardsArtifact(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("tampered content"))
		}),
	)
	defer server.Close()

	st := memoryStore.New()
	f := testFetcher(server.URL, "", st)

	_, err := f.Fetch(context.Background(), lockfile.Declared{
		Name:      "left-pad",
		Version:   "1.3.0",
		Resolved:  server.URL + "/left-pad/-/left-pad-1.3.0.tgz",
		Integrity: sriFor([]byte("original content")),
	})

	var integrity *IntegrityError
	assert.ErrorAs(t, err, &integrity)
	assert.Equal(t, "sha512", integrity.Algorithm)
	assert.Equal(t, 0, st.Count())
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	content := []byte("eventually served")

	var calls atomic.Int32
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write(content)
		}),
	)
	defer server.Close()

	f := testFetcher(server.URL, "", memoryStore.New())

	_, err := f.Fetch(context.Background(), lockfile.Declared{
		Name:      "flaky",
		Version:   "1.0.0",
		Resolved:  server.URL + "/flaky/-/flaky-1.0.0.tgz",
		Integrity: sriFor(content),
	})
	assert.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTimesOutOnHungRepository(t *testing.T) {
	// A repository that accepts the connection but never answers must
	// surface as a download failure, not hold the stage open.
	server := httptest.NewServer(
		http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}),
	)
	defer server.Close()

	f := New(
		config.FetcherConfig{
			Attempts:        2,
			InitialInterval: time.Millisecond,
			RequestTimeout:  20 * time.Millisecond,
		},
		config.RepoConfig{BaseURL: server.URL},
		config.RepoConfig{},
		memoryStore.New(),
	)

	done := make(chan error, 1)
	go func() {
		_, err := f.Fetch(context.Background(), lockfile.Declared{
			Name:      "stuck",
			Version:   "1.0.0",
			Resolved:  server.URL + "/stuck/-/stuck-1.0.0.tgz",
			Integrity: "sha512-irrelevant",
		})
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not return after the per-request timeout")
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}),
	)
	defer server.Close()

	f := testFetcher(server.URL, "", memoryStore.New())

	_, err := f.Fetch(context.Background(), lockfile.Declared{
		Name:      "gone",
		Version:   "1.0.0",
		Resolved:  server.URL + "/gone/-/gone-1.0.0.tgz",
		Integrity: "sha512-irrelevant",
	})

	var download *DownloadError
	assert.ErrorAs(t, err, &download)
	assert.Equal(t, http.StatusNotFound, download.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMetaParsesLicenseForms(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			switch r.URL.Path {
			case "/modern":
				_, _ = w.Write([]byte(`{
					"license": "ISC",
					"versions": {"2.0.0": {"license": "MIT"}}
				}`))
			case "/legacy":
				_, _ = w.Write([]byte(`{
					"license": {"type": "BSD-3-Clause"}
				}`))
			case "/bare":
				_, _ = w.Write([]byte(`{}`))
			default:
				w.WriteHeader(http.StatusNotFound)
			}
		}),
	)
	defer server.Close()

	f := testFetcher(server.URL, "", memoryStore.New())
	ctx := context.Background()

	// The exact version's declaration wins over the document-level one.
	meta, err := f.Meta(ctx, "modern", "2.0.0")
	assert.NoError(t, err)
	assert.Equal(t, "MIT", meta.License)

	// An unlisted version falls back to the document-level license.
	meta, err = f.Meta(ctx, "modern", "9.9.9")
	assert.NoError(t, err)
	assert.Equal(t, "ISC", meta.License)

	meta, err = f.Meta(ctx, "legacy", "1.0.0")
	assert.NoError(t, err)
	assert.Equal(t, "BSD-3-Clause", meta.License)

	// Missing metadata is not an error.
	meta, err = f.Meta(ctx, "bare", "1.0.0")
	assert.NoError(t, err)
	assert.Empty(t, meta.License)
}

func TestPublishUploadsTarball(t *testing.T) {
	content := []byte("approved artifact")

	var method, path atomic.Value
	server := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method.Store(r.Method)
			path.Store(r.URL.Path)
			w.WriteHeader(http.StatusCreated)
		}),
	)
	defer server.Close()

	f := testFetcher("", server.URL, memoryStore.New())

	err := f.Publish(context.Background(), "@scope/pkg", "1.2.3", content)
	assert.NoError(t, err)
	assert.Equal(t, http.MethodPut, method.Load())
	// Scoped names keep the scope in the directory but not the basename.
	assert.Equal(t, "/@scope/pkg/-/pkg-1.2.3.tgz", path.Load())
}

func TestPublishWithoutTarget(t *testing.T) {
	f := testFetcher("", "", memoryStore.New())
	assert.Error(t, f.Publish(context.Background(), "x", "1.0.0", nil))
}

func TestVerifyIntegrityPicksStrongestDigest(t *testing.T) {
	content := []byte("content")

	sha256Sum := sha256.Sum256(content)
	good512 := sriFor(content)
	bad256 := "sha256-" + base64.StdEncoding.EncodeToString(sha256Sum[:])

	// sha512 is checked even when a weaker digest is listed first.
	assert.NoError(t, verifyIntegrity("u", bad256+" "+good512, content))

	var unsupported *UnsupportedIntegrityError
	err := verifyIntegrity("u", "md5-deadbeef", content)
	assert.ErrorAs(t, err, &unsupported)
}

func TestRewriteURL(t *testing.T) {
	rewritten, err := rewriteURL(
		"https://registry.npmjs.org/a/-/a-1.0.0.tgz",
		"http://mirror.internal:8443",
	)
	assert.NoError(t, err)
	assert.Equal(t, "http://mirror.internal:8443/a/-/a-1.0.0.tgz", rewritten)

	// A base path is prefixed onto the artifact path.
	rewritten, err = rewriteURL(
		"https://registry.npmjs.org/a/-/a-1.0.0.tgz",
		"https://repo.internal/npm-proxy/",
	)
	assert.NoError(t, err)
	assert.Equal(t, "https://repo.internal/npm-proxy/a/-/a-1.0.0.tgz", rewritten)

	// No base keeps the resolved URL verbatim.
	rewritten, err = rewriteURL("https://registry.npmjs.org/a.tgz", "")
	assert.NoError(t, err)
	assert.Equal(t, "https://registry.npmjs.org/a.tgz", rewritten)
}
