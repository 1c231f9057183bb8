package main

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"depvet/api"
	"depvet/config"
	"depvet/fetcher"
	"depvet/license"
	"depvet/orm"
	"depvet/pipeline"
	"depvet/scanner"
	"depvet/store/memoryStore"
)

// fakeUpstream plays the source repository: package documents with
// licenses and the tarballs the lockfiles point at.
type fakeUpstream struct {
	licenses     map[string]string
	tarballGets  atomic.Int32
	metadataGets atomic.Int32
}

func (u *fakeUpstream) tarball(name, version string) []byte {
	return []byte("tarball:" + name + "@" + version)
}

func (u *fakeUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Tarball paths look like /{name}/-/{base}-{version}.tgz
		if idx := strings.Index(path, "/-/"); idx >= 0 {
			u.tarballGets.Add(1)
			name := path[1:idx]
			file := strings.TrimSuffix(path[idx+len("/-/"):], ".tgz")
			version := strings.TrimPrefix(file, tarballBase(name)+"-")
			_, _ = w.Write(u.tarball(name, version))

			return
		}

		u.metadataGets.Add(1)
		name := strings.TrimPrefix(path, "/")
		lic, ok := u.licenses[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)

			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"license": %q}`, lic)
	})
}

func tarballBase(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}

	return name
}

// fakeScanService plays the vulnerability scanner with switchable
// behavior for failure-path tests.
type fakeScanService struct {
	failNext atomic.Bool
	scans    atomic.Int32
	counts   orm.SeverityCounts
}

func (s *fakeScanService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/scans", func(w http.ResponseWriter, _ *http.Request) {
		s.scans.Add(1)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id": "scan-1"}`))
	})
	mux.HandleFunc("GET /api/v1/scans/scan-1", func(w http.ResponseWriter, _ *http.Request) {
		if s.failNext.Load() {
			_, _ = w.Write([]byte(`{"status": "failed", "error": "scanner crashed"}`))

			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          "completed",
			"scanner_version": "4.2.0",
			"severities":      s.counts,
		})
	})

	return mux
}

type testEnv struct {
	server   *api.Server
	pipeline *pipeline.Pipeline
	db       *orm.DB
	upstream *fakeUpstream
	scans    *fakeScanService
	target   *httptest.Server
	puts     *atomic.Int32
}

func newTestEnv(t *testing.T, licenses map[string]string) *testEnv {
	t.Helper()

	upstream := &fakeUpstream{licenses: licenses}
	upstreamServer := httptest.NewServer(upstream.handler())
	t.Cleanup(upstreamServer.Close)

	scans := &fakeScanService{}
	scanServer := httptest.NewServer(scans.handler())
	t.Cleanup(scanServer.Close)

	var puts atomic.Int32
	target := httptest.NewServer(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			puts.Add(1)
			w.WriteHeader(http.StatusCreated)
		}),
	)
	t.Cleanup(target.Close)

	cfg := &config.AppConfig{
		BodyLimitMB: 5,
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			Path:   ":memory:",
		},
		SourceRepo: config.RepoConfig{BaseURL: upstreamServer.URL},
		TargetRepo: config.RepoConfig{BaseURL: target.URL},
		Scanner: config.ScannerConfig{
			Endpoint:     scanServer.URL,
			Timeout:      5 * time.Second,
			PollInterval: time.Millisecond,
			Weights: config.SeverityWeights{
				Critical: 25, High: 10, Medium: 4, Low: 1, Info: 0.1,
			},
		},
		Fetcher: config.FetcherConfig{
			Attempts:        2,
			InitialInterval: time.Millisecond,
		},
		Admission:   config.AdmissionConfig{Policy: pipeline.PolicyReject},
		Concurrency: config.ConcurrencyConfig{Downloads: 4, Scans: 2},
	}

	db, err := orm.Open(cfg.Database)
	assert.NoError(t, err)

	assert.NoError(t, seedPolicies(db))

	st := memoryStore.New()
	f := fetcher.New(cfg.Fetcher, cfg.SourceRepo, cfg.TargetRepo, st)
	sc := scanner.New(cfg.Scanner)
	p := pipeline.New(db, st, f, sc, cfg.Admission, cfg.Concurrency)

	return &testEnv{
		server:   api.New(cfg, p, db),
		pipeline: p,
		db:       db,
		upstream: upstream,
		scans:    scans,
		target:   target,
		puts:     &puts,
	}
}

func (env *testEnv) lockfile(appName string, packages ...[2]string) []byte {
	entries := map[string]any{
		"": map[string]any{"name": appName, "version": "1.0.0"},
	}
	for _, pkg := range packages {
		name, version := pkg[0], pkg[1]
		tarball := env.upstream.tarball(name, version)
		sum := sha512.Sum512(tarball)

		entries["node_modules/"+name] = map[string]any{
			"version": version,
			"resolved": fmt.Sprintf(
				"https://registry.npmjs.org/%s/-/%s-%s.tgz",
				name, tarballBase(name), version,
			),
			"integrity": "sha512-" + base64.StdEncoding.EncodeToString(sum[:]),
		}
	}

	content, _ := json.Marshal(map[string]any{
		"name":            appName,
		"version":         "1.0.0",
		"lockfileVersion": 3,
		"packages":        entries,
	})

	return content
}

func (env *testEnv) do(t *testing.T, method, path, userID string, body []byte) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := env.server.App().Test(req, -1)
	assert.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		assert.NoError(t, json.Unmarshal(raw, &decoded))
	}

	return resp.StatusCode, decoded
}

func (env *testEnv) submitAndWait(t *testing.T, userID string, lockfile []byte) string {
	t.Helper()

	status, body := env.do(t, http.MethodPost, "/api/v1/requests", userID, lockfile)
	assert.Equal(t, http.StatusCreated, status)

	requestID, _ := body["requestId"].(string)
	assert.NotEmpty(t, requestID)

	env.pipeline.Wait()

	return requestID
}

func (env *testEnv) requestPackages(t *testing.T, requestID string) (string, []map[string]any) {
	t.Helper()

	status, body := env.do(t, http.MethodGet, "/api/v1/requests/"+requestID, "", nil)
	assert.Equal(t, http.StatusOK, status)

	aggregate, _ := body["status"].(string)
	rawPackages, _ := body["packages"].([]any)

	packages := make([]map[string]any, 0, len(rawPackages))
	for _, raw := range rawPackages {
		pkg, _ := raw.(map[string]any)
		packages = append(packages, pkg)
	}

	return aggregate, packages
}

func packageState(pkg map[string]any) string {
	status, _ := pkg["status"].(map[string]any)
	state, _ := status["state"].(string)

	return state
}

func TestFullVettingFlow(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"left-pad": "MIT",
		"lodash":   "MIT",
	})
	env.scans.counts = orm.SeverityCounts{High: 1}

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend",
		[2]string{"left-pad", "1.3.0"},
		[2]string{"lodash", "4.17.21"},
	))

	aggregate, packages := env.requestPackages(t, requestID)
	assert.Equal(t, "pending_approval", aggregate)
	assert.Len(t, packages, 2)

	ids := make([]string, 0, 2)
	for _, pkg := range packages {
		assert.Equal(t, "pending_approval", packageState(pkg))

		status := pkg["status"].(map[string]any)
		assert.Equal(t, 100.0, status["licenseScore"])
		assert.Equal(t, 90.0, status["securityScore"])

		id, _ := pkg["id"].(string)
		ids = append(ids, id)
	}

	// Approve the batch, then publish each package to the target.
	body, _ := json.Marshal(map[string]any{
		"packageIds": ids,
		"reason":     "vetted by security team",
	})
	status, _ := env.do(t, http.MethodPost, "/api/v1/packages/approve", "", body)
	assert.Equal(t, http.StatusOK, status)

	for _, id := range ids {
		status, _ := env.do(t, http.MethodPost, "/api/v1/packages/"+id+"/publish", "", nil)
		assert.Equal(t, http.StatusOK, status)
	}
	assert.Equal(t, int32(2), env.puts.Load())

	aggregate, packages = env.requestPackages(t, requestID)
	assert.Equal(t, "published", aggregate)

	// The approval reason stays on the record through publication.
	for _, pkg := range packages {
		status := pkg["status"].(map[string]any)
		assert.Equal(t, "vetted by security team", status["decisionReason"])
	}
}

func TestDeduplicationAcrossRequests(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT", "lodash": "MIT"})

	first := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"left-pad", "1.3.0"},
	))
	_, packages := env.requestPackages(t, first)
	id, _ := packages[0]["id"].(string)

	body, _ := json.Marshal(map[string]any{"packageIds": []string{id}})
	status, _ := env.do(t, http.MethodPost, "/api/v1/packages/approve", "", body)
	assert.Equal(t, http.StatusOK, status)

	scansBefore := env.scans.scans.Load()
	tarballsBefore := env.upstream.tarballGets.Load()

	// A second team submits the same coordinate plus one new package:
	// the known one is linked without reprocessing, only the new one
	// consumes a download and a scan.
	second := env.submitAndWait(t, "bob", env.lockfile(
		"backend",
		[2]string{"left-pad", "1.3.0"},
		[2]string{"lodash", "4.17.21"},
	))

	aggregate, packages := env.requestPackages(t, second)
	assert.Equal(t, "pending_approval", aggregate)
	assert.Len(t, packages, 2)

	for _, pkg := range packages {
		switch pkg["name"] {
		case "left-pad":
			assert.Equal(t, id, pkg["id"])
			assert.Equal(t, true, pkg["alreadyProcessed"])
			assert.Equal(t, "approved", packageState(pkg))
		case "lodash":
			assert.Equal(t, false, pkg["alreadyProcessed"])
			assert.Equal(t, "pending_approval", packageState(pkg))
		}
	}

	assert.Equal(t, scansBefore+1, env.scans.scans.Load())
	assert.Equal(t, tarballsBefore+1, env.upstream.tarballGets.Load())
}

func TestBlockedLicenseSkipsDownloadAndScan(t *testing.T) {
	env := newTestEnv(t, map[string]string{"copyleft-lib": "AGPL-3.0"})

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"copyleft-lib", "2.0.0"},
	))

	aggregate, packages := env.requestPackages(t, requestID)
	assert.Equal(t, "rejected", aggregate)
	assert.Equal(t, "rejected", packageState(packages[0]))

	// The blocked package never consumed a download or a scan.
	assert.Equal(t, int32(0), env.upstream.tarballGets.Load())
	assert.Equal(t, int32(0), env.scans.scans.Load())
}

func TestScanFailureIsRetryableAndReusesArtifact(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT"})
	env.scans.failNext.Store(true)

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"left-pad", "1.3.0"},
	))

	aggregate, packages := env.requestPackages(t, requestID)
	assert.Equal(t, "processing_incomplete", aggregate)
	assert.Equal(t, "scan_failed", packageState(packages[0]))

	status := packages[0]["status"].(map[string]any)
	assert.Equal(t, "scan", status["failedStage"])
	assert.Contains(t, status["failureReason"], "scanner crashed")

	tarballsBefore := env.upstream.tarballGets.Load()

	// Scanner recovers; a manual retry repeats only the scan stage.
	env.scans.failNext.Store(false)
	id, _ := packages[0]["id"].(string)
	code, _ := env.do(t, http.MethodPost, "/api/v1/packages/"+id+"/retry", "", nil)
	assert.Equal(t, http.StatusAccepted, code)
	env.pipeline.Wait()

	aggregate, packages = env.requestPackages(t, requestID)
	assert.Equal(t, "pending_approval", aggregate)
	assert.Equal(t, "pending_approval", packageState(packages[0]))
	assert.Equal(t, tarballsBefore, env.upstream.tarballGets.Load())
}

func TestRecoverResumesInterruptedPackages(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT", "lodash": "MIT"})
	ctx := context.Background()

	// seed plants a catalogued package in the state a crashed process
	// would have left it in.
	seed := func(name, version string, path ...orm.State) string {
		t.Helper()

		tarball := env.upstream.tarball(name, version)
		sum := sha512.Sum512(tarball)

		pkg := &orm.Package{
			ID:      uuid.NewString(),
			Name:    name,
			Version: version,
			SourceURL: fmt.Sprintf(
				"https://registry.npmjs.org/%s/-/%s-%s.tgz",
				name, name, version,
			),
			Integrity: "sha512-" + base64.StdEncoding.EncodeToString(sum[:]),
		}
		created, err := env.db.LookupOrInsertPackage(ctx, pkg)
		assert.NoError(t, err)
		assert.True(t, created)
		assert.NoError(t, env.db.CreateStatus(ctx, pkg.ID))

		from := orm.StateRequested
		for _, to := range path {
			ok, err := env.db.TransitionStatus(ctx, pkg.ID, from, to, nil)
			assert.NoError(t, err)
			assert.True(t, ok)
			from = to
		}

		return pkg.ID
	}

	// One package died mid-download, another right after scoring.
	stranded := seed("left-pad", "1.3.0",
		orm.StateCheckingLicense,
		orm.StateLicenseChecked,
		orm.StateDownloading,
	)
	scored := seed("lodash", "4.17.21",
		orm.StateCheckingLicense,
		orm.StateLicenseChecked,
		orm.StateDownloading,
		orm.StateDownloaded,
		orm.StateScanning,
		orm.StateScanned,
	)

	resumed, err := env.pipeline.Recover(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, resumed)
	env.pipeline.Wait()

	status, err := env.db.GetStatus(ctx, stranded)
	assert.NoError(t, err)
	assert.Equal(t, orm.StatePendingApproval, status.State)

	status, err = env.db.GetStatus(ctx, scored)
	assert.NoError(t, err)
	assert.Equal(t, orm.StatePendingApproval, status.State)
}

func TestRejectFailedPackageWithReason(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT"})
	env.scans.failNext.Store(true)

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"left-pad", "1.3.0"},
	))

	_, packages := env.requestPackages(t, requestID)
	id, _ := packages[0]["id"].(string)

	body, _ := json.Marshal(map[string]any{
		"packageIds": []string{id},
		"reason":     "abandoned upstream",
	})
	code, _ := env.do(t, http.MethodPost, "/api/v1/packages/reject", "", body)
	assert.Equal(t, http.StatusOK, code)

	aggregate, packages := env.requestPackages(t, requestID)
	assert.Equal(t, "rejected", aggregate)
	status := packages[0]["status"].(map[string]any)
	assert.Equal(t, "abandoned upstream", status["decisionReason"])

	// The stale stage failure does not linger next to the decision.
	assert.Nil(t, status["failureReason"])
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, map[string]string{})

	// Missing user id.
	code, _ := env.do(t, http.MethodPost, "/api/v1/requests", "", []byte("{}"))
	assert.Equal(t, http.StatusBadRequest, code)

	// Malformed lockfile.
	code, _ = env.do(t, http.MethodPost, "/api/v1/requests", "alice", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, code)

	// Unsupported lockfile version.
	code, _ = env.do(
		t,
		http.MethodPost,
		"/api/v1/requests",
		"alice",
		[]byte(`{"lockfileVersion": 1, "dependencies": {}}`),
	)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestApproveRequiresPendingApproval(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT"})
	env.scans.failNext.Store(true)

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"left-pad", "1.3.0"},
	))

	_, packages := env.requestPackages(t, requestID)
	id, _ := packages[0]["id"].(string)

	// scan_failed cannot be approved, only retried or rejected.
	body, _ := json.Marshal(map[string]any{"packageIds": []string{id}})
	code, _ := env.do(t, http.MethodPost, "/api/v1/packages/approve", "", body)
	assert.Equal(t, http.StatusConflict, code)
}

func TestScanHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t, map[string]string{"left-pad": "MIT"})
	env.scans.counts = orm.SeverityCounts{Medium: 3}

	requestID := env.submitAndWait(t, "alice", env.lockfile(
		"frontend", [2]string{"left-pad", "1.3.0"},
	))

	_, packages := env.requestPackages(t, requestID)
	id, _ := packages[0]["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/packages/"+id+"/scans", nil)
	resp, err := env.server.App().Test(req, -1)
	assert.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var scans []map[string]any
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&scans))
	assert.Len(t, scans, 1)
	assert.Equal(t, 3.0, scans[0]["medium"])
	assert.Equal(t, "4.2.0", scans[0]["scannerVersion"])
}

func TestLicenseDefaultsSeeded(t *testing.T) {
	env := newTestEnv(t, map[string]string{})

	code, body := env.do(t, http.MethodGet, "/api/v1/policies", "", nil)
	assert.Equal(t, http.StatusOK, code)

	for _, def := range license.Defaults {
		assert.Equal(t, string(def.Tier), body[def.ID])
	}
}
