// Package pipeline orchestrates the vetting flow: lockfile submission,
// catalog dedup, license resolution, artifact download, vulnerability
// scanning, human approval and publication. All progress lives in the
// per-package status row, so the pipeline survives restarts without an
// in-memory work queue.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/package-url/packageurl-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"depvet/config"
	"depvet/fetcher"
	"depvet/license"
	"depvet/lockfile"
	"depvet/orm"
	"depvet/scanner"
	"depvet/store"
)

// Pipeline wires the catalog, artifact store, fetcher and scanner into
// the per-package processing chain.
type Pipeline struct {
	db        *orm.DB
	store     store.Store
	fetcher   *fetcher.Fetcher
	scanner   *scanner.Client
	admission *admission

	downloadSem *semaphore.Weighted
	scanSem     *semaphore.Weighted

	wg sync.WaitGroup
}

// Submission summarizes an accepted lockfile.
type Submission struct {
	RequestID   string `json:"requestId"`
	AppName     string `json:"appName"`
	AppVersion  string `json:"appVersion"`
	Packages    int    `json:"packages"`
	NewPackages int    `json:"newPackages"`
}

// PackageView is one package in a request status response.
type PackageView struct {
	orm.Package
	AlreadyProcessed bool `json:"alreadyProcessed"`
}

// RequestView is the full status response for one request.
type RequestView struct {
	Request  orm.Request   `json:"request"`
	Status   string        `json:"status"`
	Packages []PackageView `json:"packages"`
}

// New creates a pipeline. Download and scan parallelism are bounded by
// the configured limits.
func New(
	db *orm.DB,
	st store.Store,
	f *fetcher.Fetcher,
	sc *scanner.Client,
	admissionCfg config.AdmissionConfig,
	concurrency config.ConcurrencyConfig,
) *Pipeline {
	downloads := concurrency.Downloads
	if downloads < 1 {
		downloads = 1
	}
	scans := concurrency.Scans
	if scans < 1 {
		scans = 1
	}

	return &Pipeline{
		db:          db,
		store:       st,
		fetcher:     f,
		scanner:     sc,
		admission:   newAdmission(admissionCfg.Policy),
		downloadSem: semaphore.NewWeighted(downloads),
		scanSem:     semaphore.NewWeighted(scans),
	}
}

// Submit parses a lockfile, records the request, resolves every declared
// coordinate against the catalog and dispatches processing for the
// coordinates this submission introduced. Packages already known to the
// catalog are linked without reprocessing.
func (p *Pipeline) Submit(ctx context.Context, userID string, body []byte) (*Submission, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, &orm.BadInputError{Reason: "user id must be provided"}
	}

	release, err := p.admission.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	lf, err := lockfile.Parse(body)
	if err != nil {
		return nil, err
	}

	request := &orm.Request{
		ID:         uuid.NewString(),
		AppName:    lf.AppName,
		AppVersion: lf.AppVersion,
		UserID:     userID,
		Lockfile:   body,
	}
	if err := p.db.CreateRequest(ctx, request); err != nil {
		return nil, err
	}

	newCount := 0
	for _, declared := range lf.Packages {
		pkg := &orm.Package{
			ID:           uuid.NewString(),
			Name:         declared.Name,
			Version:      declared.Version,
			SourceURL:    declared.Resolved,
			Integrity:    declared.Integrity,
			Purl:         buildPurl(declared.Name, declared.Version),
			VersionMajor: declared.Major,
			VersionMinor: declared.Minor,
			VersionPatch: declared.Patch,
		}

		created, err := p.db.LookupOrInsertPackage(ctx, pkg)
		if err != nil {
			return nil, err
		}

		alreadyProcessed := !created &&
			pkg.Status != nil &&
			pkg.Status.State.Terminal()

		if err := p.db.CreateLink(ctx, request.ID, pkg.ID, alreadyProcessed); err != nil {
			return nil, err
		}

		if !created {
			continue
		}

		if err := p.db.CreateStatus(ctx, pkg.ID); err != nil {
			return nil, err
		}

		newCount++
		p.dispatch(*pkg)
	}

	log.Info().
		Str("request", request.ID).
		Str("user", userID).
		Int("packages", len(lf.Packages)).
		Int("new_packages", newCount).
		Msg("lockfile accepted")

	return &Submission{
		RequestID:   request.ID,
		AppName:     lf.AppName,
		AppVersion:  lf.AppVersion,
		Packages:    len(lf.Packages),
		NewPackages: newCount,
	}, nil
}

// Status resolves the aggregate and per-package view of one request.
func (p *Pipeline) Status(ctx context.Context, requestID string) (*RequestView, error) {
	request, err := p.db.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	linked, err := p.db.GetLinkedPackages(ctx, requestID)
	if err != nil {
		return nil, err
	}

	statuses := make([]orm.PackageStatus, 0, len(linked))
	packages := make([]PackageView, 0, len(linked))
	for _, link := range linked {
		if link.Package.Status != nil {
			statuses = append(statuses, *link.Package.Status)
		}
		packages = append(packages, PackageView{
			Package:          link.Package,
			AlreadyProcessed: link.AlreadyProcessed,
		})
	}

	return &RequestView{
		Request:  *request,
		Status:   Aggregate(statuses),
		Packages: packages,
	}, nil
}

// Retry re-runs the failed stage of a package and, on success, lets the
// remaining stages continue. Only stage failures are retryable.
func (p *Pipeline) Retry(ctx context.Context, packageID string) error {
	pkg, err := p.db.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}
	if pkg.Status == nil || !pkg.Status.State.Failed() {
		return &orm.ConflictError{
			Conflict: fmt.Sprintf(
				"package %q is not in a failed state",
				packageID,
			),
		}
	}

	p.resume(*pkg, pkg.Status.State)

	return nil
}

// Recover resumes packages a previous process left mid-flight. Stages
// that were interrupted while active are recorded as failures first, so
// the failure reason survives, then every resumable package is
// re-dispatched from its stage entry. Called once at startup, before the
// server accepts traffic.
func (p *Pipeline) Recover(ctx context.Context) (int, error) {
	interrupted := map[orm.State]orm.State{
		orm.StateCheckingLicense: orm.StateLicenseFailed,
		orm.StateDownloading:     orm.StateDownloadFailed,
		orm.StateScanning:        orm.StateScanFailed,
	}

	statuses, err := p.db.GetStatusesByState(ctx,
		orm.StateRequested,
		orm.StateCheckingLicense,
		orm.StateLicenseChecked,
		orm.StateDownloading,
		orm.StateDownloaded,
		orm.StateScanning,
		orm.StateScanned,
	)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, status := range statuses {
		state := status.State
		if failed, ok := interrupted[state]; ok {
			marked, err := p.db.FailStatus(
				ctx,
				status.PackageID,
				state,
				failed,
				"processing interrupted by restart",
			)
			if err != nil || !marked {
				p.logClaimFailure(status.PackageID, failed, err)

				continue
			}
			state = failed
		}

		pkg, err := p.db.GetPackage(ctx, status.PackageID)
		if err != nil {
			log.Error().
				Err(err).
				Str("package", status.PackageID).
				Msg("failed to load package for recovery")

			continue
		}

		p.resume(*pkg, state)
		resumed++
	}

	return resumed, nil
}

// resume re-enters the processing chain at the stage the state calls
// for. The claim inside each stage still arbitrates, so a stale state
// argument degrades to a no-op.
func (p *Pipeline) resume(pkg orm.Package, state orm.State) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx := context.Background()
		switch state {
		case orm.StateRequested, orm.StateLicenseFailed:
			if p.runLicense(ctx, pkg, state) {
				p.runChainFromDownload(ctx, pkg)
			}
		case orm.StateLicenseChecked, orm.StateDownloadFailed:
			p.runChainFromDownload(ctx, pkg)
		case orm.StateDownloaded, orm.StateScanFailed:
			// The artifact survived the earlier download; only the scan
			// is repeated.
			p.runScan(ctx, pkg, state)
		case orm.StateScanned:
			if _, err := p.db.TransitionStatus(
				ctx,
				pkg.ID,
				orm.StateScanned,
				orm.StatePendingApproval,
				nil,
			); err != nil {
				log.Error().Err(err).Str("package", pkg.ID).Msg("failed to enter pending approval")
			}
		}
	}()
}

// Approve moves packages from pending approval to approved, recording
// the reviewer's reason. The whole batch is validated before any state
// changes.
func (p *Pipeline) Approve(ctx context.Context, packageIDs []string, reason string) error {
	return p.decide(ctx, packageIDs, orm.StateApproved, reason)
}

// Reject moves packages to rejected with a recorded reason. Both
// pending-approval and failed packages can be rejected.
func (p *Pipeline) Reject(ctx context.Context, packageIDs []string, reason string) error {
	return p.decide(ctx, packageIDs, orm.StateRejected, reason)
}

func (p *Pipeline) decide(
	ctx context.Context,
	packageIDs []string,
	to orm.State,
	reason string,
) error {
	if len(packageIDs) == 0 {
		return &orm.BadInputError{Reason: "at least one package id must be provided"}
	}

	for _, id := range packageIDs {
		status, err := p.db.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if !status.State.CanTransition(to) {
			return &orm.InvalidTransitionError{
				PackageID: id,
				From:      status.State,
				To:        to,
			}
		}
	}

	for _, id := range packageIDs {
		status, err := p.db.GetStatus(ctx, id)
		if err != nil {
			return err
		}

		fields := map[string]any{}
		if reason != "" {
			fields["decision_reason"] = reason
		}

		ok, err := p.db.TransitionStatus(ctx, id, status.State, to, fields)
		if err != nil {
			return err
		}
		if !ok {
			return &orm.ConflictError{
				Conflict: fmt.Sprintf(
					"package %q changed state during the decision",
					id,
				),
			}
		}

		log.Info().
			Str("package", id).
			Str("decision", string(to)).
			Str("reason", reason).
			Msg("approval decision recorded")
	}

	return nil
}

// Publish uploads an approved package's artifact to the target
// repository. On upload failure the package stays approved so the
// operation can simply be repeated.
func (p *Pipeline) Publish(ctx context.Context, packageID string) error {
	pkg, err := p.db.GetPackage(ctx, packageID)
	if err != nil {
		return err
	}
	if pkg.Status == nil || pkg.Status.State != orm.StateApproved {
		return &orm.ConflictError{
			Conflict: fmt.Sprintf("package %q is not approved", packageID),
		}
	}

	content, err := p.store.GetArtifact(pkg.Checksum)
	if err != nil {
		return fmt.Errorf("failed to load artifact for publication: %w", err)
	}

	if err := p.fetcher.Publish(ctx, pkg.Name, pkg.Version, content); err != nil {
		return fmt.Errorf("failed to publish %s@%s: %w", pkg.Name, pkg.Version, err)
	}

	ok, err := p.db.TransitionStatus(
		ctx,
		packageID,
		orm.StateApproved,
		orm.StatePublished,
		nil,
	)
	if err != nil {
		return err
	}
	if !ok {
		return &orm.ConflictError{
			Conflict: fmt.Sprintf(
				"package %q changed state during publication",
				packageID,
			),
		}
	}

	log.Info().
		Str("package", packageID).
		Str("name", pkg.Name).
		Str("version", pkg.Version).
		Msg("package published")

	return nil
}

// Wait blocks until all dispatched package processing has finished.
// Used for shutdown and tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// dispatch starts the processing chain for one freshly catalogued
// package. Processing is detached from the request context: the
// submitter disconnecting must not abort enrichment.
func (p *Pipeline) dispatch(pkg orm.Package) {
	p.resume(pkg, orm.StateRequested)
}

func (p *Pipeline) runChainFromDownload(ctx context.Context, pkg orm.Package) {
	from := orm.StateLicenseChecked
	if pkg.Status != nil && pkg.Status.State == orm.StateDownloadFailed {
		from = orm.StateDownloadFailed
	}

	if p.runDownload(ctx, pkg, from) {
		p.runScan(ctx, pkg, orm.StateDownloaded)
	}
}

// runLicense resolves the package license against the policy table.
// Returns true when the chain should continue to download; a blocked
// license short-circuits to rejected and returns false.
func (p *Pipeline) runLicense(ctx context.Context, pkg orm.Package, from orm.State) bool {
	claimed, err := p.db.TransitionStatus(ctx, pkg.ID, from, orm.StateCheckingLicense, nil)
	if err != nil || !claimed {
		p.logClaimFailure(pkg.ID, orm.StateCheckingLicense, err)

		return false
	}

	policies, err := p.db.GetPolicies(ctx)
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateCheckingLicense, orm.StateLicenseFailed, err)

		return false
	}

	meta, err := p.fetcher.Meta(ctx, pkg.Name, pkg.Version)
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateCheckingLicense, orm.StateLicenseFailed, err)

		return false
	}

	resolution := license.Resolve(meta.License, policies)

	if err := p.db.UpdatePackageLicense(ctx, pkg.ID, resolution.Display, meta.LicenseText); err != nil {
		p.fail(ctx, pkg.ID, orm.StateCheckingLicense, orm.StateLicenseFailed, err)

		return false
	}

	ok, err := p.db.TransitionStatus(
		ctx,
		pkg.ID,
		orm.StateCheckingLicense,
		orm.StateLicenseChecked,
		map[string]any{"license_score": resolution.Score},
	)
	if err != nil || !ok {
		p.logClaimFailure(pkg.ID, orm.StateLicenseChecked, err)

		return false
	}

	log.Debug().
		Str("package", pkg.ID).
		Str("license", resolution.Display).
		Str("tier", string(resolution.Tier)).
		Float64("score", resolution.Score).
		Msg("license resolved")

	if resolution.Tier == license.TierBlocked {
		// No download, no scan: the package can never be approved.
		reason := fmt.Sprintf("license %q is blocked by policy", resolution.Display)
		_, err := p.db.TransitionStatus(
			ctx,
			pkg.ID,
			orm.StateLicenseChecked,
			orm.StateRejected,
			map[string]any{"failure_reason": reason},
		)
		if err != nil {
			log.Error().Err(err).Str("package", pkg.ID).Msg("failed to reject blocked package")
		}

		return false
	}

	return true
}

// runDownload fetches and verifies the artifact. Returns true when the
// chain should continue to scanning.
func (p *Pipeline) runDownload(ctx context.Context, pkg orm.Package, from orm.State) bool {
	if err := p.downloadSem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer p.downloadSem.Release(1)

	claimed, err := p.db.TransitionStatus(ctx, pkg.ID, from, orm.StateDownloading, nil)
	if err != nil || !claimed {
		p.logClaimFailure(pkg.ID, orm.StateDownloading, err)

		return false
	}

	artifact, err := p.fetcher.Fetch(ctx, lockfile.Declared{
		Name:      pkg.Name,
		Version:   pkg.Version,
		Resolved:  pkg.SourceURL,
		Integrity: pkg.Integrity,
	})
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateDownloading, orm.StateDownloadFailed, err)

		return false
	}

	if err := p.db.UpdatePackageArtifact(ctx, pkg.ID, artifact.Checksum, artifact.Size); err != nil {
		p.fail(ctx, pkg.ID, orm.StateDownloading, orm.StateDownloadFailed, err)

		return false
	}

	ok, err := p.db.TransitionStatus(ctx, pkg.ID, orm.StateDownloading, orm.StateDownloaded, nil)
	if err != nil || !ok {
		p.logClaimFailure(pkg.ID, orm.StateDownloaded, err)

		return false
	}

	return true
}

// runScan submits the stored artifact to the scanner and records the
// outcome. On success the package lands in pending approval.
func (p *Pipeline) runScan(ctx context.Context, pkg orm.Package, from orm.State) {
	if err := p.scanSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.scanSem.Release(1)

	claimed, err := p.db.TransitionStatus(ctx, pkg.ID, from, orm.StateScanning, nil)
	if err != nil || !claimed {
		p.logClaimFailure(pkg.ID, orm.StateScanning, err)

		return
	}

	// The catalog row may predate this goroutine's copy; the checksum is
	// written by the download stage.
	fresh, err := p.db.GetPackage(ctx, pkg.ID)
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateScanning, orm.StateScanFailed, err)

		return
	}

	content, err := p.store.GetArtifact(fresh.Checksum)
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateScanning, orm.StateScanFailed, err)

		return
	}

	result, err := p.scanner.Scan(ctx, pkg.Name, pkg.Version, content)
	if err != nil {
		p.fail(ctx, pkg.ID, orm.StateScanning, orm.StateScanFailed, err)

		return
	}

	scan := &orm.VulnerabilityScan{
		ID:             uuid.NewString(),
		PackageID:      pkg.ID,
		SeverityCounts: result.Counts,
		RawPayload:     result.RawPayload,
		DurationMS:     result.Duration.Milliseconds(),
		ScannerVersion: result.ScannerVersion,
		CompletedAt:    result.CompletedAt,
	}
	if err := p.db.RecordScan(ctx, scan); err != nil {
		p.fail(ctx, pkg.ID, orm.StateScanning, orm.StateScanFailed, err)

		return
	}

	score := p.scanner.Score(result.Counts)

	ok, err := p.db.TransitionStatus(
		ctx,
		pkg.ID,
		orm.StateScanning,
		orm.StateScanned,
		map[string]any{
			"security_score": score,
			"scan_status":    "completed",
			"critical":       result.Counts.Critical,
			"high":           result.Counts.High,
			"medium":         result.Counts.Medium,
			"low":            result.Counts.Low,
			"info":           result.Counts.Info,
		},
	)
	if err != nil || !ok {
		p.logClaimFailure(pkg.ID, orm.StateScanned, err)

		return
	}

	if _, err := p.db.TransitionStatus(
		ctx,
		pkg.ID,
		orm.StateScanned,
		orm.StatePendingApproval,
		nil,
	); err != nil {
		log.Error().Err(err).Str("package", pkg.ID).Msg("failed to enter pending approval")

		return
	}

	log.Info().
		Str("package", pkg.ID).
		Str("name", pkg.Name).
		Str("version", pkg.Version).
		Float64("security_score", score).
		Msg("package scored, awaiting approval")
}

// fail records a stage failure with its reason. The package stays
// retryable.
func (p *Pipeline) fail(
	ctx context.Context,
	packageID string,
	from, to orm.State,
	cause error,
) {
	log.Warn().
		Err(cause).
		Str("package", packageID).
		Str("state", string(to)).
		Msg("stage failed")

	if _, err := p.db.FailStatus(ctx, packageID, from, to, cause.Error()); err != nil {
		log.Error().Err(err).Str("package", packageID).Msg("failed to record stage failure")
	}
}

func (p *Pipeline) logClaimFailure(packageID string, to orm.State, err error) {
	event := log.Debug()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Str("package", packageID).
		Str("target_state", string(to)).
		Msg("state claim not taken")
}

// buildPurl renders the canonical package URL for a coordinate,
// splitting the scope into the purl namespace.
func buildPurl(name, version string) string {
	namespace := ""
	if strings.HasPrefix(name, "@") {
		if idx := strings.Index(name, "/"); idx > 0 {
			namespace = name[:idx]
			name = name[idx+1:]
		}
	}

	return packageurl.NewPackageURL(
		packageurl.TypeNPM,
		namespace,
		name,
		version,
		nil,
		"",
	).ToString()
}
