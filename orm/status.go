package orm

// State is the per-package processing state. Transitions are driven
// exclusively by the corresponding stage completing or failing; the
// status row is the authority every other component updates.
type State string

const (
	StateRequested       State = "requested"
	StateCheckingLicense State = "checking_license"
	StateLicenseChecked  State = "license_checked"
	StateDownloading     State = "downloading"
	StateDownloaded      State = "downloaded"
	StateScanning        State = "security_scanning"
	StateScanned         State = "security_scanned"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StatePublished       State = "published"

	// Stage-scoped failure markers. Non-terminal: a failed package is
	// manually retried or manually rejected, and never reaches
	// pending_approval on its own.
	StateLicenseFailed  State = "license_failed"
	StateDownloadFailed State = "download_failed"
	StateScanFailed     State = "scan_failed"
)

// Stage names one phase of per-package enrichment.
type Stage string

const (
	StageLicense  Stage = "license"
	StageDownload Stage = "download"
	StageScan     Stage = "scan"
	StagePublish  Stage = "publish"
)

var transitions = map[State][]State{
	StateRequested:       {StateCheckingLicense},
	StateCheckingLicense: {StateLicenseChecked, StateLicenseFailed},
	// Blocked-tier licenses short-circuit straight to rejected without
	// consuming a download or a scan.
	StateLicenseChecked:  {StateDownloading, StateRejected},
	StateDownloading:     {StateDownloaded, StateDownloadFailed},
	StateDownloaded:      {StateScanning},
	StateScanning:        {StateScanned, StateScanFailed},
	StateScanned:         {StatePendingApproval},
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StatePublished},

	// Retry re-enters the failed stage only; manual reject is also legal.
	StateLicenseFailed:  {StateCheckingLicense, StateRejected},
	StateDownloadFailed: {StateDownloading, StateRejected},
	StateScanFailed:     {StateScanning, StateRejected},

	// No state is reachable from rejected or published.
	StateRejected:  {},
	StatePublished: {},
}

// CanTransition reports whether moving from s to next is a legal
// state-machine step.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Terminal reports whether enrichment is finished for good: approved,
// rejected or published. Failure markers are not terminal, they await a
// manual retry or reject.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StatePublished
}

// Failed reports whether s is a stage-scoped failure marker.
func (s State) Failed() bool {
	return s == StateLicenseFailed || s == StateDownloadFailed || s == StateScanFailed
}

// FailedStage returns which stage produced the failure marker s.
func (s State) FailedStage() Stage {
	switch s {
	case StateLicenseFailed:
		return StageLicense
	case StateDownloadFailed:
		return StageDownload
	case StateScanFailed:
		return StageScan
	default:
		return ""
	}
}

// rank orders states by pipeline progress for aggregate reduction.
// Failure markers rank at the position of the stage they interrupted.
var rank = map[State]int{
	StateRequested:       0,
	StateCheckingLicense: 1,
	StateLicenseFailed:   1,
	StateLicenseChecked:  2,
	StateDownloading:     3,
	StateDownloadFailed:  3,
	StateDownloaded:      4,
	StateScanning:        5,
	StateScanFailed:      5,
	StateScanned:         6,
	StatePendingApproval: 7,
	StateApproved:        8,
	StateRejected:        8,
	StatePublished:       9,
}

// Rank returns the progress ordering of s, lower meaning less advanced.
func (s State) Rank() int {
	return rank[s]
}
