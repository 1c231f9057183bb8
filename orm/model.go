package orm

import (
	"time"
)

// Request is one lockfile submission. It is immutable after creation; its
// status is always derived from the linked packages, never stored.
type Request struct {
	ID         string    `gorm:"primaryKey;size:36"                 json:"id"`
	AppName    string    `gorm:"size:255"                           json:"appName"`
	AppVersion string    `gorm:"size:255"                           json:"appVersion"`
	UserID     string    `gorm:"size:255;not null;index"            json:"userId"`
	Lockfile   []byte    `gorm:"not null"                           json:"-"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// Package is a distinct (name, version) coordinate, deduplicated across
// all requests by the unique index. Enrichment fields are filled in as
// processing completes.
type Package struct {
	ID        string `gorm:"primaryKey;size:36"                                json:"id"`
	Name      string `gorm:"size:255;not null;uniqueIndex:idx_package_coordinate" json:"name"`
	Version   string `gorm:"size:255;not null;uniqueIndex:idx_package_coordinate" json:"version"`
	SourceURL string `gorm:"size:1024"                                         json:"sourceUrl"`
	Integrity string `gorm:"size:255"                                          json:"integrity"`
	Purl      string `gorm:"size:512;index"                                    json:"purl"`

	// Semver components when the version parses, for downstream range queries
	VersionMajor *int `json:"versionMajor,omitempty"`
	VersionMinor *int `json:"versionMinor,omitempty"`
	VersionPatch *int `json:"versionPatch,omitempty"`

	LicenseID   string `gorm:"size:255"       json:"licenseId"`
	LicenseText string `json:"licenseText,omitempty"`
	Checksum    string `gorm:"size:64;index"  json:"checksum"`
	FileSize    int64  `json:"fileSize"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`

	Status *PackageStatus `gorm:"foreignKey:PackageID" json:"status,omitempty"`
}

// RequestPackage links requests to the packages they declare, independent
// of processing order. AlreadyProcessed marks links created against a
// package that was terminal before this request arrived.
type RequestPackage struct {
	RequestID        string    `gorm:"primaryKey;size:36"     json:"requestId"`
	PackageID        string    `gorm:"primaryKey;size:36"     json:"packageId"`
	AlreadyProcessed bool      `gorm:"not null;default:false" json:"alreadyProcessed"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// SeverityCounts buckets scanner findings by severity.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// PackageStatus is the single live processing record per package. It is
// superseded in place on update, never appended.
type PackageStatus struct {
	PackageID     string `gorm:"primaryKey;size:36"      json:"packageId"`
	State         State  `gorm:"size:32;not null;index"  json:"state"`
	FailedStage   Stage  `gorm:"size:16"                 json:"failedStage,omitempty"`
	FailureReason string `gorm:"size:1024"               json:"failureReason,omitempty"`

	// DecisionReason is the reviewer's note recorded with an approval or
	// rejection, kept separate from pipeline failure reasons.
	DecisionReason string `gorm:"size:1024" json:"decisionReason,omitempty"`

	LicenseScore  *float64 `json:"licenseScore,omitempty"`
	SecurityScore *float64 `json:"securityScore,omitempty"`
	ScanStatus    string   `gorm:"size:32" json:"scanStatus,omitempty"`

	SeverityCounts `gorm:"embedded" json:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
}

// VulnerabilityScan records one scan attempt. Append-only history; the
// package status reflects the latest completed scan.
type VulnerabilityScan struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	PackageID string `gorm:"size:36;not null;index" json:"packageId"`

	SeverityCounts `gorm:"embedded" json:""`

	RawPayload     []byte    `json:"-"`
	DurationMS     int64     `json:"durationMs"`
	ScannerVersion string    `gorm:"size:64" json:"scannerVersion"`
	CompletedAt    time.Time `json:"completedAt"`
}

// LicensePolicy is an admin-managed policy entry; read-only from the
// pipeline's perspective.
type LicensePolicy struct {
	LicenseID string `gorm:"primaryKey;size:255" json:"licenseId"`
	Name      string `gorm:"size:255"            json:"name"`
	Tier      string `gorm:"size:32;not null"    json:"tier"`
}
