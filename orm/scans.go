package orm

import (
	"context"
	"fmt"
)

// RecordScan appends one scan attempt to the package's scan history.
func (db *DB) RecordScan(ctx context.Context, scan *VulnerabilityScan) error {
	if scan.ID == "" || scan.PackageID == "" {
		return &BadInputError{
			Reason: fmt.Sprintf(
				"scan requires ids: scan=%q, package=%q",
				scan.ID,
				scan.PackageID,
			),
		}
	}

	err := db.gorm.WithContext(ctx).Create(scan).Error

	return wrapErrorWithDetails(
		err,
		"record vulnerability scan",
		fmt.Sprintf("scan=%q, package=%q", scan.ID, scan.PackageID),
	)
}

// GetScans returns the scan history for a package, newest first.
func (db *DB) GetScans(ctx context.Context, packageID string) ([]VulnerabilityScan, error) {
	var scans []VulnerabilityScan
	err := db.gorm.WithContext(ctx).
		Where(&VulnerabilityScan{PackageID: packageID}).
		Order("completed_at DESC").
		Find(&scans).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get vulnerability scans",
			fmt.Sprintf("package=%q", packageID),
		)
	}

	return scans, nil
}
