package orm

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LookupOrInsertPackage atomically resolves a coordinate against the
// catalog. The unique index on (name, version) plus ON CONFLICT DO
// NOTHING makes the insert race-free across concurrent requests; the
// returned flag reports whether this call created the record. When the
// coordinate already existed, pkg is reloaded with the stored record.
func (db *DB) LookupOrInsertPackage(ctx context.Context, pkg *Package) (bool, error) {
	if pkg.Name == "" || pkg.Version == "" {
		return false, &BadInputError{
			Reason: fmt.Sprintf(
				"package coordinate must be complete: name=%q, version=%q",
				pkg.Name,
				pkg.Version,
			),
		}
	}

	detailString := fmt.Sprintf("name=%q, version=%q", pkg.Name, pkg.Version)

	res := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "version"}},
		DoNothing: true,
	}).Create(pkg)
	if res.Error != nil {
		return false, wrapErrorWithDetails(res.Error, "insert package", detailString)
	}

	if res.RowsAffected > 0 {
		return true, nil
	}

	// Lost the insert race or the coordinate predates this request;
	// load the canonical record.
	var existing Package
	err := db.gorm.WithContext(ctx).
		Preload("Status").
		Where(&Package{Name: pkg.Name, Version: pkg.Version}).
		First(&existing).Error
	if err != nil {
		return false, wrapErrorWithDetails(err, "load existing package", detailString)
	}

	*pkg = existing

	return false, nil
}

// GetPackage loads one package with its live status.
func (db *DB) GetPackage(ctx context.Context, packageID string) (*Package, error) {
	if packageID == "" {
		return nil, &BadInputError{Reason: "package id must be provided"}
	}

	var pkg Package
	err := db.gorm.WithContext(ctx).
		Preload("Status").
		Where(&Package{ID: packageID}).
		First(&pkg).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get package",
			fmt.Sprintf("id=%q", packageID),
		)
	}

	return &pkg, nil
}

// UpdatePackageArtifact records the download result on the catalog row.
func (db *DB) UpdatePackageArtifact(
	ctx context.Context,
	packageID, checksum string,
	fileSize int64,
) error {
	res := db.gorm.WithContext(ctx).
		Model(&Package{}).
		Where("id = ?", packageID).
		Updates(map[string]any{
			"checksum":  checksum,
			"file_size": fileSize,
		})
	if res.Error != nil {
		return wrapErrorWithDetails(
			res.Error,
			"update package artifact",
			fmt.Sprintf("id=%q", packageID),
		)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Search: fmt.Sprintf("package id=%q", packageID)}
	}

	return nil
}

// UpdatePackageLicense records the resolved license on the catalog row.
func (db *DB) UpdatePackageLicense(
	ctx context.Context,
	packageID, licenseID, licenseText string,
) error {
	res := db.gorm.WithContext(ctx).
		Model(&Package{}).
		Where("id = ?", packageID).
		Updates(map[string]any{
			"license_id":   licenseID,
			"license_text": licenseText,
		})
	if res.Error != nil {
		return wrapErrorWithDetails(
			res.Error,
			"update package license",
			fmt.Sprintf("id=%q", packageID),
		)
	}
	if res.RowsAffected == 0 {
		return &NotFoundError{Search: fmt.Sprintf("package id=%q", packageID)}
	}

	return nil
}

// CreateLink records that a request references a package. Links are
// idempotent per (request, package) pair.
func (db *DB) CreateLink(
	ctx context.Context,
	requestID, packageID string,
	alreadyProcessed bool,
) error {
	if requestID == "" || packageID == "" {
		return &BadInputError{
			Reason: fmt.Sprintf(
				"link requires both ids: request=%q, package=%q",
				requestID,
				packageID,
			),
		}
	}

	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}, {Name: "package_id"}},
		DoNothing: true,
	}).Create(&RequestPackage{
		RequestID:        requestID,
		PackageID:        packageID,
		AlreadyProcessed: alreadyProcessed,
	}).Error

	return wrapErrorWithDetails(
		err,
		"create request-package link",
		fmt.Sprintf("request=%q, package=%q", requestID, packageID),
	)
}

// LinkedPackage pairs a catalog record with its link metadata for status
// queries.
type LinkedPackage struct {
	Package          Package
	AlreadyProcessed bool
}

// GetLinkedPackages returns every package a request references, with live
// statuses, in link-creation order.
func (db *DB) GetLinkedPackages(
	ctx context.Context,
	requestID string,
) ([]LinkedPackage, error) {
	var links []RequestPackage
	err := db.gorm.WithContext(ctx).
		Where(&RequestPackage{RequestID: requestID}).
		Order("created_at").
		Find(&links).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get request links",
			fmt.Sprintf("request=%q", requestID),
		)
	}

	linked := make([]LinkedPackage, 0, len(links))
	for _, link := range links {
		pkg, err := db.GetPackage(ctx, link.PackageID)
		if err != nil {
			return nil, err
		}
		linked = append(linked, LinkedPackage{
			Package:          *pkg,
			AlreadyProcessed: link.AlreadyProcessed,
		})
	}

	return linked, nil
}

// CountPackages reports the catalog size for a coordinate; used by tests
// to assert dedup.
func (db *DB) CountPackages(ctx context.Context, name, version string) (int64, error) {
	var count int64
	err := db.gorm.WithContext(ctx).
		Model(&Package{}).
		Where("name = ? AND version = ?", name, version).
		Count(&count).Error
	if err != nil {
		return 0, wrapErrorWithDetails(
			err,
			"count packages",
			fmt.Sprintf("name=%q, version=%q", name, version),
		)
	}

	return count, nil
}

// Transaction runs fn inside one database transaction.
func (db *DB) Transaction(fn func(tx *DB) error) error {
	//nolint:wrapcheck // Errors from fn are already wrapped
	return db.gorm.Transaction(func(tx *gorm.DB) error {
		return fn(&DB{gorm: tx})
	})
}
