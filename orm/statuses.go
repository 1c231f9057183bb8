package orm

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"
)

// CreateStatus inserts the initial status record for a freshly
// catalogued package. Idempotent: a concurrent insert for the same
// package is a no-op.
func (db *DB) CreateStatus(ctx context.Context, packageID string) error {
	if packageID == "" {
		return &BadInputError{Reason: "package id must be provided"}
	}

	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "package_id"}},
		DoNothing: true,
	}).Create(&PackageStatus{
		PackageID: packageID,
		State:     StateRequested,
	}).Error

	return wrapErrorWithDetails(
		err,
		"create package status",
		fmt.Sprintf("package=%q", packageID),
	)
}

// GetStatus loads the live status record for a package.
func (db *DB) GetStatus(ctx context.Context, packageID string) (*PackageStatus, error) {
	if packageID == "" {
		return nil, &BadInputError{Reason: "package id must be provided"}
	}

	var status PackageStatus
	err := db.gorm.WithContext(ctx).
		Where(&PackageStatus{PackageID: packageID}).
		First(&status).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get package status",
			fmt.Sprintf("package=%q", packageID),
		)
	}

	return &status, nil
}

// GetStatusesByState lists the status rows currently in any of the given
// states. The startup sweep uses it to find work a previous process left
// behind.
func (db *DB) GetStatusesByState(ctx context.Context, states ...State) ([]PackageStatus, error) {
	if len(states) == 0 {
		return nil, &BadInputError{Reason: "at least one state must be provided"}
	}

	var statuses []PackageStatus
	err := db.gorm.WithContext(ctx).
		Where("state IN ?", states).
		Find(&statuses).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get package statuses by state",
			fmt.Sprintf("states=%v", states),
		)
	}

	return statuses, nil
}

// TransitionStatus moves a package from one state to another with a
// conditional UPDATE, carrying any extra status fields in the same
// write. The state compare in the WHERE clause is the claim: exactly one
// caller wins a contested transition, and the claim survives process
// restarts because it lives in the row itself. Returns false when the
// row was not in the expected source state.
func (db *DB) TransitionStatus(
	ctx context.Context,
	packageID string,
	from, to State,
	fields map[string]any,
) (bool, error) {
	if packageID == "" {
		return false, &BadInputError{Reason: "package id must be provided"}
	}

	if !from.CanTransition(to) {
		return false, &InvalidTransitionError{
			PackageID: packageID,
			From:      from,
			To:        to,
		}
	}

	updates := map[string]any{
		"state":      to,
		"updated_at": time.Now(),
	}
	if from.Failed() {
		// Leaving a failure marker clears the stage attribution.
		updates["failed_stage"] = ""
		updates["failure_reason"] = ""
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := db.gorm.WithContext(ctx).
		Model(&PackageStatus{}).
		Where("package_id = ? AND state = ?", packageID, from).
		Updates(updates)
	if res.Error != nil {
		return false, wrapErrorWithDetails(
			res.Error,
			"transition package status",
			fmt.Sprintf("package=%q, %s -> %s", packageID, from, to),
		)
	}

	return res.RowsAffected == 1, nil
}

// FailStatus marks the stage owning the current state as failed, with a
// durable reason so status queries stay accurate across restarts.
func (db *DB) FailStatus(
	ctx context.Context,
	packageID string,
	from, to State,
	reason string,
) (bool, error) {
	return db.TransitionStatus(ctx, packageID, from, to, map[string]any{
		"failed_stage":   to.FailedStage(),
		"failure_reason": reason,
	})
}
