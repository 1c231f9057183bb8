package orm

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"
)

// SeedPolicies inserts policy entries that are not already present.
// Existing rows win, so operator edits survive restarts.
func (db *DB) SeedPolicies(ctx context.Context, policies []LicensePolicy) error {
	if len(policies) == 0 {
		return nil
	}

	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}},
		DoNothing: true,
	}).Create(&policies).Error

	return wrapErrorWithDetails(
		err,
		"seed license policies",
		fmt.Sprintf("count=%d", len(policies)),
	)
}

// GetPolicies returns the full license policy table keyed by license id.
func (db *DB) GetPolicies(ctx context.Context) (map[string]string, error) {
	var rows []LicensePolicy
	err := db.gorm.WithContext(ctx).Find(&rows).Error
	if err != nil {
		return nil, wrapErrorWithDetails(err, "get license policies", "all")
	}

	policies := make(map[string]string, len(rows))
	for _, row := range rows {
		policies[row.LicenseID] = row.Tier
	}

	return policies, nil
}

// UpsertPolicy creates or replaces one policy entry.
func (db *DB) UpsertPolicy(ctx context.Context, policy *LicensePolicy) error {
	if policy.LicenseID == "" || policy.Tier == "" {
		return &BadInputError{
			Reason: fmt.Sprintf(
				"policy requires license id and tier: id=%q, tier=%q",
				policy.LicenseID,
				policy.Tier,
			),
		}
	}

	err := db.gorm.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "license_id"}},
		UpdateAll: true,
	}).Create(policy).Error

	return wrapErrorWithDetails(
		err,
		"upsert license policy",
		fmt.Sprintf("id=%q", policy.LicenseID),
	)
}
