package orm

import (
	"context"
	"fmt"
)

// CreateRequest persists a new lockfile submission.
func (db *DB) CreateRequest(ctx context.Context, req *Request) error {
	if req.ID == "" || req.UserID == "" {
		return &BadInputError{
			Reason: fmt.Sprintf(
				"request requires id and user: id=%q, user=%q",
				req.ID,
				req.UserID,
			),
		}
	}

	err := db.gorm.WithContext(ctx).Create(req).Error

	return wrapErrorWithDetails(
		err,
		"create request",
		fmt.Sprintf("id=%q, user=%q", req.ID, req.UserID),
	)
}

// GetRequest loads a request by id.
func (db *DB) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	if requestID == "" {
		return nil, &BadInputError{Reason: "request id must be provided"}
	}

	var req Request
	err := db.gorm.WithContext(ctx).
		Where(&Request{ID: requestID}).
		First(&req).Error
	if err != nil {
		return nil, wrapErrorWithDetails(
			err,
			"get request",
			fmt.Sprintf("id=%q", requestID),
		)
	}

	return &req, nil
}
