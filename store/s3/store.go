// Package s3 stores artifacts in an S3-compatible bucket, keyed by
// checksum with the same fan-out layout as the filesystem backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rs/zerolog/log"

	"depvet/config"
	"depvet/store"
)

// ErrIncompleteS3Config is returned when the S3 configuration is incomplete
var ErrIncompleteS3Config = errors.New("incomplete S3 configuration")

// S3Store implements the store interface using an s3-backed storage
type S3Store struct {
	S3Client *s3.Client
	Timeout  time.Duration
	Bucket   string
}

// New creates a new s3-based store
func New(cfg config.S3Config) (*S3Store, error) {
	// check for required S3 configuration
	if strings.TrimSpace(cfg.AccessKey) == "" ||
		strings.TrimSpace(cfg.KeyID) == "" ||
		strings.TrimSpace(cfg.Endpoint) == "" ||
		strings.TrimSpace(cfg.Region) == "" ||
		strings.TrimSpace(cfg.Bucket) == "" ||
		strings.TrimSpace(cfg.Timeout) == "" {
		return nil, fmt.Errorf("%w", ErrIncompleteS3Config)
	}
	s3Client := s3.New(s3.Options{
		UsePathStyle: true,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Region:       cfg.Region,
		Credentials: aws.NewCredentialsCache(
			credentials.NewStaticCredentialsProvider(
				cfg.KeyID,
				cfg.AccessKey,
				"",
			),
		),
	})

	timeoutDuration, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 timeout value: %w", err)
	}

	return &S3Store{
		S3Client: s3Client,
		Timeout:  timeoutDuration,
		Bucket:   cfg.Bucket,
	}, nil
}

// StoreArtifact uploads an artifact under its checksum key
func (s *S3Store) StoreArtifact(checksum string, content []byte) error {
	artifactPath := s.getArtifactPath(checksum)

	uploader := manager.NewUploader(s.S3Client)

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	result, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(artifactPath),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		var mu manager.MultiUploadFailure
		if errors.As(err, &mu) {
			// Process error and its associated uploadID
			log.Error().
				Msg(fmt.Sprintf("multi-upload failure (upload_id: %s): %v", mu.UploadID(), mu))

			return fmt.Errorf(
				"multi-upload failure (upload_id: %s): %w",
				mu.UploadID(),
				mu,
			)
		}

		log.Error().Err(err).Msg("upload failure")

		return fmt.Errorf("upload failure: %w", err)
	}
	log.Info().
		Str("location", result.Location).
		Msg("successfully uploaded artifact to s3 bucket")

	return nil
}

// GetArtifact retrieves an artifact by checksum
func (s *S3Store) GetArtifact(checksum string) ([]byte, error) {
	artifactPath := s.getArtifactPath(checksum)

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	object, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(artifactPath),
	})
	if err != nil {
		var notFoundErr *types.NoSuchKey
		if errors.As(err, &notFoundErr) {
			return nil, store.ErrArtifactNotFound
		}

		return nil, fmt.Errorf("failed to get artifact from S3: %w", err)
	}

	var content []byte
	if object.Body != nil {
		defer func() {
			if cerr := object.Body.Close(); cerr != nil {
				log.Error().Err(cerr).Msg("failed to close S3 object body")
			}
		}()
		content, err = io.ReadAll(object.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read artifact content: %w", err)
		}
	} else {
		content = []byte{}
	}

	return content, nil
}

// HasArtifact reports whether an artifact exists in the bucket
func (s *S3Store) HasArtifact(checksum string) (bool, error) {
	artifactPath := s.getArtifactPath(checksum)

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	_, err := s.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(artifactPath),
	})
	if err != nil {
		var notFoundErr *types.NotFound
		if errors.As(err, &notFoundErr) {
			return false, nil
		}

		return false, fmt.Errorf("failed to head artifact in S3: %w", err)
	}

	return true, nil
}

// DeleteArtifact deletes an artifact by checksum
func (s *S3Store) DeleteArtifact(checksum string) error {
	artifactPath := s.getArtifactPath(checksum)

	// check if object exists before attempting deletion
	exists, err := s.HasArtifact(checksum)
	if err != nil {
		return err
	}
	if !exists {
		return store.ErrArtifactNotFound
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	_, err = s.S3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(artifactPath),
	})
	if err != nil {
		return fmt.Errorf("failed to delete artifact from S3: %w", err)
	}

	return nil
}

// getArtifactPath returns the object key for an artifact
func (s *S3Store) getArtifactPath(checksum string) string {
	return path.Join(
		checksum[:2],
		checksum[2:4],
		checksum+".tgz",
	)
}
