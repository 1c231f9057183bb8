// Package filesystemStore stores artifacts on the local filesystem,
// fanned out over two directory levels of the checksum to keep
// directory sizes bounded.
package filesystemStore

import (
	"fmt"
	"os"
	"path/filepath"

	"depvet/store"
)

const checksumHexLen = 64

// FilesystemStore implements the store interface using simple filesystem
// storage
type FilesystemStore struct {
	baseDir string
}

// New creates a new filesystem-based store
func New(baseDir string) (*FilesystemStore, error) {
	//nolint:gosec,mnd // Directory permissions 0755 are intentional
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilesystemStore{baseDir: baseDir}, nil
}

// StoreArtifact writes an artifact under its checksum. Storing the same
// checksum twice is a no-op overwrite with identical content.
func (s *FilesystemStore) StoreArtifact(checksum string, content []byte) error {
	artifactPath, err := s.getArtifactPath(checksum)
	if err != nil {
		return err
	}

	//nolint:gosec,mnd // Directory permissions 0755 are intentional
	if err := os.MkdirAll(filepath.Dir(artifactPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	//nolint:mnd // filemode constant
	if err := os.WriteFile(artifactPath, content, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// GetArtifact retrieves an artifact by checksum
func (s *FilesystemStore) GetArtifact(checksum string) ([]byte, error) {
	artifactPath, err := s.getArtifactPath(checksum)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // G304: File path is constructed internally and validated
	content, err := os.ReadFile(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrArtifactNotFound
		}

		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	return content, nil
}

// HasArtifact reports whether an artifact exists without reading it
func (s *FilesystemStore) HasArtifact(checksum string) (bool, error) {
	artifactPath, err := s.getArtifactPath(checksum)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(artifactPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("failed to stat artifact: %w", err)
	}

	return true, nil
}

// DeleteArtifact deletes an artifact by checksum
func (s *FilesystemStore) DeleteArtifact(checksum string) error {
	artifactPath, err := s.getArtifactPath(checksum)
	if err != nil {
		return err
	}

	if err := os.Remove(artifactPath); err != nil {
		if os.IsNotExist(err) {
			return store.ErrArtifactNotFound
		}

		return fmt.Errorf("failed to remove artifact: %w", err)
	}

	return nil
}

// getArtifactPath returns the file path for an artifact, fanned out as
// ab/cd/abcd....tgz
func (s *FilesystemStore) getArtifactPath(checksum string) (string, error) {
	if len(checksum) != checksumHexLen {
		return "", fmt.Errorf("invalid checksum %q: want %d hex chars", checksum, checksumHexLen)
	}

	return filepath.Join(
		s.baseDir,
		checksum[:2],
		checksum[2:4],
		checksum+".tgz",
	), nil
}
