// Package store defines the content-addressed artifact store. Artifacts
// are keyed by their sha256 checksum, so identical content is stored
// once regardless of how many packages reference it.
package store

import "errors"

// ErrArtifactNotFound is returned when an artifact is not found
var ErrArtifactNotFound = errors.New("artifact not found")

// Store interface defines the methods that any artifact store
// implementation must provide. Checksums are lowercase hex sha256.
type Store interface {
	StoreArtifact(checksum string, content []byte) error
	GetArtifact(checksum string) ([]byte, error)
	HasArtifact(checksum string) (bool, error)
	DeleteArtifact(checksum string) error
}
