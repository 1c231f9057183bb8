// Package lockfile parses npm package-lock.json submissions into the
// declared set of package coordinates. Parsing is pure: no I/O, no
// side effects.
package lockfile

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// MinVersion is the oldest lockfileVersion carrying the packages
// section this parser relies on.
const MinVersion = 2

// Declared is one package coordinate as stated by the lockfile.
type Declared struct {
	Name      string
	Version   string
	Resolved  string
	Integrity string

	// Semver components when Version parses as semver; nil otherwise.
	Major *int
	Minor *int
	Patch *int
}

// Lockfile is the parsed submission: the declaring application plus its
// ordered, deduplicated dependency set.
type Lockfile struct {
	AppName    string
	AppVersion string
	Packages   []Declared
}

type rawLockfile struct {
	Name            string              `json:"name"`
	Version         string              `json:"version"`
	LockfileVersion int                 `json:"lockfileVersion"`
	Packages        map[string]rawEntry `json:"packages"`
}

type rawEntry struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Resolved  string `json:"resolved"`
	Integrity string `json:"integrity"`
	Link      bool   `json:"link"`
}

// Parse validates and extracts the declared package set from raw
// lockfile bytes. Entries appearing multiple times with the same
// (name, version) are deduplicated; output order is deterministic
// (name, then version).
func Parse(content []byte) (*Lockfile, error) {
	var raw rawLockfile
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, &MalformedError{Inner: err}
	}

	if raw.LockfileVersion < MinVersion {
		return nil, &UnsupportedVersionError{
			Expected: MinVersion,
			Actual:   raw.LockfileVersion,
		}
	}

	if len(raw.Packages) == 0 {
		return nil, &MissingFieldError{Field: "packages"}
	}

	lf := &Lockfile{
		AppName:    raw.Name,
		AppVersion: raw.Version,
	}

	seen := make(map[string]bool)

	// Map iteration order is random; collect paths first so errors and
	// output are deterministic.
	paths := make([]string, 0, len(raw.Packages))
	for path := range raw.Packages {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		entry := raw.Packages[path]

		// The root entry describes the application itself; workspace
		// links resolve to local paths, not fetchable artifacts.
		if path == "" || entry.Link {
			continue
		}

		name := entry.Name
		if name == "" {
			name = nameFromPath(path)
		}
		if name == "" {
			return nil, &MissingFieldError{Path: path, Field: "name"}
		}
		if entry.Version == "" {
			return nil, &MissingFieldError{Path: path, Field: "version"}
		}
		if entry.Resolved == "" {
			return nil, &MissingFieldError{Path: path, Field: "resolved"}
		}
		if entry.Integrity == "" {
			return nil, &MissingFieldError{Path: path, Field: "integrity"}
		}

		key := name + "@" + entry.Version
		if seen[key] {
			continue
		}
		seen[key] = true

		declared := Declared{
			Name:      name,
			Version:   entry.Version,
			Resolved:  entry.Resolved,
			Integrity: entry.Integrity,
		}

		if v, err := semver.NewVersion(entry.Version); err == nil {
			major := int(v.Major())
			minor := int(v.Minor())
			patch := int(v.Patch())
			declared.Major = &major
			declared.Minor = &minor
			declared.Patch = &patch
		}

		lf.Packages = append(lf.Packages, declared)
	}

	sort.Slice(lf.Packages, func(i, j int) bool {
		if lf.Packages[i].Name != lf.Packages[j].Name {
			return lf.Packages[i].Name < lf.Packages[j].Name
		}

		return lf.Packages[i].Version < lf.Packages[j].Version
	})

	return lf, nil
}

// nameFromPath derives the package name from a node_modules path,
// preserving scoped names verbatim. Nested installs keep only the
// innermost package: "node_modules/a/node_modules/@s/b" -> "@s/b".
func nameFromPath(path string) string {
	const marker = "node_modules/"

	idx := strings.LastIndex(path, marker)
	if idx < 0 {
		return ""
	}

	return path[idx+len(marker):]
}
