package fetcher

import (
	"crypto/sha1" //nolint:gosec // legacy lockfiles still declare sha1 digests
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"strings"
)

// sriRank orders digest algorithms by strength; when an integrity value
// carries several digests, only the strongest supported one is checked.
var sriRank = map[string]int{
	"sha1":   1,
	"sha256": 2,
	"sha384": 3,
	"sha512": 4,
}

func newDigest(algorithm string) hash.Hash {
	switch algorithm {
	case "sha1":
		return sha1.New() //nolint:gosec
	case "sha256":
		return sha256.New()
	case "sha384":
		return sha512.New384()
	case "sha512":
		return sha512.New()
	default:
		return nil
	}
}

// verifyIntegrity checks content against a subresource-integrity value
// of the form "algo-base64digest", possibly several space-separated.
func verifyIntegrity(url, integrity string, content []byte) error {
	bestAlgo := ""
	bestDigest := ""

	for _, token := range strings.Fields(integrity) {
		algo, digest, found := strings.Cut(token, "-")
		if !found {
			continue
		}

		if sriRank[algo] > sriRank[bestAlgo] {
			bestAlgo = algo
			bestDigest = digest
		}
	}

	if bestAlgo == "" {
		return &UnsupportedIntegrityError{Integrity: integrity}
	}

	h := newDigest(bestAlgo)
	h.Write(content)
	actual := base64.StdEncoding.EncodeToString(h.Sum(nil))

	if actual != bestDigest {
		return &IntegrityError{
			URL:       url,
			Algorithm: bestAlgo,
			Expected:  bestDigest,
			Actual:    actual,
		}
	}

	return nil
}
