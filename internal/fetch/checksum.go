package fetch

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
)

var hashes = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// newVerifier parses "algo:hex" (md5 when the prefix is missing). An empty
// checksum yields a nil verifier.
func newVerifier(checksum string) (*verifier, error) {
	checksum = strings.TrimSpace(checksum)
	if checksum == "" {
		return nil, nil
	}
	algorithm, digest := "md5", checksum
	if before, after, ok := strings.Cut(checksum, ":"); ok {
		algorithm, digest = before, after
	}
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	digest = strings.ToLower(strings.TrimSpace(digest))
	newHash, ok := hashes[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown checksum algorithm %q", algorithm)
	}
	if digest == "" {
		return nil, fmt.Errorf("empty %s digest", algorithm)
	}
	return &verifier{hash: newHash(), expected: digest}, nil
}
