package storage

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Key namespaces. Published and cached archives never share a prefix, so
// clearing one cannot affect the other.
const (
	PublishedPrefix = "published/"
	CachedPrefix    = "cached/"
	StagingPrefix   = "staging/"
)

// CanonicalizeKey validates a blob key. Keys are slash separated and
// relative; every segment must be non-empty and must not be "." or "..".
// Backslashes, NUL bytes and leading slashes are rejected so that no key can
// resolve outside a storage root on any platform.
func CanonicalizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: absolute key %q", ErrInvalidKey, key)
	}
	if strings.ContainsAny(key, "\\\x00") {
		return "", fmt.Errorf("%w: illegal character in %q", ErrInvalidKey, key)
	}
	if len(key) >= 2 && key[1] == ':' {
		return "", fmt.Errorf("%w: volume name in %q", ErrInvalidKey, key)
	}

	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "":
			return "", fmt.Errorf("%w: empty segment in %q", ErrInvalidKey, key)
		case ".", "..":
			return "", fmt.Errorf("%w: traversal segment in %q", ErrInvalidKey, key)
		}
	}

	return key, nil
}

// canonicalPrefix validates a listing prefix. The empty prefix lists everything.
func canonicalPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	if _, err := CanonicalizeKey(strings.TrimSuffix(prefix, "/")); err != nil {
		return "", err
	}
	return prefix, nil
}

// PublishedKey builds the key of a locally published archive.
// Format: published/{name}/{version}/{sha256}.tar.gz
func PublishedKey(name, version string, d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return CanonicalizeKey(fmt.Sprintf("%s%s/%s/%s.tar.gz", PublishedPrefix, name, version, d.Encoded()))
}

// CachedKey builds the key of an archive cached from an upstream registry.
// Format: cached/{name}/{version}.tar.gz
func CachedKey(name, version string) (string, error) {
	return CanonicalizeKey(fmt.Sprintf("%s%s/%s.tar.gz", CachedPrefix, name, version))
}

// StagingKey builds the key an uploaded archive waits under until finalize.
// Format: staging/{session}.tar.gz
func StagingKey(sessionID string) (string, error) {
	return CanonicalizeKey(fmt.Sprintf("%s%s.tar.gz", StagingPrefix, sessionID))
}
