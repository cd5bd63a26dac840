package storage

import (
	_ "crypto/sha256" // registers sha256 with go-digest
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// ParseSHA256 converts a hex-encoded sha256 as stored in the catalog into a digest.
func ParseSHA256(hexDigest string) (digest.Digest, error) {
	d := digest.NewDigestFromEncoded(digest.SHA256, hexDigest)
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("invalid sha256 %q: %w", hexDigest, err)
	}
	return d, nil
}

// checksumBase64 renders d the way S3 expects in x-amz-checksum-sha256.
func checksumBase64(d digest.Digest) (string, error) {
	raw, err := hex.DecodeString(d.Encoded())
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// countingDigester hashes and counts everything written to it.
type countingDigester struct {
	digester digest.Digester
	n        int64
}

func newCountingDigester() *countingDigester {
	return &countingDigester{digester: digest.SHA256.Digester()}
}

func (c *countingDigester) Write(p []byte) (int, error) {
	n, err := c.digester.Hash().Write(p)
	c.n += int64(n)
	return n, err
}

// check compares what was written against the expectations in opts.
func (c *countingDigester) check(opts PutOptions) error {
	return verifyContent(c.digester.Digest(), c.n, opts)
}

func verifyContent(got digest.Digest, n int64, opts PutOptions) error {
	if opts.Size > 0 && n != opts.Size {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrDigestMismatch, opts.Size, n)
	}
	if opts.Digest != "" && got != opts.Digest {
		return fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, opts.Digest, got)
	}
	return nil
}

// DigestReader returns the sha256 digest and length of everything read from r.
func DigestReader(r io.Reader) (digest.Digest, int64, error) {
	c := newCountingDigester()
	if _, err := io.Copy(c, r); err != nil {
		return "", c.n, err
	}
	return c.digester.Digest(), c.n, nil
}
