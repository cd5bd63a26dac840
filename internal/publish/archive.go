package publish

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ned1313/pub-registry/internal/apperr"
)

// ManifestName is the manifest file at the archive root
const ManifestName = "pubspec.yaml"

// spooledArchive is an upload written to a local temp file
type spooledArchive struct {
	file   *os.File
	digest digest.Digest
	size   int64
}

func (a *spooledArchive) Close() error {
	name := a.file.Name()
	a.file.Close()
	return os.Remove(name)
}

func (a *spooledArchive) rewind() error {
	_, err := a.file.Seek(0, io.SeekStart)
	return err
}

// spool copies r to a temp file in dir while hashing it. Reading more than
// maxBytes fails the upload.
func spool(r io.Reader, dir string, maxBytes int64) (*spooledArchive, error) {
	f, err := os.CreateTemp(dir, "upload-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	digester := digest.SHA256.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), io.LimitReader(r, maxBytes+1))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive exceeds %d bytes", maxBytes)
		}
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if n > maxBytes {
		f.Close()
		os.Remove(f.Name())
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive exceeds %d bytes", maxBytes)
	}
	if n == 0 {
		f.Close()
		os.Remove(f.Name())
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive is empty")
	}

	a := &spooledArchive{file: f, digest: digester.Digest(), size: n}
	if err := a.rewind(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to rewind upload: %w", err)
	}
	return a, nil
}

// entryName normalizes a tar entry name and rejects names that could
// escape an extraction root
func entryName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty entry name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") || (len(name) >= 2 && name[1] == ':') {
		return "", fmt.Errorf("absolute entry %q", name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", fmt.Errorf("entry %q escapes the archive root", name)
		}
	}
	return path.Clean(name), nil
}

// ReadManifest scans a gzipped tarball and returns the root manifest. Every
// entry is checked, so an archive is rejected even when the offending entry
// comes after the manifest.
func ReadManifest(r io.Reader) ([]byte, error) {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive is not gzip compressed: %v", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var manifest []byte

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidArchive, "failed to read tar entry: %v", err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return nil, apperr.Invalid(apperr.CodeInvalidArchive, "%v", err)
		}

		switch header.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			if _, err := entryName(path.Join(path.Dir(name), header.Linkname)); err != nil || path.IsAbs(header.Linkname) {
				return nil, apperr.Invalid(apperr.CodeInvalidArchive, "link %q points outside the archive", header.Name)
			}
		case tar.TypeReg:
			if name != ManifestName {
				continue
			}
			if manifest != nil {
				return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive contains more than one %s", ManifestName)
			}
			data, err := io.ReadAll(io.LimitReader(tr, MaxPubspecBytes+1))
			if err != nil {
				return nil, apperr.Invalid(apperr.CodeInvalidArchive, "failed to read %s: %v", ManifestName, err)
			}
			if len(data) > MaxPubspecBytes {
				return nil, apperr.Invalid(apperr.CodeInvalidArchive, "%s is too large", ManifestName)
			}
			manifest = data
		}
	}

	if manifest == nil {
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive has no %s at its root", ManifestName)
	}
	return manifest, nil
}
