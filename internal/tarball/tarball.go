// Package tarball pulls selected members out of gzip-compressed tar
// archives.
//
// FHIR NPM packages are tarballs with every member under a "package/"
// prefix. The crawler only ever needs a handful of small text members
// (package.json and friends), so this package streams the archive and
// materializes just those, draining everything else.
package tarball

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/fhir-infra/fhirhub"
)

// MemberMax is the largest member Extract will materialize. Anything an
// interested path names that's larger than this is treated as framing
// corruption rather than read into memory.
const memberMax = 4 << 20

// Extract decompresses the tar stream in buf and returns the decoded text of
// the members named by want, keyed by their path with the leading "package/"
// stripped. Members not named are discarded without buffering. Paths in want
// that don't exist in the archive are simply absent from the returned map.
func Extract(buf []byte, want ...string) (map[string]string, error) {
	const op = `tarball.Extract`
	interest := make(map[string]struct{}, len(want))
	for _, n := range want {
		interest[n] = struct{}{}
	}
	out := make(map[string]string, len(want))

	gz, err := gzip.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, &fhirhub.Error{
			Kind:  fhirhub.ErrMalformedArchive,
			Op:    op,
			Inner: err,
		}
	}
	defer gz.Close()

	rd := tar.NewReader(gz)
	for {
		h, err := rd.Next()
		switch {
		case errors.Is(err, io.EOF):
			return out, nil
		case err != nil:
			return nil, &fhirhub.Error{
				Kind:  fhirhub.ErrMalformedArchive,
				Op:    op,
				Inner: err,
			}
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		n := strings.TrimPrefix(normPath(h.Name), "package/")
		if _, ok := interest[n]; !ok {
			continue
		}
		if h.Size > memberMax {
			return nil, &fhirhub.Error{
				Kind:    fhirhub.ErrMalformedArchive,
				Op:      op,
				Message: fmt.Sprintf("member %q too large: %d", n, h.Size),
			}
		}
		var b strings.Builder
		if _, err := io.Copy(&b, io.LimitReader(rd, memberMax)); err != nil {
			return nil, &fhirhub.Error{
				Kind:  fhirhub.ErrMalformedArchive,
				Op:    op,
				Inner: err,
			}
		}
		out[n] = b.String()
	}
}

// NormPath removes relative elements and leading "./" noise. This is needed
// any time a name is pulled from the archive.
func normPath(p string) string {
	p = strings.TrimPrefix(p, "./")
	return strings.TrimLeft(p, "/")
}
