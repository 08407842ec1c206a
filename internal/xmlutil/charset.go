// Package xmlutil holds a handful of helpers for dealing with XML feeds in
// the wild.
package xmlutil

import (
	"fmt"
	"io"
	"strings"
)

// CharsetReader is meant to be used with an [encoding/xml.Decoder]'s
// CharsetReader member. Feeds regularly declare legacy charsets that are
// byte-compatible (or close enough) with UTF-8 for the element content we
// read, so accept those rather than erroring out of the whole feed.
func CharsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "utf-8", "us-ascii", "ascii":
		return input, nil
	case "iso-8859-1", "latin1", "windows-1252":
		return &latin1Reader{r: input}, nil
	}
	return nil, fmt.Errorf("xmlutil: unsupported charset: %q", charset)
}

// Latin1Reader maps ISO 8859-1 bytes onto their UTF-8 encoding. Every byte
// is a valid codepoint, so this cannot fail.
type latin1Reader struct {
	r io.Reader
}

func (c *latin1Reader) Read(p []byte) (int, error) {
	if len(p) < 2 {
		return 0, io.ErrShortBuffer
	}
	buf := make([]byte, len(p)/2)
	n, err := c.r.Read(buf)
	w := 0
	for _, b := range buf[:n] {
		if b < 0x80 {
			p[w] = b
			w++
			continue
		}
		p[w] = 0xc0 | b>>6
		p[w+1] = 0x80 | b&0x3f
		w += 2
	}
	return w, err
}
