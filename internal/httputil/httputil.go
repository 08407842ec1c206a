// Package httputil has helpers for the outbound HTTP calls the crawlers
// make.
package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fhir-infra/fhirhub"
)

// Default outbound deadlines. Structured documents get the short one,
// archive payloads the long one.
const (
	DocumentTimeout = 30 * time.Second
	ArchiveTimeout  = 60 * time.Second
)

// CheckResponse takes a http.Response and a variadic of ints representing
// acceptable http status codes. The error returned will attempt to include
// some content from the server's response.
//
// A 429 is always reported as [fhirhub.ErrRateLimited], regardless of the
// acceptable set, so callers can tell throttling apart from other failures.
func CheckResponse(resp *http.Response, acceptableCodes ...int) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &fhirhub.Error{
			Kind:    fhirhub.ErrRateLimited,
			Op:      "httputil.CheckResponse",
			Message: resp.Status,
		}
	}
	for _, code := range acceptableCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	limitBody, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	msg := resp.Status
	if err == nil && len(limitBody) != 0 {
		msg = fmt.Sprintf("%s (body starts: %q)", resp.Status, limitBody)
	}
	return &fhirhub.Error{
		Kind:    fhirhub.ErrBadStatus,
		Op:      "httputil.CheckResponse",
		Message: msg,
	}
}

// Get fetches url with the supplied deadline and returns the whole body.
//
// Failures are classified into the fetch error kinds: 429 → rate limited,
// deadline → timeout, connection-level → transport, anything else → bad
// status.
func Get(ctx context.Context, c *http.Client, url string, timeout time.Duration) ([]byte, error) {
	const op = `httputil.Get`
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrTransport, Op: op, Inner: err}
	}
	res, err := c.Do(req)
	if err != nil {
		kind := fhirhub.ErrTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fhirhub.ErrTimeout
		}
		return nil, &fhirhub.Error{Kind: kind, Op: op, Inner: err}
	}
	defer res.Body.Close()
	if err := CheckResponse(res, http.StatusOK); err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(res.Body)
	if err != nil {
		kind := fhirhub.ErrTransport
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fhirhub.ErrTimeout
		}
		return nil, &fhirhub.Error{Kind: kind, Op: op, Inner: err}
	}
	return buf, nil
}
