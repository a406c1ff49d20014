package httpbackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/streamcache/backend"
)

// ErrRangeUnsupported is returned when the server ignores Range headers.
var ErrRangeUnsupported = errors.New("httpbackend: range requests not supported")

// Source locates one remote file.
type Source struct {
	// URL is fetched with HTTP range requests.
	URL string

	// Digest, when set, is verified once the whole file is local.
	Digest digest.Digest
}

// Resolver maps a file ID to its remote source. Returning an error wrapping
// backend.ErrFileMissing marks the file as permanently unavailable.
type Resolver func(ctx context.Context, fileID string) (Source, error)

// StaticResolver resolves from a fixed map.
func StaticResolver(sources map[string]Source) Resolver {
	return func(_ context.Context, fileID string) (Source, error) {
		src, ok := sources[fileID]
		if !ok {
			return Source{}, fmt.Errorf("resolve %s: %w", fileID, backend.ErrFileMissing)
		}
		return src, nil
	}
}

// remote performs the HTTP side of a download.
type remote struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	etag         string
	lastModified string
}

// probe learns the content size, preferring HEAD and confirming range
// support with a one-byte range request.
func (r *remote) probe(ctx context.Context) (int64, error) {
	size := int64(-1)
	if resp, err := r.do(ctx, nethttp.MethodHead, ""); err == nil {
		resp.Body.Close()
		if err := statusError(resp); backend.IsMissing(err) {
			return 0, err
		}
		if resp.StatusCode == nethttp.StatusOK {
			size = resp.ContentLength
			r.etag = resp.Header.Get("ETag")
			r.lastModified = resp.Header.Get("Last-Modified")
		}
	}

	resp, err := r.do(ctx, nethttp.MethodGet, "bytes=0-0")
	if err != nil {
		return 0, fmt.Errorf("range probe: %w: %w", backend.ErrTransient, err)
	}
	defer drain(resp.Body)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, ErrRangeUnsupported
		}
		return 0, statusError(resp)
	}
	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, errors.New("range probe missing Content-Range")
	}
	rangeSize, err := parseContentRange(crange)
	if err != nil {
		return 0, err
	}
	if size > 0 && size != rangeSize {
		return 0, fmt.Errorf("content size mismatch: head=%d range=%d", size, rangeSize)
	}
	if r.etag == "" {
		r.etag = resp.Header.Get("ETag")
	}
	if r.lastModified == "" {
		r.lastModified = resp.Header.Get("Last-Modified")
	}
	return rangeSize, nil
}

// openRange starts a GET for [off, end). The caller closes the body.
func (r *remote) openRange(ctx context.Context, off, end int64) (io.ReadCloser, error) {
	resp, err := r.do(ctx, nethttp.MethodGet, fmt.Sprintf("bytes=%d-%d", off, end-1))
	if err != nil {
		return nil, fmt.Errorf("range request: %w: %w", backend.ErrTransient, err)
	}
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		return resp.Body, nil
	case nethttp.StatusOK:
		drain(resp.Body)
		return nil, ErrRangeUnsupported
	default:
		err := statusError(resp)
		drain(resp.Body)
		return nil, err
	}
}

func (r *remote) do(ctx context.Context, method, rangeHeader string) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, r.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range r.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if method == nethttp.MethodGet {
		if r.etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", r.etag)
		}
		if r.lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", r.lastModified)
		}
	}
	return r.client.Do(req)
}

// statusError classifies a non-success response. Gone or not found is
// permanent; a failed precondition means the remote file changed under us,
// which is also permanent for this handle.
func statusError(resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusOK, nethttp.StatusPartialContent:
		return nil
	case nethttp.StatusNotFound, nethttp.StatusGone, nethttp.StatusPreconditionFailed:
		return fmt.Errorf("%s: %w", resp.Status, backend.ErrFileMissing)
	default:
		return fmt.Errorf("%s: %w", resp.Status, backend.ErrTransient)
	}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	if size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
