package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"time"

	units "github.com/docker/go-units"

	"github.com/meigma/streamcache/internal/testutil"
)

// moovPayload is the metadata size of a simulated movie.
const moovPayload = 64 << 10

// serveSimulated serves a generated movie of roughly size bytes with range
// support.
func serveSimulated(size int64, trailing bool) (*httptest.Server, error) {
	// ftyp box plus the moov and mdat headers
	overhead := int64(24 + 8 + 8 + moovPayload)
	if size <= overhead {
		return nil, fmt.Errorf("simulate-size must exceed %s", units.BytesSize(float64(overhead)))
	}
	if size-overhead > math.MaxUint32-8 {
		return nil, errors.New("simulate-size must fit a 32-bit box size")
	}
	mdat := int(size - overhead)
	var data []byte
	if trailing {
		data = testutil.TrailingMovie(moovPayload, mdat)
	} else {
		data = testutil.FastStartMovie(moovPayload, mdat)
	}
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("ETag", `"simulated"`)
		nethttp.ServeContent(w, r, "movie.mp4", time.Time{}, bytes.NewReader(data))
	}))
	return server, nil
}

func newHTTPClient(cfg config) *nethttp.Client {
	transport := nethttp.DefaultTransport
	if base, ok := transport.(*nethttp.Transport); ok {
		transport = base.Clone()
	}
	if cfg.httpLatency > 0 || cfg.httpBPS > 0 {
		transport = &httpThrottleRoundTripper{
			base:           transport,
			latency:        cfg.httpLatency,
			bytesPerSecond: cfg.httpBPS,
		}
	}
	return &nethttp.Client{Transport: transport}
}

type httpThrottleRoundTripper struct {
	base           nethttp.RoundTripper
	latency        time.Duration
	bytesPerSecond int64
}

func (rt *httpThrottleRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if rt.latency > 0 {
		timer := time.NewTimer(rt.latency)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.bytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			rc:             resp.Body,
			bytesPerSecond: rt.bytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

type throttleReadCloser struct {
	rc             io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	readBytes      int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if n > 0 {
		tr.readBytes += int64(n)
		expected := time.Duration(float64(tr.readBytes) / float64(tr.bytesPerSecond) * float64(time.Second))
		elapsed := time.Since(tr.start)
		if expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

func (tr *throttleReadCloser) Close() error {
	return tr.rc.Close()
}

// parseBytesPerSecond accepts "10MiB", "10MBps", "512k/s" and the like.
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.TrimSpace(value)
	text = strings.TrimSuffix(text, "/s")
	text = strings.TrimSuffix(text, "ps")
	n, err := units.RAMInBytes(strings.TrimSpace(text))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return n, nil
}
