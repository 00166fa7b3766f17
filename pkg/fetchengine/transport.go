// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package fetchengine

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"
)

// Response is a single Open() transfer: a decoded byte stream plus the
// wire-level bookkeeping the caller needs (raw vs decoded counters, the
// protocol actually negotiated, and the range offset actually honored).
type Response struct {
	Body           io.ReadCloser
	StatusCode     int
	ContentLength  int64 // decoded length if known, -1 otherwise
	ContentEncoding string
	Protocol       string // "h2" | "h1"
	RangeHonored   bool

	rawCounter *countingReader
}

// RawBytesRead reports bytes read off the wire, before decompression.
func (r *Response) RawBytesRead() int64 {
	if r.rawCounter == nil {
		return 0
	}
	return r.rawCounter.n.Load()
}

// TransportStats is a snapshot of a Transport's lifetime counters.
type TransportStats struct {
	H2Requests           int64
	H1Requests           int64
	Downgrades           int64
	ConnectionReuseRatio float64
}

// Transport is the engine's abstraction over outbound HTTP: probing,
// ranged opens, and protocol bookkeeping are first-class instead of ad
// hoc per-call helpers.
type Transport interface {
	// Probe issues a HEAD request to discover range support, size, ETag,
	// Last-Modified and the server's preferred content-encoding.
	Probe(ctx context.Context, url string) (ProbeResult, error)
	// Open starts a GET, optionally resuming from rangeStart, negotiating
	// one of acceptEncoding. The returned Response's Body is already
	// transparently decoded.
	Open(ctx context.Context, url string, rangeStart int64, acceptEncoding []string) (*Response, error)
	CloseIdle()
	Stats() TransportStats
}

// PoolSizing picks an adaptive MaxIdleConnsPerHost and the per-request
// total/connect timeout tier for a manifest's shape.
type PoolSizing struct {
	MaxIdleConnsPerHost int
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
}

// PlanPoolSizing is a pure function over EntryStats, keying connection
// pool size on entry count and the per-request timeout tier on average
// entry size.
func PlanPoolSizing(stats EntryStats) PoolSizing {
	var p PoolSizing

	switch {
	case stats.Count > 10000:
		p.MaxIdleConnsPerHost = 150
	case stats.Count > 1000:
		p.MaxIdleConnsPerHost = 100
	default:
		p.MaxIdleConnsPerHost = 50
	}

	switch {
	case stats.AvgSize > 5<<20:
		p.RequestTimeout = 300 * time.Second
		p.ConnectTimeout = 30 * time.Second
	case stats.AvgSize < 100<<10:
		p.RequestTimeout = 60 * time.Second
		p.ConnectTimeout = 10 * time.Second
	default:
		p.RequestTimeout = 180 * time.Second
		p.ConnectTimeout = 15 * time.Second
	}

	return p
}

// downgradingTransport wraps an HTTP/2-capable RoundTripper and falls back
// to a plain HTTP/1.1 transport, per origin, the first time an HTTP/2
// attempt fails at the protocol level. The decision is sticky: once an
// origin has been downgraded it is never retried over h2.
type downgradingTransport struct {
	userAgent string

	h2   *http.Client
	h1   *http.Client

	mu         sync.Mutex
	downgraded map[string]bool

	h2Requests int64
	h1Requests int64
	downgrades int64
}

func newDowngradingTransport(tlsConf *tls.Config, pool PoolSizing) (*downgradingTransport, error) {
	dialer := &net.Dialer{Timeout: pool.ConnectTimeout}

	h1rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConf,
		MaxIdleConnsPerHost:   pool.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   pool.ConnectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		// Disable transparent HTTP/2 on the fallback transport: once an
		// origin is downgraded it must stay on HTTP/1.1.
		TLSNextProto: make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	h2Base := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsConf,
		MaxIdleConnsPerHost: pool.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: pool.ConnectTimeout,
	}
	if _, err := http2.ConfigureTransports(h2Base); err != nil {
		return nil, fmt.Errorf("fetchengine: configure http2: %w", err)
	}

	return &downgradingTransport{
		userAgent:   "bulkfetch/1",
		h2:          &http.Client{Transport: h2Base, Timeout: pool.RequestTimeout},
		h1:          &http.Client{Transport: h1rt, Timeout: pool.RequestTimeout},
		downgraded:  make(map[string]bool),
	}, nil
}

func (t *downgradingTransport) isDowngraded(origin string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.downgraded[origin]
}

func (t *downgradingTransport) markDowngraded(origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.downgraded[origin] {
		t.downgraded[origin] = true
		atomic.AddInt64(&t.downgrades, 1)
	}
}

func (t *downgradingTransport) do(ctx context.Context, req *http.Request) (*http.Response, string, error) {
	origin := req.URL.Scheme + "://" + req.URL.Host
	req.Header.Set("User-Agent", t.userAgent)

	if t.isDowngraded(origin) {
		resp, err := t.h1.Do(req.WithContext(ctx))
		if err == nil {
			atomic.AddInt64(&t.h1Requests, 1)
		}
		return resp, "h1", err
	}

	resp, err := t.h2.Do(req.WithContext(ctx))
	if err != nil {
		if isProtocolFailure(err) {
			t.markDowngraded(origin)
			resp2, err2 := t.h1.Do(req.Clone(ctx))
			if err2 == nil {
				atomic.AddInt64(&t.h1Requests, 1)
			}
			return resp2, "h1", err2
		}
		return nil, "", err
	}
	if resp.ProtoMajor == 2 {
		atomic.AddInt64(&t.h2Requests, 1)
		return resp, "h2", nil
	}
	atomic.AddInt64(&t.h1Requests, 1)
	return resp, "h1", nil
}

func isProtocolFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "http2") || strings.Contains(msg, "PROTOCOL_ERROR") || strings.Contains(msg, "INTERNAL_ERROR")
}

func (t *downgradingTransport) stats() TransportStats {
	h2 := atomic.LoadInt64(&t.h2Requests)
	h1 := atomic.LoadInt64(&t.h1Requests)
	var ratio float64
	if total := h2 + h1; total > 0 {
		ratio = float64(h2) / float64(total)
	}
	return TransportStats{
		H2Requests:           h2,
		H1Requests:           h1,
		Downgrades:           atomic.LoadInt64(&t.downgrades),
		ConnectionReuseRatio: ratio,
	}
}

func (t *downgradingTransport) closeIdle() {
	if tr, ok := t.h2.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	if tr, ok := t.h1.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

// httpTransport is the concrete, production Transport implementation.
type httpTransport struct {
	token string
	inner *downgradingTransport
}

// NewHTTPTransport builds a Transport sized for the given manifest shape.
func NewHTTPTransport(token string, stats EntryStats, tlsConf *tls.Config) (Transport, error) {
	pool := PlanPoolSizing(stats)
	inner, err := newDowngradingTransport(tlsConf, pool)
	if err != nil {
		return nil, err
	}
	return &httpTransport{token: token, inner: inner}, nil
}

func (t *httpTransport) addAuth(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

func (t *httpTransport) Probe(ctx context.Context, url string) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ProbeResult{}, err
	}
	t.addAuth(req)

	resp, _, err := t.inner.do(ctx, req)
	if err != nil {
		return ProbeResult{}, classifyTransportError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return ProbeResult{}, &TransportError{Kind: TransportServer, StatusCode: resp.StatusCode, URL: url}
	}
	if resp.StatusCode >= 400 {
		return ProbeResult{}, &TransportError{Kind: TransportBadStatus, StatusCode: resp.StatusCode, URL: url}
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return ProbeResult{
		SupportsRange:  strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes"),
		TotalSize:      size,
		ETag:           resp.Header.Get("ETag"),
		LastModified:   resp.Header.Get("Last-Modified"),
		ServerEncoding: resp.Header.Get("Content-Encoding"),
	}, nil
}

func (t *httpTransport) Open(ctx context.Context, url string, rangeStart int64, acceptEncoding []string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	t.addAuth(req)
	if rangeStart > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", rangeStart))
	}
	if len(acceptEncoding) > 0 {
		req.Header.Set("Accept-Encoding", strings.Join(acceptEncoding, ", "))
	}

	resp, proto, err := t.inner.do(ctx, req)
	if err != nil {
		return nil, classifyTransportError(url, err)
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, &TransportError{Kind: TransportServer, StatusCode: resp.StatusCode, URL: url}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, &TransportError{Kind: TransportBadStatus, StatusCode: resp.StatusCode, URL: url}
	}

	counting := &countingReader{r: resp.Body}
	decoded, encoding, err := decodeBody(counting, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, &TransportError{Kind: TransportProtocol, URL: url, Err: err}
	}

	contentLength := int64(-1)
	if encoding == "" || encoding == "identity" {
		if resp.ContentLength >= 0 {
			contentLength = resp.ContentLength
		}
	}

	return &Response{
		Body:            &readCloser{Reader: decoded, closer: resp.Body},
		StatusCode:      resp.StatusCode,
		ContentLength:   contentLength,
		ContentEncoding: encoding,
		Protocol:        proto,
		RangeHonored:    resp.StatusCode == http.StatusPartialContent,
		rawCounter:      counting,
	}, nil
}

func (t *httpTransport) CloseIdle()          { t.inner.closeIdle() }
func (t *httpTransport) Stats() TransportStats { return t.inner.stats() }

type timeoutError interface {
	Timeout() bool
}

func classifyTransportError(url string, err error) error {
	if te, ok := err.(timeoutError); ok && te.Timeout() {
		return &TransportError{Kind: TransportTimeout, URL: url, Err: err}
	}
	if strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "certificate") {
		return &TransportError{Kind: TransportTLS, URL: url, Err: err}
	}
	return &TransportError{Kind: TransportConnect, URL: url, Err: err}
}

// decodeBody wraps r with a decompressing reader per the Content-Encoding
// header. Returns the (possibly unchanged) reader and the encoding name
// actually applied, so the caller can populate ContentEncoding/byte
// counters without re-inspecting headers.
func decodeBody(r io.Reader, encoding string) (io.Reader, string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, "", err
		}
		return gz, "gzip", nil
	case "br":
		return brotli.NewReader(r), "br", nil
	case "deflate":
		return flate.NewReader(r), "deflate", nil
	case "", "identity":
		return r, "identity", nil
	default:
		return r, encoding, nil
	}
}

// countingReader tracks raw (pre-decode) bytes read off the wire.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// readCloser pairs a decoding Reader with the underlying wire ReadCloser
// so closing the Response.Body closes the real connection.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc *readCloser) Close() error { return rc.closer.Close() }
