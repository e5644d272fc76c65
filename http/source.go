// Package http provides byte-range access to a remote archive over HTTP.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"
)

// Source reads byte ranges of a single remote resource. The zero-cost
// constructor performs no network I/O; Probe learns the content size and
// validators, and ReadRange enforces the strict range semantics the download
// package depends on.
//
// Source is safe for concurrent use.
type Source struct {
	url     string
	client  *nethttp.Client
	headers nethttp.Header

	mu           sync.Mutex
	size         int64
	etag         string
	lastModified string
}

// SourceOption configures a Source.
type SourceOption func(*Source)

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) SourceOption {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) SourceOption {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource creates a Source for url. A nil client uses
// http.DefaultClient. No network I/O happens until Probe or a read.
func NewSource(client *nethttp.Client, url string, opts ...SourceOption) *Source {
	s := &Source{
		url:    url,
		client: client,
		size:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	return s
}

// Size returns the content size learned by the last Probe, -1 before one
// succeeded.
func (s *Source) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// SourceID identifies the remote content: the URL plus whatever validator
// the server exposed. Two equal IDs refer to byte-identical content as far
// as the server is willing to promise.
func (s *Source) SourceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.etag != "":
		return s.url + "#" + s.etag
	case s.lastModified != "":
		return s.url + "#" + s.lastModified
	}
	return s.url
}

// Probe learns the remote content size and validators. It tries HEAD first
// and falls back to a one-byte range request when HEAD is unsupported or
// does not report a length. Probe fails if the server cannot satisfy range
// requests.
func (s *Source) Probe(ctx context.Context) error {
	size := int64(-1)
	etag := ""
	lastModified := ""

	if resp, err := s.do(ctx, nethttp.MethodHead, ""); err == nil {
		if resp.StatusCode == nethttp.StatusOK {
			size = resp.ContentLength
			etag = resp.Header.Get("ETag")
			lastModified = resp.Header.Get("Last-Modified")
		}
		drain(resp)
	}

	rangeSize, rangeETag, rangeLastModified, err := s.rangeProbe(ctx)
	if err != nil {
		return err
	}
	if size > 0 && size != rangeSize {
		return fmt.Errorf("http: content size mismatch: head=%d range=%d", size, rangeSize)
	}
	if etag == "" {
		etag = rangeETag
	}
	if lastModified == "" {
		lastModified = rangeLastModified
	}

	s.mu.Lock()
	s.size = rangeSize
	s.etag = etag
	s.lastModified = lastModified
	s.mu.Unlock()
	return nil
}

func (s *Source) rangeProbe(ctx context.Context) (int64, string, string, error) {
	resp, err := s.do(ctx, nethttp.MethodGet, "bytes=0-0")
	if err != nil {
		return 0, "", "", err
	}
	defer drain(resp)

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, "", "", errors.New("http: range requests not supported")
		}
		return 0, "", "", fmt.Errorf("http: range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, "", "", errors.New("http: range probe missing Content-Range")
	}
	size, err := parseContentRange(crange)
	if err != nil {
		return 0, "", "", err
	}
	return size, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), nil
}

// ReadRange fills p with the bytes at [off, off+len(p)) of the remote
// content. The semantics are strict: the server must answer 206 with exactly
// len(p) bytes; anything else (200, truncation, extra bytes) is an error.
// When validators are known from a Probe they are sent as preconditions; a
// 412 answer triggers a single re-probe and retry, covering the archive
// being replaced server-side.
func (s *Source) ReadRange(ctx context.Context, off int64, p []byte) error {
	if off < 0 {
		return fmt.Errorf("http: read range at %d: negative offset", off)
	}
	if len(p) == 0 {
		return nil
	}

	err := s.readRangeOnce(ctx, off, p)
	if err == nil || !errors.Is(err, errPreconditionFailed) {
		return err
	}
	if perr := s.Probe(ctx); perr != nil {
		return fmt.Errorf("http: re-probe after precondition failure: %w", perr)
	}
	return s.readRangeOnce(ctx, off, p)
}

var errPreconditionFailed = errors.New("http: precondition failed")

func (s *Source) readRangeOnce(ctx context.Context, off int64, p []byte) error {
	end := off + int64(len(p)) - 1
	resp, err := s.do(ctx, nethttp.MethodGet, fmt.Sprintf("bytes=%d-%d", off, end))
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusPreconditionFailed:
		return errPreconditionFailed
	case nethttp.StatusOK:
		return errors.New("http: range requests not supported")
	default:
		return fmt.Errorf("http: range request failed: %s", resp.Status)
	}

	if resp.ContentLength >= 0 && resp.ContentLength != int64(len(p)) {
		return fmt.Errorf("http: range response has %d bytes, want %d", resp.ContentLength, len(p))
	}
	if _, err := io.ReadFull(resp.Body, p); err != nil {
		return fmt.Errorf("http: truncated range response: %w", err)
	}
	// One extra readable byte means the server ignored the range end.
	var extra [1]byte
	if n, _ := resp.Body.Read(extra[:]); n != 0 {
		return fmt.Errorf("http: range response longer than %d bytes", len(p))
	}
	return nil
}

// ReadAt implements io.ReaderAt with tolerant semantics: ranges past the end
// of the content are clipped and report io.EOF. Probe must have succeeded so
// the content size is known.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	size := s.Size()
	if size < 0 {
		return 0, errors.New("http: size unknown, Probe first")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("http: read at %d: negative offset", off)
	}
	if off >= size {
		return 0, io.EOF
	}

	expected := len(p)
	if off+int64(expected) > size {
		expected = int(size - off)
	}
	if err := s.ReadRange(context.Background(), off, p[:expected]); err != nil {
		return 0, err
	}
	if expected < len(p) {
		return expected, io.EOF
	}
	return expected, nil
}

// ReadRangeReader returns a reader over [off, off+length) of the remote
// content. Callers that want streaming instead of a filled buffer use this.
func (s *Source) ReadRangeReader(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if length < 0 {
		return nil, fmt.Errorf("http: read range length %d: negative length", length)
	}
	if length == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	resp, err := s.do(ctx, nethttp.MethodGet, fmt.Sprintf("bytes=%d-%d", off, off+length-1))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != nethttp.StatusPartialContent {
		drain(resp)
		if resp.StatusCode == nethttp.StatusOK {
			return nil, errors.New("http: range requests not supported")
		}
		return nil, fmt.Errorf("http: range request failed: %s", resp.Status)
	}
	return &rangeReadCloser{
		body:   resp.Body,
		reader: io.LimitReader(resp.Body, length),
	}, nil
}

func (s *Source) do(ctx context.Context, method, rangeHeader string) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, s.url, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if method == nethttp.MethodGet {
		s.mu.Lock()
		etag, lastModified := s.etag, s.lastModified
		s.mu.Unlock()
		if etag != "" && req.Header.Get("If-Match") == "" {
			req.Header.Set("If-Match", etag)
		}
		if lastModified != "" && req.Header.Get("If-Unmodified-Since") == "" {
			req.Header.Set("If-Unmodified-Since", lastModified)
		}
	}
	return s.client.Do(req)
}

func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

type rangeReadCloser struct {
	body   io.ReadCloser
	reader io.Reader
}

func (r *rangeReadCloser) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *rangeReadCloser) Close() error {
	_, _ = io.Copy(io.Discard, r.body)
	return r.body.Close()
}

func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("http: invalid Content-Range %q", value)
	}
	return size, nil
}
