package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	sarhttp "github.com/meigma/sar/http"
)

func newRangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSourceProbeAndReadAt(t *testing.T) {
	data := []byte("hello world")
	server := newRangeServer(t, data)

	src := sarhttp.NewSource(nil, server.URL)
	if src.Size() != -1 {
		t.Fatalf("Size() before Probe = %d, want -1", src.Size())
	}
	if err := src.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != len(buf) || string(buf) != "world" {
		t.Fatalf("ReadAt() = %d, %q; want 5, %q", n, buf, "world")
	}

	edge := make([]byte, 10)
	n, err = src.ReadAt(edge, int64(len(data)-3))
	if err != io.EOF {
		t.Fatalf("ReadAt() error = %v, want io.EOF", err)
	}
	if n != 3 || string(edge[:n]) != "rld" {
		t.Fatalf("ReadAt() = %d, %q; want 3, %q", n, edge[:n], "rld")
	}
}

func TestSourceReadRangeStrict(t *testing.T) {
	data := []byte("0123456789abcdef")
	server := newRangeServer(t, data)

	src := sarhttp.NewSource(nil, server.URL)
	buf := make([]byte, 4)
	if err := src.ReadRange(context.Background(), 10, buf); err != nil {
		t.Fatalf("ReadRange() error = %v", err)
	}
	if string(buf) != "abcd" {
		t.Fatalf("ReadRange() got %q, want %q", buf, "abcd")
	}

	// A range hanging past the end is truncated by the server; strict
	// semantics reject that.
	over := make([]byte, 8)
	if err := src.ReadRange(context.Background(), 12, over); err == nil {
		t.Fatal("ReadRange() past end: expected error")
	}
}

func TestSourceRangeUnsupported(t *testing.T) {
	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	src := sarhttp.NewSource(nil, server.URL)
	if err := src.Probe(context.Background()); err == nil {
		t.Fatal("Probe() expected error")
	}
	if err := src.ReadRange(context.Background(), 0, make([]byte, 4)); err == nil {
		t.Fatal("ReadRange() expected error")
	}
}

func TestSourceContentReplacedMidstream(t *testing.T) {
	// The server swaps content and validator between requests. The strict
	// reader re-probes after the 412 and retries against the new content.
	var generation int
	content := func() ([]byte, string) {
		if generation == 0 {
			return []byte("first version.."), `"v1"`
		}
		return []byte("second version!"), `"v2"`
	}
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		data, etag := content()
		if m := r.Header.Get("If-Match"); m != "" && m != etag {
			w.WriteHeader(nethttp.StatusPreconditionFailed)
			return
		}
		w.Header().Set("ETag", etag)
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src := sarhttp.NewSource(nil, server.URL)
	if err := src.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	idBefore := src.SourceID()

	generation = 1
	buf := make([]byte, 6)
	if err := src.ReadRange(context.Background(), 0, buf); err != nil {
		t.Fatalf("ReadRange() after swap error = %v", err)
	}
	if string(buf) != "second" {
		t.Fatalf("ReadRange() got %q, want %q", buf, "second")
	}
	if src.SourceID() == idBefore {
		t.Fatal("SourceID() unchanged after content swap")
	}
}

func TestSourceReadRangeReader(t *testing.T) {
	data := []byte("streaming range body")
	server := newRangeServer(t, data)

	src := sarhttp.NewSource(nil, server.URL)
	rc, err := src.ReadRangeReader(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ReadRangeReader() error = %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(got) != "range" {
		t.Fatalf("got %q, want %q", got, "range")
	}
}
