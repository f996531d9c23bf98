package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/sps2"
)

// rangeServer serves a fixed payload and honors Range requests.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}
		spec := strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		start, err := strconv.Atoi(spec)
		require.NoError(t, err)
		if start >= len(payload) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(len(payload)-1)+"/"+strconv.Itoa(len(payload)))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)-start))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[start:])
	}))
}

func newTestPool(t *testing.T, destination string) *Pool {
	t.Helper()
	p, err := NewPool(destination, Options{MinChunkSize: 4, Clock: time.Now})
	require.NoError(t, err)
	return p
}

func TestFetchFullDownloadVerifiesHash(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	srv := rangeServer(t, payload)
	defer srv.Close()

	dir := t.TempDir()
	p := newTestPool(t, dir)

	results, err := p.Fetch(context.Background(), []Request{
		{URL: srv.URL + "/pkg.sp", Filename: "pkg.sp", ExpectedHash: sps2.SumBytes(payload)},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, int64(len(payload)), results[0].Size)

	got, err := os.ReadFile(filepath.Join(dir, "pkg.sp"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetchChecksumMismatchDeletesOutput(t *testing.T) {
	payload := []byte("payload contents")
	srv := rangeServer(t, payload)
	defer srv.Close()

	dir := t.TempDir()
	p := newTestPool(t, dir)

	var wrong sps2.Hash
	wrong[0] = 0xFF

	_, err := p.Fetch(context.Background(), []Request{
		{URL: srv.URL + "/pkg.sp", Filename: "pkg.sp", ExpectedHash: wrong},
	})
	require.Error(t, err)
	var mismatch ErrChecksumMismatch
	require.ErrorAs(t, err, &mismatch)

	_, statErr := os.Stat(filepath.Join(dir, "pkg.sp"))
	require.True(t, os.IsNotExist(statErr))
}

// TestResumeFromEveryBoundaryOffset exercises resume from offset 0,
// min_chunk_size-1, exact file size, and file size-1, per the boundary
// behaviors enumerated for this component.
func TestResumeFromEveryBoundaryOffset(t *testing.T) {
	payload := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	minChunk := int64(4)

	cases := []struct {
		name      string
		preloaded int64
	}{
		{"offset zero", 0},
		{"just below min chunk", minChunk - 1},
		{"exact file size", int64(len(payload))},
		{"one byte short of file size", int64(len(payload)) - 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := rangeServer(t, payload)
			defer srv.Close()

			dir := t.TempDir()
			dest := filepath.Join(dir, "pkg.sp")
			if tc.preloaded > 0 {
				require.NoError(t, os.WriteFile(dest, payload[:tc.preloaded], 0644))
			}

			p, err := NewPool(dir, Options{MinChunkSize: minChunk, Clock: time.Now})
			require.NoError(t, err)

			results, err := p.Fetch(context.Background(), []Request{
				{URL: srv.URL + "/pkg.sp", Filename: "pkg.sp", ExpectedHash: sps2.SumBytes(payload)},
			})
			require.NoError(t, err)
			require.Equal(t, int64(len(payload)), results[0].Size)

			got, err := os.ReadFile(dest)
			require.NoError(t, err)
			require.Equal(t, payload, got)
		})
	}
}

func TestFetchRejectsUnsupportedScheme(t *testing.T) {
	dir := t.TempDir()
	p := newTestPool(t, dir)

	_, err := p.Fetch(context.Background(), []Request{{URL: "ftp://example.com/pkg.sp"}})
	require.Error(t, err)
	var unsupported ErrUnsupportedProtocol
	require.ErrorAs(t, err, &unsupported)
}

func TestFetchHonorsMaxFileSize(t *testing.T) {
	payload := make([]byte, 1024)
	srv := rangeServer(t, payload)
	defer srv.Close()

	dir := t.TempDir()
	p, err := NewPool(dir, Options{MinChunkSize: 4, MaxFileSize: 10, Clock: time.Now})
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), []Request{{URL: srv.URL + "/big.sp", Filename: "big.sp"}})
	require.Error(t, err)
	var exceeded ErrFileSizeExceeded
	require.ErrorAs(t, err, &exceeded)
}
