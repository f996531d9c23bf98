// Package download implements the streaming download pool (C5):
// resumable, concurrent, bounded HTTP fetch with streaming hash
// verification. It extends a distr1-distri-style Reader (a plain GET
// with gzip transcoding and an mtime cache) with Range-based resume,
// exponential backoff retry, a concurrency bound, and progress events,
// all funneled through one retryable HTTP round-trip per attempt.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sps2/sps2/internal/eventbus"
	"github.com/sps2/sps2/internal/sps2"
)

// DefaultMinChunkSize is the smallest partial file size worth resuming;
// below this, restarting from scratch is cheaper than the Range
// round-trip.
const DefaultMinChunkSize = 1 << 20 // 1 MiB

// Request describes one file to fetch.
type Request struct {
	URL          string
	SignatureURL string // optional; C5 only downloads it, never verifies it
	ExpectedHash sps2.Hash
	Filename     string // destination file name under Pool.destination; defaults to the URL's base name
}

// Result reports the outcome of one successful Request.
type Result struct {
	DestinationPath string
	SignaturePath   string
	Hash            sps2.Hash
	Size            int64
}

// Options configures a Pool.
type Options struct {
	// MaxConcurrent bounds in-flight downloads (default 4).
	MaxConcurrent int
	// MinChunkSize is the smallest existing partial file worth resuming
	// (default DefaultMinChunkSize).
	MinChunkSize int64
	// MaxFileSize hard-caps any single download (0 means unlimited).
	MaxFileSize int64
	// HTTPClient is the transport used for every request; defaults to
	// http.DefaultClient if nil.
	HTTPClient *http.Client
	// Bus receives Progress events, throttled to roughly 20 Hz per
	// request, with a final event always emitted at the completed size.
	Bus *eventbus.Bus
	// CorrelationID tags progress/lifecycle events emitted by this pool.
	CorrelationID string
	// Clock returns the current time; overridable in tests. Defaults to
	// time.Now.
	Clock func() time.Time
}

// Pool fetches a batch of Requests into a destination directory under a
// bounded concurrency semaphore.
type Pool struct {
	destination string
	sem         sps2.Semaphore
	opts        Options
	client      *http.Client
}

// acquire claims a semaphore slot or returns ctx's error if it's
// canceled first.
func acquire(ctx context.Context, sem sps2.Semaphore) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewPool returns a Pool writing into destination, creating it if
// necessary.
func NewPool(destination string, opts Options) (*Pool, error) {
	if err := os.MkdirAll(destination, 0755); err != nil {
		return nil, fmt.Errorf("download: create destination %s: %w", destination, err)
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MinChunkSize <= 0 {
		opts.MinChunkSize = DefaultMinChunkSize
	}
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Pool{
		destination: destination,
		sem:         sps2.NewSemaphore(opts.MaxConcurrent),
		opts:        opts,
		client:      client,
	}, nil
}

// Fetch downloads reqs, one goroutine per request bounded by the pool's
// semaphore, and returns one Result per request in input order. The
// first non-retryable error aborts the whole batch; callers wanting
// partial-success semantics should call Fetch once per request instead.
func (p *Pool) Fetch(ctx context.Context, reqs []Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	errs := make(chan error, len(reqs))
	done := make(chan struct{}, len(reqs))

	for i, req := range reqs {
		i, req := i, req
		if err := acquire(ctx, p.sem); err != nil {
			return nil, err
		}
		go func() {
			defer p.sem.Release()
			res, err := p.fetchOne(ctx, req)
			if err != nil {
				errs <- err
				done <- struct{}{}
				return
			}
			results[i] = res
			done <- struct{}{}
		}()
	}

	var firstErr error
	for range reqs {
		<-done
		select {
		case err := <-errs:
			if firstErr == nil {
				firstErr = err
			}
		default:
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (p *Pool) fetchOne(ctx context.Context, req Request) (Result, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return Result{}, ErrInvalidURL{URL: req.URL}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, ErrUnsupportedProtocol{Scheme: u.Scheme}
	}

	name := req.Filename
	if name == "" {
		name = filepath.Base(u.Path)
	}
	dest := filepath.Join(p.destination, name)

	var result Result
	var retryAfter time.Duration
	policy := backoff.WithContext(&retryAfterBackOff{BackOff: backoff.NewExponentialBackOff(), override: &retryAfter}, ctx)

	op := func() error {
		r, err := p.attempt(ctx, req, dest)
		if err != nil {
			if httpErr, ok := err.(ErrHTTP); ok {
				retryAfter = httpErr.RetryAfter
			}
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return Result{}, perm.Err
		}
		return Result{}, err
	}
	return result, nil
}

// retryAfterBackOff wraps a backoff.BackOff, letting a server-specified
// Retry-After delay preempt the wrapped policy's own interval for
// exactly one attempt.
type retryAfterBackOff struct {
	backoff.BackOff
	override *time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	if *b.override > 0 {
		d := *b.override
		*b.override = 0
		return d
	}
	return b.BackOff.NextBackOff()
}

func isRetryable(err error) bool {
	type retryabler interface{ Retryable() bool }
	if r, ok := err.(retryabler); ok {
		return r.Retryable()
	}
	return false
}

// attempt performs exactly one resume-aware HTTP fetch, streaming into
// dest while hashing, and returns a Result on full success.
func (p *Pool) attempt(ctx context.Context, req Request, dest string) (Result, error) {
	var resumeFrom int64
	if info, err := os.Stat(dest); err == nil {
		if info.Size() >= p.opts.MinChunkSize {
			resumeFrom = info.Size()
		} else {
			_ = os.Remove(dest)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Result{}, ErrInvalidURL{URL: req.URL}
	}
	if resumeFrom > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ErrTimeout{URL: req.URL}
		}
		return Result{}, ErrDownloadFailed{URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resumeFrom > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// The server has nothing at or past resumeFrom: the partial file
		// on disk is already the complete file (the boundary case of
		// resuming from exactly the final byte offset).
		return p.finishAlreadyComplete(req, dest, resumeFrom)
	}

	flags, contentLength := 0, resp.ContentLength
	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		flags = os.O_WRONLY | os.O_APPEND
	case resumeFrom > 0 && resp.StatusCode == http.StatusOK:
		// Server ignored Range; discard and restart from zero.
		_ = os.Remove(dest)
		resumeFrom = 0
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case resp.StatusCode == http.StatusOK:
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return Result{}, classifyHTTPStatus(req.URL, resp)
	}

	if p.opts.MaxFileSize > 0 && contentLength > 0 && resumeFrom+contentLength > p.opts.MaxFileSize {
		return Result{}, ErrFileSizeExceeded{URL: req.URL, Limit: p.opts.MaxFileSize, Reached: resumeFrom + contentLength}
	}

	f, err := os.OpenFile(dest, flags, 0644)
	if err != nil {
		return Result{}, ErrDownloadFailed{URL: req.URL, Err: err}
	}
	defer f.Close()

	hasher := sps2.NewHasher()
	if resumeFrom > 0 {
		if err := rehashExisting(hasher, dest, resumeFrom); err != nil {
			return Result{}, ErrDownloadFailed{URL: req.URL, Err: err}
		}
	}

	var total int64
	if contentLength > 0 {
		total = resumeFrom + contentLength
	}
	written := resumeFrom
	lastEmit := p.opts.Clock()
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return Result{}, ErrDownloadFailed{URL: req.URL, Err: werr}
			}
			if _, herr := hasher.Write(buf[:n]); herr != nil {
				return Result{}, ErrDownloadFailed{URL: req.URL, Err: herr}
			}
			written += int64(n)
			if p.opts.MaxFileSize > 0 && written > p.opts.MaxFileSize {
				_ = os.Remove(dest)
				return Result{}, ErrFileSizeExceeded{URL: req.URL, Limit: p.opts.MaxFileSize, Reached: written}
			}
			if p.opts.Bus != nil {
				now := p.opts.Clock()
				if now.Sub(lastEmit) >= 50*time.Millisecond || (total > 0 && written == total) {
					p.opts.Bus.PublishProgress(eventbus.Progress{
						ID: req.URL, ParentID: p.opts.CorrelationID, Current: written, Total: total,
					})
					lastEmit = now
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return Result{}, ErrTimeout{URL: req.URL}
			}
			return Result{}, ErrDownloadFailed{URL: req.URL, Err: rerr}
		}
	}

	sum := hasher.Sum()
	if !req.ExpectedHash.IsZero() && sum != req.ExpectedHash {
		_ = os.Remove(dest)
		return Result{}, ErrChecksumMismatch{URL: req.URL, Expected: req.ExpectedHash.String(), Got: sum.String()}
	}

	if p.opts.Bus != nil {
		p.opts.Bus.PublishProgress(eventbus.Progress{ID: req.URL, ParentID: p.opts.CorrelationID, Current: written, Total: written})
	}

	return Result{DestinationPath: dest, Hash: sum, Size: written}, nil
}

// finishAlreadyComplete hashes an on-disk file that turned out to
// already hold everything the server has, verifying it against
// req.ExpectedHash exactly as a freshly streamed download would.
func (p *Pool) finishAlreadyComplete(req Request, dest string, size int64) (Result, error) {
	hasher := sps2.NewHasher()
	if err := rehashExisting(hasher, dest, size); err != nil {
		return Result{}, ErrDownloadFailed{URL: req.URL, Err: err}
	}
	sum := hasher.Sum()
	if !req.ExpectedHash.IsZero() && sum != req.ExpectedHash {
		_ = os.Remove(dest)
		return Result{}, ErrChecksumMismatch{URL: req.URL, Expected: req.ExpectedHash.String(), Got: sum.String()}
	}
	if p.opts.Bus != nil {
		p.opts.Bus.PublishProgress(eventbus.Progress{ID: req.URL, ParentID: p.opts.CorrelationID, Current: size, Total: size})
	}
	return Result{DestinationPath: dest, Hash: sum, Size: size}, nil
}

func rehashExisting(h *sps2.Hasher, path string, upTo int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyN(h, f, upTo)
	return err
}

func classifyHTTPStatus(rawURL string, resp *http.Response) error {
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		return ErrPartialContentNotSupported{URL: rawURL}
	}
	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return ErrHTTP{URL: rawURL, Status: resp.StatusCode, RetryAfter: retryAfter}
}

// parseRetryAfter interprets a Retry-After header in either its
// delay-seconds or HTTP-date form, returning 0 if absent, malformed, or
// already in the past.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
