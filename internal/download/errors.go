package download

import (
	"fmt"
	"time"
)

// ErrInvalidURL is returned when a request's URL cannot be parsed. A
// well-formed URL with a scheme other than http/https gets
// ErrUnsupportedProtocol instead.
type ErrInvalidURL struct{ URL string }

func (e ErrInvalidURL) Error() string     { return fmt.Sprintf("download: invalid url %q", e.URL) }
func (ErrInvalidURL) Retryable() bool     { return false }

// ErrUnsupportedProtocol is returned for well-formed URLs whose scheme
// this pool does not speak.
type ErrUnsupportedProtocol struct{ Scheme string }

func (e ErrUnsupportedProtocol) Error() string {
	return fmt.Sprintf("download: unsupported protocol %q", e.Scheme)
}
func (ErrUnsupportedProtocol) Retryable() bool { return false }

// ErrChecksumMismatch is returned when the streamed hash does not match
// the caller-supplied expected hash. The partial output file has
// already been deleted by the time this is returned; the URL is
// considered poisoned and is not retried.
type ErrChecksumMismatch struct {
	URL      string
	Expected string
	Got      string
}

func (e ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("download: checksum mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Got)
}
func (ErrChecksumMismatch) Retryable() bool { return false }

// ErrFileSizeExceeded is returned when a response's declared or observed
// size exceeds the configured max_file_size.
type ErrFileSizeExceeded struct {
	URL     string
	Limit   int64
	Reached int64
}

func (e ErrFileSizeExceeded) Error() string {
	return fmt.Sprintf("download: %s exceeded size limit %d (reached %d)", e.URL, e.Limit, e.Reached)
}
func (ErrFileSizeExceeded) Retryable() bool { return false }

// ErrPartialContentNotSupported is returned when a server answers 416 to
// a request that carried no Range header. A resume attempt whose Range
// request is answered with 200 does not produce it: the partial file is
// discarded and the download restarts from the beginning.
type ErrPartialContentNotSupported struct{ URL string }

func (e ErrPartialContentNotSupported) Error() string {
	return fmt.Sprintf("download: %s does not support range resume", e.URL)
}
func (ErrPartialContentNotSupported) Retryable() bool { return false }

// ErrHTTP wraps a non-2xx/206 HTTP response status. RetryAfter, when
// nonzero, is the server-requested delay parsed from a 429/503
// response's Retry-After header (seconds or HTTP-date form) and
// overrides the backoff policy's own interval for the next attempt.
type ErrHTTP struct {
	URL        string
	Status     int
	RetryAfter time.Duration
}

func (e ErrHTTP) Error() string { return fmt.Sprintf("download: %s: http status %d", e.URL, e.Status) }
func (e ErrHTTP) Retryable() bool {
	switch e.Status {
	case 408, 429:
		return true
	default:
		return e.Status >= 500
	}
}

// ErrTimeout is returned when a request's context deadline is exceeded.
type ErrTimeout struct{ URL string }

func (e ErrTimeout) Error() string { return fmt.Sprintf("download: %s: timed out", e.URL) }
func (ErrTimeout) Retryable() bool { return true }

// ErrDownloadFailed wraps a transport-level failure (DNS, connection
// refused, reset) not otherwise classified above.
type ErrDownloadFailed struct {
	URL string
	Err error
}

func (e ErrDownloadFailed) Error() string { return fmt.Sprintf("download: %s: %v", e.URL, e.Err) }
func (e ErrDownloadFailed) Unwrap() error { return e.Err }
func (ErrDownloadFailed) Retryable() bool { return true }
