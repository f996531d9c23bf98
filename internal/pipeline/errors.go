package pipeline

import "fmt"

// ErrMissingDownloadURL is returned when a Download-action node has no URL.
type ErrMissingDownloadURL struct{ Package string }

func (e ErrMissingDownloadURL) Error() string {
	return fmt.Sprintf("pipeline: node %q has action Download but no URL", e.Package)
}
func (ErrMissingDownloadURL) Retryable() bool { return false }

// ErrMissingLocalPath is returned when a Local-action node has no path.
type ErrMissingLocalPath struct{ Package string }

func (e ErrMissingLocalPath) Error() string {
	return fmt.Sprintf("pipeline: node %q has action Local but no path", e.Package)
}
func (ErrMissingLocalPath) Retryable() bool { return false }

// ErrInvalidPackageFile is returned when a fetched/local .sp file fails
// C1 manifest or tar validation.
type ErrInvalidPackageFile struct {
	Package string
	Reason  string
}

func (e ErrInvalidPackageFile) Error() string {
	return fmt.Sprintf("pipeline: %s: invalid package file: %s", e.Package, e.Reason)
}
func (ErrInvalidPackageFile) Retryable() bool { return false }

// ErrStagingFailed wraps any failure while placing a package's files
// into the transition's staging root.
type ErrStagingFailed struct {
	Package string
	Err     error
}

func (e ErrStagingFailed) Error() string { return fmt.Sprintf("pipeline: %s: staging failed: %v", e.Package, e.Err) }
func (e ErrStagingFailed) Unwrap() error { return e.Err }
func (ErrStagingFailed) Retryable() bool { return false }

// ErrDigestMismatch is returned when a package's extracted tree digest
// does not match the manifest-declared expected hash.
type ErrDigestMismatch struct {
	Package  string
	Expected string
	Got      string
}

func (e ErrDigestMismatch) Error() string {
	return fmt.Sprintf("pipeline: %s: digest mismatch: expected %s, got %s", e.Package, e.Expected, e.Got)
}
func (ErrDigestMismatch) Retryable() bool { return false }

// ErrConcurrencyError wraps a failure to acquire a stage semaphore (e.g.
// the context was canceled while waiting).
type ErrConcurrencyError struct {
	Stage string
	Err   error
}

func (e ErrConcurrencyError) Error() string { return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err) }
func (e ErrConcurrencyError) Unwrap() error { return e.Err }
func (ErrConcurrencyError) Retryable() bool { return true }

// ErrTaskError wraps an unexpected failure from a pipeline task that
// does not fit the other categories.
type ErrTaskError struct {
	Package string
	Err     error
}

func (e ErrTaskError) Error() string { return fmt.Sprintf("pipeline: %s: task error: %v", e.Package, e.Err) }
func (e ErrTaskError) Unwrap() error { return e.Err }
func (ErrTaskError) Retryable() bool { return false }
