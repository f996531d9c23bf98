package swap

import "fmt"

// ErrStagingInvariant is returned when a staged tree fails the
// PackageFile invariant check before the atomic swap is attempted.
type ErrStagingInvariant struct {
	RelPath string
	Reason  string
}

func (e ErrStagingInvariant) Error() string {
	return fmt.Sprintf("swap: staging invariant violated for %q: %s", e.RelPath, e.Reason)
}
func (ErrStagingInvariant) Retryable() bool { return false }

// ErrSwapFailed is returned when the atomic rename or symlink retarget
// fails. The prior live pointer is left untouched.
type ErrSwapFailed struct{ Reason string }

func (e ErrSwapFailed) Error() string { return fmt.Sprintf("swap: atomic swap failed: %s", e.Reason) }
func (ErrSwapFailed) Retryable() bool { return false }
