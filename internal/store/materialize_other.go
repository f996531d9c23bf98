//go:build !linux && !darwin

package store

import "errors"

// cloneFile has no reflink-capable equivalent on this platform; Materialize
// falls through to the hard-link and copy fallbacks.
func cloneFile(_, _ string) error {
	return errors.New("store: reflink clone not supported on this platform")
}
