//go:build darwin

package store

import "golang.org/x/sys/unix"

// cloneFile uses the native APFS clonefile(2) syscall for an instant
// copy-on-write duplicate.
func cloneFile(src, dst string) error {
	return unix.Clonefile(src, dst, unix.CLONE_NOFOLLOW)
}
