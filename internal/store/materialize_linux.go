//go:build linux

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// cloneFile attempts a reflink (copy-on-write) clone via the FICLONE
// ioctl, available on btrfs, xfs (with reflink=1), and bcachefs. It fails
// fast (ENOTSUP/EXDEV/EINVAL) on filesystems that don't support it, which
// is the expected common case: Materialize falls through to hard link.
func cloneFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
