package statedb

import (
	"encoding/binary"
	"strings"

	"github.com/sps2/sps2/internal/sps2"
)

// Keys within a bucket are built by joining components with a NUL
// separator so bolt's lexicographic key ordering gives us prefix scans
// for free (list every state_packages/package_files row for one state by
// seeking to its prefix), the same idea as cache.go's makeKey but with
// string components instead of packed binary fields.

func statePackageKey(stateID sps2.StateID, name string) []byte {
	return []byte(string(stateID) + "\x00" + name)
}

func statePackagePrefix(stateID sps2.StateID) []byte {
	return []byte(string(stateID) + "\x00")
}

func packageFileKey(stateID sps2.StateID, name, relPath string) []byte {
	return []byte(string(stateID) + "\x00" + name + "\x00" + relPath)
}

func packageFilesStatePrefix(stateID sps2.StateID) []byte {
	return []byte(string(stateID) + "\x00")
}

func packageFilesPackagePrefix(stateID sps2.StateID, name string) []byte {
	return []byte(string(stateID) + "\x00" + name + "\x00")
}

func venvKey(name, version string) []byte {
	return []byte(name + "\x00" + version)
}

// splitKey reverses the NUL-joined key encoding.
func splitKey(key []byte) []string {
	return strings.Split(string(key), "\x00")
}

func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func decodeUint32(b []byte) uint32 {
	if len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
