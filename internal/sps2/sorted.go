package sps2

import (
	"cmp"
	"slices"
)

// Sorted is an ordered collection that maintains sort order by a key
// function. T is the element type, K is the comparable key type. Once
// constructed, items are guaranteed to be sorted by key.
//
// PackageFilesByPath and StatesByAge below instantiate it for PackageFile
// rows (by relative path) and State rows (by creation time); no code
// outside this package calls them.
type Sorted[T any, K cmp.Ordered] struct {
	items   []T
	keyFunc func(T) K
}

// NewSorted creates a sorted collection from items using keyFunc for
// ordering. Items are copied and sorted at construction time.
func NewSorted[T any, K cmp.Ordered](items []T, keyFunc func(T) K) Sorted[T, K] {
	sorted := make([]T, len(items))
	copy(sorted, items)
	slices.SortFunc(sorted, func(a, b T) int {
		return cmp.Compare(keyFunc(a), keyFunc(b))
	})
	return Sorted[T, K]{items: sorted, keyFunc: keyFunc}
}

// Items returns the sorted items.
func (s Sorted[T, K]) Items() []T { return s.items }

// First returns the first item (smallest key), or the zero value if empty.
func (s Sorted[T, K]) First() T {
	if len(s.items) == 0 {
		var zero T
		return zero
	}
	return s.items[0]
}

// Len returns the number of items.
func (s Sorted[T, K]) Len() int { return len(s.items) }

// PackageFilesByPath orders PackageFile rows by relative path.
type PackageFilesByPath = Sorted[PackageFile, string]

// NewPackageFilesByPath sorts files by relative path so directory entries
// naturally precede the files nested under them in lexical order for a
// well-formed tree (it creates nothing on disk; callers still create
// parent directories explicitly).
func NewPackageFilesByPath(files []PackageFile) PackageFilesByPath {
	return NewSorted(files, func(f PackageFile) string { return f.RelPath })
}

// StatesByAge orders State rows by creation time, oldest first.
type StatesByAge = Sorted[State, int64]

// NewStatesByAge sorts states by creation time (unix nanoseconds).
func NewStatesByAge(states []State) StatesByAge {
	return NewSorted(states, func(s State) int64 { return s.CreatedAt.UnixNano() })
}

// Semaphore implements a counting semaphore using a buffered channel. It
// limits concurrent access to a resource by blocking when the limit is
// reached. Used to bound every concurrent stage in the system: C5
// downloads, C6 decompress/validate/stage, C7 parallel per-package
// verification.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent
// acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// TryAcquire claims a slot without blocking, reporting whether it
// succeeded.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
