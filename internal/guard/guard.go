package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sps2/sps2/internal/eventbus"
	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
	"github.com/sps2/sps2/internal/venv"
)

// Options configures a Guard.
type Options struct {
	Workers  int           // concurrent per-file verification workers, default 4
	CacheTTL time.Duration // cache entry max age, 0 disables TTL expiry
}

// Guard compares the live filesystem against the state database and
// exposes opt-in healing. One Guard may serve concurrent Verify calls.
type Guard struct {
	db    *statedb.DB
	store *store.Store
	swap  *swap.Engine
	venv  *venv.Manager
	bus   *eventbus.Bus
	cache *Cache

	sem sps2.Semaphore
	ttl time.Duration
}

// New constructs a Guard. bus, cache, and vm may each be nil to disable
// event publication, result caching, and MissingVenv healing respectively.
func New(db *statedb.DB, st *store.Store, sw *swap.Engine, vm *venv.Manager, bus *eventbus.Bus, cache *Cache, opts Options) *Guard {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Guard{
		db: db, store: st, swap: sw, venv: vm, bus: bus, cache: cache,
		sem: sps2.NewSemaphore(workers),
		ttl: opts.CacheTTL,
	}
}

// resolveScope returns the state whose package_files define "expected"
// for scope, and the filesystem root to compare against.
func (g *Guard) resolveScope(scope Scope) (sps2.StateID, string, error) {
	if scope.Kind == ScopeState {
		return scope.StateID, g.swap.StatePath(scope.StateID), nil
	}
	id, root, err := g.swap.CurrentLive()
	if err != nil {
		return "", "", fmt.Errorf("guard: resolve live root: %w", err)
	}
	return id, root, nil
}

func (g *Guard) loadExpected(stateID sps2.StateID, scope Scope) ([]sps2.PackageFile, error) {
	switch scope.Kind {
	case ScopePackage:
		return g.db.ListPackageFiles(stateID, scope.PackageName)
	case ScopeFiles:
		all, err := g.db.ListPackageFiles(stateID, "")
		if err != nil {
			return nil, err
		}
		want := make(map[string]bool, len(scope.RelPaths))
		for _, p := range scope.RelPaths {
			want[p] = true
		}
		var out []sps2.PackageFile
		for _, pf := range all {
			if want[pf.RelPath] {
				out = append(out, pf)
			}
		}
		return out, nil
	default: // ScopeSystem, ScopeState
		return g.db.ListPackageFiles(stateID, "")
	}
}

// Verify compares scope's expected file set, taken from the resolved
// state, against the live filesystem at the requested level. It walks
// for orphans only when scope covers the whole tree (ScopeSystem or
// ScopeState) and level is above Quick.
func (g *Guard) Verify(ctx context.Context, scope Scope, level Level) (Result, error) {
	stateID, root, err := g.resolveScope(scope)
	if err != nil {
		return Result{}, err
	}

	expected, err := g.loadExpected(stateID, scope)
	if err != nil {
		return Result{}, fmt.Errorf("guard: load expected files: %w", err)
	}
	packages, err := g.db.ListStatePackages(stateID)
	if err != nil {
		return Result{}, fmt.Errorf("guard: load state packages: %w", err)
	}
	digests := make(map[string]sps2.PackageDigest, len(packages))
	bySpec := make(map[string]sps2.PackageSpec, len(packages))
	for _, sp := range packages {
		digests[sp.Spec.Name] = sp.Digest
		bySpec[sp.Spec.Name] = sp.Spec
	}

	result := Result{Level: level, Scope: scope, LiveRoot: root, FilesChecked: len(expected)}

	var mu sync.Mutex
	var wg sync.WaitGroup
	now := time.Now()
	for _, pf := range expected {
		pf := pf
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := acquire(ctx, g.sem); err != nil {
				return
			}
			defer g.sem.Release()

			d := g.compareFile(root, pf, level, now)
			if d != nil {
				d.Spec = bySpec[pf.PackageName]
				d.Digest = digests[pf.PackageName]
				mu.Lock()
				result.Discrepancies = append(result.Discrepancies, *d)
				mu.Unlock()
				g.publishDiscrepancy(*d, level)
			}
		}()
	}
	wg.Wait()

	involvedPackages := make(map[string]bool, len(expected))
	for _, pf := range expected {
		involvedPackages[pf.PackageName] = true
	}
	for name := range involvedPackages {
		if d := g.checkVenv(bySpec[name], digests[name]); d != nil {
			result.Discrepancies = append(result.Discrepancies, *d)
			g.publishDiscrepancy(*d, level)
		}
	}

	if level > LevelQuick && (scope.Kind == ScopeSystem || scope.Kind == ScopeState) {
		orphans, err := g.scanOrphans(root, expected)
		if err != nil {
			return result, fmt.Errorf("guard: orphan scan: %w", err)
		}
		result.Orphans = orphans
	}

	return result, nil
}

// checkVenv reports a MissingVenv discrepancy when spec has a recorded
// venv whose directory no longer exists on disk. Packages with no venv
// record (non-Python packages) are silently skipped.
func (g *Guard) checkVenv(spec sps2.PackageSpec, digest sps2.PackageDigest) *Discrepancy {
	if spec.Name == "" {
		return nil
	}
	record, err := g.db.GetVenv(spec.Name, spec.Version)
	if err != nil {
		return nil
	}
	if _, err := os.Stat(record.VenvPath); err == nil {
		return nil
	}
	return &Discrepancy{Spec: spec, RelPath: record.VenvPath, Kind: MissingVenv, Digest: digest, Venv: &record, Detail: "venv directory missing"}
}

func acquire(ctx context.Context, sem sps2.Semaphore) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compareFile checks one expected entry against the live filesystem at
// the given level, returning nil when it matches.
func (g *Guard) compareFile(root string, pf sps2.PackageFile, level Level, now time.Time) *Discrepancy {
	full := filepath.Join(root, filepath.FromSlash(pf.RelPath))
	info, err := os.Lstat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return &Discrepancy{RelPath: pf.RelPath, Kind: MissingFile, Expected: pf, Detail: "file missing"}
	}
	if err != nil {
		return &Discrepancy{RelPath: pf.RelPath, Kind: MissingFile, Expected: pf, Detail: err.Error()}
	}

	if d := checkKind(pf, info, full); d != nil {
		return d
	}
	if level == LevelQuick {
		return nil
	}

	var baseline cacheEntry
	var haveBaseline bool
	if g.cache != nil {
		baseline, haveBaseline = g.cache.Get(pf.RelPath)
		if haveBaseline && g.ttl > 0 && now.Sub(baseline.CachedAt) > g.ttl {
			haveBaseline = false
		}
	}
	sameIdentity := haveBaseline && baseline.ModTime.Equal(info.ModTime()) && baseline.Size == info.Size()

	// Standard: flag a size/mtime drift against the last known-good
	// observation — real content verification only happens at Full, but
	// "the metadata moved since we last looked" is itself worth surfacing
	// without paying for a re-hash.
	if haveBaseline && !sameIdentity && baseline.WasValid && pf.Kind == sps2.FileRegular {
		g.cacheResult(pf, info, LevelStandard, now, false)
		return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: "size or mtime changed since last verification"}
	}
	if level == LevelStandard {
		g.cacheResult(pf, info, LevelStandard, now, true)
		return nil
	}

	// Full: skip the re-hash only when the cache already confirms this
	// exact (mtime, size) pair at Full.
	if sameIdentity && baseline.Level == LevelFull {
		if !baseline.WasValid {
			return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: "cached as invalid"}
		}
		return nil
	}

	if d := checkFull(pf, full); d != nil {
		g.cacheResult(pf, info, LevelFull, now, false)
		return d
	}
	g.cacheResult(pf, info, LevelFull, now, true)
	return nil
}

func (g *Guard) cacheResult(pf sps2.PackageFile, info os.FileInfo, level Level, now time.Time, valid bool) {
	if g.cache == nil {
		return
	}
	_ = g.cache.Store(pf.RelPath, cacheEntry{
		ModTime: info.ModTime(), Size: info.Size(), Level: level, WasValid: valid, CachedAt: now,
	})
}

func checkKind(pf sps2.PackageFile, info os.FileInfo, full string) *Discrepancy {
	switch pf.Kind {
	case sps2.FileDir:
		if !info.IsDir() {
			return &Discrepancy{RelPath: pf.RelPath, Kind: TypeMismatch, Expected: pf, Detail: "expected directory"}
		}
	case sps2.FileSymlink:
		if info.Mode()&os.ModeSymlink == 0 {
			return &Discrepancy{RelPath: pf.RelPath, Kind: TypeMismatch, Expected: pf, Detail: "expected symlink"}
		}
		target, err := os.Readlink(full)
		if err != nil || target != pf.SymlinkTarget {
			return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: "symlink target mismatch"}
		}
	default: // FileRegular
		if info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
			return &Discrepancy{RelPath: pf.RelPath, Kind: TypeMismatch, Expected: pf, Detail: "expected regular file"}
		}
	}
	return nil
}

func checkFull(pf sps2.PackageFile, full string) *Discrepancy {
	if pf.Kind != sps2.FileRegular {
		return nil
	}
	f, err := os.Open(full)
	if err != nil {
		return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: err.Error()}
	}
	defer f.Close()

	h := sps2.NewHasher()
	if _, err := io.Copy(h, f); err != nil {
		return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: err.Error()}
	}
	if h.Sum() != pf.ContentHash {
		return &Discrepancy{RelPath: pf.RelPath, Kind: CorruptedFile, Expected: pf, Detail: "content hash mismatch"}
	}
	return nil
}

func (g *Guard) publishDiscrepancy(d Discrepancy, level Level) {
	if g.bus == nil {
		return
	}
	g.bus.PublishGuard(eventbus.GuardEvent{Level: level.String(), Discrepancy: fmt.Sprintf("%s:%s", d.Kind, d.RelPath)})
}

// VerifyWithEscalation implements progressive escalation (§4.7): it
// always starts at Quick, only re-verifying at Standard when Quick finds
// something and target is higher, and only escalating to Full when
// Standard's missing/corrupted count exceeds EscalationThreshold.
func (g *Guard) VerifyWithEscalation(ctx context.Context, scope Scope, target Level) (Result, error) {
	quick, err := g.Verify(ctx, scope, LevelQuick)
	if err != nil || target == LevelQuick || !quick.HasFindings() {
		return quick, err
	}

	standard, err := g.Verify(ctx, scope, LevelStandard)
	if err != nil || target == LevelStandard {
		return standard, err
	}

	if countFileDiscrepancies(standard) <= EscalationThreshold(standard.FilesChecked) {
		return standard, nil
	}
	return g.Verify(ctx, scope, LevelFull)
}

func countFileDiscrepancies(r Result) int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Kind == MissingFile || d.Kind == CorruptedFile {
			n++
		}
	}
	return n
}

// scanOrphans walks root (serially, per §4.7's "orphan detection is
// skipped for Quick... orphan scanning is serial") and classifies every
// entry absent from expected.
func (g *Guard) scanOrphans(root string, expected []sps2.PackageFile) ([]Orphan, error) {
	known := make(map[string]bool, len(expected))
	for _, pf := range expected {
		known[pf.RelPath] = true
	}

	var orphans []Orphan
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if known[rel] {
			return nil
		}

		parent := filepath.ToSlash(filepath.Dir(rel))
		category := classifyOrphan(rel, d.IsDir(), known[parent])
		orphans = append(orphans, Orphan{RelPath: rel, IsDir: d.IsDir(), Category: category})

		if d.IsDir() && category == OrphanSystem {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}
