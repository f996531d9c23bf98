// Package pipeline implements the install pipeline (C6): orchestrating
// C5 downloads, C1 decompress/validate, C2 ingest, and C4/C3 commit
// across a dependency-ordered ExecutionPlan. Stage fan-out follows
// distr1-distri's installTransitively1/Packages errgroup pattern — one
// goroutine per package per stage, errgroup.Wait collecting the first
// failure — generalized from "one stage" (download) to four, each
// behind its own bounded semaphore so the defaults (4 downloads, 2
// decompressions, 3 stage/validate slots) hold across the whole batch,
// not just within one call to Run.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sps2/sps2/internal/archive"
	"github.com/sps2/sps2/internal/download"
	"github.com/sps2/sps2/internal/eventbus"
	"github.com/sps2/sps2/internal/sps2"
	"github.com/sps2/sps2/internal/statedb"
	"github.com/sps2/sps2/internal/store"
	"github.com/sps2/sps2/internal/swap"
)

// Config tunes the pipeline's per-stage concurrency. Zero fields take
// the package defaults.
type Config struct {
	MaxDownloads     int
	MaxDecompress    int
	MaxValidations   int
	DownloadOptions  download.Options
}

// Pipeline owns the long-lived per-stage semaphores and the handles to
// C2/C3/C4. A Pipeline is safe to call Run on repeatedly and
// concurrently is not supported for the commit stage: commits are
// serialized process-wide via commitMu, mirroring "only one swap may be
// in progress across the whole process".
type Pipeline struct {
	store *store.Store
	swap  *swap.Engine
	db    *statedb.DB
	bus   *eventbus.Bus

	downloadSem   sps2.Semaphore
	decompressSem sps2.Semaphore
	stageSem      sps2.Semaphore
	commitMu      sync.Mutex

	scratchDir string
	cfg        Config
}

// New builds a Pipeline over an already-open store/statedb/swap engine.
// scratchDir holds transient download and extraction directories.
func New(st *store.Store, sw *swap.Engine, db *statedb.DB, bus *eventbus.Bus, scratchDir string, cfg Config) (*Pipeline, error) {
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = 4
	}
	if cfg.MaxDecompress <= 0 {
		cfg.MaxDecompress = 2
	}
	if cfg.MaxValidations <= 0 {
		cfg.MaxValidations = 3
	}
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("pipeline: create scratch dir %s: %w", scratchDir, err)
	}
	return &Pipeline{
		store:         st,
		swap:          sw,
		db:            db,
		bus:           bus,
		downloadSem:   sps2.NewSemaphore(cfg.MaxDownloads),
		decompressSem: sps2.NewSemaphore(cfg.MaxDecompress),
		stageSem:      sps2.NewSemaphore(cfg.MaxValidations),
		scratchDir:    scratchDir,
		cfg:           cfg,
	}, nil
}

// packageOutcome is the per-node state threaded from download through
// staging.
type packageOutcome struct {
	id        PackageID
	spec      sps2.PackageSpec
	digest    sps2.PackageDigest
	files     []sps2.PackageFile
	stagedCh  chan struct{}
}

// Run executes one full install batch for plan, producing a new
// committed state that carries forward every package the active state
// already installed (minus any name this batch replaces), in addition to
// the batch's own packages — a state is always a complete snapshot of
// the installed set (§3), not just the delta one Run call applied. On
// any failure, every filesystem side effect of this batch (staging root,
// newly ingested store trees) is rolled back and the prior live state is
// left untouched.
func (p *Pipeline) Run(ctx context.Context, plan *ExecutionPlan, operation string) (sps2.StateID, error) {
	correlationID := fmt.Sprintf("%s-%d", operation, time.Now().UnixNano())
	p.publishLifecycle(operation, correlationID, "start", nil, false)

	staging, err := p.swap.NewStaging()
	if err != nil {
		return "", fmt.Errorf("pipeline: allocate staging root: %w", err)
	}

	carried, err := p.loadCarriedPackages()
	if err != nil {
		_ = p.swap.Abandon(staging)
		return "", fmt.Errorf("pipeline: load active package set: %w", err)
	}

	if _, liveRoot, err := p.swap.CurrentLive(); err == nil {
		if seedErr := p.swap.SeedFromLive(staging, liveRoot, nil); seedErr != nil {
			_ = p.swap.Abandon(staging)
			return "", fmt.Errorf("pipeline: seed staging from live: %w", seedErr)
		}
	}

	outcomes := make(map[PackageID]*packageOutcome, plan.Len())
	for id := range plan.nodes {
		outcomes[id] = &packageOutcome{id: id, stagedCh: make(chan struct{})}
	}

	ingestedThisBatch := make([]sps2.PackageDigest, 0)
	var ingestedMu sync.Mutex

	var replacedMu sync.Mutex
	replaced := make(map[string]bool)

	grp, gctx := errgroup.WithContext(ctx)
	for id := range plan.nodes {
		id := id
		node, _ := plan.Node(id)
		outcome := outcomes[id]
		grp.Go(func() error {
			sourcePath, err := p.resolveSource(gctx, id, node)
			if err != nil {
				return err
			}
			digest, spec, files, err := p.decompressValidateAndStage(gctx, id, sourcePath, staging)
			if err != nil {
				return err
			}
			outcome.digest, outcome.spec, outcome.files = digest, spec, files

			ingestedMu.Lock()
			ingestedThisBatch = append(ingestedThisBatch, digest)
			ingestedMu.Unlock()

			for _, dep := range node.DependsOn {
				select {
				case <-outcomes[dep].stagedCh:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			if prior, ok := carried[spec.Name]; ok {
				replacedMu.Lock()
				replaced[spec.Name] = true
				replacedMu.Unlock()
				keep := make(map[string]bool, len(files))
				for _, f := range files {
					keep[f.RelPath] = true
				}
				if err := p.swap.RemovePackage(staging, prior.files, keep); err != nil {
					return ErrStagingFailed{Package: string(id), Err: err}
				}
			}

			if err := p.swap.AddPackage(staging, p.store, digest, files); err != nil {
				return ErrStagingFailed{Package: string(id), Err: err}
			}
			close(outcome.stagedCh)
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		p.rollback(staging, ingestedThisBatch)
		p.publishLifecycle(operation, correlationID, "download-stage", err, true)
		return "", err
	}

	expected := allFiles(outcomes)
	for name, pkg := range carried {
		if replaced[name] {
			continue
		}
		expected = append(expected, pkg.files...)
	}
	if err := p.swap.Verify(staging, expected); err != nil {
		p.rollback(staging, ingestedThisBatch)
		return "", err
	}

	stateID, err := p.commit(staging, operation, outcomes, carried, replaced)
	if err != nil {
		p.rollback(staging, ingestedThisBatch)
		p.publishLifecycle(operation, correlationID, "commit", err, true)
		return "", err
	}

	p.publishLifecycle(operation, correlationID, "commit", nil, true)
	return stateID, nil
}

// carriedPackage is one package installed by the active state, loaded up
// front so an install batch can both exclude its stale files when it is
// being replaced and carry it forward, unchanged, into the new state's
// row set otherwise.
type carriedPackage struct {
	pkg   sps2.StatePackage
	files []sps2.PackageFile
}

// loadCarriedPackages returns every package the current active state
// installs, keyed by name. It returns an empty map, not an error, when
// there is no active state yet (the very first install).
func (p *Pipeline) loadCarriedPackages() (map[string]carriedPackage, error) {
	activeID, _, err := p.swap.CurrentLive()
	if err != nil {
		return map[string]carriedPackage{}, nil
	}
	packages, err := p.db.ListStatePackages(activeID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]carriedPackage, len(packages))
	for _, pkg := range packages {
		files, err := p.db.ListPackageFiles(activeID, pkg.Spec.Name)
		if err != nil {
			return nil, err
		}
		out[pkg.Spec.Name] = carriedPackage{pkg: pkg, files: files}
	}
	return out, nil
}

func allFiles(outcomes map[PackageID]*packageOutcome) []sps2.PackageFile {
	var all []sps2.PackageFile
	for _, o := range outcomes {
		all = append(all, o.files...)
	}
	return all
}

// resolveSource obtains the local .sp file path for a node, downloading
// it under the download-stage semaphore when needed.
func (p *Pipeline) resolveSource(ctx context.Context, id PackageID, node Node) (string, error) {
	switch node.Action {
	case ActionLocal:
		if node.LocalPath == "" {
			return "", ErrMissingLocalPath{Package: string(id)}
		}
		return node.LocalPath, nil
	case ActionDownload:
		if node.URL == "" {
			return "", ErrMissingDownloadURL{Package: string(id)}
		}
		if err := acquire(ctx, p.downloadSem); err != nil {
			return "", ErrConcurrencyError{Stage: "download", Err: err}
		}
		defer p.downloadSem.Release()

		opts := p.cfg.DownloadOptions
		opts.Bus = p.bus
		opts.CorrelationID = string(id)
		pool, err := download.NewPool(filepath.Join(p.scratchDir, "downloads"), opts)
		if err != nil {
			return "", err
		}
		var expected sps2.Hash
		if node.ExpectedHash != "" {
			expected, err = sps2.ParseHash(node.ExpectedHash)
			if err != nil {
				return "", ErrInvalidPackageFile{Package: string(id), Reason: "bad expected hash: " + err.Error()}
			}
		}
		results, err := pool.Fetch(ctx, []download.Request{{URL: node.URL, ExpectedHash: expected, Filename: string(id) + ".sp"}})
		if err != nil {
			return "", err
		}
		return results[0].DestinationPath, nil
	default:
		return "", fmt.Errorf("pipeline: %s: unknown action %d", id, node.Action)
	}
}

// decompressValidateAndStage runs stages 2 and 3 for one package: decode
// the archive into a fresh store ingest temp dir, then ingest it.
func (p *Pipeline) decompressValidateAndStage(ctx context.Context, id PackageID, sourcePath string, staging *swap.StagingRoot) (sps2.PackageDigest, sps2.PackageSpec, []sps2.PackageFile, error) {
	if err := acquire(ctx, p.decompressSem); err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, ErrConcurrencyError{Stage: "decompress", Err: err}
	}
	defer p.decompressSem.Release()

	f, err := os.Open(sourcePath)
	if err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, ErrInvalidPackageFile{Package: string(id), Reason: err.Error()}
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, ErrInvalidPackageFile{Package: string(id), Reason: err.Error()}
	}

	if err := acquire(ctx, p.stageSem); err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, ErrConcurrencyError{Stage: "validate", Err: err}
	}
	defer p.stageSem.Release()

	tmpTree, err := p.store.NewIngestTemp()
	if err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}

	man, err := archive.Extract(ctx, f, info.Size(), filepath.Join(tmpTree, "files"), archive.ExtractOptions{})
	if err != nil {
		_ = os.RemoveAll(tmpTree)
		return sps2.Hash{}, sps2.PackageSpec{}, nil, ErrInvalidPackageFile{Package: string(id), Reason: err.Error()}
	}

	data, err := man.Encode()
	if err != nil {
		_ = os.RemoveAll(tmpTree)
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}
	if err := os.WriteFile(filepath.Join(tmpTree, "manifest.toml"), data, 0644); err != nil {
		_ = os.RemoveAll(tmpTree)
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}

	spec := sps2.PackageSpec{Name: man.Package.Name, Version: man.Package.Version, Revision: man.Package.Revision, Arch: man.Package.Arch}
	digest, err := p.store.Ingest(tmpTree, spec)
	if err != nil {
		_ = os.RemoveAll(tmpTree)
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}

	stored, err := p.store.Resolve(digest)
	if err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}
	files, err := enumerateFiles(stored.FilesPath(), man.Package.Name)
	if err != nil {
		return sps2.Hash{}, sps2.PackageSpec{}, nil, err
	}

	return digest, spec, files, nil
}

// enumerateFiles walks a stored package's files/ tree into PackageFile
// rows suitable for a statedb transition and a swap AddPackage call.
func enumerateFiles(filesRoot, packageName string) ([]sps2.PackageFile, error) {
	var out []sps2.PackageFile
	err := filepath.WalkDir(filesRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == filesRoot {
			return nil
		}
		rel, err := filepath.Rel(filesRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			out = append(out, sps2.PackageFile{PackageName: packageName, RelPath: rel, Kind: sps2.FileDir})
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			out = append(out, sps2.PackageFile{PackageName: packageName, RelPath: rel, Kind: sps2.FileSymlink, SymlinkTarget: target})
		default:
			h, err := hashFile(path)
			if err != nil {
				return err
			}
			out = append(out, sps2.PackageFile{PackageName: packageName, RelPath: rel, Kind: sps2.FileRegular, ContentHash: h})
		}
		return nil
	})
	return out, err
}

func hashFile(path string) (sps2.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return sps2.Hash{}, err
	}
	defer f.Close()
	h := sps2.NewHasher()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return sps2.Hash{}, werr
			}
		}
		if rerr != nil {
			break
		}
	}
	return h.Sum(), nil
}

func acquire(ctx context.Context, sem sps2.Semaphore) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit performs the single process-wide-serialized swap, followed by
// the single C3 transaction. Per §9, the filesystem swap always happens
// first; statedb is only written once it has succeeded. The new state's
// package_files/state_packages rows cover both the batch's own packages
// and every carried-forward package not named in replaced, so the new
// state remains a complete snapshot of the installed set. Every
// state_packages row committed here — new or carried forward — bumps its
// digest's store_refs by one, mirroring one decrement per row that
// internal/statedb.DeleteState applies when a state is retired.
func (p *Pipeline) commit(staging *swap.StagingRoot, operation string, outcomes map[PackageID]*packageOutcome, carried map[string]carriedPackage, replaced map[string]bool) (sps2.StateID, error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	parentID, _, _ := p.swap.CurrentLive()

	if _, err := p.swap.Commit(staging); err != nil {
		return "", err
	}

	state := sps2.State{
		ID:        staging.StateID,
		Parent:    parentID,
		CreatedAt: time.Now(),
		Operation: operation,
		RootPath:  staging.Path,
		Active:    true,
	}

	var packages []sps2.StatePackage
	var files []sps2.PackageFile
	deltas := make(map[sps2.PackageDigest]int)
	for _, o := range outcomes {
		packages = append(packages, sps2.StatePackage{StateID: state.ID, Spec: o.spec, Digest: o.digest})
		for _, f := range o.files {
			f.StateID = state.ID
			files = append(files, f)
		}
		deltas[o.digest]++
	}
	for name, c := range carried {
		if replaced[name] {
			continue
		}
		packages = append(packages, sps2.StatePackage{StateID: state.ID, Spec: c.pkg.Spec, Digest: c.pkg.Digest})
		for _, f := range c.files {
			f.StateID = state.ID
			files = append(files, f)
		}
		deltas[c.pkg.Digest]++
	}

	if err := p.db.Commit(statedb.Transition{State: state, Packages: packages, Files: files, DigestDeltas: deltas}); err != nil {
		return state.ID, fmt.Errorf("pipeline: state committed to filesystem but statedb transaction failed: %w", err)
	}

	return state.ID, nil
}

// rollback deletes the abandoned staging root and any store blobs this
// batch newly ingested that no committed state ever referenced.
func (p *Pipeline) rollback(staging *swap.StagingRoot, ingested []sps2.PackageDigest) {
	_ = p.swap.Abandon(staging)
	for _, digest := range ingested {
		count, err := p.db.GetRefCount(digest)
		if err == nil && count == 0 {
			_ = p.store.Remove(digest)
		}
	}
}

func (p *Pipeline) publishLifecycle(operation, correlationID, stage string, err error, done bool) {
	if p.bus == nil {
		return
	}
	p.bus.PublishLifecycle(eventbus.Lifecycle{Operation: operation, CorrelationID: correlationID, Stage: stage, Err: err, Done: done})
}
