package statedb

import (
	"time"

	"github.com/sps2/sps2/internal/sps2"
)

// Row types mirror internal/sps2's domain types but use JSON-friendly
// scalars (hex strings instead of [32]byte) for the bbolt values. No
// corpus repo serializes structured bbolt values with a third-party
// format — cache.go's values are bare 32-byte hashes — so these rows use
// stdlib encoding/json, the smallest thing that can round-trip a struct
// without hand-writing a binary layout for six different row shapes.

type stateRow struct {
	ID        string    `json:"id"`
	Parent    string    `json:"parent"`
	CreatedAt time.Time `json:"created_at"`
	Operation string    `json:"operation"`
	RootPath  string    `json:"root_path"`
	Active    bool      `json:"active"`
}

func toStateRow(s sps2.State) stateRow {
	return stateRow{
		ID:        string(s.ID),
		Parent:    string(s.Parent),
		CreatedAt: s.CreatedAt,
		Operation: s.Operation,
		RootPath:  s.RootPath,
		Active:    s.Active,
	}
}

func (r stateRow) toState() sps2.State {
	return sps2.State{
		ID:        sps2.StateID(r.ID),
		Parent:    sps2.StateID(r.Parent),
		CreatedAt: r.CreatedAt,
		Operation: r.Operation,
		RootPath:  r.RootPath,
		Active:    r.Active,
	}
}

type statePackageRow struct {
	StateID  string `json:"state_id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Revision uint32 `json:"revision"`
	Arch     string `json:"arch"`
	Digest   string `json:"digest"`
}

func toStatePackageRow(sp sps2.StatePackage) statePackageRow {
	return statePackageRow{
		StateID:  string(sp.StateID),
		Name:     sp.Spec.Name,
		Version:  sp.Spec.Version,
		Revision: sp.Spec.Revision,
		Arch:     sp.Spec.Arch,
		Digest:   sp.Digest.String(),
	}
}

func (r statePackageRow) toStatePackage() (sps2.StatePackage, error) {
	digest, err := sps2.ParseHash(r.Digest)
	if err != nil {
		return sps2.StatePackage{}, err
	}
	return sps2.StatePackage{
		StateID: sps2.StateID(r.StateID),
		Spec: sps2.PackageSpec{
			Name:     r.Name,
			Version:  r.Version,
			Revision: r.Revision,
			Arch:     r.Arch,
		},
		Digest: digest,
	}, nil
}

type packageFileRow struct {
	StateID       string `json:"state_id"`
	PackageName   string `json:"package_name"`
	RelPath       string `json:"relative_path"`
	ContentHash   string `json:"content_hash"`
	Kind          int    `json:"kind"`
	SymlinkTarget string `json:"symlink_target"`
}

func toPackageFileRow(pf sps2.PackageFile) packageFileRow {
	return packageFileRow{
		StateID:       string(pf.StateID),
		PackageName:   pf.PackageName,
		RelPath:       pf.RelPath,
		ContentHash:   pf.ContentHash.String(),
		Kind:          int(pf.Kind),
		SymlinkTarget: pf.SymlinkTarget,
	}
}

func (r packageFileRow) toPackageFile() (sps2.PackageFile, error) {
	var hash sps2.Hash
	if r.ContentHash != "" {
		var err error
		hash, err = sps2.ParseHash(r.ContentHash)
		if err != nil {
			return sps2.PackageFile{}, err
		}
	}
	return sps2.PackageFile{
		StateID:       sps2.StateID(r.StateID),
		PackageName:   r.PackageName,
		RelPath:       r.RelPath,
		ContentHash:   hash,
		Kind:          sps2.FileKind(r.Kind),
		SymlinkTarget: r.SymlinkTarget,
	}, nil
}

type venvRow struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	VenvPath      string `json:"venv_path"`
	PythonVersion string `json:"python_version"`
	WheelName     string `json:"wheel_name"`
}

func toVenvRow(v sps2.VenvRecord) venvRow {
	return venvRow{
		Name:          v.Spec.Name,
		Version:       v.Spec.Version,
		VenvPath:      v.VenvPath,
		PythonVersion: v.PythonVersion,
		WheelName:     v.WheelName,
	}
}

func (r venvRow) toVenvRecord() sps2.VenvRecord {
	return sps2.VenvRecord{
		Spec:          sps2.PackageSpec{Name: r.Name, Version: r.Version},
		VenvPath:      r.VenvPath,
		PythonVersion: r.PythonVersion,
		WheelName:     r.WheelName,
	}
}
