// Package venv creates and recreates per-package Python virtual
// environments, recording them via internal/statedb.PutVenv. Its
// exec.Command/exec.LookPath usage follows the hook-running style in
// distr1-distri's internal/install/install.go (systemd-sysusers,
// systemd-tmpfiles): look up the interpreter, run it with stdout/stderr
// wired to the caller, wrap a non-zero exit in context.
package venv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sps2/sps2/internal/sps2"
)

// Spec describes the venv a Python package needs.
type Spec struct {
	Package          sps2.PackageSpec
	PythonVersion    string // e.g. "3.12", resolved to a "python3.12" interpreter
	WheelPath        string
	RequirementsPath string // optional, empty if the package has no extra requirements
}

// ErrInterpreterNotFound is returned when the requested Python
// interpreter isn't on PATH.
type ErrInterpreterNotFound struct {
	PythonVersion string
}

func (e ErrInterpreterNotFound) Error() string {
	return fmt.Sprintf("venv: python%s not found on PATH", e.PythonVersion)
}

// ErrCommandFailed wraps a non-zero exit from a venv-management command,
// including its captured stderr.
type ErrCommandFailed struct {
	Args   []string
	Stderr string
	Err    error
}

func (e ErrCommandFailed) Error() string {
	return fmt.Sprintf("venv: %v: %v: %s", e.Args, e.Err, e.Stderr)
}

func (e ErrCommandFailed) Unwrap() error { return e.Err }

// Manager creates, recreates, and freezes venvs rooted under a single
// base directory (one subdirectory per package-version).
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at root, which it creates if
// necessary.
func NewManager(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("venv: create root %s: %w", root, err)
	}
	return &Manager{root: root}, nil
}

// Path returns the venv directory for a given package spec, whether or
// not it has been created yet.
func (m *Manager) Path(spec sps2.PackageSpec) string {
	return filepath.Join(m.root, fmt.Sprintf("%s-%s", spec.Name, spec.Version))
}

// Create builds a fresh venv for spec, installs the recorded wheel, and
// the requirements file if any. It returns the resulting VenvRecord,
// ready to be persisted via statedb.PutVenv.
func (m *Manager) Create(ctx context.Context, spec Spec) (sps2.VenvRecord, error) {
	interpreter, err := lookupInterpreter(spec.PythonVersion)
	if err != nil {
		return sps2.VenvRecord{}, err
	}

	path := m.Path(spec.Package)
	if err := os.RemoveAll(path); err != nil {
		return sps2.VenvRecord{}, fmt.Errorf("venv: clear %s: %w", path, err)
	}

	if err := run(ctx, interpreter, "-m", "venv", path); err != nil {
		return sps2.VenvRecord{}, err
	}

	pip := filepath.Join(path, "bin", "pip")
	if err := run(ctx, pip, "install", "--no-index", "--find-links", filepath.Dir(spec.WheelPath), spec.WheelPath); err != nil {
		return sps2.VenvRecord{}, err
	}
	if spec.RequirementsPath != "" {
		if err := run(ctx, pip, "install", "-r", spec.RequirementsPath); err != nil {
			return sps2.VenvRecord{}, err
		}
	}

	return sps2.VenvRecord{
		Spec:          spec.Package,
		VenvPath:      path,
		PythonVersion: spec.PythonVersion,
		WheelName:     filepath.Base(spec.WheelPath),
	}, nil
}

// Freeze captures `pip freeze` output from an existing, possibly broken
// venv, for best-effort reinstall after recreation. A read error (venv
// missing its pip, interpreter gone) is swallowed: freezing is
// best-effort diagnostics, not a precondition for recreation.
func (m *Manager) Freeze(ctx context.Context, record sps2.VenvRecord) []string {
	pip := filepath.Join(record.VenvPath, "bin", "pip")
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, pip, "freeze")
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil
	}
	return splitLines(out.String())
}

// Recreate removes the broken venv at record.VenvPath (if present),
// rebuilds it from spec, and best-effort reinstalls any packages named
// in captured (typically the output of a prior Freeze call).
func (m *Manager) Recreate(ctx context.Context, spec Spec, captured []string) (sps2.VenvRecord, error) {
	record, err := m.Create(ctx, spec)
	if err != nil {
		return sps2.VenvRecord{}, err
	}

	if len(captured) > 0 {
		pip := filepath.Join(record.VenvPath, "bin", "pip")
		for _, pkg := range captured {
			if pkg == "" {
				continue
			}
			_ = run(ctx, pip, "install", pkg) // best-effort: a single unresolvable pin shouldn't abort recreation
		}
	}
	return record, nil
}

// Remove deletes a venv directory entirely.
func (m *Manager) Remove(record sps2.VenvRecord) error {
	if err := os.RemoveAll(record.VenvPath); err != nil {
		return fmt.Errorf("venv: remove %s: %w", record.VenvPath, err)
	}
	return nil
}

func lookupInterpreter(pythonVersion string) (string, error) {
	name := "python" + pythonVersion
	path, err := exec.LookPath(name)
	if err != nil {
		return "", ErrInterpreterNotFound{PythonVersion: pythonVersion}
	}
	return path, nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ErrCommandFailed{Args: cmd.Args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
