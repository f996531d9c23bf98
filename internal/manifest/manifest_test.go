package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		FormatVersion: CurrentFormatVersion,
		Package: Package{
			Name:     "bash",
			Version:  "5.2",
			Revision: 1,
			Arch:     "amd64",
			Compression: Compression{
				Format:     FormatLegacy,
			},
		},
		Dependencies: Dependencies{Runtime: []string{"libc>=2.35"}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := validManifest()

	data, err := m.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.Package.Name, got.Package.Name)
	require.Equal(t, m.Package.Version, got.Package.Version)
	require.Equal(t, m.Dependencies.Runtime, got.Dependencies.Runtime)
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := validManifest()

	a, err := m.Encode()
	require.NoError(t, err)
	b, err := m.Encode()
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Manifest)
		errSub string
	}{
		{"no format version", func(m *Manifest) { m.FormatVersion = 0 }, "format_version"},
		{"no name", func(m *Manifest) { m.Package.Name = "" }, "package.name"},
		{"no version", func(m *Manifest) { m.Package.Version = "" }, "package.version"},
		{"no arch", func(m *Manifest) { m.Package.Arch = "" }, "package.arch"},
		{"bad compression", func(m *Manifest) { m.Package.Compression.Format = "lzma" }, "compression format"},
		{"seekable without frame count", func(m *Manifest) {
			m.Package.Compression.Format = FormatSeekable
			m.Package.Compression.FrameCount = 0
		}, "frame_count"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validManifest()
			tc.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tc.errSub), "error %q should mention %q", err, tc.errSub)
		})
	}
}

func TestValidatePythonSection(t *testing.T) {
	m := validManifest()
	m.Python = &Python{}
	require.Error(t, m.Validate())

	m.Python = &Python{WheelFile: "foo.whl", PythonVersion: "3.12"}
	require.NoError(t, m.Validate())
}
