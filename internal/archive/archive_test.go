package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/sps2/sps2/internal/manifest"
)

func buildSourceTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "sh"), []byte("#!/bin/sh\necho hi\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("hello world"), 0644))
	require.NoError(t, os.Symlink("sh", filepath.Join(root, "bin", "sh-link")))
	return root
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		FormatVersion: manifest.CurrentFormatVersion,
		Package: manifest.Package{
			Name:    "example",
			Version: "1.0",
			Arch:    "amd64",
		},
	}
}

func TestWriteExtractRoundTrip(t *testing.T) {
	for _, seekable := range []bool{false, true} {
		src := buildSourceTree(t)
		man := testManifest()
		if seekable {
			man.Package.Compression.Format = manifest.FormatSeekable
		} else {
			man.Package.Compression.Format = manifest.FormatLegacy
		}

		var buf bytes.Buffer
		res, err := Write(&buf, src, man, nil, WriteOptions{Seekable: seekable, NominalFrameSize: 64})
		require.NoError(t, err)
		if seekable {
			require.Greater(t, res.FrameCount, 1)
		} else {
			require.Equal(t, 1, res.FrameCount)
		}

		dest := t.TempDir()
		r := bytes.NewReader(buf.Bytes())
		got, err := Extract(context.Background(), r, int64(r.Len()), dest, ExtractOptions{})
		require.NoError(t, err)
		require.Equal(t, "example", got.Package.Name)

		shContent, err := os.ReadFile(filepath.Join(dest, "bin", "sh"))
		require.NoError(t, err)
		require.Equal(t, "#!/bin/sh\necho hi\n", string(shContent))

		readme, err := os.ReadFile(filepath.Join(dest, "README"))
		require.NoError(t, err)
		require.Equal(t, "hello world", string(readme))

		target, err := os.Readlink(filepath.Join(dest, "bin", "sh-link"))
		require.NoError(t, err)
		require.Equal(t, "sh", target)
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	src := buildSourceTree(t)
	man := testManifest()
	man.Package.Compression.Format = manifest.FormatLegacy

	var a, b bytes.Buffer
	_, err := Write(&a, src, man, nil, WriteOptions{})
	require.NoError(t, err)
	_, err = Write(&b, src, man, nil, WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, a.Bytes(), b.Bytes())
}

func TestReadManifestOnlyDecodesFirstFrame(t *testing.T) {
	src := buildSourceTree(t)
	man := testManifest()
	man.Package.Compression.Format = manifest.FormatSeekable

	var buf bytes.Buffer
	_, err := Write(&buf, src, man, nil, WriteOptions{Seekable: true, NominalFrameSize: 16})
	require.NoError(t, err)

	r := bytes.NewReader(buf.Bytes())
	got, info, err := ReadManifest(r, int64(r.Len()))
	require.NoError(t, err)
	require.Equal(t, "example", got.Package.Name)
	require.True(t, info.Seekable)
	require.Greater(t, info.FrameCount, 1)
}

func TestExtractWithPathPatterns(t *testing.T) {
	src := buildSourceTree(t)
	man := testManifest()
	man.Package.Compression.Format = manifest.FormatLegacy

	var buf bytes.Buffer
	_, err := Write(&buf, src, man, nil, WriteOptions{})
	require.NoError(t, err)

	dest := t.TempDir()
	r := bytes.NewReader(buf.Bytes())
	_, err = Extract(context.Background(), r, int64(r.Len()), dest, ExtractOptions{PathPatterns: []string{"README"}})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "README"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dest, "bin", "sh"))
	require.True(t, os.IsNotExist(err))
}

func TestExtractRejectsPathEscape(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	manBytes, err := testManifest().Encode()
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "manifest.toml", Typeflag: tar.TypeReg, Size: int64(len(manBytes)), Mode: 0644}))
	_, err = tw.Write(manBytes)
	require.NoError(t, err)
	evil := []byte("rm -rf /")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "files/../../etc/passwd", Typeflag: tar.TypeReg, Size: int64(len(evil)), Mode: 0644}))
	_, err = tw.Write(evil)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	_, err = enc.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	r := bytes.NewReader(out.Bytes())
	_, err = Extract(context.Background(), r, int64(r.Len()), t.TempDir(), ExtractOptions{})
	require.Error(t, err)
	var pathErr ErrPathEscape
	require.ErrorAs(t, err, &pathErr)
}

func TestExtractRejectsMissingManifest(t *testing.T) {
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "files/README", Typeflag: tar.TypeReg, Size: 1, Mode: 0644}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	require.NoError(t, err)
	_, err = enc.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	r := bytes.NewReader(out.Bytes())
	_, _, err = ReadManifest(r, int64(r.Len()))
	require.Error(t, err)
	var missing ErrMissingManifest
	require.ErrorAs(t, err, &missing)
}
