package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/security"
)

func stage(t *testing.T, files map[string]string, order []string) (string, []string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "temp_db01_1700000000")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	var paths []string
	for _, name := range order {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(files[name]), 0o644))
		paths = append(paths, p)
	}
	return dir, paths
}

func TestPackage(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			staging, paths := stage(t, map[string]string{
				"db01.ovf":    "<Envelope/>",
				"disk-0.vmdk": "disk zero",
				"disk-1.vmdk": "disk one",
			}, []string{"db01.ovf", "disk-0.vmdk", "disk-1.vmdk"})

			out := filepath.Join(filepath.Dir(staging), "db01_20250101_120000"+c.Ext())
			p := NewPackager(c, security.NewValidator(0, 0))

			res, err := p.Package(paths, out)
			require.NoError(t, err)
			assert.Equal(t, out, res.Path)
			assert.Positive(t, res.Size)
			assert.Equal(t, []string{"db01.ovf", "disk-0.vmdk", "disk-1.vmdk"}, res.Entries)

			names, err := List(out)
			require.NoError(t, err)
			assert.Equal(t, res.Entries, names)

			_, err = os.Stat(out + partSuffix)
			assert.True(t, os.IsNotExist(err))
			_, err = os.Stat(staging)
			assert.True(t, os.IsNotExist(err), "staging directory removed")
		})
	}
}

func TestWriteFailureLeavesNoArtifact(t *testing.T) {
	staging, paths := stage(t, map[string]string{"db01.ovf": "<Envelope/>"}, []string{"db01.ovf"})
	paths = append(paths, filepath.Join(staging, "missing.vmdk"))

	out := filepath.Join(filepath.Dir(staging), "db01_20250101_120000.ova")
	_, err := NewPackager(CompressionNone, nil).Write(paths, out)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPackaging))

	for _, p := range []string{out, out + partSuffix} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}

	_, err = os.Stat(paths[0])
	assert.NoError(t, err, "sources are kept when packaging fails")
}

func TestWriteRejectsEmptyInput(t *testing.T) {
	_, err := NewPackager(CompressionNone, nil).Write(nil, filepath.Join(t.TempDir(), "x.ova"))
	assert.True(t, errors.IsKind(err, errors.KindPackaging))
}

func TestNaming(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)

	assert.Equal(t, "db01_20250307_140509.ova", ArtifactName("db01", ts, CompressionNone))
	assert.Equal(t, "db01_20250307_140509.ova.zst", ArtifactName("db01", ts, CompressionZstd))
	assert.Equal(t, filepath.Join("/exports", "20250307"), DateDir("/exports", ts))
	assert.Equal(t, filepath.Join("/exports/20250307", "temp_db01_1741356309"), StagingDir("/exports/20250307", "db01", ts))

	assert.True(t, IsStagingArtifact("temp_db01_1741356309", true))
	assert.True(t, IsStagingArtifact("db01_20250307_140509.ova.part", false))
	assert.False(t, IsStagingArtifact("db01_20250307_140509.ova", false))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	c, err = ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}
