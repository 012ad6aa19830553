// Package archive bundles the downloaded device files of one export into a
// single OVA artifact.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/security"
)

// Compression selects how the OVA tar stream is stored.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression accepts "", "none" and "zstd".
func ParseCompression(s string) (Compression, error) {
	switch Compression(strings.ToLower(s)) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("unknown archive compression %q", s)
}

// Ext is the artifact extension for c.
func (c Compression) Ext() string {
	if c == CompressionZstd {
		return ".ova.zst"
	}
	return ".ova"
}

const partSuffix = ".part"

// Result describes a written artifact.
type Result struct {
	Path    string
	Size    int64
	Entries []string
}

// Packager writes OVA artifacts.
type Packager struct {
	compression Compression
	validator   *security.Validator
}

// NewPackager creates a packager.
func NewPackager(compression Compression, validator *security.Validator) *Packager {
	if compression == "" {
		compression = CompressionNone
	}
	return &Packager{compression: compression, validator: validator}
}

// Compression returns the configured compression.
func (p *Packager) Compression() Compression { return p.compression }

// Package writes the artifact and then removes the source files together with
// their staging directory.
func (p *Packager) Package(files []string, outputPath string) (*Result, error) {
	res, err := p.Write(files, outputPath)
	if err != nil {
		return nil, err
	}
	Cleanup(files)
	return res, nil
}

// Write creates outputPath containing each file under its base name, in input
// order. The archive is written under a temporary name and only renamed once
// it has been verified; on failure nothing is left under either name.
func (p *Packager) Write(files []string, outputPath string) (res *Result, err error) {
	const op = "package"

	if len(files) == 0 {
		return nil, errors.E(errors.KindPackaging, op, errors.New("no files to package"))
	}

	tmp := outputPath + partSuffix
	slog.Info("archive_write_start", "path", outputPath, "files", len(files), "compression", p.compression)

	defer func() {
		if err != nil {
			if rerr := os.Remove(tmp); rerr != nil && !os.IsNotExist(rerr) {
				slog.Warn("archive_temp_remove_failed", "path", tmp, "error", rerr)
			}
			slog.Error("archive_write_failed", "path", outputPath, "error", err)
			err = errors.E(errors.KindPackaging, op, err)
		}
	}()

	entries, err := p.writeTar(files, tmp)
	if err != nil {
		return nil, err
	}

	if err := p.verify(tmp, entries); err != nil {
		return nil, errors.Wrap(err, "archive verification failed")
	}

	if err := os.Rename(tmp, outputPath); err != nil {
		return nil, errors.Wrap(err, "failed to rename archive")
	}

	fi, err := os.Stat(outputPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat archive")
	}

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}

	slog.Info("archive_write_complete", "path", outputPath, "size_mb", fi.Size()/1024/1024, "entries", len(names))
	return &Result{Path: outputPath, Size: fi.Size(), Entries: names}, nil
}

type entry struct {
	name string
	size int64
}

func (p *Packager) writeTar(files []string, tmp string) ([]entry, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create archive")
	}
	defer f.Close()

	var w io.Writer = f
	var zw *zstd.Encoder
	if p.compression == CompressionZstd {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create zstd writer")
		}
		defer zw.Close()
		w = zw
	}

	tw := tar.NewWriter(w)
	entries := make([]entry, 0, len(files))

	for _, path := range files {
		e, err := addFile(tw, path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to finish tar stream")
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to finish zstd stream")
		}
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Wrap(err, "failed to sync archive")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "failed to close archive")
	}
	return entries, nil
}

func addFile(tw *tar.Writer, path string) (entry, error) {
	src, err := os.Open(path)
	if err != nil {
		return entry{}, errors.Wrap(err, "failed to open "+path)
	}
	defer src.Close()

	fi, err := src.Stat()
	if err != nil {
		return entry{}, errors.Wrap(err, "failed to stat "+path)
	}
	if !fi.Mode().IsRegular() {
		return entry{}, fmt.Errorf("%s is not a regular file", path)
	}

	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return entry{}, errors.Wrap(err, "failed to build tar header")
	}
	hdr.Name = filepath.Base(path)
	hdr.Format = tar.FormatPAX
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return entry{}, errors.Wrap(err, "failed to write tar header")
	}
	n, err := io.Copy(tw, src)
	if err != nil {
		return entry{}, errors.Wrap(err, "failed to write "+hdr.Name)
	}

	slog.Debug("archive_entry_written", "name", hdr.Name, "bytes", n)
	return entry{name: hdr.Name, size: n}, nil
}

// verify re-reads the archive and checks the entry list against what was
// written.
func (p *Packager) verify(path string, want []entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if p.compression == CompressionZstd {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	got, err := readEntries(r, p.validator)
	if err != nil {
		return err
	}

	if len(got) != len(want) {
		return fmt.Errorf("archive has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("entry %d is %s (%d bytes), want %s (%d bytes)",
				i, got[i].name, got[i].size, want[i].name, want[i].size)
		}
	}
	return nil
}

func readEntries(r io.Reader, validator *security.Validator) ([]entry, error) {
	tr := tar.NewReader(r)
	var entries []entry

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tar read error: %w", err)
		}

		if validator != nil {
			if err := validator.ValidatePath(hdr.Name); err != nil {
				return nil, fmt.Errorf("invalid path in tar: %w", err)
			}
		}

		n, err := io.Copy(io.Discard, tr)
		if err != nil {
			return nil, fmt.Errorf("tar read error: %w", err)
		}
		entries = append(entries, entry{name: hdr.Name, size: n})
	}
	return entries, nil
}

// List returns the entry names of an artifact written by a Packager.
func List(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, CompressionZstd.Ext()) {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}

	entries, err := readEntries(r, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

// Cleanup removes the source files and then their directories when empty.
func Cleanup(files []string) {
	dirs := map[string]struct{}{}
	for _, path := range files {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("archive_source_remove_failed", "path", path, "error", err)
		}
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			slog.Warn("archive_staging_remove_failed", "path", dir, "error", err)
		}
	}
}

// ArtifactName is <vm>_<YYYYMMDD_HHMMSS><ext>.
func ArtifactName(vm string, t time.Time, c Compression) string {
	return fmt.Sprintf("%s_%s%s", vm, t.Format("20060102_150405"), c.Ext())
}

// DateDir is the date-stamped output directory under root.
func DateDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("20060102"))
}

// StagingDir is the per-job scratch directory inside outputDir.
func StagingDir(outputDir, vm string, t time.Time) string {
	return filepath.Join(outputDir, fmt.Sprintf("temp_%s_%d", vm, t.Unix()))
}

// IsStagingArtifact reports whether name is a staging directory or an
// unfinished archive left behind by an interrupted export.
func IsStagingArtifact(name string, isDir bool) bool {
	if isDir {
		return strings.HasPrefix(name, "temp_")
	}
	return strings.HasSuffix(name, partSuffix)
}
