// Package transfer streams the files offered by an export lease to local disk
// and reports aggregated progress while doing so.
package transfer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
	"github.com/ova-exporter/ova-exporter/pkg/progress"
	"github.com/ova-exporter/ova-exporter/pkg/security"
)

// DefaultChunkSize is the copy granularity; progress is reported per chunk.
const DefaultChunkSize = 1024 * 1024

// LeaseReporter receives the raw download percentage for the remote lease.
type LeaseReporter interface {
	ReportProgress(ctx context.Context, percent int)
}

// ProgressReporter receives the overall job percentage and a message.
type ProgressReporter interface {
	Progress(percent int, message string)
}

// Downloader fetches device files one after another, in lease order.
type Downloader struct {
	client    *Client
	validator *security.Validator
	chunkSize int
}

// NewDownloader creates a downloader. chunkSize <= 0 uses DefaultChunkSize.
func NewDownloader(client *Client, validator *security.Validator, chunkSize int) *Downloader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Downloader{client: client, validator: validator, chunkSize: chunkSize}
}

// DownloadAll writes every transfer to destDir/<TargetName> and returns the
// local paths in lease order. Any failure stops the whole download; the file
// being written is removed.
func (d *Downloader) DownloadAll(ctx context.Context, transfers []platform.DeviceTransfer, destDir string, lease LeaseReporter, reporter ProgressReporter) ([]string, error) {
	const op = "download"

	if len(transfers) == 0 {
		return nil, errors.E(errors.KindTransfer, op, errors.New("lease offered no files"))
	}

	var declared int64
	d.validator.Reset()
	for _, t := range transfers {
		if err := d.validator.ValidateTargetName(t.TargetName); err != nil {
			return nil, errors.E(errors.KindTransfer, op, err)
		}
		if err := d.validator.ValidateFileSize(t.Size); err != nil {
			return nil, errors.E(errors.KindTransfer, op, err)
		}
		if t.Size > 0 {
			declared += t.Size
		}
	}
	if err := d.validator.AddTransferredSize(declared); err != nil {
		return nil, errors.E(errors.KindTransfer, op, err)
	}
	d.validator.Reset()

	total, estimated := progress.EffectiveTotal(declared)
	if estimated {
		slog.Warn("transfer_size_unknown", "files", len(transfers), "fallback_total_mb", total/1024/1024)
	}

	slog.Info("transfer_start", "files", len(transfers), "total_mb", declared/1024/1024, "dest", destDir)

	s := &stream{
		d:         d,
		lease:     lease,
		reporter:  reporter,
		total:     total,
		estimated: estimated,
		buf:       make([]byte, d.chunkSize),
	}

	paths := make([]string, 0, len(transfers))
	for _, t := range transfers {
		local := filepath.Join(destDir, t.TargetName)
		if err := s.file(ctx, t, local); err != nil {
			slog.Error("transfer_failed", "target", t.TargetName, "error", err)
			return paths, errors.E(errors.KindTransfer, op+" "+t.TargetName, err)
		}
		paths = append(paths, local)
	}

	slog.Info("transfer_complete", "files", len(paths), "bytes", s.done)
	return paths, nil
}

// stream carries the byte accounting across the files of one job.
type stream struct {
	d         *Downloader
	lease     LeaseReporter
	reporter  ProgressReporter
	total     int64
	estimated bool
	done      int64
	buf       []byte
}

func (s *stream) file(ctx context.Context, t platform.DeviceTransfer, local string) error {
	slog.Info("transfer_file_start", "target", t.TargetName, "size_mb", t.Size/1024/1024)
	if s.reporter != nil {
		s.reporter.Progress(progress.DownloadPercent(s.done, s.total), "downloading "+t.TargetName)
	}

	body, _, err := s.d.client.Get(ctx, t.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	f, err := os.Create(local)
	if err != nil {
		return errors.Wrap(err, "failed to create local file")
	}

	written, err := s.copy(ctx, f, body, t)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "failed to close local file")
	}
	if err != nil {
		if rerr := os.Remove(local); rerr != nil && !os.IsNotExist(rerr) {
			slog.Warn("transfer_partial_remove_failed", "path", local, "error", rerr)
		}
		return err
	}

	slog.Info("transfer_file_complete", "target", t.TargetName, "bytes", written)
	return nil
}

func (s *stream) copy(ctx context.Context, w io.Writer, r io.Reader, t platform.DeviceTransfer) (int64, error) {
	var fileDone int64
	shownSize := t.Size
	if s.estimated {
		shownSize = 0
	}

	for {
		n, rerr := io.ReadFull(r, s.buf)
		if n > 0 {
			if _, err := w.Write(s.buf[:n]); err != nil {
				return fileDone, errors.Wrap(err, "failed to write chunk")
			}
			fileDone += int64(n)
			s.done += int64(n)

			if err := s.d.validator.ValidateFileSize(fileDone); err != nil {
				return fileDone, err
			}
			if err := s.d.validator.AddTransferredSize(int64(n)); err != nil {
				return fileDone, err
			}

			if s.lease != nil {
				s.lease.ReportProgress(ctx, progress.LeasePercent(s.done, s.total))
			}
			if s.reporter != nil {
				s.reporter.Progress(progress.DownloadPercent(s.done, s.total),
					progress.FileMessage(t.TargetName, fileDone, shownSize))
			}
		}

		switch rerr {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return fileDone, nil
		default:
			return fileDone, errors.Wrap(rerr, "failed to read stream")
		}
	}
}
