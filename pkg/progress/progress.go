// Package progress computes the overall progress of an export job.
//
// An export reserves the first 10% for lease setup and caps the download phase
// at 80%; packaging and lease completion fill the rest:
//
//	  5  export started
//	 10  lease ready
//	 10..80  bytes received / bytes declared
//	 85  archive being written
//	 95  staging files removed
//	100  lease completed
package progress

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Milestones of the export pipeline.
const (
	Started      = 5
	LeaseReady   = 10
	DownloadCap  = 80
	Packaging    = 85
	CleaningUp   = 95
	Complete     = 100
	downloadSpan = 70
)

// FallbackTotal replaces an unknown or zero declared transfer size so that
// progress cannot report a false 100% before the last byte. Percentages in
// this mode are estimates, not completion ratios.
const FallbackTotal int64 = 1024 * 1024 * 1024

// EffectiveTotal returns the declared total, or FallbackTotal when the lease
// did not declare any sizes.
func EffectiveTotal(declared int64) (total int64, estimated bool) {
	if declared <= 0 {
		return FallbackTotal, true
	}
	return declared, false
}

// DownloadPercent maps downloaded bytes onto the 10..80 download band:
// 10 + floor(70*min(done,total)/total), clamped to 80.
func DownloadPercent(done, total int64) int {
	if total <= 0 {
		return LeaseReady
	}
	if done > total {
		done = total
	}
	if done < 0 {
		done = 0
	}
	p := LeaseReady + int(downloadSpan*done/total)
	if p > DownloadCap {
		p = DownloadCap
	}
	return p
}

// LeasePercent is the value pushed to the remote lease: the raw download
// ratio in percent, capped at 100.
func LeasePercent(done, total int64) int {
	if total <= 0 {
		return 0
	}
	p := int(done * 100 / total)
	if p > 100 {
		p = 100
	}
	if p < 0 {
		p = 0
	}
	return p
}

// FileMessage describes the state of one file transfer. Without a declared
// size only the received bytes are shown.
func FileMessage(name string, done, size int64) string {
	if size <= 0 {
		return fmt.Sprintf("downloading %s: %s", name, FormatBytes(done))
	}
	return fmt.Sprintf("downloading %s: %s / %s", name, FormatBytes(done), FormatBytes(size))
}

// FormatBytes formats bytes with binary units (KiB, MiB, GiB).
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}
