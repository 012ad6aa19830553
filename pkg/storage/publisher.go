// Package storage publishes finished export artifacts to remote storage.
package storage

import (
	"context"
	"fmt"
)

// Publisher copies a local artifact somewhere durable and returns its
// location.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Target names a publisher backend.
type Target string

const (
	TargetNone Target = "none"
	TargetS3   Target = "s3"
	TargetSFTP Target = "sftp"
)

// ParseTarget accepts "", "none", "s3" and "sftp".
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case "", TargetNone:
		return TargetNone, nil
	case TargetS3, TargetSFTP:
		return Target(s), nil
	}
	return "", fmt.Errorf("unknown publish target %q", s)
}

var (
	_ Publisher = (*Client)(nil)
	_ Publisher = (*SFTPPublisher)(nil)
)
