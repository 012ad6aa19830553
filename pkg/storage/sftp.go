package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
)

// SFTPOptions configures the SFTP publisher.
type SFTPOptions struct {
	Addr           string
	User           string
	Password       string
	KeyFile        string
	KnownHostsFile string
	Dir            string
}

// SFTPPublisher copies artifacts to a remote host over SFTP.
type SFTPPublisher struct {
	opts   SFTPOptions
	config *ssh.ClientConfig
}

// NewSFTPPublisher prepares the SSH client configuration. Without a known
// hosts file the host key is not verified.
func NewSFTPPublisher(opts SFTPOptions) (*SFTPPublisher, error) {
	var auth []ssh.AuthMethod

	if opts.KeyFile != "" {
		pem, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read sftp key file")
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse sftp key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sftp publisher needs a password or key file")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via empty sftp-known-hosts
	if opts.KnownHostsFile != "" {
		cb, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load known hosts")
		}
		hostKeyCallback = cb
	} else {
		slog.Warn("sftp_host_key_unverified", "addr", opts.Addr)
	}

	return &SFTPPublisher{
		opts: opts,
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
		},
	}, nil
}

// Publish uploads localPath to <dir>/<date dir>/<file>.
func (p *SFTPPublisher) Publish(ctx context.Context, localPath string) (string, error) {
	slog.Info("sftp_publish_start", "addr", p.opts.Addr, "local_path", localPath)

	client, err := ssh.Dial("tcp", p.opts.Addr, p.config)
	if err != nil {
		slog.Error("sftp_dial_failed", "addr", p.opts.Addr, "error", err)
		return "", errors.Wrap(err, "failed to connect to sftp host")
	}
	defer client.Close()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return "", errors.Wrap(err, "failed to create sftp client")
	}
	defer sc.Close()

	remote, err := upload(ctx, sc, p.opts.Dir, localPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sftp://%s@%s%s", p.opts.User, p.opts.Addr, remote), nil
}

// upload writes to a temporary name and moves the file into place once the
// copy is complete.
func upload(ctx context.Context, sc *sftp.Client, dir, localPath string) (string, error) {
	remoteDir := path.Join(dir, filepath.Base(filepath.Dir(localPath)))
	if err := sc.MkdirAll(remoteDir); err != nil {
		return "", errors.Wrap(err, "failed to create remote directory")
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open local file")
	}
	defer src.Close()

	finalPath := path.Join(remoteDir, filepath.Base(localPath))
	tmpPath := finalPath + ".part"

	dst, err := sc.Create(tmpPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to create temporary file on remote")
	}

	n, err := io.Copy(dst, &ctxReader{ctx: ctx, r: src})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sc.Remove(tmpPath)
		return "", errors.Wrap(err, "failed to write temporary file on remote")
	}

	if err := sc.Rename(tmpPath, finalPath); err != nil {
		_ = sc.Remove(tmpPath)
		return "", errors.Wrap(err, "failed to rename remote file")
	}

	slog.Info("sftp_publish_complete", "remote_path", finalPath, "size_mb", n/1024/1024)
	return finalPath, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
