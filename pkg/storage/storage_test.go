package storage

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "20250307")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	p := filepath.Join(dir, "db01_20250307_140509.ova")
	require.NoError(t, os.WriteFile(p, []byte("ova bytes"), 0o644))
	return p
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	puts    []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodHead:
		if f.objects[r.URL.Path] {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	case http.MethodPut:
		io.Copy(io.Discard, r.Body)
		f.objects[r.URL.Path] = true
		f.puts = append(f.puts, r.URL.Path)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3(t *testing.T) (*Client, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]bool{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), S3Options{
		Bucket:   "exports",
		Region:   "us-east-1",
		Endpoint: srv.URL,
		Prefix:   "vsphere",
		Credentials: aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
	})
	require.NoError(t, err)
	return c, fake
}

func TestS3Publish(t *testing.T) {
	c, fake := newS3(t)
	artifact := writeArtifact(t)

	loc, err := c.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/vsphere/20250307/db01_20250307_140509.ova", loc)
	assert.Equal(t, []string{"/exports/vsphere/20250307/db01_20250307_140509.ova"}, fake.puts)

	_, err = c.Publish(context.Background(), artifact)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestS3Exists(t *testing.T) {
	c, fake := newS3(t)
	fake.objects["/exports/present"] = true

	ok, err := c.Exists(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Exists(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSFTPUpload(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	server := sftp.NewRequestServer(serverConn, sftp.InMemHandler())
	go server.Serve()
	t.Cleanup(func() { server.Close() })

	sc, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })

	artifact := writeArtifact(t)
	remote, err := upload(context.Background(), sc, "/exports", artifact)
	require.NoError(t, err)
	assert.Equal(t, "/exports/20250307/db01_20250307_140509.ova", remote)

	f, err := sc.Open(remote)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "ova bytes", string(data))

	_, err = sc.Stat(remote + ".part")
	assert.Error(t, err)
}

func TestParseTarget(t *testing.T) {
	for _, s := range []string{"", "none", "s3", "sftp"} {
		_, err := ParseTarget(s)
		assert.NoError(t, err, s)
	}
	_, err := ParseTarget("ftp")
	assert.Error(t, err)
}

func TestNewSFTPPublisherNeedsAuth(t *testing.T) {
	_, err := NewSFTPPublisher(SFTPOptions{Addr: "backup:22", User: "ova"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "password or key"))
}
