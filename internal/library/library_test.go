package library

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVideo(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDirectoryRegister(t *testing.T) {
	src := writeVideo(t, t.TempDir(), "clip.mp4", "compressed")
	root := filepath.Join(t.TempDir(), "Movies")

	d, err := NewDirectory(root, nil)
	require.NoError(t, err)

	loc, err := d.Register(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "clip.mp4"), loc)

	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "compressed", string(got))

	// Registering again replaces the entry.
	require.NoError(t, os.WriteFile(src, []byte("second"), 0o644))
	_, err = d.Register(context.Background(), src)
	require.NoError(t, err)
	got, err = os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestDirectoryRegisterInPlace(t *testing.T) {
	root := t.TempDir()
	src := writeVideo(t, root, "clip.mp4", "data")

	d, err := NewDirectory(root, nil)
	require.NoError(t, err)
	loc, err := d.Register(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, src, loc)
}

func TestDirectoryRegisterCancelled(t *testing.T) {
	src := writeVideo(t, t.TempDir(), "clip.mp4", "data")
	root := t.TempDir()
	d, err := NewDirectory(root, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Register(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial library entry")
}

func TestDirectoryRegisterMissingSource(t *testing.T) {
	d, err := NewDirectory(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = d.Register(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"))
	assert.Error(t, err)
}

func TestNewDirectoryRequiresRoot(t *testing.T) {
	_, err := NewDirectory("", nil)
	assert.Error(t, err)
}

type fakeUploader struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = in
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(b)
	return &manager.UploadOutput{}, nil
}

func TestS3IndexRegister(t *testing.T) {
	src := writeVideo(t, t.TempDir(), "clip.mp4", "payload")
	up := &fakeUploader{}
	idx := NewS3Index(up, "media", "library", nil)

	loc, err := idx.Register(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "s3://media/library/clip.mp4", loc)
	assert.Equal(t, "library/clip.mp4", aws.ToString(up.input.Key))
	assert.Equal(t, "media", aws.ToString(up.input.Bucket))
	assert.Equal(t, "video/mp4", aws.ToString(up.input.ContentType))
	assert.Equal(t, "payload", up.body)
}

func TestS3IndexRegisterError(t *testing.T) {
	src := writeVideo(t, t.TempDir(), "clip.mp4", "payload")
	boom := errors.New("boom")
	idx := NewS3Index(&fakeUploader{err: boom}, "media", "", nil)

	_, err := idx.Register(context.Background(), src)
	assert.ErrorIs(t, err, boom)
}
