package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string]string
	err     error
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3FetcherGetObject(t *testing.T) {
	fetcher := NewS3Fetcher(&fakeS3{objects: map[string]string{"config/groupsync.json": `{"acsUrlBase":"https://acs"}`}})
	ctx := context.Background()

	data, err := fetcher.GetObject(ctx, "config", "groupsync.json")
	if err != nil {
		t.Fatalf("get object failed: %v", err)
	}
	if string(data) != `{"acsUrlBase":"https://acs"}` {
		t.Fatalf("unexpected body %q", data)
	}
	if _, err := fetcher.GetObject(ctx, "config", "missing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := fetcher.GetObject(ctx, "", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestS3FetcherWrapsOtherErrors(t *testing.T) {
	boom := errors.New("access denied")
	fetcher := NewS3Fetcher(&fakeS3{err: boom})
	_, err := fetcher.GetObject(context.Background(), "config", "groupsync.json")
	if !errors.Is(err, boom) || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped access error, got %v", err)
	}
}

func TestFileFetcher(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "certs", "pem"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "certs", "pem", "ca.pem"), []byte("ca"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fetcher := NewFileFetcher(root)
	ctx := context.Background()

	data, err := fetcher.GetObject(ctx, "certs", "pem/ca.pem")
	if err != nil || string(data) != "ca" {
		t.Fatalf("expected ca contents, got %q err=%v", data, err)
	}
	if _, err := fetcher.GetObject(ctx, "certs", "pem/none.pem"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := fetcher.GetObject(ctx, "..", "etc/passwd"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected traversal to be rejected, got %v", err)
	}
}
