package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket. ListObjectsV2 pages two keys at a time so
// Clear has to follow continuation tokens.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	failGet error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.puts = append(f.puts, key)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) && k > aws.ToString(in.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > 2 {
		keys = keys[:2]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func newTestS3(t *testing.T, fake *fakeS3) *S3Backend {
	t.Helper()
	b, err := NewS3Backend(fake, S3Config{Bucket: "cache", Prefix: "/ebi/"}, nil)
	if err != nil {
		t.Fatalf("NewS3Backend: %v", err)
	}
	return b
}

func TestS3Backend(t *testing.T) {
	runBackendContract(t, func(t *testing.T) Backend {
		return newTestS3(t, newFakeS3())
	})
}

func TestS3Backend_MetadataWrittenFirst(t *testing.T) {
	fake := newFakeS3()
	b := newTestS3(t, fake)
	fp := testFingerprint("ncbiblast", "order")

	if err := b.Put(context.Background(), testEntry(fp, "x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	want := []string{"ebi/" + fp.Path() + metaSuffix, "ebi/" + fp.Path()}
	if len(fake.puts) != 2 || fake.puts[0] != want[0] || fake.puts[1] != want[1] {
		t.Fatalf("expected puts %v, got %v", want, fake.puts)
	}
}

func TestS3Backend_ClearOnlyPrefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.objects["elsewhere/file"] = []byte("keep")
	b := newTestS3(t, fake)

	for _, seed := range []string{"a", "b", "c"} {
		if err := b.Put(ctx, testEntry(testFingerprint("ncbiblast", seed), seed)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if got := fake.keys(); len(got) != 1 || got[0] != "elsewhere/file" {
		t.Fatalf("expected only foreign object left, got %v", got)
	}
}

func TestS3Backend_GetError(t *testing.T) {
	fake := newFakeS3()
	fake.failGet = errors.New("access denied")
	b := newTestS3(t, fake)

	_, ok, err := b.Get(context.Background(), testFingerprint("ncbiblast", "x"))
	if ok || err == nil {
		t.Fatalf("expected error, got ok=%v err=%v", ok, err)
	}
}

func TestNewS3Backend_RequiresBucket(t *testing.T) {
	if _, err := NewS3Backend(newFakeS3(), S3Config{}, nil); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
