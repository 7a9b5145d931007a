package assets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	copyErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, pageSize: 2}
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

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var matched []string
	for _, k := range f.keys() {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			matched = append(matched, k)
		}
	}
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range matched {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := start + f.pageSize
	out := &s3.ListObjectsV2Output{}
	if end < len(matched) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(matched[end])
	} else {
		end = len(matched)
	}
	for _, k := range matched[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if f.copyErr != nil {
		return nil, f.copyErr
	}
	source, err := url.PathUnescape(strings.TrimPrefix(aws.ToString(in.CopySource), aws.ToString(in.Bucket)+"/"))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[source]
	if !ok {
		return nil, errors.New("NoSuchKey: " + source)
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
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
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestPublishCopiesFilesAndRendersPreviews(t *testing.T) {
	fake := newFakeS3()
	fake.objects["manuscripts/m-1/paper.md"] = []byte("# On Queues")
	fake.objects["manuscripts/m-1/figures/fig 1.png"] = pngBytes(t, 960, 240)
	fake.objects["manuscripts/m-1/figures/broken.png"] = []byte("not a png")
	fake.objects["manuscripts/m-2/other.md"] = []byte("other")

	p := NewPublisher(fake, Options{Bucket: "journal", SourcePrefix: "manuscripts/", PublicPrefix: "published", PreviewWidth: 480}, nil)
	require.NoError(t, p.Publish(context.Background(), "m-1"))

	keys := fake.keys()
	assert.Contains(t, keys, "published/m-1/paper.md")
	assert.Contains(t, keys, "published/m-1/figures/fig 1.png")
	assert.Contains(t, keys, "published/m-1/figures/broken.png")
	assert.NotContains(t, keys, "published/m-2/other.md")
	assert.NotContains(t, keys, "published/m-1/previews/figures/broken.png")

	preview, ok := fake.objects["published/m-1/previews/figures/fig 1.png"]
	require.True(t, ok)
	cfg, err := png.DecodeConfig(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.Equal(t, 480, cfg.Width)
	assert.Equal(t, 120, cfg.Height)
}

func TestPublishCopyFailureIsReturned(t *testing.T) {
	fake := newFakeS3()
	fake.objects["manuscripts/m-1/paper.md"] = []byte("x")
	fake.copyErr = errors.New("AccessDenied")

	p := NewPublisher(fake, Options{Bucket: "journal", SourcePrefix: "manuscripts", PublicPrefix: "published"}, nil)
	err := p.Publish(context.Background(), "m-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AccessDenied")
}

func TestUnpublishRemovesPublicPrefixOnly(t *testing.T) {
	fake := newFakeS3()
	fake.objects["manuscripts/m-1/paper.md"] = []byte("x")
	fake.objects["published/m-1/paper.md"] = []byte("x")
	fake.objects["published/m-1/previews/a.png"] = []byte("x")
	fake.objects["published/m-1/b.pdf"] = []byte("x")
	fake.objects["published/m-10/paper.md"] = []byte("x")

	p := NewPublisher(fake, Options{Bucket: "journal", SourcePrefix: "manuscripts", PublicPrefix: "published"}, nil)
	require.NoError(t, p.Unpublish(context.Background(), "m-1"))

	assert.Equal(t, []string{"manuscripts/m-1/paper.md", "published/m-10/paper.md"}, fake.keys())
}
