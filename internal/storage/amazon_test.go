package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/filevault/internal/apperr"
)

const testBucket = "test-bucket"

type fakeObject struct {
	body        []byte
	contentType string
	acl         string
}

// fakeS3 is a path-style S3 endpoint backed by a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+testBucket+"/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		if key == "forbidden.txt" {
			w.WriteHeader(http.StatusForbidden)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = fakeObject{body: body, contentType: r.Header.Get("Content-Type"), acl: r.Header.Get("X-Amz-Acl")}
		f.puts++
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		obj, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			}
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(obj.body)
		}
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) object(key string) fakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

func (f *fakeS3) counts() (puts, objects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, len(f.objects)
}

func newTestS3(t *testing.T, cfg S3Config) (*AmazonS3Storage, *fakeS3, *httptest.Server) {
	t.Helper()
	fake := &fakeS3{objects: map[string]fakeObject{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cfg.Key, cfg.Secret, cfg.Region, cfg.Bucket = "AKIDEXAMPLE", "secret", "us-east-1", testBucket
	cfg.Endpoint = srv.URL
	a, err := NewAmazonS3Storage(cfg, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return a, fake, srv
}

func TestS3UploadOverwritesAndPresigns(t *testing.T) {
	a, fake, _ := newTestS3(t, S3Config{})
	ctx := context.Background()
	assert.Equal(t, OverwriteOnCollision, a.Policy())

	first, err := a.Upload(ctx, writeSource(t, "a.txt", "first version"), "/docs/a.txt")
	require.NoError(t, err)
	second, err := a.Upload(ctx, writeSource(t, "a.txt", "second version"), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/a.txt", first)
	assert.Equal(t, first, second)
	puts, objects := fake.counts()
	assert.Equal(t, 2, puts)
	assert.Equal(t, 1, objects)
	assert.Equal(t, "text/plain; charset=utf-8", fake.object("docs/a.txt").contentType)
	assert.Empty(t, fake.object("docs/a.txt").acl)

	u, err := a.PublicURL(ctx, second)
	require.NoError(t, err)
	assert.Contains(t, u, "/"+testBucket+"/docs/a.txt?")
	assert.Contains(t, u, "X-Amz-Signature=")
	assert.Contains(t, u, "X-Amz-Expires=900")

	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "second version", string(body))
}

func TestS3PresignExpiryOverride(t *testing.T) {
	a, _, _ := newTestS3(t, S3Config{PresignExpiry: time.Hour})
	ctx := context.Background()

	u, err := a.PublicURL(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Expires=3600")

	u, err = a.PublicURL(ctx, "docs/a.txt", WithExpiry(5*time.Minute))
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Expires=300")
}

func TestS3PublicBucket(t *testing.T) {
	a, fake, srv := newTestS3(t, S3Config{Public: true, Prefix: "tenant/"})
	ctx := context.Background()

	id, err := a.Upload(ctx, writeSource(t, "b.txt", "hello"), `\reports\b.txt`)
	require.NoError(t, err)
	assert.Equal(t, "tenant/reports/b.txt", id)
	assert.Equal(t, "public-read", fake.object(id).acl)

	u, err := a.PublicURL(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/"+testBucket+"/tenant/reports/b.txt", u)
}

func TestS3PrefixGetsSeparator(t *testing.T) {
	a, fake, _ := newTestS3(t, S3Config{Prefix: "/tenant"})

	id, err := a.Upload(context.Background(), writeSource(t, "a.txt", "x"), "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "tenant/docs/a.txt", id)
	assert.Equal(t, "x", string(fake.object(id).body))
}

func TestS3DeleteReportsMissing(t *testing.T) {
	a, _, _ := newTestS3(t, S3Config{})
	ctx := context.Background()

	ok, err := a.Delete(ctx, "never/uploaded.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := a.Upload(ctx, writeSource(t, "c.txt", "bye"), "c.txt")
	require.NoError(t, err)
	ok, err = a.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = a.Delete(ctx, "")
	assert.True(t, errors.Is(err, apperr.ErrEmptyIdentifier))
}

func TestS3ProviderErrorsAreConverted(t *testing.T) {
	a, _, _ := newTestS3(t, S3Config{})

	_, err := a.Upload(context.Background(), writeSource(t, "f.txt", "x"), "forbidden.txt")
	require.Error(t, err)
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "AccessDenied: Access Denied")
}

func TestS3RejectsBadDestinations(t *testing.T) {
	a, fake, _ := newTestS3(t, S3Config{})
	src := writeSource(t, "a.txt", "x")

	_, err := a.Upload(context.Background(), src, "../outside.txt")
	assert.True(t, errors.Is(err, apperr.ErrPathEscape))
	_, err = a.Upload(context.Background(), src, "docs/%zz")
	assert.True(t, errors.Is(err, apperr.ErrInvalidPath))
	_, err = a.Upload(context.Background(), writeSource(t, "empty.txt", ""), "docs/empty.txt")
	assert.True(t, errors.Is(err, apperr.ErrSourceEmpty))
	puts, _ := fake.counts()
	assert.Zero(t, puts)
}

func TestNewAmazonS3StorageRequiresCredentials(t *testing.T) {
	for name, cfg := range map[string]S3Config{
		"no key":       {Secret: "s", Region: "r", Bucket: "b"},
		"no secret":    {Key: "k", Region: "r", Bucket: "b"},
		"no region":    {Key: "k", Secret: "s", Bucket: "b"},
		"no bucket":    {Key: "k", Secret: "s", Region: "r"},
		"bad endpoint": {Key: "k", Secret: "s", Region: "r", Bucket: "b", Endpoint: "not a url"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewAmazonS3Storage(cfg)
			assert.Equal(t, apperr.KindConstruction, apperr.KindOf(err))
		})
	}
}
