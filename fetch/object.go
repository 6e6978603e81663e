package fetch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/diskcache"
)

// ObjectClient is the slice of an S3-compatible client the object fetcher
// needs. Wrap an aws-sdk-go-v2 or MinIO client, or a test double.
type ObjectClient interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// ObjectOptions configures an object store fetcher.
type ObjectOptions struct {
	// Scheme is the URI scheme handled, default "s3".
	Scheme string
	// DefaultBucket is used for URIs of the form s3:///key.
	DefaultBucket string
	MaxBytes      int64
	Logger        core.Logger
}

// Object downloads scheme://bucket/key URIs from an object store into the
// disk cache.
type Object struct {
	store  store
	client ObjectClient
	opts   ObjectOptions
}

// NewObject creates an object store fetcher. client must not be nil.
func NewObject(cache *diskcache.Cache, client ObjectClient, opts ObjectOptions) (*Object, error) {
	if client == nil {
		return nil, fmt.Errorf("fetch: object client must not be nil")
	}
	if opts.Scheme == "" {
		opts.Scheme = "s3"
	}
	return &Object{
		store:  newStore(cache, opts.MaxBytes, opts.Logger),
		client: client,
		opts:   opts,
	}, nil
}

func (o *Object) prefix() string { return o.opts.Scheme + "://" }

func (o *Object) Match(uri string) bool { return strings.HasPrefix(uri, o.prefix()) }

// Fetch returns the cached entry for key, downloading the object under the
// key's edit lock when it is absent.
func (o *Object) Fetch(ctx context.Context, uri, key string) (*diskcache.Entry, core.ImageFrom, error) {
	return o.store.fetch(ctx, uri, key, o.open)
}

// Locate splits uri into bucket and object key.
func (o *Object) Locate(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, o.prefix())
	if !ok {
		return "", "", fmt.Errorf("fetch: %s is not a %s uri", uri, o.opts.Scheme)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		bucket = o.opts.DefaultBucket
	}
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("fetch: %s: missing bucket or key", uri)
	}
	return bucket, key, nil
}

func (o *Object) open(ctx context.Context, uri string) (io.ReadCloser, int64, error) {
	bucket, key, err := o.Locate(uri)
	if err != nil {
		return nil, 0, err
	}
	rc, err := o.client.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch: %s: %w", uri, err)
	}
	return rc, -1, nil
}
