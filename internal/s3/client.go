package s3

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/arencloud/kbadmin/internal/config"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Object struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ContentType  string    `json:"contentType,omitempty"`
	IsPrefix     bool      `json:"isPrefix,omitempty"`
}

type BucketInfo struct {
	Name         string    `json:"name"`
	CreationDate time.Time `json:"creationDate"`
}

const (
	DefaultPartSize uint64 = 16 << 20
	minPartSize     uint64 = 5 << 20 // smallest part S3 accepts
)

type Client struct {
	mc       *minio.Client
	region   string
	partSize uint64
}

func normalizeEndpoint(endpoint string, useSSL bool) (host string, secure bool) {
	secure = useSSL
	if endpoint == "" {
		return "", secure
	}
	// an explicit scheme wins over the UseSSL flag
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		if u, err := url.Parse(endpoint); err == nil {
			return u.Host, u.Scheme == "https"
		}
	}
	return endpoint, secure
}

func New(cfg config.MinIOConfig) (*Client, error) {
	endpoint, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}
	return &Client{mc: mc, region: cfg.Region, partSize: partSize(cfg.PartSize)}, nil
}

func partSize(n uint64) uint64 {
	switch {
	case n == 0:
		return DefaultPartSize
	case n < minPartSize:
		return minPartSize
	}
	return n
}

func (c *Client) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	items, err := c.mc.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BucketInfo, 0, len(items))
	for _, b := range items {
		out = append(out, BucketInfo{Name: b.Name, CreationDate: b.CreationDate})
	}
	return out, nil
}

func (c *Client) BucketExists(ctx context.Context, name string) (bool, error) {
	return c.mc.BucketExists(ctx, name)
}

func (c *Client) MakeBucket(ctx context.Context, name string) error {
	return c.mc.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: c.region})
}

func (c *Client) RemoveBucket(ctx context.Context, name string) error {
	return c.mc.RemoveBucket(ctx, name)
}

// ListObjects enumerates fully; callers needing pagination pass a prefix.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string, recursive bool) ([]Object, error) {
	var out []Object
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: recursive}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, Object{
			Name:         obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
			IsPrefix:     strings.HasSuffix(obj.Key, "/") && obj.Size == 0,
		})
	}
	return out, nil
}

// RemoveObjects issues one bulk delete and reports the first per-object failure.
func (c *Client) RemoveObjects(ctx context.Context, bucket string, names []string) error {
	objects := make(chan minio.ObjectInfo, len(names))
	for _, n := range names {
		objects <- minio.ObjectInfo{Key: n}
	}
	close(objects)
	var errs []error
	for rerr := range c.mc.RemoveObjects(ctx, bucket, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil {
			continue
		}
		errs = append(errs, &RemoveError{Key: rerr.ObjectName, Err: rerr.Err})
	}
	return errors.Join(errs...)
}

type RemoveError struct {
	Key string
	Err error
}

func (e *RemoveError) Error() string { return "remove " + e.Key + ": " + e.Err.Error() }
func (e *RemoveError) Unwrap() error { return e.Err }

func (c *Client) RemoveObject(ctx context.Context, bucket, key string) error {
	return c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

// putOptions fixes the part size; with an unknown length minio would otherwise
// size parts for a 5 TiB object and buffer one of them per upload.
func (c *Client) putOptions(contentType string) minio.PutObjectOptions {
	return minio.PutObjectOptions{ContentType: contentType, PartSize: c.partSize}
}

// Upload streams reader into bucket/key. Pass size -1 when the length is unknown.
func (c *Client) Upload(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (Object, error) {
	info, err := c.mc.PutObject(ctx, bucket, key, reader, size, c.putOptions(contentType))
	if err != nil {
		return Object{}, err
	}
	return Object{Name: info.Key, Size: info.Size, LastModified: info.LastModified, ContentType: contentType}, nil
}

// Download opens the object and returns its size when the store reports one.
func (c *Client) Download(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, err
	}
	return obj, info.Size, nil
}

// IsNotFound reports whether err means the bucket or key does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchBucket", "NoSuchKey":
		return true
	}
	m := strings.ToLower(err.Error())
	return strings.Contains(m, "nosuchbucket") || strings.Contains(m, "bucket does not exist") || strings.Contains(m, "key does not exist")
}
