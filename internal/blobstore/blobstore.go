// Package blobstore is the sole owner of object-store key strings. It
// wraps an S3-compatible client with typed get/put/head/list operations
// and the fire-and-verify write discipline required by the cache
// hierarchy.
package blobstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	apperrors "github.com/nexusidp/document-processor/internal/errors"
	"github.com/nexusidp/document-processor/internal/logging"
)

// Store is the narrow interface downstream components depend on, so
// tests can substitute an in-memory fake instead of talking to S3.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Head(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Client is a typed object-store adapter. It is the only component that
// constructs raw key strings for callers other than the Keys helpers in
// this package.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
	log    *logging.Logger
}

var _ Store = (*Client)(nil)

// New creates a blob store client against the given bucket/region.
func New(ctx context.Context, bucket, region, prefix string) (*Client, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Client{
		s3:     s3.NewFromConfig(awsCfg),
		bucket: bucket,
		prefix: prefix,
		log:    logging.NewLogger("blobstore"),
	}, nil
}

func (c *Client) fullKey(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "/" + key
}

// Get reads the full object at key. Returns a NotFound ProcessingError
// when the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.bucket,
		Key:    strPtr(c.fullKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, apperrors.NewNotFoundError("", key)
		}
		return nil, apperrors.NewTransientError("", fmt.Sprintf("get %s", key), err)
	}
	defer out.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, apperrors.NewTransientError("", fmt.Sprintf("read %s", key), err)
	}
	return buf.Bytes(), nil
}

// Put writes data to key, then immediately reads it back and verifies
// length equality. A length mismatch after a successful write indicates
// a truncated upload and fails with VerifyError: writes must never
// silently truncate across retries.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &c.bucket,
		Key:         strPtr(c.fullKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: strPtr(contentType),
	})
	if err != nil {
		return apperrors.NewTransientError("", fmt.Sprintf("put %s", key), err)
	}

	readBack, err := c.Get(ctx, key)
	if err != nil {
		return apperrors.NewVerifyError("", key, len(data), -1)
	}
	if len(readBack) != len(data) {
		c.log.Error("write verification failed", "key", key, "want_len", len(data), "got_len", len(readBack))
		return apperrors.NewVerifyError("", key, len(data), len(readBack))
	}
	return nil
}

// Head reports whether key exists without downloading its body.
func (c *Client) Head(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.bucket,
		Key:    strPtr(c.fullKey(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if stderrors.As(err, &nf) {
			return false, nil
		}
		return false, apperrors.NewTransientError("", fmt.Sprintf("head %s", key), err)
	}
	return true, nil
}

// List returns all keys under prefix (paginated transparently).
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	full := c.fullKey(prefix)
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &c.bucket,
			Prefix:            &full,
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apperrors.NewTransientError("", fmt.Sprintf("list %s", prefix), err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, *obj.Key)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return keys, nil
}

func strPtr(s string) *string { return &s }
