// Package gcs wraps the object store operations the pipeline needs:
// existence checks, signed URLs, and artifact uploads.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// Client wraps the object store SDK.
type Client struct {
	client *storage.Client
}

// NewClient creates an object store client using ambient credentials.
func NewClient(ctx context.Context) (*Client, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Client{client: c}, nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// ParseURI splits a gs://bucket/object URI into its parts.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gs:// URI: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed object URI: %q", uri)
	}
	return bucket, object, nil
}

// URI builds a gs://bucket/object URI.
func URI(bucket, object string) string {
	return fmt.Sprintf("gs://%s/%s", bucket, strings.TrimPrefix(object, "/"))
}

// Exists reports whether the object behind the URI is present.
func (c *Client) Exists(ctx context.Context, uri string) (bool, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return false, err
	}
	_, err = c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", uri, err)
	}
	return true, nil
}

// SignedGetURL returns a V4 signed GET URL for the object, valid for ttl.
func (c *Client) SignedGetURL(bucket, object string, ttl time.Duration) (string, error) {
	url, err := c.client.Bucket(bucket).SignedURL(object, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign URL for gs://%s/%s: %w", bucket, object, err)
	}
	return url, nil
}

// Upload writes data to the object behind the URI with the given content type.
func (c *Client) Upload(ctx context.Context, uri, contentType string, data []byte) error {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return err
	}
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", uri, err)
	}
	return nil
}
