// Package s3store implements the object-store port on S3-compatible storage.
//
// Every call goes through a circuit breaker. Idempotent calls (get, head,
// delete, list) additionally retry on retriable conditions with exponential
// backoff and jitter; put and presign are never retried.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/resilience"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 200 * time.Millisecond
)

// api is the slice of the S3 SDK surface the client uses, extracted for tests.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type presignAPI interface {
	PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error)
}

// v4PresignedRequest mirrors the fields of the SDK's presigned request the
// client consumes.
type v4PresignedRequest struct {
	URL string
}

// Options configures a Client.
type Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	RefreshInterval time.Duration
	MinSize         int64
	MaxSize         int64
	AllowedTypes    []string
}

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// ListPage is one page of a List call.
type ListPage struct {
	Keys       []string
	NextCursor string
}

// Client talks to one bucket behind a circuit breaker. The underlying SDK
// client is rebuilt every RefreshInterval to pick up rotated credentials.
type Client struct {
	opts    Options
	breaker *resilience.Breaker
	allowed map[string]struct{}
	logger  *slog.Logger

	mu          sync.Mutex
	api         api
	presigner   presignAPI
	refreshedAt time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a Client for opts. The initial SDK client is constructed eagerly
// so credential problems surface at startup.
func New(ctx context.Context, opts Options, breaker *resilience.Breaker, logger *slog.Logger) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("op=s3store.New: bucket required: %w", domain.ErrInvalidInput)
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Minute
	}
	allowed := make(map[string]struct{}, len(opts.AllowedTypes))
	for _, t := range opts.AllowedTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	c := &Client{
		opts:    opts,
		breaker: breaker,
		allowed: allowed,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// refreshLocked rebuilds the SDK client. Callers outside New must hold mu.
func (c *Client) refreshLocked(ctx context.Context) error {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.opts.Region),
	}
	if c.opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.opts.AccessKey, c.opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("op=s3store.refresh: %w", err)
	}
	sdk := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	c.api = sdk
	c.presigner = presignAdapter{s3.NewPresignClient(sdk)}
	c.refreshedAt = c.now()
	return nil
}

type presignAdapter struct{ p *s3.PresignClient }

func (a presignAdapter) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.PresignOptions)) (*v4PresignedRequest, error) {
	req, err := a.p.PresignPutObject(ctx, in, opts...)
	if err != nil {
		return nil, err
	}
	return &v4PresignedRequest{URL: req.URL}, nil
}

// client returns the current SDK handle, rebuilding it once the refresh
// interval has elapsed. Refresh is serialized under the mutex.
func (c *Client) client(ctx context.Context) (api, presignAPI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(c.refreshedAt) >= c.opts.RefreshInterval {
		if err := c.refreshLocked(ctx); err != nil {
			c.logger.Warn("object store client refresh failed, keeping previous client",
				slog.Any("error", err))
		}
	}
	return c.api, c.presigner
}

// PresignPut issues a presigned upload URL. Not retried.
func (c *Client) PresignPut(ctx context.Context, key, contentType string, size int64, metadata map[string]string, ttl time.Duration) (string, error) {
	if err := c.validate(key, contentType, size); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	var url string
	err := c.breaker.Call(func() error {
		_, presigner := c.client(ctx)
		req, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(c.opts.Bucket),
			Key:           aws.String(key),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(size),
			Metadata:      metadata,
		}, func(o *s3.PresignOptions) { o.Expires = ttl })
		if err != nil {
			return mapError("s3.presign_put", err)
		}
		url = req.URL
		return nil
	})
	return url, err
}

// Put uploads data. The declared content type must match the sniffed type.
// Not retried.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if err := c.validate(key, contentType, int64(len(data))); err != nil {
		return err
	}
	if detected := mimetype.Detect(data); !detected.Is(contentType) {
		return fmt.Errorf("op=s3.put: declared %s but detected %s: %w",
			contentType, detected.String(), domain.ErrInvalidInput)
	}
	return c.breaker.Call(func() error {
		sdk, _ := c.client(ctx)
		_, err := sdk.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(c.opts.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
		})
		return mapError("s3.put", err)
	})
}

// Get downloads the full object body. Retried.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("op=s3.get: empty key: %w", domain.ErrInvalidInput)
	}
	var out []byte
	err := c.retryIdempotent(ctx, "s3.get", func() error {
		sdk, _ := c.client(ctx)
		resp, err := sdk.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return mapError("s3.get", err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("op=s3.get: %w: %v", domain.ErrTransient, err)
		}
		out = b
		return nil
	})
	return out, err
}

// GetStream opens the object body as a lazy stream. The caller owns the
// returned reader and must close it. The open itself is retried; reads from
// the returned body are not.
func (c *Client) GetStream(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if key == "" {
		return nil, 0, fmt.Errorf("op=s3.get_stream: empty key: %w", domain.ErrInvalidInput)
	}
	var body io.ReadCloser
	var size int64
	err := c.retryIdempotent(ctx, "s3.get_stream", func() error {
		sdk, _ := c.client(ctx)
		resp, err := sdk.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return mapError("s3.get_stream", err)
		}
		body = resp.Body
		size = aws.ToInt64(resp.ContentLength)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return body, size, nil
}

// Head returns object metadata. Retried.
func (c *Client) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if key == "" {
		return ObjectInfo{}, fmt.Errorf("op=s3.head: empty key: %w", domain.ErrInvalidInput)
	}
	var info ObjectInfo
	err := c.retryIdempotent(ctx, "s3.head", func() error {
		sdk, _ := c.client(ctx)
		resp, err := sdk.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.opts.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return mapError("s3.head", err)
		}
		info = ObjectInfo{
			Size:        aws.ToInt64(resp.ContentLength),
			ETag:        aws.ToString(resp.ETag),
			ContentType: aws.ToString(resp.ContentType),
			Metadata:    resp.Metadata,
		}
		if resp.LastModified != nil {
			info.LastModified = *resp.LastModified
		}
		return nil
	})
	return info, err
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.Head(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the object. Deleting a missing key is not an error. Retried.
func (c *Client) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("op=s3.delete: empty key: %w", domain.ErrInvalidInput)
	}
	return c.retryIdempotent(ctx, "s3.delete", func() error {
		sdk, _ := c.client(ctx)
		_, err := sdk.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.opts.Bucket),
			Key:    aws.String(key),
		})
		return mapError("s3.delete", err)
	})
}

// List returns up to max keys under prefix, resuming from cursor. Retried.
func (c *Client) List(ctx context.Context, prefix string, max int32, cursor string) (ListPage, error) {
	if max <= 0 {
		max = 1000
	}
	var page ListPage
	err := c.retryIdempotent(ctx, "s3.list", func() error {
		sdk, _ := c.client(ctx)
		in := &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.opts.Bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(max),
		}
		if cursor != "" {
			in.ContinuationToken = aws.String(cursor)
		}
		resp, err := sdk.ListObjectsV2(ctx, in)
		if err != nil {
			return mapError("s3.list", err)
		}
		page = ListPage{}
		for _, obj := range resp.Contents {
			page.Keys = append(page.Keys, aws.ToString(obj.Key))
		}
		if aws.ToBool(resp.IsTruncated) {
			page.NextCursor = aws.ToString(resp.NextContinuationToken)
		}
		return nil
	})
	return page, err
}

// retryIdempotent wraps op with the breaker and retries retriable failures
// with exponential backoff and +-50% jitter.
func (c *Client) retryIdempotent(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			base := retryBaseDelay * time.Duration(1<<(attempt-1))
			jittered := time.Duration(float64(base) * (0.5 + rand.Float64()))
			c.logger.Debug("retrying object store call",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", jittered))
			if err := c.sleep(ctx, jittered); err != nil {
				return err
			}
		}
		lastErr = c.breaker.Call(fn)
		if lastErr == nil {
			return nil
		}
		if !retriableStorage(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// retriableStorage reports whether a storage failure is worth retrying:
// throttling, 5xx responses, and connection errors. The circuit-open sentinel
// is not retried here; the caller's dispatcher handles it.
func retriableStorage(err error) bool {
	if errors.Is(err, domain.ErrCircuitOpen) {
		return false
	}
	return errors.Is(err, domain.ErrThrottled) || errors.Is(err, domain.ErrTransient)
}

func (c *Client) validate(key, contentType string, size int64) error {
	if key == "" {
		return fmt.Errorf("op=s3.validate: empty key: %w", domain.ErrInvalidInput)
	}
	if c.opts.MinSize > 0 && size < c.opts.MinSize {
		return fmt.Errorf("op=s3.validate: size %d below minimum %d: %w", size, c.opts.MinSize, domain.ErrInvalidInput)
	}
	if c.opts.MaxSize > 0 && size > c.opts.MaxSize {
		return fmt.Errorf("op=s3.validate: size %d above maximum %d: %w", size, c.opts.MaxSize, domain.ErrInvalidInput)
	}
	if len(c.allowed) > 0 {
		if _, ok := c.allowed[strings.ToLower(contentType)]; !ok {
			return fmt.Errorf("op=s3.validate: content type %q not allowed: %w", contentType, domain.ErrInvalidInput)
		}
	}
	return nil
}

// mapError translates SDK failures into the domain taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		case "ThrottlingException", "Throttling", "SlowDown", "RequestLimitExceeded", "TooManyRequestsException":
			return fmt.Errorf("op=%s: %w: %v", op, domain.ErrThrottled, err)
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("op=%s: %w: %v", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}
