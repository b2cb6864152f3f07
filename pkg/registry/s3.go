package registry

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/httputil"
	"github.com/matzehuels/forge/pkg/observability"
)

// S3Config holds the endpoint and credentials for s3:// registries.
type S3Config struct {
	Endpoint  string // host[:port], defaults to s3.amazonaws.com
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Transport reads registry objects from an S3-compatible bucket.
// The registry URL is s3://<bucket>/<prefix>.
type S3Transport struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Transport creates a transport for an s3:// registry URL.
func NewS3Transport(rawURL string, cfg S3Config) (*S3Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return nil, errors.New(errors.ErrCodeConfig, "invalid s3 registry URL %q", rawURL)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := &minio.Options{Secure: cfg.UseSSL, Region: region}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}
	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfig, err, "init s3 client for %s", endpoint)
	}

	return &S3Transport{
		client: client,
		bucket: u.Host,
		prefix: strings.Trim(u.Path, "/"),
	}, nil
}

// Fetch downloads the directive's object.
func (t *S3Transport) Fetch(ctx context.Context, d Directive) ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	key := d.Path()
	if t.prefix != "" {
		key = t.prefix + "/" + key
	}

	hooks := observability.HTTP()
	hooks.OnRequest(ctx, "GET", t.bucket, key)

	obj, err := t.client.GetObject(ctx, t.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		hooks.OnError(ctx, "GET", t.bucket, key, err)
		return nil, t.classify(ctx, err, d, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, maxObjectSize+1))
	if err != nil {
		hooks.OnError(ctx, "GET", t.bucket, key, err)
		return nil, t.classify(ctx, err, d, key)
	}
	if len(data) > maxObjectSize {
		return nil, errors.New(errors.ErrCodeNetwork, "s3://%s/%s exceeds %d bytes", t.bucket, key, maxObjectSize)
	}
	return data, nil
}

func (t *S3Transport) classify(ctx context.Context, err error, d Directive, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	loc := "s3://" + t.bucket + "/" + key
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket":
		return errors.New(errors.ErrCodeNotFound, "%s not found in registry", d).WithDetail("url", loc)
	case resp.Code == "AccessDenied" || resp.StatusCode == 401 || resp.StatusCode == 403:
		return errors.Wrap(errors.ErrCodeUnauthorized, err, "access to %s denied", loc)
	case resp.StatusCode != 0 && resp.StatusCode < 500:
		return errors.Wrap(errors.ErrCodeNetwork, err, "fetch %s", loc)
	default:
		return httputil.Retryable(errors.Wrap(errors.ErrCodeNetwork, err, "fetch %s", loc))
	}
}

var _ Transport = (*S3Transport)(nil)
