package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"clipd/internal/config"
	"clipd/internal/services"
)

// s3Store backs the gateway with an S3 bucket. When a CDN domain is
// configured, PublicURL resolves through it instead of the bucket endpoint.
type s3Store struct {
	client        *s3.Client
	presigner     *s3.PresignClient
	bucket        string
	region        string
	endpoint      string
	cdnDomain     string
	presignExpiry time.Duration
}

// NewS3 constructs the S3-backed gateway from storage configuration.
func NewS3(ctx context.Context, cfg *config.Config) (Gateway, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Storage.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Storage.Region))
	}
	if cfg.Storage.AccessKeyID != "" && cfg.Storage.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &s3Store{
		client:        client,
		presigner:     s3.NewPresignClient(client),
		bucket:        cfg.Storage.Bucket,
		region:        cfg.Storage.Region,
		endpoint:      cfg.Storage.Endpoint,
		cdnDomain:     cfg.Storage.CDNDomain,
		presignExpiry: cfg.PresignExpiry(),
	}, nil
}

func (s *s3Store) Put(ctx context.Context, key string, r io.Reader, contentType string) (Location, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return Location{}, classifyS3Error("put", key, err)
	}
	return Location{Key: key, URL: s.PublicURL(key)}, nil
}

func (s *s3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error("get", key, err)
	}
	return out.Body, nil
}

func (s *s3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// Deleting a missing key is success.
		if isNotFound(err) {
			return nil
		}
		return classifyS3Error("delete", key, err)
	}
	return nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error("list", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.CreatedAt = obj.LastModified.UTC()
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

func (s *s3Store) PresignUpload(ctx context.Context, key, contentType string, maxBytes int64) (UploadGrant, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	post, err := s.presigner.PresignPostObject(ctx, input, func(o *s3.PresignPostOptions) {
		o.Expires = s.presignExpiry
		if maxBytes > 0 {
			o.Conditions = append(o.Conditions, []interface{}{"content-length-range", int64(1), maxBytes})
		}
	})
	if err != nil {
		return UploadGrant{}, classifyS3Error("presign upload", key, err)
	}

	fields := make(map[string]string, len(post.Values))
	for k, v := range post.Values {
		fields[k] = v
	}
	return UploadGrant{
		URL:    post.URL,
		Fields: fields,
		Expiry: time.Now().UTC().Add(s.presignExpiry),
	}, nil
}

func (s *s3Store) PublicURL(key string) string {
	if s.cdnDomain != "" {
		return "https://" + s.cdnDomain + "/" + key
	}
	if s.endpoint != "" {
		return strings.TrimSuffix(s.endpoint, "/") + "/" + s.bucket + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func classifyS3Error(operation, key string, err error) error {
	msg := fmt.Sprintf("key %q", key)
	if isNotFound(err) {
		return services.Wrap(services.ErrDataMissing, "storage", operation, msg, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "QuotaExceeded", "EntityTooLarge", "AccountProblem":
			return services.Wrap(services.ErrQuota, "storage", operation, msg, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return services.Wrap(services.ErrConfiguration, "storage", operation, msg, err)
		}
	}
	return services.Wrap(services.ErrTransient, "storage", operation, msg, err)
}
