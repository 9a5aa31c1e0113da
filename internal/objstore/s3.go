package objstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	logx "imgdraw/pkg/logx"
)

type s3Store struct {
	bucket    string
	client    *s3.Client
	presigner *s3.PresignClient
	log       logx.Logger
}

func openS3(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("objects.bucket is required for s3 driver")
	}
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Store(bucket, client, log), nil
}

func newS3Store(bucket string, client *s3.Client, log logx.Logger) *s3Store {
	return &s3Store{
		bucket:    bucket,
		client:    client,
		presigner: s3.NewPresignClient(client),
		log:       log.With(logx.String("bucket", bucket)),
	}
}

func (s *s3Store) Close() error { return nil }

func (s *s3Store) ListCategories(ctx context.Context) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list categories in %s: %w", s.bucket, err)
		}
		for _, p := range page.CommonPrefixes {
			if name := strings.TrimSuffix(aws.ToString(p.Prefix), "/"); name != "" {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *s3Store) ListItems(ctx context.Context, category string) ([]string, error) {
	prefix := category + "/"
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list items in %s/%s: %w", s.bucket, category, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); directChild(prefix, key) {
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func s3ErrorIs404(err error) bool {
	var notFound *types.NotFound
	var noKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noKey)
}

func (s *s3Store) ItemExists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(id, "/")),
	})
	if err == nil {
		return true, nil
	}
	if s3ErrorIs404(err) {
		return false, nil
	}
	return false, err
}

func (s *s3Store) SignedURL(ctx context.Context, id string, ttl time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(strings.TrimPrefix(id, "/")),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", id, err)
	}
	return req.URL, nil
}
