package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
)

// S3Config configures the S3 (or S3-compatible) attachment bucket.
type S3Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	AccessKey     string
	SecretKey     string
	PathStyle     bool
	PublicURL     string
	RetentionDays int
	EnableACL     bool // public-read ACL on uploads, for legacy buckets
}

// S3Storage stores attachments in a bucket.
type S3Storage struct {
	client    *s3.Client
	cfg       S3Config
	pathStyle bool
}

func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	// endpoints are sometimes configured with the bucket as subdomain
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		cfg.Endpoint = cleaned
	}

	// dotted bucket names break virtual-host TLS certificates
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")
	return &S3Storage{client: client, cfg: cfg, pathStyle: pathStyle}, nil
}

func (s *S3Storage) Put(ctx context.Context, key, contentType string, data []byte) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(s.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if s.cfg.EnableACL {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if s.cfg.RetentionDays > 0 {
		expires := time.Now().Add(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		input.Expires = &expires
	}
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		log.Error().Err(err).
			Str("key", key).
			Str("bucket", s.cfg.Bucket).
			Str("mimeType", contentType).
			Int("size", len(data)).
			Msg("Failed to upload file to S3")
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	log.Debug().Str("key", key).Int("size", len(data)).Msg("File uploaded to S3")
	return nil
}

// URL returns the public URL of key, preferring the configured public base.
func (s *S3Storage) URL(key string) string {
	return s3URL(s.cfg, s.pathStyle, key)
}

func s3URL(cfg S3Config, pathStyle bool, key string) string {
	if cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(cfg.PublicURL, "/"), cfg.Bucket, key)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", cfg.Region, cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, key)
	}
	if pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", cfg.Bucket, strings.TrimRight(host, "/"), key)
}

// Ping checks that the bucket is reachable with the configured credentials.
func (s *S3Storage) Ping(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}
