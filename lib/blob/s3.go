/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"

	"github.com/vellumlabs/vellum"
	"github.com/vellumlabs/vellum/lib/defaults"
)

// s3API is the subset of the S3 API the store uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// s3Presigner is the subset of the S3 presign API the store uses.
type s3Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config configures the S3 document store.
type S3Config struct {
	// Bucket is the bucket holding all tenants' documents.
	Bucket string
	// Region is the AWS region of the bucket.
	Region string
	// Endpoint overrides the S3 endpoint for compatible stores such as
	// MinIO.
	Endpoint string
	// UsePathStyle forces path-style addressing. Most S3-compatible
	// servers require it.
	UsePathStyle bool
	// PresignTTL is the default lifetime of download links.
	PresignTTL time.Duration
	// MaxPresignTTL caps requested link lifetimes.
	MaxPresignTTL time.Duration
	// Client overrides the S3 client, used in tests.
	Client s3API
	// Presigner overrides the presign client, used in tests.
	Presigner s3Presigner
	// Logger emits store diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *S3Config) CheckAndSetDefaults() error {
	if c.Bucket == "" {
		return trace.BadParameter("missing parameter Bucket")
	}
	if (c.Client == nil) != (c.Presigner == nil) {
		return trace.BadParameter("Client and Presigner must be overridden together")
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = defaults.PresignTTL
	}
	if c.MaxPresignTTL <= 0 {
		c.MaxPresignTTL = defaults.PresignMaxTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With(vellum.ComponentKey, vellum.ComponentBlob)
	}
	return nil
}

// S3Store stores certificate documents in S3 or an S3-compatible server.
type S3Store struct {
	cfg       S3Config
	client    s3API
	presigner s3Presigner
}

var _ Store = (*S3Store)(nil)

// NewS3Store returns an S3-backed document store and makes sure the bucket
// exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client, presigner := cfg.Client, cfg.Presigner
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, trace.Wrap(err, "loading AWS config")
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			o.UsePathStyle = cfg.UsePathStyle
		})
		client, presigner = s3Client, s3.NewPresignClient(s3Client)
	}
	s := &S3Store{cfg: cfg, client: client, presigner: presigner}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// ensureBucket creates the bucket when it does not exist yet.
func (s *S3Store) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	err = ConvertS3Error(err)
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return trace.Wrap(err, "HeadBucket(%v)", s.cfg.Bucket)
	}

	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	}
	// CreateBucket rejects an explicit us-east-1 constraint, it is the
	// default.
	if s.cfg.Region != "" && s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	_, err = s.client.CreateBucket(ctx, input)
	err = ConvertS3Error(err)
	if err != nil && !trace.IsAlreadyExists(err) {
		return trace.Wrap(err, "CreateBucket(%v)", s.cfg.Bucket)
	}
	s.cfg.Logger.InfoContext(ctx, "Created document bucket.", "bucket", s.cfg.Bucket)
	return nil
}

// Put stores a document.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return trace.BadParameter("missing object key")
	}
	start := time.Now()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentTypePDF),
	})
	if err != nil {
		return trace.Wrap(ConvertS3Error(err), "PutObject(%v)", key)
	}
	s.cfg.Logger.DebugContext(ctx, "Stored document.",
		"key", key, "bytes", len(data), "elapsed", time.Since(start))
	return nil
}

// Get returns a stored document.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, trace.Wrap(ConvertS3Error(err), "GetObject(%v)", key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, trace.Wrap(err, "reading object %v", key)
	}
	return data, nil
}

// Exists reports whether key holds a document.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = ConvertS3Error(err)
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err, "HeadObject(%v)", key)
	}
	return true, nil
}

// Delete removes a document. S3 deletes are idempotent so missing keys do
// not error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return trace.Wrap(ConvertS3Error(err), "DeleteObject(%v)", key)
	}
	return nil
}

// Presign returns a time-limited download URL for key.
func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.cfg.PresignTTL
	}
	if ttl > s.cfg.MaxPresignTTL {
		ttl = s.cfg.MaxPresignTTL
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", trace.Wrap(ConvertS3Error(err), "PresignGetObject(%v)", key)
	}
	return req.URL, nil
}

// ConvertS3Error maps S3 API failures to trace errors.
func ConvertS3Error(err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *s3types.NoSuchKey
	var noSuchBucket *s3types.NoSuchBucket
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) || errors.As(err, &notFound) {
		return trace.NotFound("%s", err.Error())
	}
	var alreadyExists *s3types.BucketAlreadyExists
	var alreadyOwned *s3types.BucketAlreadyOwnedByYou
	if errors.As(err, &alreadyExists) || errors.As(err, &alreadyOwned) {
		return trace.AlreadyExists("%s", err.Error())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return trace.NotFound("%s", apiErr.ErrorMessage())
		case "AccessDenied":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		case "BucketAlreadyExists", "BucketAlreadyOwnedByYou":
			return trace.AlreadyExists("%s", apiErr.ErrorMessage())
		}
	}
	return trace.Wrap(err)
}
