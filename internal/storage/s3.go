package storage

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/sirupsen/logrus"
)

// S3 stores objects in an S3-compatible bucket. Requests are signed
// with AWS Signature v4 and use path-style addressing so that custom
// endpoints (MinIO, Garage, Ceph RGW) work without DNS tricks.
type S3 struct {
	client   *s3.S3
	bucket   string
	endpoint string
	logger   *logrus.Entry
}

// S3Options configures the S3 backend.
type S3Options struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3 creates an S3 backend for the given endpoint and bucket.
func NewS3(opts S3Options, logger *logrus.Logger) (*S3, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(opts.Endpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, newError(KindNetwork, "init", opts.Endpoint, err)
	}
	return &S3{
		client:   s3.New(sess),
		bucket:   opts.Bucket,
		endpoint: opts.Endpoint,
		logger:   logger.WithField("component", "storage.s3"),
	}, nil
}

// Put uploads data under key.
func (s *S3) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return s.wrap("put", key, err)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *S3) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, newError(KindNetwork, "get", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s.wrap("delete", key, err)
	}
	return nil
}

// List returns all keys in the bucket with the given prefix, sorted.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, s.wrap("list", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat issues a HEAD for key, taking the modification time from the
// Last-Modified header.
func (s *S3) Stat(ctx context.Context, key string) (Metadata, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Metadata{}, s.wrap("stat", key, err)
	}
	return Metadata{
		Size:    aws.Int64Value(out.ContentLength),
		ModTime: aws.TimeValue(out.LastModified),
	}, nil
}

// HealthCheck issues a bucket HEAD. A missing bucket still counts as
// reachable: the endpoint answered, which is what we probe for.
func (s *S3) HealthCheck(ctx context.Context) bool {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return true
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == 404 {
		return true
	}
	s.logger.WithError(err).Warn("bucket unreachable")
	return false
}

// BackendName identifies the backend variant
func (s *S3) BackendName() string { return "s3" }

// Endpoint returns the configured endpoint URL.
func (s *S3) Endpoint() string { return s.endpoint }

func (s *S3) wrap(op, key string, err error) *Error {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == 404 {
		return newError(KindNotFound, op, key, err)
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return newError(KindNotFound, op, key, err)
		}
	}
	return newError(KindNetwork, op, key, err)
}
