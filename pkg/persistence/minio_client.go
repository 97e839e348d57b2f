package persistence

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// MinioStorage uploads chunk outputs to an S3 compatible bucket
type MinioStorage struct {
	client     *minio.Client
	bucketName string
	basePath   string
	retries    uint64
	log        logrus.FieldLogger
}

// MinioConfig contains configuration for MinIO client
type MinioConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	BucketName string
	BasePath   string
	// MaxRetries is the number of attempts per upload; zero means three.
	MaxRetries int
}

// NewMinioStorage connects to the endpoint and creates the bucket if needed
func NewMinioStorage(ctx context.Context, cfg MinioConfig, log logrus.FieldLogger) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	storage := &MinioStorage{
		client:     client,
		bucketName: cfg.BucketName,
		basePath:   strings.Trim(cfg.BasePath, "/"),
		retries:    uint64(retries),
		log:        log.WithField("component", "minio"),
	}
	return storage, storage.ensureBucketExists(ctx)
}

// ensureBucketExists creates the bucket if it doesn't exist
func (ms *MinioStorage) ensureBucketExists(ctx context.Context) error {
	exists, err := ms.client.BucketExists(ctx, ms.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket %s exists: %w", ms.bucketName, err)
	}
	if !exists {
		if err := ms.client.MakeBucket(ctx, ms.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", ms.bucketName, err)
		}
		ms.log.Infof("🪣 Created bucket %s", ms.bucketName)
	}
	return nil
}

func (ms *MinioStorage) objectName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if ms.basePath != "" {
		name = path.Join(ms.basePath, name)
	}
	return name
}

// Upload puts one object
func (ms *MinioStorage) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (minio.UploadInfo, error) {
	objectName = ms.objectName(objectName)
	info, err := ms.client.PutObject(ctx, ms.bucketName, objectName, reader, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return minio.UploadInfo{}, fmt.Errorf("failed to upload object %s: %w", objectName, err)
	}
	return info, nil
}

// UploadFile uploads a local file, retrying transient failures with
// exponential backoff. Every attempt reopens the file.
func (ms *MinioStorage) UploadFile(ctx context.Context, objectName, localPath string) (minio.UploadInfo, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, ms.retries-1), ctx)

	return backoff.RetryNotifyWithData(func() (minio.UploadInfo, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return minio.UploadInfo{}, backoff.Permanent(err)
		}
		defer f.Close()

		stat, err := f.Stat()
		if err != nil {
			return minio.UploadInfo{}, backoff.Permanent(err)
		}
		return ms.Upload(ctx, objectName, f, stat.Size(), "application/vnd.apache.parquet")
	}, policy, func(err error, wait time.Duration) {
		ms.log.WithError(err).WithField("object", objectName).Warnf("⚠️ Upload failed, retrying in %s", wait)
	})
}

// Exists reports whether the object is already in the bucket
func (ms *MinioStorage) Exists(ctx context.Context, objectName string) (bool, error) {
	_, err := ms.client.StatObject(ctx, ms.bucketName, ms.objectName(objectName), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", objectName, err)
}

// GetObject returns a reader for the object
func (ms *MinioStorage) GetObject(ctx context.Context, objectName string) (*minio.Object, error) {
	obj, err := ms.client.GetObject(ctx, ms.bucketName, ms.objectName(objectName), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download object %s: %w", objectName, err)
	}
	return obj, nil
}

// ListObjects lists objects with the given prefix. Returned keys include
// the base path.
func (ms *MinioStorage) ListObjects(ctx context.Context, prefix string, recursive bool) <-chan minio.ObjectInfo {
	return ms.client.ListObjects(ctx, ms.bucketName, minio.ListObjectsOptions{
		Prefix:    ms.objectName(prefix),
		Recursive: recursive,
	})
}

// relative strips the base path from a key returned by ListObjects
func (ms *MinioStorage) relative(key string) string {
	if ms.basePath == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(ms.basePath, "/")+"/")
}

// BuildObjectPath places a chunk file under Hive-style block range partitions
func BuildObjectPath(startBlock, endBlock uint64, filename string) string {
	return fmt.Sprintf("focil/start_block=%d/end_block=%d/%s", startBlock, endBlock, filename)
}
