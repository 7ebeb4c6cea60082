// Package archive uploads captured bottle photos to S3-compatible storage.
// When no bucket is configured the NoopArchiver is used and photos are
// discarded after submission, as the backend never receives them.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"

	"github.com/emilyakhya/MMS/internal/config"
)

// ErrNotConfigured is returned when photo archiving is disabled.
var ErrNotConfigured = errors.New("photo archive not configured")

// Archiver stores a photo and returns its object key.
type Archiver interface {
	Archive(ctx context.Context, image []byte, capturedAt time.Time) (string, error)
}

// objectPutter is the slice of *minio.Client used by S3Archiver.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error
}

type minioPutter struct {
	client *minio.Client
}

func (p *minioPutter) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := p.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// S3Archiver uploads photos under {prefix}/{yyyy}/{mm}/{dd}/{ulid}{ext}.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

// Archive uploads image and returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, image []byte, capturedAt time.Time) (string, error) {
	if len(image) == 0 {
		return "", errors.New("archive photo: empty image")
	}

	contentType := http.DetectContentType(image)
	key := objectKey(a.prefix, capturedAt, ulid.Make(), extension(contentType))

	if err := a.client.PutObject(ctx, a.bucket, key, image, contentType); err != nil {
		return "", fmt.Errorf("archive photo to S3: %w", err)
	}
	return key, nil
}

// NoopArchiver is used when archiving is not configured.
type NoopArchiver struct{}

// Archive always returns ErrNotConfigured.
func (NoopArchiver) Archive(context.Context, []byte, time.Time) (string, error) {
	return "", ErrNotConfigured
}

// New returns a NoopArchiver when cfg has no bucket, an S3Archiver otherwise.
func New(cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled() {
		return NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioPutter{client: client},
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func objectKey(prefix string, capturedAt time.Time, id ulid.ULID, ext string) string {
	return path.Join(prefix, capturedAt.UTC().Format("2006/01/02"), id.String()+ext)
}

func extension(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
