// Package storage keeps purged journal rows in S3-compatible object storage.
// Consent records are never archived here; they are never deleted at all.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"kanjounikki/pkg/domain"
)

// MinioArchive writes cleanup snapshots to a MinIO/S3 bucket.
type MinioArchive struct {
	client *minio.Client
	bucket string
}

// NewMinioArchive connects to object storage and ensures the bucket exists.
func NewMinioArchive(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioArchive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioArchive{client: client, bucket: bucket}, nil
}

// ArchivePurgedEntries uploads the rows a cleanup is about to delete as one
// JSON object keyed by user and timestamp.
func (a *MinioArchive) ArchivePurgedEntries(ctx context.Context, userID string, entries []domain.DiaryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"user_id":    userID,
		"purged_at":  time.Now().UTC().Format(time.RFC3339),
		"entries":    entries,
		"entryCount": len(entries),
	})
	if err != nil {
		return fmt.Errorf("marshal archive payload: %w", err)
	}
	key := fmt.Sprintf("cleanup/%s/%d.json", userID, time.Now().UTC().UnixNano())
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put archive object: %w", err)
	}
	return nil
}

// PresignGet generates a pre-signed URL for downloading an archive object.
func (a *MinioArchive) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := a.client.PresignedGetObject(ctx, a.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}
