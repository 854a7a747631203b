package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"verdict-relay/relay/internal/ingest"
)

type MinIOClient struct {
	client     *minio.Client
	bucketName string
}

func NewMinIOClient(ctx context.Context, endPoint, accessKey, secretKey, bucketName string, secure bool) (*MinIOClient, error) {
	client, err := minio.New(endPoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	// Create bucket if it doesn't exist
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", bucketName, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
		}
	}

	return &MinIOClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

func (m *MinIOClient) PutJSON(ctx context.Context, objectKey string, body []byte) error {
	_, err := m.client.PutObject(ctx, m.bucketName, objectKey, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// ObjectPutter is the part of the bucket client the archive writes through.
type ObjectPutter interface {
	PutJSON(ctx context.Context, objectKey string, body []byte) error
}

// DropArchive writes records of undeliverable events to object storage so
// operators can see what a browser missed. RecordDrop never blocks the
// ingest path: records beyond the queue size are discarded.
type DropArchive struct {
	bucket ObjectPutter
	queue  chan ingest.DropRecord
	log    *zap.Logger
}

func NewDropArchive(bucket ObjectPutter, queueSize int, log *zap.Logger) *DropArchive {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &DropArchive{
		bucket: bucket,
		queue:  make(chan ingest.DropRecord, queueSize),
		log:    log,
	}
}

func (a *DropArchive) RecordDrop(rec ingest.DropRecord) {
	select {
	case a.queue <- rec:
	default:
		a.log.Warn("drop archive queue full, discarding record", zap.String("client_id", rec.ClientID))
	}
}

// Run uploads queued records until ctx is cancelled.
func (a *DropArchive) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.queue:
			if err := a.upload(ctx, rec); err != nil {
				a.log.Warn("failed to archive dropped event",
					zap.String("client_id", rec.ClientID), zap.Error(err))
			}
		}
	}
}

func (a *DropArchive) upload(ctx context.Context, rec ingest.DropRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return a.bucket.PutJSON(ctx, DropObjectKey(rec), body)
}

// DropObjectKey is dropped/<client_id>/<unix_nano>-<reason>.json.
func DropObjectKey(rec ingest.DropRecord) string {
	return fmt.Sprintf("dropped/%s/%d-%s.json", rec.ClientID, rec.At.UnixNano(), rec.Reason)
}
