package beatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3SnapshotBackend mirrors day snapshots to S3 or an S3-compatible store.
// It is an off-device recovery tier: a freshly provisioned device can pull
// the last saved snapshot before the first full sync completes. Uploads
// happen off the UI path and failures never affect session state.
type S3SnapshotBackend struct {
	client  *s3.Client
	config  S3BackupConfig
	retryer *Retryer
}

// NewS3SnapshotBackend creates the backup tier client.
func NewS3SnapshotBackend(ctx context.Context, cfg S3BackupConfig) (*S3SnapshotBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 backup: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotBackend{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			RetryIf:        IsRetryable,
		}),
	}, nil
}

func (b *S3SnapshotBackend) key(userID, date string) string {
	return fmt.Sprintf("%ssnapshots/%s/%s.json", b.config.Prefix, userID, date)
}

// Backup uploads the snapshot, replacing any prior copy for (user, date).
func (b *S3SnapshotBackend) Backup(ctx context.Context, snap *DaySnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	key := b.key(snap.UserID, snap.Date)
	return b.retryer.Do(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
}

// Restore downloads the snapshot for (user, date), or ErrSnapshotNotFound.
func (b *S3SnapshotBackend) Restore(ctx context.Context, userID, date string) (*DaySnapshot, error) {
	key := b.key(userID, date)

	var data []byte
	err := b.retryer.Do(ctx, func() error {
		resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var noKey *s3types.NoSuchKey
			if errors.As(err, &noKey) {
				return ErrSnapshotNotFound
			}
			return fmt.Errorf("S3 get object failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("S3 read body failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var snap DaySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the backed-up snapshot for (user, date) if present.
func (b *S3SnapshotBackend) Delete(ctx context.Context, userID, date string) error {
	key := b.key(userID, date)
	return b.retryer.Do(ctx, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
}
