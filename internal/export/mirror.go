package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"examgate/internal/config"
	"examgate/internal/queue"
	"examgate/internal/storage"
)

// ObjectPutter is the subset of the S3 client the mirror uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror copies committed submissions into an S3-compatible bucket.
type Mirror struct {
	client  ObjectPutter
	bucket  string
	storage *storage.Engine
}

// NewMirror wraps an existing client; tests pass a fake.
func NewMirror(client ObjectPutter, bucket string, st *storage.Engine) *Mirror {
	return &Mirror{client: client, bucket: bucket, storage: st}
}

// NewS3Mirror builds the S3 client from config. Path-style addressing keeps
// MinIO and similar services working.
func NewS3Mirror(ctx context.Context, cfg config.S3, st *storage.Engine) (*Mirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("s3 mirror is not configured")
	}
	sdkCfg, err := awsCfg.LoadDefaultConfig(ctx,
		awsCfg.WithRegion(cfg.Region),
		awsCfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(sdkCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	log.Printf("s3 mirror initialized for endpoint %q, bucket %s", cfg.Endpoint, cfg.Bucket)
	return NewMirror(client, cfg.Bucket, st), nil
}

// Key is the object key a stored file is mirrored under: its path relative
// to the storage root, with forward slashes.
func (m *Mirror) Key(storedPath string) (string, error) {
	rel, err := filepath.Rel(m.storage.Root(), storedPath)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Upload mirrors one committed submission.
func (m *Mirror) Upload(ctx context.Context, evt queue.SubmissionCommitted) error {
	key, err := m.Key(evt.StoredPath)
	if err != nil {
		return err
	}
	f, err := m.storage.Open(evt.StoredPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", evt.StoredPath, err)
	}
	defer f.Close()

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
		Metadata: map[string]string{
			"session-id": evt.SessionID,
			"student-id": evt.StudentID,
			"sha256":     evt.Checksum,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Run consumes commit events from q and mirrors each file until ctx ends.
// Failures are logged and the event dropped; files stay on local disk.
func (m *Mirror) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for msg := range msgs {
		if msg.Type != queue.TypeSubmissionCommitted {
			continue
		}
		var evt queue.SubmissionCommitted
		if err := msg.Decode(&evt); err != nil {
			log.Printf("bad commit event: %v", err)
			continue
		}
		if err := m.Upload(ctx, evt); err != nil {
			log.Printf("mirror session %s serial %d failed: %v", evt.SessionID, evt.Serial, err)
			continue
		}
		log.Printf("mirrored session %s serial %d", evt.SessionID, evt.Serial)
	}
	return nil
}
