// Package objectstore is the optional S3 collaborator: it uploads
// embedded images at the transport boundary and copies versioned
// snapshots off-site as a detached background task. The core runs fine
// without it; a nil *S3Store simply disables both features.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/deepnoodle-ai/drawbridge/slogger"
)

// backupQueueSize bounds the snapshot-backup queue. Backups are
// fire-and-forget; when the queue is full the snapshot is skipped and
// the next rotation gets another chance.
const backupQueueSize = 64

const backupWorkers = 2

type backupJob struct {
	sessionID string
	path      string
}

// S3Store uploads objects to one S3 bucket.
type S3Store struct {
	uploader  *s3manager.Uploader
	bucket    string
	prefix    string
	publicURL string
	logger    slogger.Logger

	jobs     chan backupJob
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// S3StoreOptions configures an S3Store. Bucket is required; Region and
// Endpoint follow the usual AWS SDK defaulting when empty.
type S3StoreOptions struct {
	Bucket string
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string

	// Prefix is prepended to every object key.
	Prefix string

	// PublicURL is the base URL under which uploaded objects are
	// reachable. Defaults to the bucket's virtual-hosted S3 URL.
	PublicURL string

	Logger slogger.Logger
}

// NewS3Store creates an S3Store and starts its backup workers.
func NewS3Store(opts S3StoreOptions) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("object store requires a bucket")
	}
	cfg := aws.NewConfig()
	if opts.Region != "" {
		cfg = cfg.WithRegion(opts.Region)
	}
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := awssession.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNullLogger()
	}
	publicURL := strings.TrimSuffix(opts.PublicURL, "/")
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.amazonaws.com", opts.Bucket)
	}
	s := &S3Store{
		uploader:  s3manager.NewUploader(sess),
		bucket:    opts.Bucket,
		prefix:    strings.Trim(opts.Prefix, "/"),
		publicURL: publicURL,
		logger:    logger,
		jobs:      make(chan backupJob, backupQueueSize),
	}
	for i := 0; i < backupWorkers; i++ {
		s.wg.Add(1)
		go s.backupWorker()
	}
	return s, nil
}

func (s *S3Store) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

// Upload stores an object and returns its public URL.
func (s *S3Store) Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error) {
	key = s.key(key)
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("upload %q to bucket %q: %w", key, s.bucket, err)
	}
	return s.publicURL + "/" + key, nil
}

// BackupSnapshot queues a versioned snapshot file for off-site copy.
// It never blocks; it implements store.Backup.
func (s *S3Store) BackupSnapshot(sessionID, snapshotPath string) {
	select {
	case s.jobs <- backupJob{sessionID: sessionID, path: snapshotPath}:
	default:
		s.logger.Warn("backup queue full, skipping snapshot",
			"session_id", sessionID, "path", snapshotPath)
	}
}

func (s *S3Store) backupWorker() {
	defer s.wg.Done()
	for job := range s.jobs {
		f, err := os.Open(job.path)
		if err != nil {
			s.logger.Error("backup: cannot open snapshot",
				"session_id", job.sessionID, "path", job.path, "error", err)
			continue
		}
		key := path.Join("backups", job.sessionID, path.Base(job.path))
		_, err = s.Upload(context.Background(), key, "application/json", f)
		f.Close()
		if err != nil {
			s.logger.Error("backup: upload failed",
				"session_id", job.sessionID, "path", job.path, "error", err)
			continue
		}
		s.logger.Debug("backup: snapshot copied",
			"session_id", job.sessionID, "key", key)
	}
}

// Close stops the backup workers after draining queued jobs.
func (s *S3Store) Close() {
	s.stopOnce.Do(func() { close(s.jobs) })
	s.wg.Wait()
}
