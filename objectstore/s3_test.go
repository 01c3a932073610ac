package objectstore

import (
	"testing"

	"github.com/deepnoodle-ai/wonton/assert"
)

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(S3StoreOptions{})
	assert.Error(t, err)
}

func TestKeyPrefix(t *testing.T) {
	s := &S3Store{}
	assert.Equal(t, "files/room/f1", s.key("files/room/f1"))

	s.prefix = "drawbridge"
	assert.Equal(t, "drawbridge/files/room/f1", s.key("files/room/f1"))
}

func TestBackupSnapshotNeverBlocks(t *testing.T) {
	s, err := NewS3Store(S3StoreOptions{
		Bucket:   "test-bucket",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:1", // unreachable on purpose
	})
	assert.NoError(t, err)

	// Missing file and unreachable endpoint are both logged, not fatal,
	// and enqueueing past the queue bound drops instead of blocking.
	for i := 0; i < backupQueueSize*2; i++ {
		s.BackupSnapshot("room", "/nonexistent/snapshot")
	}
	s.Close()
}

func TestPublicURLDefaults(t *testing.T) {
	s, err := NewS3Store(S3StoreOptions{Bucket: "pics"})
	assert.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "https://pics.s3.amazonaws.com", s.publicURL)

	custom, err := NewS3Store(S3StoreOptions{Bucket: "pics", PublicURL: "https://cdn.example.com/"})
	assert.NoError(t, err)
	defer custom.Close()
	assert.Equal(t, "https://cdn.example.com", custom.publicURL)
}
