package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/wonton/assert"

	"github.com/deepnoodle-ai/drawbridge"
)

func newTestStore(t *testing.T, opts FileStoreOptions) *FileStore {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	s, err := NewFileStore(opts)
	assert.NoError(t, err)
	return s
}

func el(s string) drawbridge.Element {
	return drawbridge.Element(s)
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../etc", "a..b"} {
		err := validateID(id)
		assert.Error(t, err)
	}
	for _, id := range []string{"room-1", "f47ac10b", "My_Session.2"} {
		assert.NoError(t, validateID(id))
	}
}

func TestLoadSceneEmptySession(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})
	scene, err := s.LoadScene("empty")
	assert.NoError(t, err)
	assert.Equal(t, 0, scene.ElementCount())
	assert.False(t, s.HasSnapshot("empty"))
}

func TestSnapshotAndLogReplay(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	base := &drawbridge.Scene{}
	base.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`)}, nil))
	assert.NoError(t, s.WriteSnapshot("room", base))

	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"b"}`)})))
	assert.NoError(t, s.AppendLog("room", drawbridge.ViewportOp(drawbridge.Viewport{Width: 640, Height: 480})))

	scene, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 2, scene.ElementCount())
	assert.Equal(t, `{"id":"a"}`, string(scene.Elements[0]))
	assert.Equal(t, `{"id":"b"}`, string(scene.Elements[1]))
	assert.NotNil(t, scene.Viewport)
	assert.Equal(t, float64(640), scene.Viewport.Width)
}

func TestWriteSnapshotTruncatesLog(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"a"}`)})))
	scene, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.NoError(t, s.WriteSnapshot("room", scene))

	_, err = os.Stat(s.logPath("room"))
	assert.True(t, os.IsNotExist(err))

	reloaded, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 1, reloaded.ElementCount())
}

func TestWriteSnapshotRotatesPrevious(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	first := &drawbridge.Scene{}
	first.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`)}, nil))
	assert.NoError(t, s.WriteSnapshot("room", first))

	// No previous snapshot existed, so history is still empty.
	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 0)

	time.Sleep(2 * time.Millisecond)
	second := first.Clone()
	second.Apply(drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"b"}`)}))
	assert.NoError(t, s.WriteSnapshot("room", second))

	versions, err = s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].ElementCount)
}

func TestPruneVersionsKeepsNewest(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{MaxVersions: 3})

	scene := &drawbridge.Scene{}
	var last int64
	for i := 0; i < 6; i++ {
		scene.Apply(drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"x"}`)}))
		millis, err := s.WriteVersionedSnapshot("room", scene)
		assert.NoError(t, err)
		last = millis
		time.Sleep(2 * time.Millisecond)
	}

	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 3)
	// Newest first, and the newest survives pruning.
	assert.Equal(t, last, versions[0].Timestamp)
	assert.Equal(t, 6, versions[0].ElementCount)
	assert.True(t, versions[0].Timestamp > versions[1].Timestamp)
	assert.True(t, versions[1].Timestamp > versions[2].Timestamp)
}

func TestDropLastLogEntry(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	assert.ErrorIs(t, s.DropLastLogEntry("room"), ErrEmptyLog)

	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"a"}`)})))
	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"b"}`)})))

	assert.NoError(t, s.DropLastLogEntry("room"))
	scene, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 1, scene.ElementCount())

	assert.NoError(t, s.DropLastLogEntry("room"))
	assert.ErrorIs(t, s.DropLastLogEntry("room"), ErrEmptyLog)
}

func TestLoadSceneSkipsCorruptLogLines(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"a"}`)})))
	f, err := os.OpenFile(s.logPath("room"), os.O_APPEND|os.O_WRONLY, 0644)
	assert.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	assert.NoError(t, err)
	assert.NoError(t, f.Close())
	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"b"}`)})))

	scene, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 2, scene.ElementCount())
}

func TestLoadSceneCorruptSnapshotFallsBackToLog(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	assert.NoError(t, os.WriteFile(s.snapshotPath("room"), []byte("garbage"), 0644))
	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"a"}`)})))

	scene, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 1, scene.ElementCount())
}

func TestRestoreVersion(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	old := &drawbridge.Scene{}
	old.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"old"}`)}, nil))
	millis, err := s.WriteVersionedSnapshot("room", old)
	assert.NoError(t, err)

	live := &drawbridge.Scene{}
	live.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`), el(`{"id":"b"}`)}, nil))
	assert.NoError(t, s.WriteSnapshot("room", live))
	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp([]drawbridge.Element{el(`{"id":"c"}`)})))

	restored, err := s.RestoreVersion("room", millis, live)
	assert.NoError(t, err)
	assert.Equal(t, 1, restored.ElementCount())
	assert.Equal(t, `{"id":"old"}`, string(restored.Elements[0]))

	// The log is gone and a reload sees only the restored state.
	reloaded, err := s.LoadScene("room")
	assert.NoError(t, err)
	assert.Equal(t, 1, reloaded.ElementCount())

	// The live pre-restore state joined the version history.
	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].ElementCount)
}

func TestRestoreVersionUnknownTimestampChangesNothing(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	live := &drawbridge.Scene{}
	live.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`)}, nil))

	_, err := s.RestoreVersion("room", 12345, live)
	assert.ErrorIs(t, err, ErrNotFound)

	// A failed restore must not write the pre-restore state into
	// history or touch the current snapshot.
	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 0)
	assert.False(t, s.HasSnapshot("room"))
}

func TestRapidRotationsDoNotCollide(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	// Back-to-back history writes often land in the same millisecond;
	// each must still get its own file.
	scene := &drawbridge.Scene{}
	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		millis, err := s.WriteVersionedSnapshot("room", scene)
		assert.NoError(t, err)
		assert.False(t, seen[millis])
		seen[millis] = true
	}
	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 5)
}

func TestCurrentVersion(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	info, err := s.CurrentVersion("room")
	assert.NoError(t, err)
	assert.Nil(t, info)

	scene := &drawbridge.Scene{}
	scene.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`)}, nil))
	assert.NoError(t, s.WriteSnapshot("room", scene))

	info, err = s.CurrentVersion("room")
	assert.NoError(t, err)
	assert.NotNil(t, info)
	assert.Equal(t, 1, info.ElementCount)
	assert.True(t, info.Size > 0)
}

func TestFilesMetaRoundTrip(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	files, err := s.ReadFilesMeta("room")
	assert.NoError(t, err)
	assert.Len(t, files, 0)

	meta := map[string]drawbridge.FileMeta{
		"f1": {ID: "f1", CDNURL: "https://cdn.example/f1", MimeType: "image/png", Created: 1700000000000},
	}
	assert.NoError(t, s.WriteFilesMeta("room", meta))

	files, err = s.ReadFilesMeta("room")
	assert.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Equal(t, "image/png", files["f1"].MimeType)

	assert.NoError(t, s.DeleteFilesMeta("room"))
	files, err = s.ReadFilesMeta("room")
	assert.NoError(t, err)
	assert.Len(t, files, 0)
}

func TestReadFilesMetaCorrupt(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})
	assert.NoError(t, os.WriteFile(s.filesPath("room"), []byte("nope"), 0644))
	files, err := s.ReadFilesMeta("room")
	assert.NoError(t, err)
	assert.Len(t, files, 0)
}

func TestDeleteSessionFilesKeepsHistory(t *testing.T) {
	s := newTestStore(t, FileStoreOptions{})

	scene := &drawbridge.Scene{}
	scene.Apply(drawbridge.SetOp([]drawbridge.Element{el(`{"id":"a"}`)}, nil))
	millis, err := s.WriteVersionedSnapshot("room", scene)
	assert.NoError(t, err)
	assert.NoError(t, s.WriteSnapshot("room", scene))
	assert.NoError(t, s.AppendLog("room", drawbridge.AppendOp(nil)))

	assert.NoError(t, s.DeleteSessionFiles("room"))
	assert.False(t, s.HasSnapshot("room"))

	versions, err := s.ListVersions("room")
	assert.NoError(t, err)
	assert.Len(t, versions, 1)
	assert.Equal(t, millis, versions[0].Timestamp)
}

type recordingBackup struct {
	calls []string
}

func (b *recordingBackup) BackupSnapshot(sessionID, path string) {
	b.calls = append(b.calls, sessionID+":"+filepath.Base(path))
}

func TestBackupNotifiedOnRotation(t *testing.T) {
	backup := &recordingBackup{}
	s := newTestStore(t, FileStoreOptions{Backup: backup})

	scene := &drawbridge.Scene{}
	assert.NoError(t, s.WriteSnapshot("room", scene))
	assert.Len(t, backup.calls, 0)

	time.Sleep(2 * time.Millisecond)
	assert.NoError(t, s.WriteSnapshot("room", scene))
	assert.Len(t, backup.calls, 1)

	_, err := s.WriteVersionedSnapshot("room", scene)
	assert.NoError(t, err)
	assert.Len(t, backup.calls, 2)
}
