// Package store persists Drawbridge sessions on disk. Each session is
// kept as a current snapshot, an append-only operation log, a files
// metadata map, and a capped history of versioned snapshots:
//
//	{id}.snapshot          current compacted state
//	{id}.snapshot-{millis} versioned snapshot (time-travel history)
//	{id}.log               newline-delimited operations since the snapshot
//	{id}.files             files metadata map
//
// Replaying the current snapshot followed by every log line reproduces
// the live state. Snapshot writes go through a temp file and an atomic
// rename so a crash never exposes a half-written snapshot.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/drawbridge"
	"github.com/deepnoodle-ai/drawbridge/slogger"
)

// ErrNotFound is returned when a requested snapshot does not exist.
var ErrNotFound = errors.New("snapshot not found")

// ErrInvalidSessionID is returned when a session ID contains path
// separators, relative path components, or other characters that could
// cause path traversal.
var ErrInvalidSessionID = errors.New("invalid session ID")

// ErrEmptyLog is returned by DropLastLogEntry when the log has no
// entries. States before the last compaction are unreachable by undo.
var ErrEmptyLog = errors.New("operation log is empty")

// DefaultMaxVersions is the per-session cap on versioned snapshots.
const DefaultMaxVersions = 50

const (
	snapshotSuffix = ".snapshot"
	versionSep     = ".snapshot-"
	logSuffix      = ".log"
	filesSuffix    = ".files"
)

// Backup receives versioned snapshot files for off-site copy. Calls
// must not block; implementations hand the work to their own workers.
type Backup interface {
	BackupSnapshot(sessionID, path string)
}

// VersionInfo describes one snapshot on disk.
type VersionInfo struct {
	Timestamp    int64 `json:"timestamp"` // unix millis
	ElementCount int   `json:"elementCount"`
	Size         int64 `json:"size"`
}

// FileStore implements the durable log store rooted at a data
// directory. Per-session files are only touched by the session that
// owns them (under its lock); the store's own mutex guards
// directory-wide scans against concurrent rotation.
type FileStore struct {
	mu          sync.Mutex
	dir         string
	maxVersions int
	backup      Backup
	logger      slogger.Logger
}

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	// Dir is the data directory. Created if it does not exist.
	Dir string

	// MaxVersions caps versioned snapshots per session.
	// Defaults to DefaultMaxVersions.
	MaxVersions int

	// Backup, when set, receives every versioned snapshot written.
	Backup Backup

	Logger slogger.Logger
}

// NewFileStore creates a FileStore rooted at opts.Dir.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	dir := opts.Dir
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	maxVersions := opts.MaxVersions
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}
	logger := opts.Logger
	if logger == nil {
		logger = slogger.NewDevNullLogger()
	}
	return &FileStore{
		dir:         dir,
		maxVersions: maxVersions,
		backup:      opts.Backup,
		logger:      logger,
	}, nil
}

// validateID rejects session IDs that could escape the data directory.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\") ||
		strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

func (s *FileStore) snapshotPath(id string) string {
	return filepath.Join(s.dir, id+snapshotSuffix)
}

func (s *FileStore) versionPath(id string, millis int64) string {
	return filepath.Join(s.dir, id+versionSep+strconv.FormatInt(millis, 10))
}

func (s *FileStore) logPath(id string) string {
	return filepath.Join(s.dir, id+logSuffix)
}

func (s *FileStore) filesPath(id string) string {
	return filepath.Join(s.dir, id+filesSuffix)
}

// WriteSnapshot compacts a session: the existing current snapshot (if
// any) is preserved as a versioned snapshot, the given scene becomes
// the new current snapshot via temp-file-and-rename, and the operation
// log is truncated. Only the rename is required to be all-or-nothing.
func (s *FileStore) WriteSnapshot(id string, scene *drawbridge.Scene) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshotPath(id)
	if _, err := os.Stat(current); err == nil {
		versioned, _ := s.freeVersionPath(id)
		if err := copyFile(current, versioned); err != nil {
			s.logger.Error("failed to preserve versioned snapshot",
				"session_id", id, "error", err)
		} else {
			s.pruneLocked(id)
			if s.backup != nil {
				s.backup.BackupSnapshot(id, versioned)
			}
		}
	}

	if err := s.writeSceneAtomic(current, scene); err != nil {
		return fmt.Errorf("write snapshot for session %q: %w", id, err)
	}
	if err := os.Remove(s.logPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to truncate log after snapshot",
			"session_id", id, "error", err)
	}
	return nil
}

// WriteVersionedSnapshot writes the scene directly into version history
// without touching the current snapshot or the log. Returns the version
// timestamp used in the file name.
func (s *FileStore) WriteVersionedSnapshot(id string, scene *drawbridge.Scene) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	versioned, millis := s.freeVersionPath(id)
	if err := s.writeSceneAtomic(versioned, scene); err != nil {
		return 0, fmt.Errorf("write versioned snapshot for session %q: %w", id, err)
	}
	s.pruneLocked(id)
	if s.backup != nil {
		s.backup.BackupSnapshot(id, versioned)
	}
	return millis, nil
}

// freeVersionPath picks a version path stamped with the current time,
// bumping the millisecond while the name is taken. Two rotations in the
// same millisecond must not overwrite one history entry.
func (s *FileStore) freeVersionPath(id string) (string, int64) {
	millis := time.Now().UnixMilli()
	for {
		path := s.versionPath(id, millis)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, millis
		}
		millis++
	}
}

// writeSceneAtomic marshals the scene and renames it into place.
func (s *FileStore) writeSceneAtomic(path string, scene *drawbridge.Scene) error {
	data, err := json.Marshal(scene)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// AppendLog encodes the operation as one line and appends it to the
// session's log file.
func (s *FileStore) AppendLog(id string, op drawbridge.Operation) error {
	if err := validateID(id); err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log for session %q: %w", id, err)
	}
	defer f.Close()

	encoded, err := json.Marshal(op)
	if err != nil {
		return err
	}
	_, err = f.Write(append(encoded, '\n'))
	return err
}

// TruncateLog empties the session's operation log.
func (s *FileStore) TruncateLog(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.logPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DropLastLogEntry removes the final line of the session's log,
// rewriting the remainder through a temp file. Returns ErrEmptyLog if
// there is nothing to drop.
func (s *FileStore) DropLastLogEntry(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	lines, err := s.readLogLines(id)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return ErrEmptyLog
	}
	lines = lines[:len(lines)-1]

	path := s.logPath(id)
	if len(lines) == 0 {
		return s.TruncateLog(id)
	}
	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *FileStore) readLogLines(id string) ([]string, error) {
	f, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// LoadScene rebuilds a session's state: decode the current snapshot if
// one exists, then replay every log line in order. Unreadable snapshots
// and log lines are logged and skipped; a corrupt session loads with
// whatever remains rather than failing.
func (s *FileStore) LoadScene(id string) (*drawbridge.Scene, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	scene := &drawbridge.Scene{}

	data, err := os.ReadFile(s.snapshotPath(id))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, scene); err != nil {
			s.logger.Error("corrupt snapshot, starting from empty state",
				"session_id", id, "error", err)
			scene = &drawbridge.Scene{}
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read snapshot for session %q: %w", id, err)
	}

	lines, err := s.readLogLines(id)
	if err != nil {
		s.logger.Error("failed to read log, loading snapshot only",
			"session_id", id, "error", err)
		return scene, nil
	}
	for i, line := range lines {
		var op drawbridge.Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			s.logger.Error("skipping corrupt log line",
				"session_id", id, "line", i+1, "error", err)
			continue
		}
		scene.Apply(op)
	}
	return scene, nil
}

// HasSnapshot reports whether a current snapshot exists for the session.
func (s *FileStore) HasSnapshot(id string) bool {
	if validateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.snapshotPath(id))
	return err == nil
}

// CurrentVersion describes the current snapshot, or nil if none exists.
func (s *FileStore) CurrentVersion(id string) (*VersionInfo, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	path := s.snapshotPath(id)
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &VersionInfo{
		Timestamp:    fi.ModTime().UnixMilli(),
		ElementCount: s.countElements(path),
		Size:         fi.Size(),
	}, nil
}

// ListVersions enumerates the session's versioned snapshots, newest
// first.
func (s *FileStore) ListVersions(id string) ([]VersionInfo, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listVersionsLocked(id)
}

func (s *FileStore) listVersionsLocked(id string) ([]VersionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	prefix := id + versionSep
	versions := make([]VersionInfo, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		millis, err := strconv.ParseInt(strings.TrimPrefix(entry.Name(), prefix), 10, 64)
		if err != nil {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		versions = append(versions, VersionInfo{
			Timestamp:    millis,
			ElementCount: s.countElements(filepath.Join(s.dir, entry.Name())),
			Size:         fi.Size(),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp > versions[j].Timestamp
	})
	return versions, nil
}

func (s *FileStore) countElements(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	var scene drawbridge.Scene
	if err := json.Unmarshal(data, &scene); err != nil {
		return 0
	}
	return scene.ElementCount()
}

// PruneVersions deletes versioned snapshots beyond the per-session cap,
// oldest first.
func (s *FileStore) PruneVersions(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(id)
	return nil
}

func (s *FileStore) pruneLocked(id string) {
	versions, err := s.listVersionsLocked(id)
	if err != nil {
		s.logger.Error("failed to list versions for pruning",
			"session_id", id, "error", err)
		return
	}
	for _, v := range versions[min(len(versions), s.maxVersions):] {
		if err := os.Remove(s.versionPath(id, v.Timestamp)); err != nil {
			s.logger.Error("failed to prune versioned snapshot",
				"session_id", id, "timestamp", v.Timestamp, "error", err)
		}
	}
}

// RestoreVersion promotes a versioned snapshot to current: the version
// file is decoded, the live pre-restore scene (when non-nil) is written
// into version history, the version data is atomically renamed into the
// current snapshot slot, and the log is truncated. Returns ErrNotFound
// for an unknown timestamp; a failed restore changes nothing on disk,
// so the pre-restore preservation happens only after the requested
// version is known to exist.
func (s *FileStore) RestoreVersion(id string, millis int64, live *drawbridge.Scene) (*drawbridge.Scene, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.versionPath(id, millis))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %q version %d", ErrNotFound, id, millis)
		}
		return nil, err
	}
	scene := &drawbridge.Scene{}
	if err := json.Unmarshal(data, scene); err != nil {
		return nil, fmt.Errorf("decode versioned snapshot %d for session %q: %w", millis, id, err)
	}

	if live != nil {
		preserved, _ := s.freeVersionPath(id)
		if err := s.writeSceneAtomic(preserved, live); err != nil {
			return nil, fmt.Errorf("preserve pre-restore state for session %q: %w", id, err)
		}
		s.pruneLocked(id)
		if s.backup != nil {
			s.backup.BackupSnapshot(id, preserved)
		}
	}

	current := s.snapshotPath(id)
	tmp := current + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Remove(s.logPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("failed to truncate log after restore",
			"session_id", id, "error", err)
	}
	return scene, nil
}

// WriteFilesMeta persists the session's files metadata map via
// temp-file-and-rename.
func (s *FileStore) WriteFilesMeta(id string, files map[string]drawbridge.FileMeta) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := json.Marshal(files)
	if err != nil {
		return err
	}
	path := s.filesPath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFilesMeta loads the session's files metadata map. Missing or
// corrupt files yield an empty map, not an error.
func (s *FileStore) ReadFilesMeta(id string) (map[string]drawbridge.FileMeta, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.filesPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]drawbridge.FileMeta{}, nil
		}
		return nil, err
	}
	files := map[string]drawbridge.FileMeta{}
	if err := json.Unmarshal(data, &files); err != nil {
		s.logger.Error("corrupt files metadata, starting empty",
			"session_id", id, "error", err)
		return map[string]drawbridge.FileMeta{}, nil
	}
	return files, nil
}

// DeleteFilesMeta removes the session's files metadata.
func (s *FileStore) DeleteFilesMeta(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	err := os.Remove(s.filesPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteSessionFiles removes the session's snapshot, log and files
// metadata. Versioned snapshots are left in place.
func (s *FileStore) DeleteSessionFiles(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	var firstErr error
	for _, path := range []string{s.snapshotPath(id), s.logPath(id), s.filesPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// copyFile copies src to dst. The copy itself need not be atomic: the
// versioned name is not observed until after the copy returns.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
