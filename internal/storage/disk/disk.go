package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/levigo/neverpile-eureka-sub002/internal/loggingutil"
	"github.com/levigo/neverpile-eureka-sub002/internal/storage"
	"github.com/levigo/neverpile-eureka-sub002/internal/uuidv7"
)

const defaultLockFileCache = 256

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// ChangeFeed enables fsnotify based change notifications when the
	// filesystem supports them.
	ChangeFeed bool
	// LockFileCache bounds the number of idle lock file handles kept open.
	LockFileCache int
	Now           func() time.Time
	Logger        pslog.Logger
}

// Store implements storage.Backend backed by the local filesystem. Conditional
// writes are serialised per key with an in-process mutex plus an fcntl lock, so
// several processes may share one root.
type Store struct {
	root      string
	tmpDir    string
	lockDir   string
	objectDir string
	now       func() time.Time
	logger    pslog.Logger

	keyLocks  sync.Map
	lockFiles *lockFileCache

	feedEnabled bool
	feedReason  string
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix,omitempty"`
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LockFileCache <= 0 {
		cfg.LockFileCache = defaultLockFileCache
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, "tmp")
	objectDir := filepath.Join(root, "objects")
	lockDir := filepath.Join(root, "locks")
	for _, dir := range []string{tmpDir, objectDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s := &Store{
		root:      root,
		tmpDir:    tmpDir,
		lockDir:   lockDir,
		objectDir: objectDir,
		now:       cfg.Now,
		logger:    loggingutil.WithSubsystem(cfg.Logger, "storage.disk"),
		lockFiles: newLockFileCache(cfg.LockFileCache),
	}
	s.feedReason = "config_disabled"
	if cfg.ChangeFeed {
		if changeFeedSupported(root) {
			s.feedEnabled = true
			s.feedReason = "fsnotify"
		} else {
			s.feedReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// ChangeFeedStatus reports whether fsnotify-based change notifications are
// active and why they may be unavailable.
func (s *Store) ChangeFeedStatus() (bool, string) {
	return s.feedEnabled, s.feedReason
}

// Root returns the directory the store lives in.
func (s *Store) Root() string { return s.root }

// Close releases cached lock file handles.
func (s *Store) Close() error {
	s.lockFiles.close()
	return nil
}

// Sync fsyncs the object directory. Payloads and sidecars are synced before
// they are renamed into place.
func (s *Store) Sync(context.Context) error {
	return syncDir(s.objectDir)
}

const metaSuffix = ".info.json"

// cleanKey rejects keys that would escape the object directory or collide
// with a metadata sidecar.
func cleanKey(key string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, metaSuffix) || slices.Contains(strings.Split(key, "/"), "..") {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return clean, nil
}

func (s *Store) pathFor(key string) (string, error) {
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

// lockKey holds the per-key mutex and the per-key fcntl lock until the
// returned func runs.
func (s *Store) lockKey(key string) (func(), error) {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	sum := sha256.Sum256([]byte(key))
	entry, err := s.lockFiles.acquire(filepath.Join(s.lockDir, hex.EncodeToString(sum[:8])+".lock"))
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock for %q: %w", key, err)
	}
	if err := lockFile(entry.file); err != nil {
		s.lockFiles.discard(entry)
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock %q: %w", key, err)
	}
	return func() {
		defer mu.Unlock()
		if err := unlockFile(entry.file); err != nil {
			s.logger.Warn("disk.unlock.failed", "key", key, "error", err)
			s.lockFiles.discard(entry)
			return
		}
		s.lockFiles.release(entry)
	}, nil
}

// stat combines the payload file's size and mtime with the sidecar.
func (s *Store) stat(key string) (*storage.ObjectInfo, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	raw, err := os.ReadFile(p + metaSuffix)
	if err != nil {
		return nil, fmt.Errorf("disk: read object metadata for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode object metadata for %q: %w", key, err)
	}
	if rec.ETag == "" {
		return nil, fmt.Errorf("disk: object %q has no etag", key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  rec.ContentType,
	}, nil
}

// ListObjects walks only the deepest directory that can contain opts.Prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	walkRoot := s.objectDir
	if dir := path.Dir(opts.Prefix); opts.Prefix != "" && dir != "." && dir != "/" {
		p, err := s.pathFor(dir)
		if err != nil {
			return nil, err
		}
		walkRoot = p
	}
	var keys []string
	err := filepath.WalkDir(walkRoot, func(p string, d os.DirEntry, err error) error {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return filepath.SkipDir
		case err != nil:
			return err
		case d.IsDir(), strings.HasSuffix(d.Name(), metaSuffix):
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	slices.Sort(keys)
	out := &storage.ListResult{}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.Limit > 0 && len(out.Objects) == opts.Limit {
			out.Truncated = true
			out.NextStartAfter = out.Objects[len(out.Objects)-1].Key
			break
		}
		info, err := s.stat(key)
		if errors.Is(err, storage.ErrNotFound) {
			continue // deleted during the walk
		}
		if err != nil {
			return nil, err
		}
		out.Objects = append(out.Objects, *info)
	}
	return out, nil
}

func (s *Store) GetObject(_ context.Context, key string) (storage.GetObjectResult, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	info, err := s.stat(key)
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

func (s *Store) checkPrecondition(key string, opts storage.PutObjectOptions) error {
	if !opts.IfNotExists && opts.ExpectedETag == "" {
		return nil
	}
	cur, err := s.stat(key)
	switch {
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return err
	case opts.ExpectedETag == "" && cur != nil:
		return storage.ErrCASMismatch
	case opts.ExpectedETag == "":
		return nil
	case cur == nil:
		return storage.ErrNotFound
	case cur.ETag != opts.ExpectedETag:
		s.logger.Trace("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", cur.ETag)
		return storage.ErrCASMismatch
	}
	return nil
}

// PutObject writes the payload and then its sidecar, each through a synced
// temp file and a rename.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	p, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := s.checkPrecondition(key, opts); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	// Salting with a fresh uuid gives rewrites of identical bytes a new ETag.
	h := sha256.New()
	_, _ = io.WriteString(h, uuidv7.NewString())
	size, err := s.replace(p, "object-*", io.TeeReader(body, h))
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	now := s.now()
	rec := objectInfoRecord{ETag: hex.EncodeToString(h.Sum(nil)), ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()}
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if _, err := s.replace(p+metaSuffix, "objectinfo-*", bytes.NewReader(meta)); err != nil {
		return nil, fmt.Errorf("disk: write metadata for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         size,
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	p, err := s.pathFor(key)
	if err != nil {
		return err
	}
	unlock, err := s.lockKey(key)
	if err != nil {
		return err
	}
	defer unlock()
	info, err := s.stat(key)
	switch {
	case errors.Is(err, storage.ErrNotFound) && opts.IgnoreNotFound:
		return nil
	case err != nil:
		return err
	case opts.ExpectedETag != "" && info.ETag != opts.ExpectedETag:
		return storage.ErrCASMismatch
	}
	for _, f := range []string{p, p + metaSuffix} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("disk: remove %q: %w", f, err)
		}
	}
	s.pruneDirs(filepath.Dir(p))
	return nil
}

// pruneDirs removes now-empty parent directories up to the object root.
func (s *Store) pruneDirs(dir string) {
	for dir != s.objectDir && strings.HasPrefix(dir, s.objectDir) {
		if err := os.Remove(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return // not empty, or racing with a writer
		}
		dir = filepath.Dir(dir)
	}
}

// replace atomically swaps dst for the contents of body.
func (s *Store) replace(dst, pattern string, body io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir, pattern)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, body)
	if err == nil {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
