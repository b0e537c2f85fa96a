package memocache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	fileEntrySuffix   = ".entry"
	fileReclaimSuffix = ".reclaim"
	fileHeaderSize    = 12
)

// createTempFile is swapped in tests to simulate a full disk.
var createTempFile = os.CreateTemp

var fileEntryMagic = []byte("MFR1")

// fileStore keeps one file per key, named by the sha256 of the key. A file is
// a 4-byte magic, an 8-byte big endian expiry in unix nanoseconds and the value.
//
// Set writes a temp file and renames it over the entry. Add hard-links the temp
// file to the entry name, which fails when the name already exists, giving a
// set-if-absent that holds across processes sharing the directory. An expired
// entry is removed under a per-entry flock before the link is retried.
type fileStore struct {
	dir        string
	defaultTTL time.Duration
}

func newFileStore(dir string, defaultTTL time.Duration) (Store, error) {
	if dir == "" {
		dir = defaultFileDir()
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, defaultTTL: defaultTTL}, nil
}

func (s *fileStore) Driver() Driver { return DriverFile }

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, live, err := s.read(s.path(key))
	if err != nil || !live {
		return nil, false, err
	}
	return value, true, nil
}

func (s *fileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	tmp, err := s.writeTemp(value, ttl)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (s *fileStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tmp, err := s.writeTemp(value, ttl)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	path := s.path(key)
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Link(tmp, path)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return false, err
		}
		reclaimed, err := s.reclaimExpired(path)
		if err != nil || !reclaimed {
			return false, err
		}
	}
	return false, nil
}

// reclaimExpired removes an expired entry so Add can link a new one. Reclaimers
// of one entry are serialized by a flock on "<entry>.reclaim"; the entry is only
// removed if it is still the same expired file that was read.
func (s *fileStore) reclaimExpired(path string) (bool, error) {
	unlock, err := lockFile(path + fileReclaimSuffix)
	if err != nil {
		return false, err
	}
	defer unlock()

	before, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_, live, err := s.read(path)
	if err != nil || live {
		return false, err
	}
	now, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !os.SameFile(before, now) {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (s *fileStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	body, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var current int64
	if ok {
		if current, err = strconv.ParseInt(string(body), 10, 64); err != nil {
			return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
		}
	}
	next := current + delta
	return next, s.Set(ctx, key, []byte(strconv.FormatInt(next, 10)), ttl)
}

func (s *fileStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) DeleteMany(ctx context.Context, keys ...string) error {
	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, s.Delete(ctx, key))
	}
	return errs
}

// Flush removes every entry file in the directory and reports all failures.
func (s *fileStore) Flush(context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileEntrySuffix) {
			continue
		}
		err := os.Remove(filepath.Join(s.dir, entry.Name()))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *fileStore) read(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) < fileHeaderSize || !bytes.Equal(data[:4], fileEntryMagic) {
		return nil, false, fmt.Errorf("file cache entry %s is corrupt", filepath.Base(path))
	}
	expiresAt := int64(binary.BigEndian.Uint64(data[4:fileHeaderSize]))
	if time.Now().UnixNano() >= expiresAt {
		return nil, false, nil
	}
	return data[fileHeaderSize:], true, nil
}

func (s *fileStore) writeTemp(value []byte, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	tmp, err := createTempFile(s.dir, "tmp-*")
	if err != nil {
		return "", err
	}
	var header [fileHeaderSize]byte
	copy(header[:4], fileEntryMagic)
	binary.BigEndian.PutUint64(header[4:], uint64(time.Now().Add(ttl).UnixNano()))

	_, err = tmp.Write(header[:])
	if err == nil {
		_, err = tmp.Write(value)
	}
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])+fileEntrySuffix)
}
