package memocache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	natsEnvelopeMarker = "memo1"
	natsCASAttempts    = 16
)

var errNATSUnavailable = errors.New("nats key-value bucket unavailable")

// NATSKeyValue is the part of nats.KeyValue the store needs.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

// natsStore keeps entries in a JetStream key-value bucket. Subjects only allow
// a limited alphabet, so key parts are base64url encoded under
// "p.<prefix>.k.<key>". Unless bucketTTL is set, each value is wrapped in an
// envelope carrying its own expiry because bucket MaxAge is per bucket.
type natsStore struct {
	kv         NATSKeyValue
	defaultTTL time.Duration
	prefix     string
	bucketTTL  bool
}

type natsEnvelope struct {
	Marker    string `json:"m"`
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"ea"`
}

// natsRecord is a decoded bucket entry. revision is zero when the key has no
// entry at all.
type natsRecord struct {
	value    []byte
	revision uint64
	live     bool
}

func newNATSStore(kv NATSKeyValue, defaultTTL time.Duration, prefix string, bucketTTL bool) Store {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &natsStore{kv: kv, defaultTTL: defaultTTL, prefix: prefix, bucketTTL: bucketTTL}
}

func (s *natsStore) Driver() Driver { return DriverNATS }

func (s *natsStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.kv == nil {
		return nil, false, errNATSUnavailable
	}
	rec, err := s.read(s.subject(key))
	if err != nil || !rec.live {
		return nil, false, err
	}
	return rec.value, true, nil
}

func (s *natsStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	body, err := s.wrap(value, ttl)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(s.subject(key), body)
	return err
}

// Add uses Create for a missing key and a revision-checked Update to take over
// an expired envelope, so two contenders can never both succeed. Add always
// writes an envelope, also with bucketTTL, so a lock entry expires after its
// own ttl rather than the bucket's.
func (s *natsStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.kv == nil {
		return false, errNATSUnavailable
	}
	subject := s.subject(key)
	rec, err := s.read(subject)
	if err != nil {
		return false, err
	}
	if rec.live {
		return false, nil
	}
	body, err := s.envelope(value, ttl)
	if err != nil {
		return false, err
	}
	err = s.write(subject, body, rec.revision)
	if errors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	return err == nil, err
}

func (s *natsStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.kv == nil {
		return 0, errNATSUnavailable
	}
	subject := s.subject(key)
	for attempt := 0; attempt < natsCASAttempts; attempt++ {
		rec, err := s.read(subject)
		if err != nil {
			return 0, err
		}
		var current int64
		if rec.live && len(rec.value) > 0 {
			if current, err = strconv.ParseInt(string(rec.value), 10, 64); err != nil {
				return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
			}
		}
		next := current + delta
		body, err := s.wrap([]byte(strconv.FormatInt(next, 10)), ttl)
		if err != nil {
			return 0, err
		}
		err = s.write(subject, body, rec.revision)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, nats.ErrKeyExists), isNATSMiss(err):
			continue
		default:
			return 0, err
		}
	}
	return 0, fmt.Errorf("nats increment of %q lost %d revision races", key, natsCASAttempts)
}

func (s *natsStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *natsStore) Delete(_ context.Context, key string) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	if err := s.kv.Delete(s.subject(key)); err != nil && !isNATSMiss(err) {
		return err
	}
	return nil
}

func (s *natsStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Flush purges every key under this store's prefix.
func (s *natsStore) Flush(_ context.Context) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = lister.Stop() }()

	scope := s.scope()
	for subject := range lister.Keys() {
		if !strings.HasPrefix(subject, scope) {
			continue
		}
		if err := s.kv.Purge(subject); err != nil && !isNATSMiss(err) {
			return err
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *natsStore) read(subject string) (natsRecord, error) {
	entry, err := s.kv.Get(subject)
	if isNATSMiss(err) {
		return natsRecord{}, nil
	}
	if err != nil {
		return natsRecord{}, err
	}
	rec := natsRecord{revision: entry.Revision()}
	if op := entry.Operation(); op == nats.KeyValueDelete || op == nats.KeyValuePurge {
		return rec, nil
	}
	env, wrapped, err := unwrapNATSEnvelope(entry.Value())
	if err != nil {
		if !s.bucketTTL {
			return natsRecord{}, err
		}
		wrapped = false
	}
	if !wrapped {
		rec.value, rec.live = cloneBytes(entry.Value()), true
		return rec, nil
	}
	if env.ExpiresAt > 0 && time.Now().UnixMilli() >= env.ExpiresAt {
		return rec, nil
	}
	rec.value, rec.live = env.Value, true
	return rec, nil
}

func (s *natsStore) write(subject string, body []byte, revision uint64) error {
	if revision == 0 {
		_, err := s.kv.Create(subject, body)
		return err
	}
	_, err := s.kv.Update(subject, body, revision)
	return err
}

func (s *natsStore) wrap(value []byte, ttl time.Duration) ([]byte, error) {
	if s.bucketTTL {
		return cloneBytes(value), nil
	}
	return s.envelope(value, ttl)
}

func (s *natsStore) envelope(value []byte, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	body, err := json.Marshal(natsEnvelope{
		Marker:    natsEnvelopeMarker,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode nats envelope: %w", err)
	}
	return body, nil
}

func unwrapNATSEnvelope(body []byte) (natsEnvelope, bool, error) {
	if len(body) == 0 || body[0] != '{' {
		return natsEnvelope{}, false, nil
	}
	var env natsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return natsEnvelope{}, false, fmt.Errorf("decode nats envelope: %w", err)
	}
	if env.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, false, nil
	}
	return env, true, nil
}

func (s *natsStore) subject(key string) string {
	return s.scope() + natsKeyPart(key)
}

func (s *natsStore) scope() string {
	return "p." + natsKeyPart(s.prefix) + ".k."
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

func natsKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
