package memocache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// fakeSleeper returns immediately and records each requested wait. An
// optional hook runs before returning so tests can change state mid-wait.
type fakeSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
	hook  func(n int)
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	n, hook := len(f.waits), f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (f *fakeSleeper) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.waits...)
}

// faultyStore wraps a store and fails selected operations.
type faultyStore struct {
	Store
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newFaultyStore(inner Store) *faultyStore {
	return &faultyStore{Store: inner, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *faultyStore) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *faultyStore) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *faultyStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := f.hit("get"); err != nil {
		return nil, false, err
	}
	return f.Store.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.hit("set"); err != nil {
		return err
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *faultyStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := f.hit("add"); err != nil {
		return false, err
	}
	return f.Store.Add(ctx, key, value, ttl)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if err := f.hit("delete"); err != nil {
		return err
	}
	return f.Store.Delete(ctx, key)
}

// stubRedis is an in-memory RedisClient covering the commands the store issues.
type stubRedis struct {
	mu      sync.Mutex
	entries map[string]stubRedisEntry
	err     error
}

type stubRedisEntry struct {
	value     string
	expiresAt time.Time
}

func newStubRedis() *stubRedis {
	return &stubRedis{entries: map[string]stubRedisEntry{}}
}

func (s *stubRedis) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubRedis) live(key string) (stubRedisEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return e, false
	}
	if !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		delete(s.entries, key)
		return e, false
	}
	return e, true
}

func redisString(value interface{}) string {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func redisExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *stubRedis) Get(_ context.Context, key string) *redis.StringCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewStringResult("", s.err)
	}
	e, ok := s.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.value, nil)
}

func (s *stubRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewStatusResult("", s.err)
	}
	s.entries[key] = stubRedisEntry{value: redisString(value), expiresAt: redisExpiry(expiration)}
	return redis.NewStatusResult("OK", nil)
}

func (s *stubRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewBoolResult(false, s.err)
	}
	if _, ok := s.live(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	s.entries[key] = stubRedisEntry{value: redisString(value), expiresAt: redisExpiry(expiration)}
	return redis.NewBoolResult(true, nil)
}

func (s *stubRedis) IncrBy(_ context.Context, key string, value int64) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	e, _ := s.live(key)
	var current int64
	if e.value != "" {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return redis.NewIntResult(0, errors.New("ERR value is not an integer or out of range"))
		}
		current = n
	}
	e.value = strconv.FormatInt(current+value, 10)
	s.entries[key] = e
	return redis.NewIntResult(current+value, nil)
}

func (s *stubRedis) Expire(_ context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewBoolResult(false, s.err)
	}
	e, ok := s.live(key)
	if !ok {
		return redis.NewBoolResult(false, nil)
	}
	e.expiresAt = redisExpiry(expiration)
	s.entries[key] = e
	return redis.NewBoolResult(true, nil)
}

func (s *stubRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewIntResult(0, s.err)
	}
	var n int64
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// Scan supports trailing-star patterns and returns everything in one page.
func (s *stubRedis) Scan(_ context.Context, _ uint64, match string, _ int64) *redis.ScanCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return redis.NewScanCmdResult(nil, 0, s.err)
	}
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return redis.NewScanCmdResult(keys, 0, nil)
}

// stubNATSKeyValue mimics a JetStream bucket: revisions, delete markers and
// the Create/Update compare-and-set rules.
type stubNATSKeyValue struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]*stubNATSEntry

	getErr    error
	putErr    error
	createErr error
	updateErr error
	deleteErr error
	listErr   error
}

func newStubNATSKeyValue() *stubNATSKeyValue {
	return &stubNATSKeyValue{entries: map[string]*stubNATSEntry{}}
}

func (s *stubNATSKeyValue) Get(key string) (nats.KeyValueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.entries[key]
	if !ok {
		return nil, nats.ErrKeyNotFound
	}
	if e.op != nats.KeyValuePut {
		return nil, nats.ErrKeyDeleted
	}
	cp := *e
	cp.value = cloneBytes(e.value)
	return &cp, nil
}

func (s *stubNATSKeyValue) Put(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return 0, s.putErr
	}
	return s.putLocked(key, value, nats.KeyValuePut), nil
}

func (s *stubNATSKeyValue) putLocked(key string, value []byte, op nats.KeyValueOp) uint64 {
	s.rev++
	s.entries[key] = &stubNATSEntry{key: key, value: cloneBytes(value), revision: s.rev, created: time.Now(), op: op}
	return s.rev
}

func (s *stubNATSKeyValue) Create(key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return 0, s.createErr
	}
	if e, ok := s.entries[key]; ok && e.op == nats.KeyValuePut {
		return 0, nats.ErrKeyExists
	}
	return s.putLocked(key, value, nats.KeyValuePut), nil
}

func (s *stubNATSKeyValue) Update(key string, value []byte, last uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return 0, s.updateErr
	}
	e, ok := s.entries[key]
	if !ok || e.revision != last {
		return 0, nats.ErrKeyExists
	}
	return s.putLocked(key, value, nats.KeyValuePut), nil
}

func (s *stubNATSKeyValue) Delete(key string, _ ...nats.DeleteOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.putLocked(key, nil, nats.KeyValueDelete)
	return nil
}

func (s *stubNATSKeyValue) Purge(key string, _ ...nats.DeleteOpt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *stubNATSKeyValue) ListKeys(_ ...nats.WatchOpt) (nats.KeyLister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	keys := make(chan string, len(s.entries))
	for key, e := range s.entries {
		if e.op == nats.KeyValuePut {
			keys <- key
		}
	}
	close(keys)
	errs := make(chan error)
	close(errs)
	return &stubNATSLister{keys: keys, errs: errs}, nil
}

func (s *stubNATSKeyValue) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

type stubNATSEntry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       nats.KeyValueOp
}

func (e *stubNATSEntry) Bucket() string             { return "memocache" }
func (e *stubNATSEntry) Key() string                { return e.key }
func (e *stubNATSEntry) Value() []byte              { return e.value }
func (e *stubNATSEntry) Revision() uint64           { return e.revision }
func (e *stubNATSEntry) Created() time.Time         { return e.created }
func (e *stubNATSEntry) Delta() uint64              { return 0 }
func (e *stubNATSEntry) Operation() nats.KeyValueOp { return e.op }

type stubNATSLister struct {
	keys chan string
	errs chan error
}

func (l *stubNATSLister) Keys() <-chan string { return l.keys }
func (l *stubNATSLister) Error() <-chan error { return l.errs }
func (l *stubNATSLister) Stop() error         { return nil }

// stubDynamo keeps items in a map and evaluates the one condition the store
// uses for Add.
type stubDynamo struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	tables map[string]bool
	err    error

	describeErrs []error
}

func newStubDynamo() *stubDynamo {
	return &stubDynamo{items: map[string]map[string]types.AttributeValue{}, tables: map[string]bool{}}
}

func (s *stubDynamo) keyOf(item map[string]types.AttributeValue) string {
	k, _ := item["k"].(*types.AttributeValueMemberS)
	if k == nil {
		return ""
	}
	return k.Value
}

func (s *stubDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &dynamodb.GetItemOutput{Item: s.items[s.keyOf(in.Key)]}, nil
}

func (s *stubDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	key := s.keyOf(in.Item)
	if cond := aws.ToString(in.ConditionExpression); cond != "" {
		if cond != dynamoAddCondition {
			return nil, fmt.Errorf("stub dynamo: unsupported condition %q", cond)
		}
		if existing, ok := s.items[key]; ok {
			now, _ := in.ExpressionAttributeValues[":now"].(*types.AttributeValueMemberN)
			ea, _ := existing["ea"].(*types.AttributeValueMemberN)
			nowMS, _ := strconv.ParseInt(now.Value, 10, 64)
			eaMS, _ := strconv.ParseInt(ea.Value, 10, 64)
			if !(eaMS < nowMS) {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
			}
		}
	}
	s.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (s *stubDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	delete(s.items, s.keyOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (s *stubDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, writes := range in.RequestItems {
		if len(writes) > dynamoBatchLimit {
			return nil, fmt.Errorf("stub dynamo: batch of %d exceeds %d", len(writes), dynamoBatchLimit)
		}
		for _, w := range writes {
			if w.DeleteRequest != nil {
				delete(s.items, s.keyOf(w.DeleteRequest.Key))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (s *stubDynamo) Scan(_ context.Context, _ *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := &dynamodb.ScanOutput{}
	for key := range s.items {
		out.Items = append(out.Items, map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: key}})
	}
	return out, nil
}

func (s *stubDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[aws.ToString(in.TableName)] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (s *stubDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.describeErrs) > 0 {
		err := s.describeErrs[0]
		s.describeErrs = s.describeErrs[1:]
		return nil, err
	}
	if !s.tables[aws.ToString(in.TableName)] {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (s *stubDynamo) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
