package memocache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the part of *dynamodb.Client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

const (
	dynamoTableAttempts   = 20
	dynamoTableRetryDelay = 150 * time.Millisecond
	// dynamoBatchLimit is BatchWriteItem's maximum request count.
	dynamoBatchLimit = 25

	// addCondition lets Add take over an item whose expiry has passed but which
	// DynamoDB's own TTL sweeper has not yet removed.
	dynamoAddCondition = "attribute_not_exists(k) OR ea < :now"
)

// dynamoStore keeps items {k: S, v: B, ea: N(unix ms)} in one table.
type dynamoStore struct {
	client     DynamoAPI
	table      string
	prefix     string
	defaultTTL time.Duration
}

func newDynamoStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	client := cfg.DynamoClient
	if client == nil {
		built, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client = built
	}
	if err := ensureDynamoTable(ctx, client, cfg.DynamoTable); err != nil {
		return nil, err
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &dynamoStore{client: client, table: cfg.DynamoTable, prefix: cfg.Prefix, defaultTTL: ttl}, nil
}

// newDynamoClient uses the default AWS credential chain, or static local
// credentials when an endpoint override (DynamoDB Local) is configured.
func newDynamoClient(ctx context.Context, cfg StoreConfig) (*dynamodb.Client, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.DynamoRegion)}
	if cfg.DynamoEndpoint != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

func (s *dynamoStore) Driver() Driver { return DriverDynamo }

func (s *dynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil || dynamoItemExpired(out.Item, time.Now()) {
		return nil, false, nil
	}
	v, ok := out.Item["v"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, fmt.Errorf("dynamodb item %q has no binary value", s.name(key))
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      s.item(key, value, time.Now(), ttl),
	})
	return err
}

func (s *dynamoStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := time.Now()
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                s.item(key, value, now, ttl),
		ConditionExpression: aws.String(dynamoAddCondition),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
		},
	})
	var failed *types.ConditionalCheckFailedException
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &failed):
		return false, nil
	default:
		return false, err
	}
}

// Increment is read-modify-write and not atomic across processes.
func (s *dynamoStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
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

func (s *dynamoStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *dynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	return err
}

func (s *dynamoStore) DeleteMany(ctx context.Context, keys ...string) error {
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = s.name(key)
	}
	return s.deleteNames(ctx, names)
}

func (s *dynamoStore) deleteNames(ctx context.Context, names []string) error {
	for len(names) > 0 {
		n := min(len(names), dynamoBatchLimit)
		writes := make([]types.WriteRequest, n)
		for i, name := range names[:n] {
			writes[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: name}},
			}}
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: writes},
		}); err != nil {
			return err
		}
		names = names[n:]
	}
	return nil
}

// Flush scans the table and removes items under this store's prefix.
func (s *dynamoStore) Flush(ctx context.Context) error {
	var start map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("k"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return err
		}
		var names []string
		for _, item := range out.Items {
			k, ok := item["k"].(*types.AttributeValueMemberS)
			if ok && (s.prefix == "" || strings.HasPrefix(k.Value, s.prefix+":")) {
				names = append(names, k.Value)
			}
		}
		if err := s.deleteNames(ctx, names); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) name(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *dynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: s.name(key)}}
}

func (s *dynamoStore) item(key string, value []byte, now time.Time, ttl time.Duration) map[string]types.AttributeValue {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return map[string]types.AttributeValue{
		"k":  &types.AttributeValueMemberS{Value: s.name(key)},
		"v":  &types.AttributeValueMemberB{Value: cloneBytes(value)},
		"ea": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttl).UnixMilli(), 10)},
	}
}

func dynamoItemExpired(item map[string]types.AttributeValue, now time.Time) bool {
	av, ok := item["ea"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	ea, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return false
	}
	return now.UnixMilli() >= ea
}

// ensureDynamoTable creates the table when missing. DynamoDB Local often
// refuses connections for a moment after start, so transport errors are retried.
func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	var lastErr error
	for attempt := 0; attempt < dynamoTableAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, dynamoTableRetryDelay); err != nil {
				return err
			}
		}
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err == nil {
			return nil
		}
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			err = createDynamoTable(ctx, client, table)
			var inUse *types.ResourceInUseException
			if err == nil || errors.As(err, &inUse) {
				return nil
			}
		}
		if !dynamoRetryable(err) {
			return fmt.Errorf("ensure dynamo table %q: %w", table, err)
		}
		lastErr = err
	}
	return fmt.Errorf("ensure dynamo table %q after %d attempts: %w", table, dynamoTableAttempts, lastErr)
}

func createDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("k"), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("k"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	return err
}

func dynamoRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"request send failed", "connection reset", "connection refused", "timeout", "eof"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
