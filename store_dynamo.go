package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/layercache/cache/cachecore"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the store.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoStore keeps one item per key: k (string hash key), v (binary value) and ea
// (expiry in unix milliseconds, absent for entries that never expire).
type dynamoStore struct {
	client DynamoAPI
	table  string
	prefix string
	closed atomic.Bool
}

const (
	dynamoEnsureTableMaxAttempts = 20
	dynamoEnsureTableRetryDelay  = 150 * time.Millisecond
)

func newDynamoStore(ctx context.Context, client DynamoAPI, region, endpoint, table, prefix string) (*dynamoStore, error) {
	if table == "" {
		table = defaultDynamoTable
	}
	if client == nil {
		c, err := newDynamoClient(ctx, region, endpoint)
		if err != nil {
			return nil, err
		}
		client = c
	}
	if err := ensureDynamoTable(ctx, client, table); err != nil {
		return nil, err
	}
	return &dynamoStore{
		client: client,
		table:  table,
		prefix: prefix,
	}, nil
}

// newDynamoClient uses the default credential chain, or static local credentials
// when an explicit endpoint such as DynamoDB Local is configured.
func newDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	if region == "" {
		region = defaultDynamoRegion
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint, HostnameImmutable: true}, nil
		})
		awsCfg.EndpointResolverWithOptions = resolver
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *dynamoStore) Kind() Kind { return KindDynamo }

func (s *dynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, cachecore.Unavailable(KindDynamo, "get", ErrClosed)
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return nil, false, cachecore.Unavailable(KindDynamo, "get", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	if dynamoItemExpired(out.Item) {
		_, _ = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       s.itemKey(key),
		})
		return nil, false, nil
	}
	v, ok := out.Item["v"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, cachecore.Unavailable(KindDynamo, "set", ErrClosed)
	}
	item := map[string]types.AttributeValue{
		"k": &types.AttributeValueMemberS{Value: s.cacheKey(key)},
		"v": &types.AttributeValueMemberB{Value: cloneBytes(value)},
	}
	if ttl > 0 {
		exp := time.Now().Add(ttl).UnixMilli()
		item["ea"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(exp, 10)}
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return false, cachecore.Unavailable(KindDynamo, "set", err)
	}
	return true, nil
}

func (s *dynamoStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return cachecore.Unavailable(KindDynamo, "delete", ErrClosed)
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	return cachecore.Unavailable(KindDynamo, "delete", err)
}

func (s *dynamoStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	if s.closed.Load() {
		return nil, cachecore.Unavailable(KindDynamo, "scan", ErrClosed)
	}
	var keys []string
	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			ProjectionExpression:      aws.String("k, ea"),
			FilterExpression:          aws.String("begins_with(k, :p)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":p": &types.AttributeValueMemberS{Value: s.cacheKey(prefix)}},
			ExclusiveStartKey:         lastEvaluatedKey,
		})
		if err != nil {
			return nil, cachecore.Unavailable(KindDynamo, "scan", err)
		}
		for _, item := range out.Items {
			kv, ok := item["k"].(*types.AttributeValueMemberS)
			if !ok || dynamoItemExpired(item) {
				continue
			}
			keys = append(keys, s.logicalKey(kv.Value))
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		lastEvaluatedKey = out.LastEvaluatedKey
	}
}

// Close marks the store closed. The SDK client holds no connections that need
// releasing.
func (s *dynamoStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *dynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: s.cacheKey(key)}}
}

func (s *dynamoStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *dynamoStore) logicalKey(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+":")
}

func dynamoItemExpired(item map[string]types.AttributeValue) bool {
	av, ok := item["ea"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil || exp <= 0 {
		return false
	}
	return time.Now().UnixMilli() > exp
}

// ensureDynamoTable describes the table and creates it when missing. Connection
// failures during emulator startup are retried; anything else is permanent.
func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(dynamoEnsureTableRetryDelay), dynamoEnsureTableMaxAttempts-1),
		ctx,
	)
	err := backoff.Retry(func() error {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err == nil {
			return nil
		}
		var rnfe *types.ResourceNotFoundException
		if !errors.As(err, &rnfe) {
			return retryableOrPermanent(err)
		}

		_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(table),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("k"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("k"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		var inUse *types.ResourceInUseException
		if err == nil || errors.As(err, &inUse) {
			return nil
		}
		return retryableOrPermanent(err)
	}, policy)
	if err != nil {
		return fmt.Errorf("ensure dynamo table %q: %w", table, err)
	}
	return nil
}

func retryableOrPermanent(err error) error {
	if isDynamoStartupRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func isDynamoStartupRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request send failed") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
