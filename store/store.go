package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the subset of the DynamoDB client used by Store. *dynamodb.Client
// satisfies it; tests inject doubles.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store provides conditional single-item and transactional DynamoDB operations.
type Store struct {
	client API
	config Config
}

// New creates a new Store instance.
func New(client API, config Config) *Store {
	config.validate()
	return &Store{
		client: client,
		config: config,
	}
}

// NewFromEnv creates a Store from the default AWS credential chain and the
// DENORM_* environment variables.
func NewFromEnv(ctx context.Context) (*Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(dynamodb.NewFromConfig(awsCfg), cfg), nil
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// Get retrieves an item by key, returning ErrNotFound if it is missing.
func (s *Store) Get(ctx context.Context, key Key, consistency Consistency) (map[string]types.AttributeValue, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName),
		Key:            key.Attributes(),
		ConsistentRead: consistency.consistentRead(),
	})
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", key.PartitionKey, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return result.Item, nil
}

// Put writes item if cond holds, returning ErrConflict otherwise.
func (s *Store) Put(ctx context.Context, item map[string]types.AttributeValue, cond Condition) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.config.TableName),
		Item:                      item,
		ConditionExpression:       cond.expression(),
		ExpressionAttributeNames:  mergeExprNames(cond.Names),
		ExpressionAttributeValues: mergeExprValues(cond.Values),
	})
	return mapConditionError(err, "put item")
}

// Update applies upd to the item at key if cond holds, returning ErrConflict
// otherwise.
func (s *Store) Update(ctx context.Context, key Key, upd Update, cond Condition) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName),
		Key:                       key.Attributes(),
		UpdateExpression:          aws.String(upd.Expression),
		ConditionExpression:       cond.expression(),
		ExpressionAttributeNames:  mergeExprNames(upd.Names, cond.Names),
		ExpressionAttributeValues: mergeExprValues(upd.Values, cond.Values),
	})
	return mapConditionError(err, "update item")
}

// Delete removes the item at key if cond holds and returns the deleted item,
// or nil when there was nothing to delete. A failed cond returns ErrConflict.
func (s *Store) Delete(ctx context.Context, key Key, cond Condition) (map[string]types.AttributeValue, error) {
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.config.TableName),
		Key:                       key.Attributes(),
		ConditionExpression:       cond.expression(),
		ExpressionAttributeNames:  mergeExprNames(cond.Names),
		ExpressionAttributeValues: mergeExprValues(cond.Values),
		ReturnValues:              types.ReturnValueAllOld,
	})
	if err := mapConditionError(err, "delete item"); err != nil {
		return nil, err
	}
	if len(result.Attributes) == 0 {
		return nil, nil
	}
	return result.Attributes, nil
}

// PutFragment builds a conditional put for use in TransactWrite.
func (s *Store) PutFragment(item map[string]types.AttributeValue, cond Condition) types.TransactWriteItem {
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                 aws.String(s.config.TableName),
			Item:                      item,
			ConditionExpression:       cond.expression(),
			ExpressionAttributeNames:  mergeExprNames(cond.Names),
			ExpressionAttributeValues: mergeExprValues(cond.Values),
		},
	}
}

// DeleteFragment builds a conditional delete for use in TransactWrite.
func (s *Store) DeleteFragment(key Key, cond Condition) types.TransactWriteItem {
	return types.TransactWriteItem{
		Delete: &types.Delete{
			TableName:                 aws.String(s.config.TableName),
			Key:                       key.Attributes(),
			ConditionExpression:       cond.expression(),
			ExpressionAttributeNames:  mergeExprNames(cond.Names),
			ExpressionAttributeValues: mergeExprValues(cond.Values),
		},
	}
}

// TransactWrite executes items atomically. If any item's condition fails the
// whole transaction is rejected and a *ConditionError naming the first failed
// item is returned.
func (s *Store) TransactWrite(ctx context.Context, items []types.TransactWriteItem) error {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return mapTransactionError(err)
}

// mapConditionError maps a failed single-item condition to ErrConflict and
// wraps everything else as an infrastructure failure.
func mapConditionError(err error, op string) error {
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

// mapTransactionError maps DynamoDB transaction cancellation to a ConditionError.
func mapTransactionError(err error) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return &ConditionError{Index: i}
			}
		}
	}

	return fmt.Errorf("transact write: %w", err)
}
