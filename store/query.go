package store

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// maxBatchGetKeys is the BatchGetItem per-request key limit.
const maxBatchGetKeys = 100

const (
	maxUnprocessedRetries = 5
	maxBackoff            = 2 * time.Second
)

// QueryInput selects a key range on the table or one of its indexes.
type QueryInput struct {
	// IndexName is the GSI to query; empty queries the table itself.
	IndexName string

	// PartitionAttr and Partition select the partition (equality).
	PartitionAttr string
	Partition     string

	// SortAttr and SortPrefix restrict the sort key with begins_with.
	// An empty SortPrefix matches the whole partition.
	SortAttr   string
	SortPrefix string

	// Descending reverses the sort key order.
	Descending bool
}

// Query returns the matching items one page at a time. Each range over the
// result issues a fresh scan; pages are fetched lazily and stop as soon as the
// consumer stops. There is no snapshot isolation: concurrent writes may or may
// not be observed.
func (s *Store) Query(ctx context.Context, in QueryInput) iter.Seq2[[]map[string]types.AttributeValue, error] {
	return func(yield func([]map[string]types.AttributeValue, error) bool) {
		paginator := dynamodb.NewQueryPaginator(s.client, s.queryInput(in))
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, fmt.Errorf("query %s: %w", in.Partition, err))
				return
			}
			if len(page.Items) == 0 {
				continue
			}
			if !yield(page.Items, nil) {
				return
			}
		}
	}
}

func (s *Store) queryInput(in QueryInput) *dynamodb.QueryInput {
	keyCond := "#pk = :pk"
	names := map[string]string{"#pk": in.PartitionAttr}
	values := map[string]types.AttributeValue{
		":pk": &types.AttributeValueMemberS{Value: in.Partition},
	}
	if in.SortPrefix != "" {
		keyCond += " AND begins_with(#sk, :sk)"
		names["#sk"] = in.SortAttr
		values[":sk"] = &types.AttributeValueMemberS{Value: in.SortPrefix}
	}

	queryInput := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.TableName),
		KeyConditionExpression:    aws.String(keyCond),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(!in.Descending),
	}
	if in.IndexName != "" {
		queryInput.IndexName = aws.String(in.IndexName)
	}
	if s.config.QueryPageSize > 0 {
		queryInput.Limit = aws.Int32(s.config.QueryPageSize)
	}
	return queryInput
}

// BatchGet fetches the items at keys. Duplicate keys are looked up once, only
// existing items are returned, and results come back in the order DynamoDB
// returned them, not the order of keys.
func (s *Store) BatchGet(ctx context.Context, keys []Key, consistency Consistency) ([]map[string]types.AttributeValue, error) {
	keys = dedupeKeys(keys)

	var items []map[string]types.AttributeValue
	for start := 0; start < len(keys); start += maxBatchGetKeys {
		chunk := keys[start:min(start+maxBatchGetKeys, len(keys))]

		requestKeys := make([]map[string]types.AttributeValue, 0, len(chunk))
		for _, k := range chunk {
			requestKeys = append(requestKeys, k.Attributes())
		}

		got, err := s.batchGetChunk(ctx, requestKeys, consistency)
		if err != nil {
			return nil, err
		}
		items = append(items, got...)
	}

	return items, nil
}

// batchGetChunk runs one BatchGetItem, re-requesting unprocessed keys with
// exponential backoff.
func (s *Store) batchGetChunk(ctx context.Context, requestKeys []map[string]types.AttributeValue, consistency Consistency) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{
			s.config.TableName: {
				Keys:           requestKeys,
				ConsistentRead: consistency.consistentRead(),
			},
		},
	}

	var items []map[string]types.AttributeValue
	backoff := 50 * time.Millisecond

	for attempt := 0; ; attempt++ {
		result, err := s.client.BatchGetItem(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("batch get items: %w", err)
		}
		items = append(items, result.Responses[s.config.TableName]...)

		if len(result.UnprocessedKeys) == 0 {
			return items, nil
		}
		if attempt == maxUnprocessedRetries {
			return nil, fmt.Errorf("batch get items: %d unprocessed keys after %d retries",
				len(result.UnprocessedKeys[s.config.TableName].Keys), maxUnprocessedRetries)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
		input.RequestItems = result.UnprocessedKeys
	}
}

func dedupeKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
