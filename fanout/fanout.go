// Package fanout enumerates the ids on one side of a one-to-many relationship
// by range-scanning a secondary index.
//
// A Query produces a lazy sequence. Every call to Pages or IDs starts a new
// scan; pages are fetched only as the consumer asks for them, and breaking
// out of the range loop stops paging. There is no snapshot isolation:
// records written or deleted while iterating may or may not be observed.
//
// Consumers that apply an operation to every id (see
// membership.RefreshActivityForAllMembers) do so sequentially. Swapping in a
// batched or asynchronous executor only needs to consume Pages differently.
package fanout

import (
	"context"
	"errors"
	"iter"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
)

// ErrNoExtractor is yielded by a Query without an Extract function.
var ErrNoExtractor = errors.New("denorm: fanout query has no extractor")

// Source runs range queries. *store.Store satisfies it.
type Source interface {
	Query(ctx context.Context, in store.QueryInput) iter.Seq2[[]map[string]types.AttributeValue, error]
}

// Extractor pulls an id out of an index item. Returning false skips the item.
type Extractor func(item map[string]types.AttributeValue) (string, bool)

// Query describes an index range scan and how to turn its items into ids.
type Query struct {
	Source Source

	// Index is the GSI to scan.
	Index         string
	PartitionAttr string
	SortAttr      string

	// Partition is the exact partition value; SortPrefix filters the sort key
	// with begins_with and may be empty.
	Partition  string
	SortPrefix string

	// Descending returns the highest sort keys first.
	Descending bool

	Extract Extractor

	// PageSize regroups ids into chunks of at most PageSize. Zero yields one
	// chunk per store page.
	PageSize int
}

// TrimmedAttr extracts the id from attr by stripping the "<kind>/" prefix.
// Items whose attr carries a different kind are skipped.
func TrimmedAttr(attr, kind string) Extractor {
	return func(item map[string]types.AttributeValue) (string, bool) {
		id, ok := keys.Trim(kind, store.StringAttr(item, attr))
		if !ok || id == "" {
			return "", false
		}
		return id, true
	}
}

// Pages yields ids in chunks. A store error is yielded once and ends the
// sequence.
func (q Query) Pages(ctx context.Context) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		if q.Extract == nil {
			yield(nil, ErrNoExtractor)
			return
		}

		var pending []string

		for items, err := range q.Source.Query(ctx, q.input()) {
			if err != nil {
				yield(nil, err)
				return
			}

			for _, item := range items {
				if id, ok := q.Extract(item); ok {
					pending = append(pending, id)
				}
				if q.PageSize > 0 && len(pending) == q.PageSize {
					if !yield(pending, nil) {
						return
					}
					pending = nil
				}
			}

			if q.PageSize == 0 && len(pending) > 0 {
				if !yield(pending, nil) {
					return
				}
				pending = nil
			}
		}

		if len(pending) > 0 {
			yield(pending, nil)
		}
	}
}

// IDs flattens Pages into single ids.
func (q Query) IDs(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for page, err := range q.Pages(ctx) {
			if err != nil {
				yield("", err)
				return
			}
			for _, id := range page {
				if !yield(id, nil) {
					return
				}
			}
		}
	}
}

func (q Query) input() store.QueryInput {
	return store.QueryInput{
		IndexName:     q.Index,
		PartitionAttr: q.PartitionAttr,
		Partition:     q.Partition,
		SortAttr:      q.SortAttr,
		SortPrefix:    q.SortPrefix,
		Descending:    q.Descending,
	}
}
