// Package uniqueness maps external values (email addresses, phone numbers) to
// the single owner that has claimed them.
//
// Each claim is one item, partitionKey="<kind>/<value>" and sortKey="-",
// holding the owner id. Creation is conditioned on absence and deletion on the
// stored owner, so at most one owner holds a value at any time and only that
// owner can release it. Values are case-sensitive; callers normalize.
package uniqueness

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
)

// Kinds used by the user profile.
const (
	KindEmail       = "userEmail"
	KindPhoneNumber = "userPhoneNumber"
)

const (
	sortKey       = "-"
	attrOwnerID   = "ownerId"
	schemaVersion = 0
)

var (
	// ErrAlreadyClaimed is returned by Add when any owner holds the value.
	ErrAlreadyClaimed = fmt.Errorf("denorm: value already claimed: %w", store.ErrConflict)

	// ErrNotOwner is returned by Delete when another owner holds the value.
	ErrNotOwner = fmt.Errorf("denorm: value claimed by another owner: %w", store.ErrConflict)

	// ErrEmptyValue is returned for an empty value or owner.
	ErrEmptyValue = errors.New("denorm: empty value")
)

// Claim binds Value to OwnerID.
type Claim struct {
	Value   string
	OwnerID string
}

type record struct {
	PartitionKey  string `dynamodbav:"partitionKey"`
	SortKey       string `dynamodbav:"sortKey"`
	SchemaVersion int    `dynamodbav:"schemaVersion"`
	OwnerID       string `dynamodbav:"ownerId"`
}

// Index holds the claims of one kind.
type Index struct {
	store *store.Store
	kind  string
}

// New returns the index for kind. kind must be non-empty and free of "/".
func New(s *store.Store, kind string) (*Index, error) {
	if kind == "" || strings.Contains(kind, keys.Sep) {
		return nil, fmt.Errorf("invalid uniqueness kind %q", kind)
	}
	return &Index{store: s, kind: kind}, nil
}

// Kind returns the key kind of the index.
func (x *Index) Kind() string {
	return x.kind
}

func (x *Index) key(value string) store.Key {
	return store.Key{PartitionKey: keys.Join(x.kind, value), SortKey: sortKey}
}

// Add claims value for ownerID. It fails with ErrAlreadyClaimed if any owner,
// ownerID included, already holds it.
func (x *Index) Add(ctx context.Context, value, ownerID string) error {
	if value == "" || ownerID == "" {
		return ErrEmptyValue
	}

	key := x.key(value)
	item, err := attributevalue.MarshalMap(record{
		PartitionKey:  key.PartitionKey,
		SortKey:       key.SortKey,
		SchemaVersion: schemaVersion,
		OwnerID:       ownerID,
	})
	if err != nil {
		return fmt.Errorf("marshal %s claim: %w", x.kind, err)
	}

	err = x.store.Put(ctx, item, store.NotExists())
	if errors.Is(err, store.ErrConflict) {
		return ErrAlreadyClaimed
	}
	return err
}

// Delete releases value if ownerID holds it and returns the released claim.
// It returns nil, nil when nobody holds the value and ErrNotOwner when
// someone else does.
func (x *Index) Delete(ctx context.Context, value, ownerID string) (*Claim, error) {
	if value == "" || ownerID == "" {
		return nil, ErrEmptyValue
	}

	old, err := x.store.Delete(ctx, x.key(value), store.Or(
		store.NotExists(),
		store.StringEquals(attrOwnerID, ownerID),
	))
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrNotOwner
	}
	if err != nil || old == nil {
		return nil, err
	}
	return x.decode(old)
}

// Get returns the current claim on value with a strongly consistent read, or
// store.ErrNotFound.
func (x *Index) Get(ctx context.Context, value string) (*Claim, error) {
	if value == "" {
		return nil, ErrEmptyValue
	}

	item, err := x.store.Get(ctx, x.key(value), store.Strong)
	if err != nil {
		return nil, err
	}
	return x.decode(item)
}

// BatchGet returns the claims on values that are held. Duplicate values are
// looked up once and empty values are ignored. Claims come back in the order
// the store returned them, not the order of values.
func (x *Index) BatchGet(ctx context.Context, values []string) ([]Claim, error) {
	lookup := make([]store.Key, 0, len(values))
	for _, v := range values {
		if v != "" {
			lookup = append(lookup, x.key(v))
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}

	items, err := x.store.BatchGet(ctx, lookup, store.Eventual)
	if err != nil {
		return nil, fmt.Errorf("batch get %s claims: %w", x.kind, err)
	}

	claims := make([]Claim, 0, len(items))
	for _, item := range items {
		c, err := x.decode(item)
		if err != nil {
			return nil, err
		}
		claims = append(claims, *c)
	}
	return claims, nil
}

func (x *Index) decode(item map[string]types.AttributeValue) (*Claim, error) {
	var r record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal %s claim: %w", x.kind, err)
	}
	value, ok := keys.Trim(x.kind, r.PartitionKey)
	if !ok {
		return nil, fmt.Errorf("claim key %q is not of kind %s", r.PartitionKey, x.kind)
	}
	return &Claim{Value: value, OwnerID: r.OwnerID}, nil
}
