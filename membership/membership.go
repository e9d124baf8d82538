// Package membership records "parent P has member M" as a single item with two
// secondary-index projections:
//
//   - GSI-K1 (gsiK1PartitionKey="<parentKind>/<parentId>",
//     gsiK1SortKey="member/<joinedAt>") lists the members of a parent in join
//     order. It never changes after the join.
//   - GSI-K2 (gsiK2PartitionKey="member/<memberId>",
//     gsiK2SortKey="<parentKind>/<lastActivityAt>") lists the parents of a
//     member by recency. It starts at the join time and is moved forward by
//     RefreshActivity.
//
// Joins and leaves are conditional writes that can be composed with unrelated
// writes in one transaction.
package membership

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/denorm/fanout"
	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
)

const (
	memberKind    = "member"
	schemaVersion = 0
)

var (
	// ErrAlreadyMember is returned when joining a pair that is already joined.
	ErrAlreadyMember = fmt.Errorf("denorm: already a member: %w", store.ErrConflict)

	// ErrNotMember is returned when leaving or refreshing a pair that is not
	// joined.
	ErrNotMember = fmt.Errorf("denorm: not a member: %w", store.ErrConflict)
)

// Member is a decoded membership record.
type Member struct {
	ParentID       string
	MemberID       string
	JoinedAt       time.Time
	LastActivityAt time.Time
}

type record struct {
	PartitionKey      string `dynamodbav:"partitionKey"`
	SortKey           string `dynamodbav:"sortKey"`
	SchemaVersion     int    `dynamodbav:"schemaVersion"`
	CreatedAt         string `dynamodbav:"createdAt"`
	GSIK1PartitionKey string `dynamodbav:"gsiK1PartitionKey"`
	GSIK1SortKey      string `dynamodbav:"gsiK1SortKey"`
	GSIK2PartitionKey string `dynamodbav:"gsiK2PartitionKey"`
	GSIK2SortKey      string `dynamodbav:"gsiK2SortKey"`
}

// Manager reads and writes membership records.
type Manager struct {
	store      *store.Store
	parentKind string
	logger     *slog.Logger
}

// New creates a Manager over s.
func New(s *store.Store, opts ...Option) (*Manager, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid membership options: %w", err)
	}

	return &Manager{
		store:      s,
		parentKind: o.parentKind,
		logger:     o.logger,
	}, nil
}

func (m *Manager) key(parentID, memberID string) store.Key {
	return store.Key{
		PartitionKey: keys.Join(m.parentKind, parentID),
		SortKey:      keys.Join(memberKind, memberID),
	}
}

// BuildJoin returns a put that creates the record and fails if the pair is
// already joined. Both projections are stamped with now.
func (m *Manager) BuildJoin(parentID, memberID string, now time.Time) (types.TransactWriteItem, error) {
	key := m.key(parentID, memberID)
	item, err := attributevalue.MarshalMap(record{
		PartitionKey:      key.PartitionKey,
		SortKey:           key.SortKey,
		SchemaVersion:     schemaVersion,
		CreatedAt:         keys.Timestamp(now),
		GSIK1PartitionKey: key.PartitionKey,
		GSIK1SortKey:      keys.At(memberKind, now),
		GSIK2PartitionKey: key.SortKey,
		GSIK2SortKey:      keys.At(m.parentKind, now),
	})
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal member record: %w", err)
	}
	return m.store.PutFragment(item, store.NotExists()), nil
}

// BuildLeave returns a delete that fails if the pair is not joined.
func (m *Manager) BuildLeave(parentID, memberID string) types.TransactWriteItem {
	return m.store.DeleteFragment(m.key(parentID, memberID), store.Exists())
}

// Join adds memberID to parentID, atomically with any extra writes. A failed
// membership condition returns ErrAlreadyMember; a failed extra write returns
// a *store.ConditionError whose Index counts extra from 1.
func (m *Manager) Join(ctx context.Context, parentID, memberID string, now time.Time, extra ...types.TransactWriteItem) error {
	join, err := m.BuildJoin(parentID, memberID, now)
	if err != nil {
		return err
	}
	return membershipError(m.store.TransactWrite(ctx, append([]types.TransactWriteItem{join}, extra...)), ErrAlreadyMember)
}

// Leave removes memberID from parentID, atomically with any extra writes. A
// failed membership condition returns ErrNotMember.
func (m *Manager) Leave(ctx context.Context, parentID, memberID string, extra ...types.TransactWriteItem) error {
	leave := m.BuildLeave(parentID, memberID)
	return membershipError(m.store.TransactWrite(ctx, append([]types.TransactWriteItem{leave}, extra...)), ErrNotMember)
}

// membershipError maps a failure of the first transaction item to sentinel.
func membershipError(err, sentinel error) error {
	var condErr *store.ConditionError
	if errors.As(err, &condErr) && condErr.Index == 0 {
		return sentinel
	}
	return err
}

// Get reads a membership record. A missing pair returns store.ErrNotFound.
// Use store.Strong to observe a Join or Leave made just before.
func (m *Manager) Get(ctx context.Context, parentID, memberID string, consistency store.Consistency) (*Member, error) {
	item, err := m.store.Get(ctx, m.key(parentID, memberID), consistency)
	if err != nil {
		return nil, err
	}

	var r record
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal member record: %w", err)
	}
	return m.decode(r)
}

func (m *Manager) decode(r record) (*Member, error) {
	parentID, _ := keys.Trim(m.parentKind, r.PartitionKey)
	memberID, _ := keys.Trim(memberKind, r.SortKey)

	joinedAt, err := keys.ParseTimestamp(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse createdAt of %s: %w", r.SortKey, err)
	}
	activity, _ := keys.Trim(m.parentKind, r.GSIK2SortKey)
	lastActivityAt, err := keys.ParseTimestamp(activity)
	if err != nil {
		return nil, fmt.Errorf("parse activity of %s: %w", r.SortKey, err)
	}

	return &Member{
		ParentID:       parentID,
		MemberID:       memberID,
		JoinedAt:       joinedAt,
		LastActivityAt: lastActivityAt,
	}, nil
}

// RefreshActivity moves the member's recency projection to now. Join order is
// untouched. A missing pair returns ErrNotMember and writes nothing.
func (m *Manager) RefreshActivity(ctx context.Context, parentID, memberID string, now time.Time) error {
	err := m.store.Update(ctx,
		m.key(parentID, memberID),
		store.SetString(store.AttrGSIK2SortKey, keys.At(m.parentKind, now)),
		store.Exists(),
	)
	if errors.Is(err, store.ErrConflict) {
		return ErrNotMember
	}
	return err
}

// RefreshActivityForAllMembers calls RefreshActivity for every member of
// parentID, one at a time. Members that leave during the scan are skipped.
// The first infrastructure error stops the scan; records already refreshed
// stay refreshed.
//
// This costs one write per member. Large parents should move it to an
// asynchronous job consuming MembersQuery(parentID).Pages.
func (m *Manager) RefreshActivityForAllMembers(ctx context.Context, parentID string, now time.Time) error {
	refreshed := 0
	for memberID, err := range m.MemberIDs(ctx, parentID) {
		if err != nil {
			return fmt.Errorf("list members of %s: %w", parentID, err)
		}

		err = m.RefreshActivity(ctx, parentID, memberID, now)
		if errors.Is(err, ErrNotMember) {
			m.logger.DebugContext(ctx, "member left during refresh",
				"parentId", parentID,
				"memberId", memberID,
			)
			continue
		}
		if err != nil {
			return fmt.Errorf("refresh %s in %s: %w", memberID, parentID, err)
		}
		refreshed++
	}

	m.logger.DebugContext(ctx, "refreshed member activity",
		"parentId", parentID,
		"count", refreshed,
	)
	return nil
}

// MembersQuery enumerates the members of parentID in join order.
func (m *Manager) MembersQuery(parentID string) fanout.Query {
	cfg := m.store.Config()
	return fanout.Query{
		Source:        m.store,
		Index:         cfg.MembersIndex,
		PartitionAttr: store.AttrGSIK1PartitionKey,
		SortAttr:      store.AttrGSIK1SortKey,
		Partition:     keys.Join(m.parentKind, parentID),
		SortPrefix:    keys.Prefix(memberKind),
		Extract:       fanout.TrimmedAttr(store.AttrSortKey, memberKind),
	}
}

// ParentsQuery enumerates the parents of memberID, most recent activity first.
// The order comes from the index and may lag recent refreshes.
func (m *Manager) ParentsQuery(memberID string) fanout.Query {
	cfg := m.store.Config()
	return fanout.Query{
		Source:        m.store,
		Index:         cfg.ParentsIndex,
		PartitionAttr: store.AttrGSIK2PartitionKey,
		SortAttr:      store.AttrGSIK2SortKey,
		Partition:     keys.Join(memberKind, memberID),
		SortPrefix:    keys.Prefix(m.parentKind),
		Descending:    true,
		Extract:       fanout.TrimmedAttr(store.AttrPartitionKey, m.parentKind),
	}
}

// MemberIDs yields the member ids of parentID.
func (m *Manager) MemberIDs(ctx context.Context, parentID string) iter.Seq2[string, error] {
	return m.MembersQuery(parentID).IDs(ctx)
}

// ParentIDs yields the parent ids of memberID.
func (m *Manager) ParentIDs(ctx context.Context, memberID string) iter.Seq2[string, error] {
	return m.ParentsQuery(memberID).IDs(ctx)
}
