package fanout_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/denorm/fanout"
	"github.com/jacentio/denorm/internal/ddbtest"
	"github.com/jacentio/denorm/store"
)

// --- Helpers ---

func newStore(t *testing.T, pageSize int32) (*store.Store, *ddbtest.Table) {
	t.Helper()
	table := ddbtest.New(store.AttrPartitionKey, store.AttrSortKey,
		ddbtest.Index{Name: "GSI-K1", PartitionAttr: store.AttrGSIK1PartitionKey, SortAttr: store.AttrGSIK1SortKey},
	)
	cfg := store.DefaultConfig()
	cfg.QueryPageSize = pageSize
	return store.New(table, cfg), table
}

func seedMember(table *ddbtest.Table, chatID, memberID string, joined int) {
	table.Seed(map[string]types.AttributeValue{
		store.AttrPartitionKey:      &types.AttributeValueMemberS{Value: "chat/" + chatID},
		store.AttrSortKey:           &types.AttributeValueMemberS{Value: "member/" + memberID},
		store.AttrGSIK1PartitionKey: &types.AttributeValueMemberS{Value: "chat/" + chatID},
		store.AttrGSIK1SortKey:      &types.AttributeValueMemberS{Value: fmt.Sprintf("member/2024-01-01T00:00:%02d.000000Z", joined)},
	})
}

func membersOf(s fanout.Source, chatID string) fanout.Query {
	return fanout.Query{
		Source:        s,
		Index:         "GSI-K1",
		PartitionAttr: store.AttrGSIK1PartitionKey,
		SortAttr:      store.AttrGSIK1SortKey,
		Partition:     "chat/" + chatID,
		SortPrefix:    "member/",
		Extract:       fanout.TrimmedAttr(store.AttrSortKey, "member"),
	}
}

type failingSource struct{ err error }

func (f failingSource) Query(context.Context, store.QueryInput) iter.Seq2[[]map[string]types.AttributeValue, error] {
	return func(yield func([]map[string]types.AttributeValue, error) bool) {
		yield(nil, f.err)
	}
}

// --- IDs Tests ---

func TestIDs_JoinOrder(t *testing.T) {
	s, table := newStore(t, 2)
	seedMember(table, "c1", "carol", 3)
	seedMember(table, "c1", "alice", 1)
	seedMember(table, "c1", "bob", 2)
	seedMember(table, "c2", "dave", 0)

	var got []string
	for id, err := range membersOf(s, "c1").IDs(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, id)
	}

	expected := []string{"alice", "bob", "carol"}
	if !slices.Equal(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}

func TestIDs_Empty(t *testing.T) {
	s, _ := newStore(t, 0)

	for id, err := range membersOf(s, "nobody").IDs(context.Background()) {
		t.Errorf("expected no ids, got %q (err %v)", id, err)
	}
}

func TestIDs_Restartable(t *testing.T) {
	s, table := newStore(t, 0)
	seedMember(table, "c1", "alice", 1)
	q := membersOf(s, "c1")

	count := func() int {
		n := 0
		for _, err := range q.IDs(context.Background()) {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			n++
		}
		return n
	}

	if n := count(); n != 1 {
		t.Fatalf("expected 1 id, got %d", n)
	}
	seedMember(table, "c1", "bob", 2)
	if n := count(); n != 2 {
		t.Errorf("expected a new scan to see 2 ids, got %d", n)
	}
}

func TestIDs_EarlyStop(t *testing.T) {
	s, table := newStore(t, 1)
	for i := range 5 {
		seedMember(table, "c1", fmt.Sprintf("m%d", i), i)
	}

	for range membersOf(s, "c1").IDs(context.Background()) {
		break
	}

	if queries := len(table.Inputs()); queries != 1 {
		t.Errorf("expected a single page request, got %d", queries)
	}
}

func TestIDs_PropagatesError(t *testing.T) {
	boom := errors.New("throttled")
	q := membersOf(failingSource{err: boom}, "c1")

	n := 0
	for _, err := range q.IDs(context.Background()) {
		n++
		if !errors.Is(err, boom) {
			t.Errorf("expected %v, got %v", boom, err)
		}
	}
	if n != 1 {
		t.Errorf("expected exactly one error, got %d yields", n)
	}
}

func TestIDs_NoExtractor(t *testing.T) {
	s, table := newStore(t, 0)
	seedMember(table, "c1", "alice", 1)

	q := membersOf(s, "c1")
	q.Extract = nil

	var errs []error
	for id, err := range q.IDs(context.Background()) {
		if err == nil {
			t.Fatalf("expected no ids, got %q", id)
		}
		errs = append(errs, err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], fanout.ErrNoExtractor) {
		t.Errorf("expected ErrNoExtractor once, got %v", errs)
	}
	if n := len(table.Inputs()); n != 0 {
		t.Errorf("expected no queries, got %d", n)
	}
}

// --- Pages Tests ---

func TestPages_OnePerStorePage(t *testing.T) {
	s, table := newStore(t, 2)
	for i := range 5 {
		seedMember(table, "c1", fmt.Sprintf("m%d", i), i)
	}

	var sizes []int
	for page, err := range membersOf(s, "c1").Pages(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sizes = append(sizes, len(page))
	}

	if !slices.Equal(sizes, []int{2, 2, 1}) {
		t.Errorf("expected pages [2 2 1], got %v", sizes)
	}
}

func TestPages_Regrouped(t *testing.T) {
	s, table := newStore(t, 2)
	for i := range 7 {
		seedMember(table, "c1", fmt.Sprintf("m%d", i), i)
	}
	q := membersOf(s, "c1")
	q.PageSize = 3

	var sizes []int
	for page, err := range q.Pages(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		sizes = append(sizes, len(page))
	}

	if !slices.Equal(sizes, []int{3, 3, 1}) {
		t.Errorf("expected pages [3 3 1], got %v", sizes)
	}
}

func TestPages_Descending(t *testing.T) {
	s, table := newStore(t, 0)
	seedMember(table, "c1", "alice", 1)
	seedMember(table, "c1", "bob", 2)
	q := membersOf(s, "c1")
	q.Descending = true

	var got []string
	for page, err := range q.Pages(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, page...)
	}

	if !slices.Equal(got, []string{"bob", "alice"}) {
		t.Errorf("expected most recent first, got %v", got)
	}
}

// --- TrimmedAttr Tests ---

func TestTrimmedAttr(t *testing.T) {
	extract := fanout.TrimmedAttr(store.AttrSortKey, "member")

	tests := []struct {
		name  string
		value string
		id    string
		ok    bool
	}{
		{"member", "member/u1", "u1", true},
		{"other kind", "profile", "", false},
		{"empty id", "member/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := extract(map[string]types.AttributeValue{
				store.AttrSortKey: &types.AttributeValueMemberS{Value: tt.value},
			})
			if id != tt.id || ok != tt.ok {
				t.Errorf("expected (%q, %v), got (%q, %v)", tt.id, tt.ok, id, ok)
			}
		})
	}
}
