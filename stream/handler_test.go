package stream_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/denorm/counter"
	"github.com/jacentio/denorm/internal/ddbtest"
	"github.com/jacentio/denorm/store"
	"github.com/jacentio/denorm/stream"
	"github.com/jacentio/denorm/uniqueness"
)

// --- Helpers ---

// recordingEngine records handled events and fails the calls listed in errs.
type recordingEngine struct {
	events []counter.Event
	errs   map[int]error
}

func (r *recordingEngine) Handle(_ context.Context, ev counter.Event) error {
	r.events = append(r.events, ev)
	return r.errs[len(r.events)]
}

func (r *recordingEngine) kinds() []counter.EventKind {
	out := make([]counter.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func str(kv ...string) map[string]events.DynamoDBAttributeValue {
	m := make(map[string]events.DynamoDBAttributeValue, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = events.NewStringAttribute(kv[i+1])
	}
	return m
}

func record(seq, eventName, pk, sk string, oldImage, newImage map[string]events.DynamoDBAttributeValue) events.DynamoDBEventRecord {
	return events.DynamoDBEventRecord{
		EventID:   "event-" + seq,
		EventName: eventName,
		Change: events.DynamoDBStreamRecord{
			Keys:           str("partitionKey", pk, "sortKey", sk),
			OldImage:       oldImage,
			NewImage:       newImage,
			SequenceNumber: seq,
		},
	}
}

func newLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewTextHandler(buf, nil)), buf
}

// --- NewHandler Tests ---

func TestNewHandler(t *testing.T) {
	// Nil logger falls back to the default logger
	h := stream.NewHandler(&recordingEngine{}, nil)
	if h == nil {
		t.Fatal("expected non-nil Handler")
	}
}

// --- ConvertImage Tests ---

func TestConvertImage_Scalars(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"s":    events.NewStringAttribute("text"),
		"n":    events.NewNumberAttribute("42"),
		"b":    events.NewBinaryAttribute([]byte("raw")),
		"bool": events.NewBooleanAttribute(true),
		"null": events.NewNullAttribute(),
	}

	got := stream.ConvertImage(image)

	if v, ok := got["s"].(*types.AttributeValueMemberS); !ok || v.Value != "text" {
		t.Errorf("expected s to be 'text', got %#v", got["s"])
	}
	if v, ok := got["n"].(*types.AttributeValueMemberN); !ok || v.Value != "42" {
		t.Errorf("expected n to be 42, got %#v", got["n"])
	}
	if v, ok := got["b"].(*types.AttributeValueMemberB); !ok || string(v.Value) != "raw" {
		t.Errorf("expected b to be 'raw', got %#v", got["b"])
	}
	if v, ok := got["bool"].(*types.AttributeValueMemberBOOL); !ok || !v.Value {
		t.Errorf("expected bool to be true, got %#v", got["bool"])
	}
	if v, ok := got["null"].(*types.AttributeValueMemberNULL); !ok || !v.Value {
		t.Errorf("expected null, got %#v", got["null"])
	}
}

func TestConvertImage_Sets(t *testing.T) {
	image := map[string]events.DynamoDBAttributeValue{
		"ss": events.NewStringSetAttribute([]string{"a", "b"}),
		"ns": events.NewNumberSetAttribute([]string{"1", "2"}),
		"bs": events.NewBinarySetAttribute([][]byte{[]byte("x")}),
	}

	got := stream.ConvertImage(image)

	if v, ok := got["ss"].(*types.AttributeValueMemberSS); !ok || !slices.Equal(v.Value, []string{"a", "b"}) {
		t.Errorf("unexpected ss %#v", got["ss"])
	}
	if v, ok := got["ns"].(*types.AttributeValueMemberNS); !ok || !slices.Equal(v.Value, []string{"1", "2"}) {
		t.Errorf("unexpected ns %#v", got["ns"])
	}
	if v, ok := got["bs"].(*types.AttributeValueMemberBS); !ok || len(v.Value) != 1 || string(v.Value[0]) != "x" {
		t.Errorf("unexpected bs %#v", got["bs"])
	}
}

func TestConvertImage_Nil(t *testing.T) {
	if got := stream.ConvertImage(nil); got != nil {
		t.Errorf("expected nil for nil image, got %v", got)
	}
}

func TestConvertImage_Empty(t *testing.T) {
	got := stream.ConvertImage(map[string]events.DynamoDBAttributeValue{})
	if got == nil {
		t.Fatal("expected non-nil map for empty input")
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %d keys", len(got))
	}
}

// --- Events Tests ---

func TestEvents_Routes(t *testing.T) {
	tests := []struct {
		name      string
		eventName string
		pk, sk    string
		subject   string
		kinds     []counter.EventKind
	}{
		{"comment insert", "INSERT", "comment/C1", "-", "C1", []counter.EventKind{counter.CommentAdded}},
		{"comment remove", "REMOVE", "comment/C1", "-", "C1", []counter.EventKind{counter.CommentDeleted}},
		{"card insert", "INSERT", "card/K1", "-", "K1", []counter.EventKind{counter.CardAdded}},
		{"card remove", "REMOVE", "card/K1", "-", "K1", []counter.EventKind{counter.CardDeleted}},
		{"album insert", "INSERT", "album/A1", "-", "A1", []counter.EventKind{counter.AlbumAdded}},
		{"album remove", "REMOVE", "album/A1", "-", "A1", []counter.EventKind{counter.AlbumDeleted}},
		{"member insert", "INSERT", "chat/G1", "member/U1", "G1", []counter.EventKind{counter.ChatMemberAdded}},
		{"member remove", "REMOVE", "chat/G1", "member/U1", "G1", []counter.EventKind{counter.ChatMemberDeleted}},
		{"post insert", "INSERT", "post/P1", "-", "P1", []counter.EventKind{counter.PostStatusChanged}},
		{"post modify", "MODIFY", "post/P1", "-", "P1", []counter.EventKind{counter.PostStatusChanged}},
		{"post remove", "REMOVE", "post/P1", "-", "P1", []counter.EventKind{counter.PostStatusChanged}},
		{"profile modify", "MODIFY", "user/U1", "profile", "U1",
			[]counter.EventKind{counter.EmailChanged, counter.PhoneNumberChanged}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := stream.Events(record("1", tt.eventName, tt.pk, tt.sk, nil, nil))
			if len(got) != len(tt.kinds) {
				t.Fatalf("expected %d events, got %d", len(tt.kinds), len(got))
			}
			for i, ev := range got {
				if ev.Kind != tt.kinds[i] {
					t.Errorf("event %d: expected %s, got %s", i, tt.kinds[i], ev.Kind)
				}
				if ev.SubjectID != tt.subject {
					t.Errorf("event %d: expected subject %q, got %q", i, tt.subject, ev.SubjectID)
				}
			}
		})
	}
}

func TestEvents_Unrouted(t *testing.T) {
	tests := []struct {
		name      string
		eventName string
		pk, sk    string
	}{
		{"comment modify", "MODIFY", "comment/C1", "-"},
		{"member modify", "MODIFY", "chat/G1", "member/U1"},
		{"uniqueness record", "INSERT", "userEmail/a@x.com", "-"},
		{"counter on other sort key", "MODIFY", "user/U1", "settings"},
		{"unknown kind", "INSERT", "message/M1", "-"},
		{"missing keys", "INSERT", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stream.Events(record("1", tt.eventName, tt.pk, tt.sk, nil, nil)); len(got) != 0 {
				t.Errorf("expected no events, got %d", len(got))
			}
		})
	}
}

func TestEvents_CarriesImages(t *testing.T) {
	rec := record("1", "MODIFY", "post/P1", "-",
		str("postStatus", "COMPLETED", "postedByUserId", "U1"),
		str("postStatus", "ARCHIVED", "postedByUserId", "U1"),
	)

	got := stream.Events(rec)
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if s := store.StringAttr(got[0].Old, "postStatus"); s != "COMPLETED" {
		t.Errorf("expected old status COMPLETED, got %q", s)
	}
	if s := store.StringAttr(got[0].New, "postStatus"); s != "ARCHIVED" {
		t.Errorf("expected new status ARCHIVED, got %q", s)
	}
}

// --- HandleEvent Tests ---

func TestHandleEvent_Success(t *testing.T) {
	engine := &recordingEngine{}
	h := stream.NewHandler(engine, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", "comment/C1", "-", nil, str("userId", "U1")),
		record("2", "MODIFY", "comment/C1", "-", nil, nil),
		record("3", "REMOVE", "comment/C1", "-", str("userId", "U1"), nil),
	}}

	resp, err := h.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %v", resp.BatchItemFailures)
	}
	want := []counter.EventKind{counter.CommentAdded, counter.CommentDeleted}
	if !slices.Equal(engine.kinds(), want) {
		t.Errorf("expected %v, got %v", want, engine.kinds())
	}
}

func TestHandleEvent_EmptyBatch(t *testing.T) {
	h := stream.NewHandler(&recordingEngine{}, nil)

	resp, err := h.HandleEvent(context.Background(), events.DynamoDBEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Errorf("expected no failures, got %v", resp.BatchItemFailures)
	}
}

func TestHandleEvent_StopsAtRetryableFailure(t *testing.T) {
	engine := &recordingEngine{errs: map[int]error{2: errors.New("throttled")}}
	logger, logs := newLogger()
	h := stream.NewHandler(engine, logger)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", "card/K1", "-", nil, str("userId", "U1")),
		record("2", "INSERT", "card/K2", "-", nil, str("userId", "U1")),
		record("3", "INSERT", "card/K3", "-", nil, str("userId", "U1")),
	}}

	resp, err := h.HandleEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "2" {
		t.Fatalf("expected failure for sequence 2, got %v", resp.BatchItemFailures)
	}
	if len(engine.events) != 2 {
		t.Errorf("expected processing to stop after the failure, got %d events", len(engine.events))
	}
	if !strings.Contains(logs.String(), "level=ERROR") {
		t.Error("expected the failure to be logged")
	}
}

func TestHandleEvent_SkipsPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"conflict", fmt.Errorf("claim: %w", store.ErrConflict)},
		{"missing owner", counter.ErrMissingOwner},
		{"no image", counter.ErrNoImage},
		{"unknown event", counter.ErrUnknownEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &recordingEngine{errs: map[int]error{1: tt.err}}
			logger, logs := newLogger()
			h := stream.NewHandler(engine, logger)

			event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
				record("1", "INSERT", "album/A1", "-", nil, str("ownedByUserId", "U1")),
				record("2", "INSERT", "album/A2", "-", nil, str("ownedByUserId", "U1")),
			}}

			resp, err := h.HandleEvent(context.Background(), event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(resp.BatchItemFailures) != 0 {
				t.Errorf("expected no failures, got %v", resp.BatchItemFailures)
			}
			if len(engine.events) != 2 {
				t.Errorf("expected both records processed, got %d events", len(engine.events))
			}
			if !strings.Contains(logs.String(), "skipping event") {
				t.Error("expected the skipped event to be logged")
			}
		})
	}
}

func TestHandleEvent_ProfileContinuesAfterSkippedEvent(t *testing.T) {
	// A claim conflict on the email must not block the phone number
	engine := &recordingEngine{errs: map[int]error{1: store.ErrConflict}}
	h := stream.NewHandler(engine, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "MODIFY", "user/U1", "profile",
			str("email", "a@x.com", "phoneNumber", "+1"),
			str("email", "b@x.com", "phoneNumber", "+2"),
		),
	}}

	if _, err := h.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []counter.EventKind{counter.EmailChanged, counter.PhoneNumberChanged}
	if !slices.Equal(engine.kinds(), want) {
		t.Errorf("expected %v, got %v", want, engine.kinds())
	}
}

// --- Engine Integration ---

func TestHandleEvent_Engine(t *testing.T) {
	ctx := context.Background()
	s := store.New(ddbtest.New(store.AttrPartitionKey, store.AttrSortKey), store.DefaultConfig())

	emails, err := uniqueness.New(s, uniqueness.KindEmail)
	if err != nil {
		t.Fatalf("failed to create email index: %v", err)
	}
	phones, err := uniqueness.New(s, uniqueness.KindPhoneNumber)
	if err != nil {
		t.Fatalf("failed to create phone index: %v", err)
	}
	engine, err := counter.NewEngine(s, emails, phones)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	h := stream.NewHandler(engine, nil)

	event := events.DynamoDBEvent{Records: []events.DynamoDBEventRecord{
		record("1", "INSERT", "user/U1", "profile", nil, str("email", "a@x.com")),
		record("2", "INSERT", "comment/C1", "-", nil, str("userId", "U1")),
		record("3", "INSERT", "comment/C2", "-", nil, str("userId", "U1")),
		record("4", "REMOVE", "comment/C1", "-", str("userId", "U1"), nil),
		record("5", "INSERT", "chat/G1", "member/U1", nil, str("sortKey", "member/U1")),
	}}

	resp, err := h.HandleEvent(ctx, event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.BatchItemFailures) != 0 {
		t.Fatalf("expected no failures, got %v", resp.BatchItemFailures)
	}

	counts := map[string]int64{
		counter.CommentCount:        1,
		counter.CommentDeletedCount: 1,
		counter.ChatCount:           1,
	}
	for name, want := range counts {
		got, err := engine.Counters().Get(ctx, "U1", name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if got != want {
			t.Errorf("expected %s=%d, got %d", name, want, got)
		}
	}

	claim, err := emails.Get(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("expected email claimed: %v", err)
	}
	if claim.OwnerID != "U1" {
		t.Errorf("expected owner U1, got %q", claim.OwnerID)
	}
}
