package counter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel/codes"

	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
	"github.com/jacentio/denorm/uniqueness"
)

// EventKind identifies a lifecycle event the engine reacts to.
type EventKind int

const (
	CommentAdded EventKind = iota + 1
	CommentDeleted
	CardAdded
	CardDeleted
	ChatMemberAdded
	ChatMemberDeleted
	AlbumAdded
	AlbumDeleted
	PostStatusChanged
	EmailChanged
	PhoneNumberChanged
)

var eventKindNames = map[EventKind]string{
	CommentAdded:       "CommentAdded",
	CommentDeleted:     "CommentDeleted",
	CardAdded:          "CardAdded",
	CardDeleted:        "CardDeleted",
	ChatMemberAdded:    "ChatMemberAdded",
	ChatMemberDeleted:  "ChatMemberDeleted",
	AlbumAdded:         "AlbumAdded",
	AlbumDeleted:       "AlbumDeleted",
	PostStatusChanged:  "PostStatusChanged",
	EmailChanged:       "EmailChanged",
	PhoneNumberChanged: "PhoneNumberChanged",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Counter names.
const (
	CommentCount        = "commentCount"
	CommentDeletedCount = "commentDeletedCount"
	CardCount           = "cardCount"
	ChatCount           = "chatCount"
	AlbumCount          = "albumCount"
)

// Attributes read from event images.
const (
	AttrUserID         = "userId"
	AttrOwnedByUserID  = "ownedByUserId"
	AttrPostedByUserID = "postedByUserId"
	AttrPostStatus     = "postStatus"
	AttrEmail          = "email"
	AttrPhoneNumber    = "phoneNumber"
)

var (
	// ErrUnknownEvent is returned for an EventKind without a handler.
	ErrUnknownEvent = errors.New("denorm: unknown event kind")

	// ErrMissingOwner is returned when the event image does not name an owner.
	ErrMissingOwner = errors.New("denorm: event image has no owner")

	// ErrNoImage is returned for an event carrying neither image.
	ErrNoImage = errors.New("denorm: event has neither old nor new image")
)

// Event is one change to a sub-entity. Old is nil on creation and New is nil
// on deletion; an update carries both.
type Event struct {
	Kind      EventKind
	SubjectID string
	Old       map[string]types.AttributeValue
	New       map[string]types.AttributeValue
}

// Claimer claims and releases unique values. *uniqueness.Index satisfies it.
type Claimer interface {
	Add(ctx context.Context, value, ownerID string) error
	Delete(ctx context.Context, value, ownerID string) (*uniqueness.Claim, error)
	Get(ctx context.Context, value string) (*uniqueness.Claim, error)
}

type handler func(ctx context.Context, ev Event) error

// ownerFunc extracts the owner id from an event image.
type ownerFunc func(image map[string]types.AttributeValue) string

func ownerAttr(attr string) ownerFunc {
	return func(image map[string]types.AttributeValue) string {
		return store.StringAttr(image, attr)
	}
}

// memberOwner reads the owner from a membership sort key "member/<id>".
func memberOwner(image map[string]types.AttributeValue) string {
	id, _ := keys.Trim("member", store.StringAttr(image, store.AttrSortKey))
	return id
}

// Engine applies counter adjustments for lifecycle events.
type Engine struct {
	counters *Counters
	statuses StatusTable
	logger   *slog.Logger
	handlers map[EventKind]handler
}

// NewEngine creates an Engine. emails and phones back EmailChanged and
// PhoneNumberChanged.
func NewEngine(s *store.Store, emails, phones Claimer, opts ...Option) (*Engine, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid counter options: %w", err)
	}

	e := &Engine{
		counters: newCounters(s, o),
		statuses: o.statuses,
		logger:   o.logger,
	}
	e.handlers = map[EventKind]handler{
		CommentAdded:       e.increment(CommentCount, ownerAttr(AttrUserID)),
		CommentDeleted:     e.commentDeleted,
		CardAdded:          e.increment(CardCount, ownerAttr(AttrUserID)),
		CardDeleted:        e.decrement(CardCount, ownerAttr(AttrUserID)),
		ChatMemberAdded:    e.increment(ChatCount, memberOwner),
		ChatMemberDeleted:  e.decrement(ChatCount, memberOwner),
		AlbumAdded:         e.increment(AlbumCount, ownerAttr(AttrOwnedByUserID)),
		AlbumDeleted:       e.decrement(AlbumCount, ownerAttr(AttrOwnedByUserID)),
		PostStatusChanged:  e.postStatusChanged,
		EmailChanged:       e.attributeChanged(AttrEmail, emails),
		PhoneNumberChanged: e.attributeChanged(AttrPhoneNumber, phones),
	}
	return e, nil
}

// Counters returns the counters the engine adjusts.
func (e *Engine) Counters() *Counters {
	return e.counters
}

// Handle applies the adjustment for ev. A decrement rejected by its guard is
// logged and is not an error.
func (e *Engine) Handle(ctx context.Context, ev Event) error {
	ctx, span := startHandleSpan(ctx, ev)
	defer span.End()

	err := e.handle(ctx, ev)
	recordEvent(ctx, ev.Kind, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) handle(ctx context.Context, ev Event) error {
	h, ok := e.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	if ev.Old == nil && ev.New == nil {
		return fmt.Errorf("%s %s: %w", ev.Kind, ev.SubjectID, ErrNoImage)
	}
	return h(ctx, ev)
}

func (e *Engine) increment(counter string, owner ownerFunc) handler {
	return func(ctx context.Context, ev Event) error {
		ownerID := owner(ev.New)
		if ownerID == "" {
			return fmt.Errorf("%s %s: %w", ev.Kind, ev.SubjectID, ErrMissingOwner)
		}
		return e.counters.Increment(ctx, ownerID, counter)
	}
}

func (e *Engine) decrement(counter string, owner ownerFunc) handler {
	return func(ctx context.Context, ev Event) error {
		ownerID := owner(ev.Old)
		if ownerID == "" {
			return fmt.Errorf("%s %s: %w", ev.Kind, ev.SubjectID, ErrMissingOwner)
		}
		return e.softDecrement(ctx, ownerID, counter)
	}
}

// softDecrement decrements counter, logging instead of failing when the
// counter is already zero.
func (e *Engine) softDecrement(ctx context.Context, ownerID, counter string) error {
	result, err := e.counters.Decrement(ctx, ownerID, counter)
	if err != nil {
		return err
	}
	if result == RejectedByGuard {
		e.logger.WarnContext(ctx, "failed to decrement counter",
			"counter", counter,
			"ownerId", ownerID,
		)
	}
	return nil
}

func (e *Engine) commentDeleted(ctx context.Context, ev Event) error {
	ownerID := store.StringAttr(ev.Old, AttrUserID)
	if ownerID == "" {
		return fmt.Errorf("%s %s: %w", ev.Kind, ev.SubjectID, ErrMissingOwner)
	}
	if err := e.softDecrement(ctx, ownerID, CommentCount); err != nil {
		return err
	}
	return e.counters.Increment(ctx, ownerID, CommentDeletedCount)
}

func (e *Engine) postStatusChanged(ctx context.Context, ev Event) error {
	ownerID := store.StringAttr(ev.New, AttrPostedByUserID)
	if ownerID == "" {
		ownerID = store.StringAttr(ev.Old, AttrPostedByUserID)
	}
	if ownerID == "" {
		return fmt.Errorf("%s %s: %w", ev.Kind, ev.SubjectID, ErrMissingOwner)
	}

	inc, dec := e.statuses.Transition(
		store.StringAttr(ev.Old, AttrPostStatus),
		store.StringAttr(ev.New, AttrPostStatus),
	)
	if inc != "" {
		if err := e.counters.Increment(ctx, ownerID, inc); err != nil {
			return err
		}
	}
	if dec != "" {
		return e.softDecrement(ctx, ownerID, dec)
	}
	return nil
}

// attributeChanged keeps the uniqueness index for attr in step with the
// subject's value. The new value is claimed before the old one is released so
// the subject never holds neither.
func (e *Engine) attributeChanged(attr string, claims Claimer) handler {
	return func(ctx context.Context, ev Event) error {
		if claims == nil {
			return fmt.Errorf("%s %s: no uniqueness index configured", ev.Kind, ev.SubjectID)
		}
		oldValue := store.StringAttr(ev.Old, attr)
		newValue := store.StringAttr(ev.New, attr)
		if oldValue == newValue {
			return nil
		}

		if newValue != "" {
			if err := claim(ctx, claims, newValue, ev.SubjectID); err != nil {
				return fmt.Errorf("claim %s for %s: %w", attr, ev.SubjectID, err)
			}
		}
		if oldValue != "" {
			if _, err := claims.Delete(ctx, oldValue, ev.SubjectID); err != nil {
				return fmt.Errorf("release %s for %s: %w", attr, ev.SubjectID, err)
			}
		}
		return nil
	}
}

// claim claims value for ownerID. A value ownerID already holds counts as
// claimed, so a redelivered change still goes on to release the old value.
func claim(ctx context.Context, claims Claimer, value, ownerID string) error {
	err := claims.Add(ctx, value, ownerID)
	if !errors.Is(err, uniqueness.ErrAlreadyClaimed) {
		return err
	}

	current, getErr := claims.Get(ctx, value)
	switch {
	case errors.Is(getErr, store.ErrNotFound):
		return err
	case getErr != nil:
		return getErr
	case current.OwnerID == ownerID:
		return nil
	}
	return err
}
