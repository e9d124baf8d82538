package stream

import (
	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/denorm/counter"
	"github.com/jacentio/denorm/internal/keys"
	"github.com/jacentio/denorm/store"
)

// Stream event names.
const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// route matches records by key shape and names the events each change
// produces. A route matches either an exact sort key or a sort key kind.
type route struct {
	partitionKind string
	sortKey       string
	sortKind      string

	onInsert []counter.EventKind
	onModify []counter.EventKind
	onRemove []counter.EventKind
}

var (
	profileEvents = []counter.EventKind{counter.EmailChanged, counter.PhoneNumberChanged}
	postEvents    = []counter.EventKind{counter.PostStatusChanged}
)

var routes = []route{
	{partitionKind: "comment", sortKey: "-",
		onInsert: []counter.EventKind{counter.CommentAdded},
		onRemove: []counter.EventKind{counter.CommentDeleted}},
	{partitionKind: "card", sortKey: "-",
		onInsert: []counter.EventKind{counter.CardAdded},
		onRemove: []counter.EventKind{counter.CardDeleted}},
	{partitionKind: "album", sortKey: "-",
		onInsert: []counter.EventKind{counter.AlbumAdded},
		onRemove: []counter.EventKind{counter.AlbumDeleted}},
	{partitionKind: "chat", sortKind: "member",
		onInsert: []counter.EventKind{counter.ChatMemberAdded},
		onRemove: []counter.EventKind{counter.ChatMemberDeleted}},
	{partitionKind: "post", sortKey: "-",
		onInsert: postEvents, onModify: postEvents, onRemove: postEvents},
	{partitionKind: "user", sortKey: "profile",
		onInsert: profileEvents, onModify: profileEvents, onRemove: profileEvents},
}

func (r route) match(partitionKey, sortKey string) (subjectID string, ok bool) {
	subjectID, ok = keys.Trim(r.partitionKind, partitionKey)
	if !ok || subjectID == "" {
		return "", false
	}
	if r.sortKey != "" {
		return subjectID, sortKey == r.sortKey
	}
	_, ok = keys.Trim(r.sortKind, sortKey)
	return subjectID, ok
}

func (r route) kinds(eventName string) []counter.EventKind {
	switch eventName {
	case eventInsert:
		return r.onInsert
	case eventModify:
		return r.onModify
	case eventRemove:
		return r.onRemove
	}
	return nil
}

// Events derives the counter events for one stream record. Records that no
// route matches produce none.
func Events(record events.DynamoDBEventRecord) []counter.Event {
	pk := getStringAttr(record.Change.Keys, store.AttrPartitionKey)
	sk := getStringAttr(record.Change.Keys, store.AttrSortKey)

	for _, r := range routes {
		subjectID, ok := r.match(pk, sk)
		if !ok {
			continue
		}

		kinds := r.kinds(record.EventName)
		if len(kinds) == 0 {
			return nil
		}
		oldImage := ConvertImage(record.Change.OldImage)
		newImage := ConvertImage(record.Change.NewImage)

		out := make([]counter.Event, 0, len(kinds))
		for _, kind := range kinds {
			out = append(out, counter.Event{
				Kind:      kind,
				SubjectID: subjectID,
				Old:       oldImage,
				New:       newImage,
			})
		}
		return out
	}
	return nil
}
