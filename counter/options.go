package counter

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/jacentio/denorm/internal/keys"
)

// Option is a functional option for configuring [Counters] and [Engine].
type Option func(*options)

type options struct {
	ownerKind    string
	ownerSortKey string
	statuses     StatusTable
	logger       *slog.Logger
}

func newOptions() *options {
	return &options{
		ownerKind:    "user",
		ownerSortKey: "profile",
		statuses:     PostStatuses(),
		logger:       slog.Default(),
	}
}

func buildOptions(opts []Option) (*options, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *options) validate() error {
	if o.ownerKind == "" || strings.Contains(o.ownerKind, keys.Sep) {
		return errors.New("owner kind must be non-empty and must not contain " + keys.Sep)
	}
	if o.ownerSortKey == "" {
		return errors.New("owner sort key must not be empty")
	}
	return nil
}

// WithOwner sets where counters live: partitionKey "<kind>/<ownerId>" and the
// given sortKey. The default is "user/<ownerId>", "profile".
func WithOwner(kind, sortKey string) Option {
	return func(o *options) {
		o.ownerKind = kind
		o.ownerSortKey = sortKey
	}
}

// WithStatusTable replaces the post status table used for PostStatusChanged.
func WithStatusTable(t StatusTable) Option {
	return func(o *options) {
		o.statuses = t
	}
}

// WithLogger sets the logger used for rejected decrements. A nil logger keeps
// slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
