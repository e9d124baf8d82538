package membership

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/jacentio/denorm/internal/keys"
)

// Option is a functional option for configuring a [Manager].
type Option func(*options)

type options struct {
	parentKind string
	logger     *slog.Logger
}

func newOptions() *options {
	return &options{
		parentKind: "chat",
		logger:     slog.Default(),
	}
}

func (o *options) validate() error {
	if o.parentKind == "" {
		return errors.New("parent kind must not be empty")
	}
	if strings.Contains(o.parentKind, keys.Sep) {
		return errors.New("parent kind must not contain " + keys.Sep)
	}
	if o.parentKind == memberKind {
		return errors.New("parent kind must differ from " + memberKind)
	}
	return nil
}

// WithParentKind sets the key kind of the parent record. The default is
// "chat", giving partition keys of the form "chat/<id>".
func WithParentKind(kind string) Option {
	return func(o *options) {
		o.parentKind = kind
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
