// Package stream feeds DynamoDB Streams records to the counter engine.
//
// The table stream must use the NEW_AND_OLD_IMAGES view type and the Lambda
// event source mapping should enable ReportBatchItemFailures.
package stream

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/denorm/counter"
	"github.com/jacentio/denorm/store"
)

// EventHandler applies a counter event. *counter.Engine satisfies it.
type EventHandler interface {
	Handle(ctx context.Context, ev counter.Event) error
}

// Handler processes DynamoDB stream events.
type Handler struct {
	engine EventHandler
	logger *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(engine EventHandler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		logger: logger,
	}
}

// HandleEvent processes a batch in order. Processing stops at the first
// record that fails with a retryable error; that record is reported as a
// batch item failure so Lambda retries it and everything after it. Events
// that can never succeed (a claim conflict, a missing owner or image) are
// logged and skipped.
//
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleEvent(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	var resp events.DynamoDBEventResponse

	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "failed to process record",
				"eventID", record.EventID,
				"sequenceNumber", record.Change.SequenceNumber,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
				ItemIdentifier: record.Change.SequenceNumber,
			})
			return resp, nil
		}
	}
	return resp, nil
}

func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	for _, ev := range Events(record) {
		err := h.engine.Handle(ctx, ev)
		if err == nil {
			continue
		}
		if !retryable(err) {
			h.logger.WarnContext(ctx, "skipping event",
				"eventID", record.EventID,
				"eventKind", ev.Kind.String(),
				"subjectId", ev.SubjectID,
				"error", err,
			)
			continue
		}
		return err
	}
	return nil
}

// retryable reports whether redelivering the record could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, counter.ErrMissingOwner),
		errors.Is(err, counter.ErrNoImage),
		errors.Is(err, counter.ErrUnknownEvent):
		return false
	}
	return true
}
