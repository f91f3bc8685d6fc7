package app

import (
	"context"
	"iter"
	"strings"

	"crmflipbook/internal/util"
	"crmflipbook/pkg/domain"
	"crmflipbook/pkg/store"
)

// RecordEventInput is one viewer interaction. EventType is free-form.
type RecordEventInput struct {
	FlipbookID string `json:"flipbookId" validate:"required"`
	SessionID  string `json:"sessionId" validate:"required,max=255"`
	EventType  string `json:"eventType" validate:"required,max=50"`
	PageNumber *int   `json:"pageNumber" validate:"omitempty,gte=0"`
}

// RecordEvent appends an analytics event.
func (a *App) RecordEvent(ctx context.Context, in RecordEventInput) (domain.AnalyticsEvent, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.EventType = strings.TrimSpace(in.EventType)
	if err := a.validate.Struct(in); err != nil {
		return domain.AnalyticsEvent{}, err
	}
	e := domain.AnalyticsEvent{
		ID:         util.NewID(),
		FlipbookID: in.FlipbookID,
		SessionID:  in.SessionID,
		EventType:  in.EventType,
		PageNumber: in.PageNumber,
		Timestamp:  a.clock.Now(),
	}
	if err := a.store.AppendEvent(ctx, e); err != nil {
		return domain.AnalyticsEvent{}, storeError(err, in.FlipbookID)
	}
	return e, nil
}

// StreamEvents yields the events of one session in timestamp order. Nothing is read
// until iteration starts, and each iteration starts from the beginning.
func (a *App) StreamEvents(ctx context.Context, flipbookID, sessionID string) iter.Seq2[domain.AnalyticsEvent, error] {
	return func(yield func(domain.AnalyticsEvent, error) bool) {
		if _, err := a.GetFlipbook(ctx, flipbookID); err != nil {
			yield(domain.AnalyticsEvent{}, err)
			return
		}
		var cursor store.EventCursor
		for {
			batch, err := a.store.ListEvents(ctx, flipbookID, sessionID, cursor, a.eventBatchSize)
			if err != nil {
				yield(domain.AnalyticsEvent{}, err)
				return
			}
			for _, e := range batch {
				if !yield(e, nil) {
					return
				}
			}
			if len(batch) < a.eventBatchSize {
				return
			}
			last := batch[len(batch)-1]
			cursor = store.EventCursor{Timestamp: last.Timestamp, ID: last.ID}
		}
	}
}
