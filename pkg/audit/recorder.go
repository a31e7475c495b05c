package audit

import (
	"context"
	"sync/atomic"

	"github.com/dotsetgreg/hybridmode/pkg/bus"
	"github.com/dotsetgreg/hybridmode/pkg/logger"
)

// EventSource yields engine events until ok is false.
type EventSource interface {
	Consume(ctx context.Context) (bus.Event, bool)
}

// Recorder drains engine events into the journal.
type Recorder struct {
	store  *Store
	failed atomic.Uint64
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Run consumes src until it is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, src EventSource) {
	for {
		ev, ok := src.Consume(ctx)
		if !ok {
			return
		}
		if err := r.Record(ctx, ev); err != nil {
			r.failed.Add(1)
			logger.WarnCF("audit", "Failed to journal event", map[string]interface{}{
				"kind":            ev.Kind,
				"conversation_id": ev.ConversationID,
				"error":           err.Error(),
			})
		}
	}
}

// Record writes one event. Kinds the journal does not track are ignored.
func (r *Recorder) Record(ctx context.Context, ev bus.Event) error {
	switch ev.Kind {
	case bus.KindModeChange:
		_, err := r.store.RecordModeChange(ctx, ModeChange{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			FromMode:       ev.FromMode,
			ToMode:         ev.ToMode,
			Reason:         ev.Reason,
			RequestedBy:    ev.RequestedBy,
			At:             ev.At,
		})
		return err
	case bus.KindDecision:
		_, err := r.store.RecordDecision(ctx, Decision{
			ConversationID:  ev.ConversationID,
			CurrentMode:     ev.FromMode,
			RecommendedMode: ev.ToMode,
			Reason:          ev.Reason,
			Confidence:      ev.Confidence,
			Complexity:      ev.Complexity,
			At:              ev.At,
		})
		return err
	}
	return nil
}

// Failed is the number of events that could not be written.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }
