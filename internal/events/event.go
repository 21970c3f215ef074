package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// Stage names the lifecycle milestone an Event records.
type Stage string

// Lifecycle stages.
const (
	StageAccepted  Stage = "accepted"
	StageRejected  Stage = "rejected"
	StageDuplicate Stage = "duplicate"
	StageClaimed   Stage = "claimed"
	StageCompleted Stage = "completed"
	StageRetried   Stage = "retried"
	StageReaped    Stage = "reaped"
	StageDeleted   Stage = "deleted"
	StageConflict  Stage = "conflict"
)

// Event is a single lifecycle milestone.
type Event struct {
	// ItemID is empty only for rejected submissions, which never create an item.
	ItemID string
	Kind   queue.Kind
	Stage  Stage
	// Status is the item status after the milestone.
	Status queue.Status
	TS     time.Time
	// Dur is time spent processing, set on completed and reaped events.
	Dur time.Duration
	// Attempt is the item's retry count at the time of the event.
	Attempt int
	// Note holds short context such as the rejection reason.
	Note string
}

// Validate performs coarse checks before an event enters the hub.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRejected:
	case StageAccepted, StageDuplicate, StageClaimed, StageCompleted,
		StageRetried, StageReaped, StageDeleted, StageConflict:
		if e.ItemID == "" {
			return fmt.Errorf("stage %s requires an item id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Stage == StageCompleted && !e.Status.Terminal() {
		return fmt.Errorf("completed event carries non-terminal status %q", e.Status)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Sink consumes batches of events. Consume may be called repeatedly and must
// honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes single events. Hub implements it; components depend on
// this interface so tests can record events directly.
type Emitter interface {
	Emit(evt Event)
}
