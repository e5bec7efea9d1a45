package realtime

import (
	"context"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"go.uber.org/zap"
)

// Bus mirrors messages to other API instances.
type Bus interface {
	Publish(ctx context.Context, message Message) error
}

// Notifier turns schedule changes and reminders into realtime messages. With a bus
// configured, messages travel through the bus and reach local subscribers via its
// forwarder; otherwise they go straight to the dispatcher.
type Notifier struct {
	dispatcher *Dispatcher
	bus        Bus
	clock      func() time.Time
	logger     *zap.Logger
}

// NewNotifier constructs a Notifier. bus may be nil.
func NewNotifier(dispatcher *Dispatcher, bus Bus, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		dispatcher: dispatcher,
		bus:        bus,
		clock:      time.Now,
		logger:     logger,
	}
}

var _ schedules.ChangeNotifier = (*Notifier)(nil)

// SchedulesChanged implements schedules.ChangeNotifier.
func (n *Notifier) SchedulesChanged(ctx context.Context, ownerID schedules.OwnerID, contentIDs []schedules.ContentID) {
	ids := make([]string, 0, len(contentIDs))
	for _, contentID := range contentIDs {
		ids = append(ids, contentID.String())
	}
	n.Send(ctx, Message{
		OwnerID:    ownerID.String(),
		EventType:  EventScheduleChanged,
		ContentIDs: ids,
	})
}

// ReviewDue announces how many reviews are waiting for an owner.
func (n *Notifier) ReviewDue(ctx context.Context, ownerID schedules.OwnerID, dueCount int) {
	n.Send(ctx, Message{
		OwnerID:   ownerID.String(),
		EventType: EventReviewDue,
		DueCount:  dueCount,
	})
}

// Send stamps and delivers message.
func (n *Notifier) Send(ctx context.Context, message Message) {
	if message.Timestamp.IsZero() {
		message.Timestamp = n.clock().UTC()
	}
	if n.bus != nil {
		err := n.bus.Publish(ctx, message)
		if err == nil {
			return
		}
		n.logger.Warn("realtime bus publish failed; delivering locally",
			zap.String("owner_id", message.OwnerID),
			zap.String("event_type", message.EventType),
			zap.Error(err))
	}
	if n.dispatcher != nil {
		n.dispatcher.Publish(message)
	}
}
