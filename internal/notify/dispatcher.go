package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	EventBookingConfirmed     = "BOOKING_CONFIRMED"
	EventScheduleShifted      = "SCHEDULE_SHIFTED"
	EventQueuePositionChanged = "QUEUE_POSITION_CHANGED"
)

// Event is the payload pushed to the notification channel after a commit.
type Event struct {
	Type       string         `json:"type"`
	ClinicID   uuid.UUID      `json:"clinic_id"`
	DoctorName string         `json:"doctor_name"`
	Date       string         `json:"date"`
	Payload    map[string]any `json:"payload,omitempty"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// Dispatcher delivers post-commit events. Delivery is fire-and-forget:
// a failed publish must never roll back or fail a committed booking.
type Dispatcher interface {
	Publish(ctx context.Context, ev Event)
}

type redisDispatcher struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisDispatcher(client *redis.Client, log *zap.Logger) Dispatcher {
	return &redisDispatcher{client: client, log: log}
}

func (d *redisDispatcher) Publish(ctx context.Context, ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		d.log.Error("marshal notification event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	channel := fmt.Sprintf("clinic:%s:notifications", ev.ClinicID)
	if err := d.client.Publish(ctx, channel, data).Err(); err != nil {
		d.log.Warn("publish notification event",
			zap.String("type", ev.Type),
			zap.String("channel", channel),
			zap.Error(err),
		)
	}
}

// NoopDispatcher discards all events.
type NoopDispatcher struct{}

func (NoopDispatcher) Publish(context.Context, Event) {}
