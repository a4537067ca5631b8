package pg

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"retailops.org/internal/events"
)

type processedEvent struct {
	Consumer    string    `gorm:"column:consumer;primaryKey"`
	EventID     string    `gorm:"column:event_id;primaryKey"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
}

func (processedEvent) TableName() string { return "processed_events" }

// Deduper records applied event ids per consumer in processed_events.
type Deduper struct {
	store    *Store
	consumer string
}

var _ events.Deduper = (*Deduper)(nil)

// Deduper returns the processed-event log of the named consumer.
func (s *Store) Deduper(consumer string) *Deduper {
	return &Deduper{store: s, consumer: consumer}
}

func (d *Deduper) Seen(ctx context.Context, eventID string) (bool, error) {
	var n int64
	err := d.store.gdb.WithContext(ctx).
		Model(&processedEvent{}).
		Where("consumer = ? AND event_id = ?", d.consumer, eventID).
		Count(&n).Error
	return n > 0, err
}

func (d *Deduper) MarkProcessed(ctx context.Context, eventID string) error {
	return d.store.gdb.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&processedEvent{Consumer: d.consumer, EventID: eventID, ProcessedAt: time.Now().UTC()}).Error
}
