package pg

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"retailops.org/internal/events"
)

var _ events.Outbox = (*Store)(nil)

type outboxModel struct {
	Seq            int64      `gorm:"column:seq;->"`
	EventID        string     `gorm:"column:event_id;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	SubjectID      string     `gorm:"column:subject_id"`
	Envelope       string     `gorm:"column:envelope"`
	Attempts       int        `gorm:"column:attempts"`
	LastError      string     `gorm:"column:last_error"`
	NextAttemptAt  time.Time  `gorm:"column:next_attempt_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
}

func (outboxModel) TableName() string { return "event_outbox" }

// Claim reserves deliverable rows for claimToken. Rows locked by another
// relay are skipped rather than waited on.
func (s *Store) Claim(ctx context.Context, limit int, claimToken string, claimUntil, now time.Time) ([]events.OutboxRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	if claimToken == "" {
		return nil, fmt.Errorf("claim token is required")
	}
	var rows []outboxModel
	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subquery := tx.Model(&outboxModel{}).
			Select("event_id").
			Where("published_at IS NULL").
			Where("dead_lettered_at IS NULL").
			Where("next_attempt_at <= ?", now).
			Where("(claim_until IS NULL OR claim_until < ?)", now).
			Order("seq ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		if err := tx.Model(&outboxModel{}).
			Where("event_id IN (?)", subquery).
			Updates(map[string]any{
				"claim_token": claimToken,
				"claim_until": claimUntil,
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ?", claimToken).
			Where("published_at IS NULL").
			Where("dead_lettered_at IS NULL").
			Order("seq ASC").
			Find(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	out := make([]events.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		evt, err := events.Decode([]byte(row.Envelope))
		if err != nil {
			return nil, fmt.Errorf("decode outbox %s: %w", row.EventID, err)
		}
		rec := events.OutboxRecord{
			Event:         evt,
			Attempts:      row.Attempts,
			LastError:     row.LastError,
			NextAttemptAt: row.NextAttemptAt,
			ClaimToken:    claimToken,
			ClaimUntil:    claimUntil,
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) MarkPublished(ctx context.Context, eventID, claimToken string, at time.Time) error {
	return s.settle(ctx, eventID, claimToken, map[string]any{
		"published_at": at,
	})
}

func (s *Store) MarkFailed(ctx context.Context, eventID, claimToken, errMsg string, retryAt time.Time) error {
	return s.settle(ctx, eventID, claimToken, map[string]any{
		"attempts":        gorm.Expr("attempts + 1"),
		"last_error":      errMsg,
		"next_attempt_at": retryAt,
	})
}

func (s *Store) MarkDeadLettered(ctx context.Context, eventID, claimToken, errMsg string, at time.Time) error {
	return s.settle(ctx, eventID, claimToken, map[string]any{
		"attempts":         gorm.Expr("attempts + 1"),
		"last_error":       errMsg,
		"dead_lettered_at": at,
	})
}

// settle applies a terminal or retry update and releases the claim. A claim
// that expired and was taken over matches no row.
func (s *Store) settle(ctx context.Context, eventID, claimToken string, updates map[string]any) error {
	updates["claim_token"] = nil
	updates["claim_until"] = nil
	res := s.gdb.WithContext(ctx).
		Model(&outboxModel{}).
		Where("event_id = ?", eventID).
		Where("claim_token = ?", claimToken).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return events.ErrClaimLost
	}
	return nil
}
