package ratings

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/opuscritic/backend/internal/reviews"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrNoRating indicates no aggregate exists for the entity.
	ErrNoRating = errors.New("ratings: no aggregate rating for entity")
)

// AvgRating is the derived per-entity aggregate. The rating stays on the
// internal 0-100 scale; display conversion happens in DisplayRating.
type AvgRating struct {
	EntityID   string `gorm:"column:entity_id;primaryKey;size:64;not null"`
	EntityType string `gorm:"column:entity_type;primaryKey;size:32;not null"`
	Rating     int    `gorm:"column:rating;not null"`
	Count      int    `gorm:"column:count;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AvgRating) TableName() string {
	return "avg_ratings"
}

// DisplayRating is the externally exposed form: stars on the 1..5 scale
// rounded to one decimal, plus contributing review count.
type DisplayRating struct {
	Rating float64 `json:"rating"`
	Count  int     `json:"count"`
}

// ServiceConfig describes the dependencies of the aggregate service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service maintains the per-entity average rating rows. It satisfies
// reviews.RatingAggregator so revision writes and the recompute share one
// transaction.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the aggregate service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("ratings: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// latestRatingsQuery pulls the current revision's rating for every visible
// review of the entity. Drafts and hidden reviews never contribute.
const latestRatingsQuery = `
SELECT rev.rating
FROM reviews rv
JOIN revisions rev ON rev.id = (
    SELECT r2.id FROM revisions r2
    WHERE r2.review_id = rv.id
    ORDER BY r2.created_at_s DESC, r2.id DESC
    LIMIT 1
)
WHERE rv.entity_id = ?
  AND rv.entity_type = ?
  AND rv.is_hidden = ?
  AND rv.is_draft = ?
  AND rv.is_archived = ?
  AND rev.rating IS NOT NULL`

// RecomputeTx re-derives the aggregate from scratch inside the caller's
// transaction. It is idempotent: the result depends only on the stored
// revisions, so at-least-once invocation is safe.
func (s *Service) RecomputeTx(tx *gorm.DB, entityID string, entityType reviews.EntityType) error {
	var contributing []int
	err := tx.Raw(latestRatingsQuery, entityID, entityType.String(), false, false, false).
		Scan(&contributing).Error
	if err != nil {
		return fmt.Errorf("ratings.recompute.collect: %w", err)
	}

	if len(contributing) == 0 {
		return tx.Where("entity_id = ? AND entity_type = ?", entityID, entityType.String()).
			Delete(&AvgRating{}).Error
	}

	sum := 0
	for _, rating := range contributing {
		sum += rating
	}
	count := len(contributing)
	// round-half-up on sum/count, kept in integer arithmetic
	rounded := (2*sum + count) / (2 * count)

	aggregate := AvgRating{
		EntityID:   entityID,
		EntityType: entityType.String(),
		Rating:     rounded,
		Count:      count,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entity_id"}, {Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"rating", "count"}),
	}).Create(&aggregate).Error
}

// Update recomputes the aggregate in its own transaction, for callers
// outside a revision write (repair jobs, tests).
func (s *Service) Update(ctx context.Context, entityID string, entityType reviews.EntityType) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.RecomputeTx(tx, entityID, entityType)
	})
}

// Get returns the display-scale aggregate for an entity.
func (s *Service) Get(ctx context.Context, entityID string, entityType reviews.EntityType) (DisplayRating, error) {
	var aggregate AvgRating
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType.String()).
		Take(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DisplayRating{}, ErrNoRating
	}
	if err != nil {
		return DisplayRating{}, err
	}
	return DisplayRating{
		Rating: math.Round(float64(aggregate.Rating)/2) / 10,
		Count:  aggregate.Count,
	}, nil
}

// Delete removes the aggregate row, used when the last contributing review
// is deleted outside the usual recompute path.
func (s *Service) Delete(ctx context.Context, entityID string, entityType reviews.EntityType) error {
	result := s.db.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType.String()).
		Delete(&AvgRating{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNoRating
	}
	return nil
}
