package ratings

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opuscritic/backend/internal/reviews"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	dsn := fmt.Sprintf("file:ratings_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&reviews.Review{}, &reviews.Revision{}, &AvgRating{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type seededReview struct {
	id     string
	rating *int
	hidden bool
	draft  bool
}

// seedReviews writes review rows with one revision each against entity-1.
func seedReviews(testContext *testing.T, db *gorm.DB, rows []seededReview) {
	testContext.Helper()
	for index, row := range rows {
		review := reviews.Review{
			ID:               row.id,
			UserID:           fmt.Sprintf("author-%d", index),
			EntityID:         "entity-1",
			EntityType:       reviews.EntityReleaseGroup.String(),
			IsHidden:         row.hidden,
			IsDraft:          row.draft,
			CreatedAtSeconds: int64(index),
		}
		if err := db.Create(&review).Error; err != nil {
			testContext.Fatalf("failed to seed review %q: %v", row.id, err)
		}
		internal := row.rating
		if internal != nil {
			stars, err := reviews.NewRatingInternal(*internal)
			if err != nil {
				testContext.Fatalf("invalid seed rating %d: %v", *internal, err)
			}
			internal = &stars
		}
		revision := reviews.Revision{
			ReviewID:         row.id,
			CreatedAtSeconds: int64(index),
			Rating:           internal,
		}
		if err := db.Create(&revision).Error; err != nil {
			testContext.Fatalf("failed to seed revision for %q: %v", row.id, err)
		}
	}
}

func newTestService(testContext *testing.T, db *gorm.DB) *Service {
	testContext.Helper()
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create service: %v", err)
	}
	return service
}

func fiveStars() *int { v := 5; return &v }
func threeStars() *int { v := 3; return &v }

func TestRecomputeAveragesAcrossVisibleReviews(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
		{id: "review-2", rating: threeStars()},
	})

	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}

	display, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if display.Rating != 4.0 {
		testContext.Fatalf("expected display rating 4.0, got %v", display.Rating)
	}
	if display.Count != 2 {
		testContext.Fatalf("expected two contributing reviews, got %d", display.Count)
	}
}

func TestRecomputeFollowsContributorRemoval(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
		{id: "review-2", rating: threeStars()},
	})
	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}

	if err := db.Exec("DELETE FROM revisions WHERE review_id = ?", "review-1").Error; err != nil {
		testContext.Fatalf("failed to drop revision: %v", err)
	}
	if err := db.Exec("DELETE FROM reviews WHERE id = ?", "review-1").Error; err != nil {
		testContext.Fatalf("failed to drop review: %v", err)
	}

	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute after removal failed: %v", err)
	}
	display, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if display.Rating != 3.0 || display.Count != 1 {
		testContext.Fatalf("expected 3.0 from the remaining review, got %+v", display)
	}
}

func TestRecomputeDeletesRowWithoutContributors(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
	})
	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}

	if err := db.Exec("UPDATE reviews SET is_hidden = ? WHERE id = ?", true, "review-1").Error; err != nil {
		testContext.Fatalf("failed to hide review: %v", err)
	}
	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute after hide failed: %v", err)
	}

	if _, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup); !errors.Is(err, ErrNoRating) {
		testContext.Fatalf("expected ErrNoRating once the last contributor is hidden, got %v", err)
	}
	var count int64
	if err := db.Model(&AvgRating{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected aggregate row deleted, found %d", count)
	}
}

func TestRecomputeExcludesHiddenDraftAndUnrated(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
		{id: "review-2", rating: fiveStars(), hidden: true},
		{id: "review-3", rating: fiveStars(), draft: true},
		{id: "review-4"},
	})

	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}
	display, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if display.Count != 1 || display.Rating != 5.0 {
		testContext.Fatalf("expected only the visible rated review to contribute, got %+v", display)
	}
}

func TestRecomputeUsesCurrentRevisionOnly(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
	})
	// a later revision downgrades the rating; only it counts
	downgraded := 20
	revision := reviews.Revision{ReviewID: "review-1", CreatedAtSeconds: 100, Rating: &downgraded}
	if err := db.Create(&revision).Error; err != nil {
		testContext.Fatalf("failed to append revision: %v", err)
	}

	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}
	display, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if display.Rating != 1.0 || display.Count != 1 {
		testContext.Fatalf("expected the current revision's one star, got %+v", display)
	}
}

func TestRecomputeRoundsHalfUp(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)

	// seven one-star and one two-star review: mean 22.5 internal, rounds to 23
	rows := make([]seededReview, 0, 8)
	one := 1
	two := 2
	for index := 0; index < 7; index++ {
		rows = append(rows, seededReview{id: fmt.Sprintf("review-%d", index), rating: &one})
	}
	rows = append(rows, seededReview{id: "review-7", rating: &two})
	seedReviews(testContext, db, rows)

	if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
		testContext.Fatalf("recompute failed: %v", err)
	}
	var aggregate AvgRating
	if err := db.Where("entity_id = ?", "entity-1").Take(&aggregate).Error; err != nil {
		testContext.Fatalf("aggregate lookup failed: %v", err)
	}
	if aggregate.Rating != 23 {
		testContext.Fatalf("expected stored rating 23, got %d", aggregate.Rating)
	}
	display, err := service.Get(context.Background(), "entity-1", reviews.EntityReleaseGroup)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if display.Rating != 1.2 {
		testContext.Fatalf("expected display rating 1.2, got %v", display.Rating)
	}
}

func TestRecomputeIsIdempotent(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)
	seedReviews(testContext, db, []seededReview{
		{id: "review-1", rating: fiveStars()},
		{id: "review-2", rating: threeStars()},
	})

	for run := 0; run < 3; run++ {
		if err := service.Update(context.Background(), "entity-1", reviews.EntityReleaseGroup); err != nil {
			testContext.Fatalf("recompute run %d failed: %v", run, err)
		}
	}
	var count int64
	if err := db.Model(&AvgRating{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one aggregate row, got %d", count)
	}
}

func TestGetAndDeleteMissingAggregate(testContext *testing.T) {
	db := openTestDatabase(testContext)
	service := newTestService(testContext, db)

	if _, err := service.Get(context.Background(), "entity-x", reviews.EntityArtist); !errors.Is(err, ErrNoRating) {
		testContext.Fatalf("expected ErrNoRating on get, got %v", err)
	}
	if err := service.Delete(context.Background(), "entity-x", reviews.EntityArtist); !errors.Is(err, ErrNoRating) {
		testContext.Fatalf("expected ErrNoRating on delete, got %v", err)
	}
}
