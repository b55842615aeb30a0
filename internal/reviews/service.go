package reviews

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingAggregator = errors.New("rating aggregator is required")
	noOpLogger           = zap.NewNop()

	// ErrReviewNotFound indicates no review exists for the identifier.
	ErrReviewNotFound = errors.New("reviews: review not found")
	// ErrRevisionNotFound indicates no revision exists for the lookup.
	ErrRevisionNotFound = errors.New("reviews: revision not found")
	// ErrDuplicateReview indicates the user already reviewed the entity.
	ErrDuplicateReview = errors.New("reviews: user already reviewed this entity")
	// ErrEmptyRevision indicates a revision with neither text nor rating.
	ErrEmptyRevision = errors.New("reviews: revision requires text or rating")
	// ErrLicenseLocked indicates a license change after publication.
	ErrLicenseLocked = errors.New("reviews: license cannot change after publication")
	// ErrPublishedToDraft indicates an attempt to move a published review back to draft.
	ErrPublishedToDraft = errors.New("reviews: published review cannot return to draft")
	// ErrReviewArchived indicates the review is in the terminal archived state.
	ErrReviewArchived = errors.New("reviews: review is archived")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code exposes the dotted operation code for boundary translation.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "reviews.service.new"
	opCreate     = "reviews.create"
	opUpdate     = "reviews.update"
	opDelete     = "reviews.delete"
	opGet        = "reviews.get"
	opList       = "reviews.list"
	opSetHidden  = "reviews.set_hidden_state"
	opRevisions  = "reviews.revisions"
	opResolveRev = "reviews.resolve_revision"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues opaque review identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RatingAggregator recomputes the per-entity average rating. The recompute
// runs inside the same transaction as the revision write that triggered it.
type RatingAggregator interface {
	RecomputeTx(tx *gorm.DB, entityID string, entityType EntityType) error
}

// ServiceConfig describes the dependencies of the review service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Aggregator RatingAggregator
	Logger     *zap.Logger
}

// Service owns the review and revision lifecycle.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	aggregator RatingAggregator
	logger     *zap.Logger
}

// NewService constructs the review service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Aggregator == nil {
		return nil, newServiceError(opServiceNew, "missing_aggregator", errMissingAggregator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		aggregator: cfg.Aggregator,
		logger:     logger,
	}, nil
}

// CreateRequest carries the inputs for a new review and its first revision.
// Rating uses the external 1..5 scale.
type CreateRequest struct {
	UserID     string
	EntityID   string
	EntityType EntityType
	Text       *string
	Rating     *int
	LicenseID  string
	Language   string
	IsDraft    bool
}

// Create writes a review with its initial revision and returns the review id.
func (s *Service) Create(ctx context.Context, request CreateRequest) (string, error) {
	if !validIdentifier(request.UserID) {
		return "", ErrInvalidUserID
	}
	if !validIdentifier(request.EntityID) {
		return "", ErrInvalidEntityID
	}
	if _, err := NewEntityType(request.EntityType.String()); err != nil {
		return "", err
	}
	if request.Text == nil && request.Rating == nil {
		return "", ErrEmptyRevision
	}
	internalRating, err := internalRatingFrom(request.Rating)
	if err != nil {
		return "", err
	}

	reviewID, err := s.idProvider.NewID()
	if err != nil {
		return "", newServiceError(opCreate, "id_generation", err)
	}
	now := s.clock().UTC().Unix()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Review{}).
			Where("user_id = ? AND entity_id = ?", request.UserID, request.EntityID).
			Count(&existing).Error; err != nil {
			return newServiceError(opCreate, "duplicate_probe", err)
		}
		if existing > 0 {
			return ErrDuplicateReview
		}

		review := Review{
			ID:               reviewID,
			UserID:           request.UserID,
			EntityID:         request.EntityID,
			EntityType:       request.EntityType.String(),
			LicenseID:        request.LicenseID,
			Language:         request.Language,
			IsDraft:          request.IsDraft,
			CreatedAtSeconds: now,
		}
		if err := tx.Create(&review).Error; err != nil {
			return newServiceError(opCreate, "review_insert", err)
		}

		revision := Revision{
			ReviewID:         reviewID,
			CreatedAtSeconds: now,
			Text:             request.Text,
			Rating:           internalRating,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return newServiceError(opCreate, "revision_insert", err)
		}

		if internalRating != nil {
			if err := s.aggregator.RecomputeTx(tx, request.EntityID, request.EntityType); err != nil {
				return newServiceError(opCreate, "aggregate_recompute", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("review created",
		zap.String("review_id", reviewID),
		zap.String("entity_type", request.EntityType.String()),
		zap.Bool("draft", request.IsDraft))
	return reviewID, nil
}

// UpdateRequest carries a review edit. Nil fields copy forward from the
// current revision; Rating uses the external 1..5 scale.
type UpdateRequest struct {
	ReviewID  string
	Text      *string
	Rating    *int
	IsDraft   *bool
	LicenseID *string
	Language  *string
}

// Update appends a new revision and adjusts review metadata.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (Record, error) {
	if !validIdentifier(request.ReviewID) {
		return Record{}, ErrInvalidReviewID
	}
	requestedRating, err := internalRatingFrom(request.Rating)
	if err != nil {
		return Record{}, err
	}

	var record Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		review, err := takeReviewTx(tx, request.ReviewID)
		if err != nil {
			return err
		}
		if review.IsArchived {
			return ErrReviewArchived
		}
		latest, err := latestRevisionTx(tx, review.ID)
		if err != nil {
			return err
		}

		reviewUpdates := map[string]interface{}{}
		if request.LicenseID != nil && *request.LicenseID != review.LicenseID {
			if !review.IsDraft {
				return ErrLicenseLocked
			}
			review.LicenseID = *request.LicenseID
			reviewUpdates["license_id"] = review.LicenseID
		}
		draftChanged := false
		if request.IsDraft != nil && *request.IsDraft != review.IsDraft {
			if *request.IsDraft {
				return ErrPublishedToDraft
			}
			review.IsDraft = false
			reviewUpdates["is_draft"] = false
			draftChanged = true
		}
		if request.Language != nil && *request.Language != review.Language {
			review.Language = *request.Language
			reviewUpdates["language"] = review.Language
		}

		newText := request.Text
		if newText == nil {
			newText = latest.Text
		}
		newRating := requestedRating
		if newRating == nil {
			newRating = latest.Rating
		}
		if newText == nil && newRating == nil {
			return ErrEmptyRevision
		}

		revision := Revision{
			ReviewID:         review.ID,
			CreatedAtSeconds: s.clock().UTC().Unix(),
			Text:             newText,
			Rating:           newRating,
		}
		if err := tx.Create(&revision).Error; err != nil {
			return newServiceError(opUpdate, "revision_insert", err)
		}
		if len(reviewUpdates) > 0 {
			if err := tx.Model(&Review{}).Where("id = ?", review.ID).Updates(reviewUpdates).Error; err != nil {
				return newServiceError(opUpdate, "review_update", err)
			}
		}

		if draftChanged || !equalRating(newRating, latest.Rating) {
			entityType := EntityType(review.EntityType)
			if err := s.aggregator.RecomputeTx(tx, review.EntityID, entityType); err != nil {
				return newServiceError(opUpdate, "aggregate_recompute", err)
			}
		}

		record = Record{Review: *review, Revision: revision}
		return nil
	})
	if err != nil {
		return Record{}, err
	}

	s.logger.Info("review updated", zap.String("review_id", request.ReviewID))
	return record, nil
}

// Get returns a review with its current revision.
func (s *Service) Get(ctx context.Context, reviewID string) (Record, error) {
	if !validIdentifier(reviewID) {
		return Record{}, ErrInvalidReviewID
	}
	var record Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		review, err := takeReviewTx(tx, reviewID)
		if err != nil {
			return err
		}
		latest, err := latestRevisionTx(tx, review.ID)
		if err != nil {
			return err
		}
		record = Record{Review: *review, Revision: *latest}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// Delete removes a review and cascades its revisions, votes, and spam
// reports, then recomputes the entity aggregate.
func (s *Service) Delete(ctx context.Context, reviewID string) error {
	if !validIdentifier(reviewID) {
		return ErrInvalidReviewID
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		review, err := takeReviewTx(tx, reviewID)
		if err != nil {
			return err
		}

		cascades := []string{
			"DELETE FROM votes WHERE revision_id IN (SELECT id FROM revisions WHERE review_id = ?)",
			"DELETE FROM spam_reports WHERE revision_id IN (SELECT id FROM revisions WHERE review_id = ?)",
			"DELETE FROM revisions WHERE review_id = ?",
			"DELETE FROM reviews WHERE id = ?",
		}
		for _, statement := range cascades {
			if err := tx.Exec(statement, reviewID).Error; err != nil {
				return newServiceError(opDelete, "cascade", err)
			}
		}

		entityType := EntityType(review.EntityType)
		if err := s.aggregator.RecomputeTx(tx, review.EntityID, entityType); err != nil {
			return newServiceError(opDelete, "aggregate_recompute", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("review deleted", zap.String("review_id", reviewID))
	return nil
}

// SetHiddenState toggles moderator visibility and recomputes the aggregate.
func (s *Service) SetHiddenState(ctx context.Context, reviewID string, hidden bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.SetHiddenStateTx(tx, reviewID, hidden)
	})
}

// SetHiddenStateTx is the transaction-scoped form used by moderation
// orchestration so the visibility flip, report archival, and log append
// commit together.
func (s *Service) SetHiddenStateTx(tx *gorm.DB, reviewID string, hidden bool) error {
	if !validIdentifier(reviewID) {
		return ErrInvalidReviewID
	}
	review, err := takeReviewTx(tx, reviewID)
	if err != nil {
		return err
	}
	if review.IsArchived {
		return ErrReviewArchived
	}
	if review.IsHidden == hidden {
		return nil
	}
	if err := tx.Model(&Review{}).Where("id = ?", reviewID).Update("is_hidden", hidden).Error; err != nil {
		return newServiceError(opSetHidden, "review_update", err)
	}
	entityType := EntityType(review.EntityType)
	if err := s.aggregator.RecomputeTx(tx, review.EntityID, entityType); err != nil {
		return newServiceError(opSetHidden, "aggregate_recompute", err)
	}
	return nil
}

// ResolveRevision maps a revision id to its review and author.
func (s *Service) ResolveRevision(ctx context.Context, revisionID int64) (string, string, error) {
	return s.ResolveRevisionTx(s.db.WithContext(ctx), revisionID)
}

// ResolveRevisionTx is the transaction-scoped form the vote and spam-report
// packages consume. Writers that reference a revision resolve it inside
// their own transaction so a concurrent review deletion cannot leave a row
// pointing at a revision that no longer exists.
func (s *Service) ResolveRevisionTx(tx *gorm.DB, revisionID int64) (string, string, error) {
	var revision Revision
	err := tx.Where("id = ?", revisionID).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", ErrRevisionNotFound
	}
	if err != nil {
		return "", "", newServiceError(opResolveRev, "revision_load", err)
	}
	var review Review
	err = tx.Where("id = ?", revision.ReviewID).Take(&review).Error
	if err != nil {
		return "", "", newServiceError(opResolveRev, "review_load", err)
	}
	return review.ID, review.UserID, nil
}

// Revisions lists a review's revisions oldest-first.
func (s *Service) Revisions(ctx context.Context, reviewID string) ([]Revision, error) {
	if !validIdentifier(reviewID) {
		return nil, ErrInvalidReviewID
	}
	var revisions []Revision
	err := s.db.WithContext(ctx).
		Where("review_id = ?", reviewID).
		Order("created_at_s ASC, id ASC").
		Find(&revisions).Error
	if err != nil {
		return nil, newServiceError(opRevisions, "query", err)
	}
	if len(revisions) == 0 {
		return nil, ErrReviewNotFound
	}
	return revisions, nil
}

// RevisionAt returns the revision at the given offset from the latest:
// offset 0 is the current revision, 1 the one before it, and so on.
func (s *Service) RevisionAt(ctx context.Context, reviewID string, offset int) (Revision, error) {
	if !validIdentifier(reviewID) {
		return Revision{}, ErrInvalidReviewID
	}
	if offset < 0 {
		return Revision{}, ErrRevisionNotFound
	}
	var revision Revision
	err := s.db.WithContext(ctx).
		Where("review_id = ?", reviewID).
		Order("created_at_s DESC, id DESC").
		Offset(offset).
		Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Revision{}, ErrRevisionNotFound
	}
	if err != nil {
		return Revision{}, newServiceError(opRevisions, "query", err)
	}
	return revision, nil
}

func takeReviewTx(tx *gorm.DB, reviewID string) (*Review, error) {
	var review Review
	err := tx.Where("id = ?", reviewID).Take(&review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, newServiceError(opGet, "review_load", err)
	}
	return &review, nil
}

func latestRevisionTx(tx *gorm.DB, reviewID string) (*Revision, error) {
	var revision Revision
	err := tx.Where("review_id = ?", reviewID).
		Order("created_at_s DESC, id DESC").
		Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, newServiceError(opGet, "revision_load", err)
	}
	return &revision, nil
}

func internalRatingFrom(external *int) (*int, error) {
	if external == nil {
		return nil, nil
	}
	internal, err := NewRatingInternal(*external)
	if err != nil {
		return nil, err
	}
	return &internal, nil
}

func equalRating(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
