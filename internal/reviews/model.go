package reviews

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 64

var (
	// ErrInvalidReviewID indicates that a review identifier is empty or exceeds storage bounds.
	ErrInvalidReviewID = errors.New("reviews: invalid review id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("reviews: invalid user id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("reviews: invalid entity id")
	// ErrInvalidEntityType indicates an entity type outside the recognized set.
	ErrInvalidEntityType = errors.New("reviews: invalid entity type")
	// ErrInvalidRating indicates a rating outside the external 1..5 scale.
	ErrInvalidRating = errors.New("reviews: invalid rating")
)

// EntityType tags the kind of creative-work entity a review addresses. The
// entity itself lives with the metadata collaborator; the tag is carried
// opaquely alongside the entity id.
type EntityType string

const (
	EntityReleaseGroup   EntityType = "release_group"
	EntityArtist         EntityType = "artist"
	EntityLabel          EntityType = "label"
	EntityPlace          EntityType = "place"
	EntityEvent          EntityType = "event"
	EntityWork           EntityType = "work"
	EntityRecording      EntityType = "recording"
	EntityBBAuthor       EntityType = "bb_author"
	EntityBBEditionGroup EntityType = "bb_edition_group"
	EntityBBLiteraryWork EntityType = "bb_literary_work"
	EntityBBPublisher    EntityType = "bb_publisher"
	EntityBBSeries       EntityType = "bb_series"
)

// NewEntityType validates raw input and returns an EntityType.
func NewEntityType(rawInput string) (EntityType, error) {
	candidate := EntityType(strings.TrimSpace(rawInput))
	switch candidate {
	case EntityReleaseGroup, EntityArtist, EntityLabel, EntityPlace, EntityEvent,
		EntityWork, EntityRecording, EntityBBAuthor, EntityBBEditionGroup,
		EntityBBLiteraryWork, EntityBBPublisher, EntityBBSeries:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, rawInput)
}

// String returns the underlying type tag.
func (t EntityType) String() string {
	return string(t)
}

// Ratings are stored on a 0-100 scale in steps of 20 so that averages keep
// integer precision; the external scale is 1..5 stars.
const ratingStep = 20

// NewRatingInternal converts an external 1..5 star value to the stored scale.
func NewRatingInternal(external int) (int, error) {
	if external < 1 || external > 5 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidRating, external)
	}
	return external * ratingStep, nil
}

// ExternalRating converts a stored rating back to the 1..5 star scale.
func ExternalRating(internal int) int {
	return internal / ratingStep
}

func validIdentifier(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && len(trimmed) <= maxIdentifierLength
}

// Review is the addressable unit owning a revision sequence. Visibility is
// tracked on two independent axes (draft, hidden) plus the terminal archived
// flag kept for rows migrated from the retired publication model.
type Review struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	UserID           string `gorm:"column:user_id;size:36;not null;uniqueIndex:idx_reviews_user_entity,priority:1"`
	EntityID         string `gorm:"column:entity_id;size:64;not null;uniqueIndex:idx_reviews_user_entity,priority:2;index:idx_reviews_entity,priority:1"`
	EntityType       string `gorm:"column:entity_type;size:32;not null;index:idx_reviews_entity,priority:2"`
	LicenseID        string `gorm:"column:license_id;size:64"`
	Language         string `gorm:"column:language;size:16"`
	IsDraft          bool   `gorm:"column:is_draft;not null;default:false"`
	IsHidden         bool   `gorm:"column:is_hidden;not null;default:false"`
	IsArchived       bool   `gorm:"column:is_archived;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Review) TableName() string {
	return "reviews"
}

// Revision is an immutable snapshot of a review's text and rating. The
// current state of a review is its revision with the greatest timestamp,
// ties broken by insertion order.
type Revision struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	ReviewID         string  `gorm:"column:review_id;size:36;not null;index:idx_revisions_review,priority:1"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_revisions_review,priority:2"`
	Text             *string `gorm:"column:text;type:text"`
	Rating           *int    `gorm:"column:rating"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "revisions"
}

// Record bundles a review with its current revision for callers.
type Record struct {
	Review   Review
	Revision Revision
}
