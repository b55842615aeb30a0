package spamreports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opuscritic/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingResolver = errors.New("revision resolver is required")
	errMissingAccounts = errors.New("account directory is required")
	noOpLogger         = zap.NewNop()

	// ErrDuplicateReport indicates an active report already exists for the pair.
	ErrDuplicateReport = errors.New("spamreports: active report already exists")
	// ErrSelfReport indicates a user reporting their own review.
	ErrSelfReport = errors.New("spamreports: reporting own review is not allowed")
	// ErrReportNotFound indicates no report exists for the lookup.
	ErrReportNotFound = errors.New("spamreports: report not found")
	// ErrReportNotAllowed indicates the reporter's account is blocked.
	ErrReportNotAllowed = errors.New("spamreports: reporting not permitted for this account")
)

// SpamReport is a user-submitted report against a specific revision.
// Archival is one-way; archived rows stay for the audit trail.
type SpamReport struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:36;not null"`
	RevisionID        int64  `gorm:"column:revision_id;primaryKey"`
	Reason            string `gorm:"column:reason;type:text;not null"`
	ReportedAtSeconds int64  `gorm:"column:reported_at_s;not null"`
	IsArchived        bool   `gorm:"column:is_archived;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (SpamReport) TableName() string {
	return "spam_reports"
}

// RevisionResolver maps a revision id to its review and author; satisfied by
// the review service. Resolution runs inside the report's own transaction so
// the revision still exists when the report row commits.
type RevisionResolver interface {
	ResolveRevisionTx(tx *gorm.DB, revisionID int64) (reviewID string, authorID string, err error)
}

// AccountDirectory exposes the reporter's account for policy checks.
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (*users.Account, error)
}

// ServiceConfig describes the dependencies of the spam report log.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Revisions RevisionResolver
	Accounts  AccountDirectory
	Logger    *zap.Logger
}

// Service owns the spam report log.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	revisions RevisionResolver
	accounts  AccountDirectory
	logger    *zap.Logger
}

// NewService constructs the spam report service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("spamreports: %w", errMissingDatabase)
	}
	if cfg.Revisions == nil {
		return nil, fmt.Errorf("spamreports: %w", errMissingResolver)
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("spamreports: %w", errMissingAccounts)
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
		db:        cfg.Database,
		clock:     clock,
		revisions: cfg.Revisions,
		accounts:  cfg.Accounts,
		logger:    logger,
	}, nil
}

// Create files a report against a revision. A previously archived report for
// the same pair is reactivated with the fresh reason and timestamp.
func (s *Service) Create(ctx context.Context, userID string, revisionID int64, reason string) error {
	reporter, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if reporter.IsBlocked {
		return ErrReportNotAllowed
	}

	now := s.clock().UTC().Unix()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, authorID, err := s.revisions.ResolveRevisionTx(tx, revisionID)
		if err != nil {
			return err
		}
		if authorID == userID {
			return ErrSelfReport
		}
		var existing SpamReport
		err = tx.Where("user_id = ? AND revision_id = ?", userID, revisionID).Take(&existing).Error
		if err == nil {
			if !existing.IsArchived {
				return ErrDuplicateReport
			}
			return tx.Model(&SpamReport{}).
				Where("user_id = ? AND revision_id = ?", userID, revisionID).
				Updates(map[string]interface{}{
					"reason":        reason,
					"reported_at_s": now,
					"is_archived":   false,
				}).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		report := SpamReport{
			UserID:            userID,
			RevisionID:        revisionID,
			Reason:            reason,
			ReportedAtSeconds: now,
		}
		return tx.Create(&report).Error
	})
}

// Archive marks a single report archived. Archival never reverses.
func (s *Service) Archive(ctx context.Context, userID string, revisionID int64) error {
	result := s.db.WithContext(ctx).Model(&SpamReport{}).
		Where("user_id = ? AND revision_id = ?", userID, revisionID).
		Update("is_archived", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

// ArchiveForReviewTx archives every open report against any revision of the
// review, inside the caller's transaction. Invoked by the moderation hide
// action; returns the number of reports archived.
func (s *Service) ArchiveForReviewTx(tx *gorm.DB, reviewID string) (int64, error) {
	result := tx.Exec(
		"UPDATE spam_reports SET is_archived = ? WHERE is_archived = ? AND revision_id IN (SELECT id FROM revisions WHERE review_id = ?)",
		true, false, reviewID,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// ListFilter narrows the moderator triage listing.
type ListFilter struct {
	ReviewID        string
	UserID          string
	IncludeArchived bool
	Limit           int
	Offset          int
}

// ReportView joins a report with the reporter and the reported review's
// author for moderator triage.
type ReportView struct {
	ReporterID        string `json:"reporter_id"`
	ReporterName      string `json:"reporter_name"`
	RevisionID        int64  `json:"revision_id"`
	ReviewID          string `json:"review_id"`
	ReviewAuthorID    string `json:"review_author_id"`
	ReviewAuthorName  string `json:"review_author_name"`
	Reason            string `json:"reason"`
	ReportedAtSeconds int64  `json:"reported_at_s"`
	IsArchived        bool   `json:"is_archived"`
}

const listReportsQuery = `
SELECT sr.user_id       AS reporter_id,
       reporter.display_name AS reporter_name,
       sr.revision_id   AS revision_id,
       rv.id            AS review_id,
       rv.user_id       AS review_author_id,
       author.display_name   AS review_author_name,
       sr.reason        AS reason,
       sr.reported_at_s AS reported_at_seconds,
       sr.is_archived   AS is_archived
FROM spam_reports sr
JOIN revisions rev ON rev.id = sr.revision_id
JOIN reviews rv ON rv.id = rev.review_id
JOIN accounts reporter ON reporter.id = sr.user_id
JOIN accounts author ON author.id = rv.user_id`

// List returns the joined triage view plus the total match count. An empty
// result set is not an error.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]ReportView, int64, error) {
	where := " WHERE 1 = 1"
	args := []interface{}{}
	if !filter.IncludeArchived {
		where += " AND sr.is_archived = ?"
		args = append(args, false)
	}
	if filter.ReviewID != "" {
		where += " AND rv.id = ?"
		args = append(args, filter.ReviewID)
	}
	if filter.UserID != "" {
		where += " AND sr.user_id = ?"
		args = append(args, filter.UserID)
	}

	var total int64
	countQuery := "SELECT COUNT(*) FROM spam_reports sr JOIN revisions rev ON rev.id = sr.revision_id JOIN reviews rv ON rv.id = rev.review_id" + where
	if err := s.db.WithContext(ctx).Raw(countQuery, args...).Scan(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 25
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query := listReportsQuery + where + " ORDER BY sr.reported_at_s DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var views []ReportView
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&views).Error; err != nil {
		return nil, 0, err
	}
	return views, total, nil
}
