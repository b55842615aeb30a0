package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingReviews  = errors.New("review moderator is required")
	errMissingReports  = errors.New("report archiver is required")
	errMissingAccounts = errors.New("account moderator is required")
	noOpLogger         = zap.NewNop()
)

// ReviewModerator flips review visibility inside the shared transaction;
// satisfied by the review service.
type ReviewModerator interface {
	SetHiddenStateTx(tx *gorm.DB, reviewID string, hidden bool) error
}

// ReportArchiver archives open reports for a review inside the shared
// transaction; satisfied by the spam report service.
type ReportArchiver interface {
	ArchiveForReviewTx(tx *gorm.DB, reviewID string) (int64, error)
}

// AccountModerator flips the blocked flag inside the shared transaction;
// satisfied by the account service.
type AccountModerator interface {
	SetBlockedTx(tx *gorm.DB, userID string, blocked bool) error
}

// ServiceConfig describes the dependencies of the moderation service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Reviews  ReviewModerator
	Reports  ReportArchiver
	Accounts AccountModerator
	Logger   *zap.Logger
}

// Service records moderation actions and orchestrates their side effects so
// the state change and its audit entry commit together.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	reviews  ReviewModerator
	reports  ReportArchiver
	accounts AccountModerator
	logger   *zap.Logger
}

// NewService constructs the moderation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("moderation: %w", errMissingDatabase)
	}
	if cfg.Reviews == nil {
		return nil, fmt.Errorf("moderation: %w", errMissingReviews)
	}
	if cfg.Reports == nil {
		return nil, fmt.Errorf("moderation: %w", errMissingReports)
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("moderation: %w", errMissingAccounts)
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
		db:       cfg.Database,
		clock:    clock,
		reviews:  cfg.Reviews,
		reports:  cfg.Reports,
		accounts: cfg.Accounts,
		logger:   logger,
	}, nil
}

// CreateEntry validates and appends a bare log entry inside the caller's
// transaction. Exactly one of reviewID/userID must be set, matching the
// action family.
func (s *Service) createEntryTx(tx *gorm.DB, adminID string, action Action, reason string, reviewID, userID *string) (*LogEntry, error) {
	targetsReview, err := action.TargetsReview()
	if err != nil {
		return nil, err
	}
	if reviewID == nil && userID == nil {
		return nil, ErrMissingTarget
	}
	if targetsReview && reviewID == nil {
		return nil, ErrMissingTarget
	}
	if !targetsReview && userID == nil {
		return nil, ErrMissingTarget
	}
	if targetsReview {
		userID = nil
	} else {
		reviewID = nil
	}

	entry := LogEntry{
		AdminID:          adminID,
		Action:           action.String(),
		ReviewID:         reviewID,
		UserID:           userID,
		Reason:           reason,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// Create appends a log entry without orchestration, for callers recording an
// action applied elsewhere.
func (s *Service) Create(ctx context.Context, adminID string, action Action, reason string, reviewID, userID *string) (int64, error) {
	var entryID int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := s.createEntryTx(tx, adminID, action, reason, reviewID, userID)
		if err != nil {
			return err
		}
		entryID = entry.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return entryID, nil
}

// HideReview hides the review, archives its open spam reports, recomputes
// the entity aggregate, and appends the audit entry in one transaction.
func (s *Service) HideReview(ctx context.Context, adminID, reviewID, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reviews.SetHiddenStateTx(tx, reviewID, true); err != nil {
			return err
		}
		archived, err := s.reports.ArchiveForReviewTx(tx, reviewID)
		if err != nil {
			return err
		}
		s.logger.Info("review hidden",
			zap.String("review_id", reviewID),
			zap.Int64("reports_archived", archived))
		_, err = s.createEntryTx(tx, adminID, ActionHideReview, reason, &reviewID, nil)
		return err
	})
	return err
}

// UnhideReview restores the review's visibility and appends the audit entry.
// Archived spam reports stay archived.
func (s *Service) UnhideReview(ctx context.Context, adminID, reviewID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.reviews.SetHiddenStateTx(tx, reviewID, false); err != nil {
			return err
		}
		_, err := s.createEntryTx(tx, adminID, ActionUnhideReview, reason, &reviewID, nil)
		return err
	})
}

// BlockUser blocks the account and appends the audit entry.
func (s *Service) BlockUser(ctx context.Context, adminID, userID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accounts.SetBlockedTx(tx, userID, true); err != nil {
			return err
		}
		_, err := s.createEntryTx(tx, adminID, ActionBlockUser, reason, nil, &userID)
		return err
	})
}

// UnblockUser unblocks the account and appends the audit entry.
func (s *Service) UnblockUser(ctx context.Context, adminID, userID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accounts.SetBlockedTx(tx, userID, false); err != nil {
			return err
		}
		_, err := s.createEntryTx(tx, adminID, ActionUnblockUser, reason, nil, &userID)
		return err
	})
}

// LogView is a denormalized audit entry for the moderation dashboard.
type LogView struct {
	ID               int64   `json:"id"`
	AdminID          string  `json:"admin_id"`
	AdminName        string  `json:"admin_name"`
	Action           string  `json:"action"`
	ReviewID         *string `json:"review_id,omitempty"`
	ReviewAuthorID   *string `json:"review_author_id,omitempty"`
	ReviewAuthorName *string `json:"review_author_name,omitempty"`
	UserID           *string `json:"user_id,omitempty"`
	UserName         *string `json:"user_name,omitempty"`
	Reason           string  `json:"reason"`
	CreatedAtSeconds int64   `json:"created_at_s"`
}

const listLogsQuery = `
SELECT ml.id             AS id,
       ml.admin_id       AS admin_id,
       admin.display_name AS admin_name,
       ml.action         AS action,
       ml.review_id      AS review_id,
       rv.user_id        AS review_author_id,
       author.display_name AS review_author_name,
       ml.user_id        AS user_id,
       target.display_name AS user_name,
       ml.reason         AS reason,
       ml.created_at_s   AS created_at_seconds
FROM moderation_log ml
JOIN accounts admin ON admin.id = ml.admin_id
LEFT JOIN accounts target ON target.id = ml.user_id
LEFT JOIN reviews rv ON rv.id = ml.review_id
LEFT JOIN accounts author ON author.id = rv.user_id`

// ListLogs returns the denormalized audit trail newest-first plus the total
// entry count; adminID narrows to one moderator when set.
func (s *Service) ListLogs(ctx context.Context, adminID string, limit, offset int) ([]LogView, int64, error) {
	where := ""
	args := []interface{}{}
	if adminID != "" {
		where = " WHERE ml.admin_id = ?"
		args = append(args, adminID)
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM moderation_log ml"+where, args...).
		Scan(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 25
	}
	if offset < 0 {
		offset = 0
	}
	query := listLogsQuery + where + " ORDER BY ml.created_at_s DESC, ml.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var views []LogView
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&views).Error; err != nil {
		return nil, 0, err
	}
	return views, total, nil
}
