package votes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opuscritic/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingResolver = errors.New("revision resolver is required")
	errMissingAccounts = errors.New("account directory is required")
	noOpLogger         = zap.NewNop()

	// ErrVoteNotFound indicates no ledger entry for the lookup.
	ErrVoteNotFound = errors.New("votes: vote not found")
	// ErrSelfVote indicates a user voting on their own review.
	ErrSelfVote = errors.New("votes: voting on own review is not allowed")
	// ErrVoteQuotaExceeded indicates the daily tier quota is exhausted.
	ErrVoteQuotaExceeded = errors.New("votes: daily vote quota exceeded")
	// ErrVoteNotAllowed indicates the voter's tier or blocked status forbids the vote.
	ErrVoteNotAllowed = errors.New("votes: vote not permitted for this account")
)

// Vote is one ledger entry. Votes are pinned to the revision they were cast
// on; a later edit of the review leaves them attached to the old revision.
type Vote struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:36;not null"`
	RevisionID     int64  `gorm:"column:revision_id;primaryKey"`
	Placet         bool   `gorm:"column:placet;not null"`
	RatedAtSeconds int64  `gorm:"column:rated_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}

// Tally reports the vote counts for a revision.
type Tally struct {
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
}

// RevisionResolver maps a revision id to its review and author; satisfied by
// the review service. Resolution runs inside the ledger's own transaction so
// the revision still exists when the vote row commits.
type RevisionResolver interface {
	ResolveRevisionTx(tx *gorm.DB, revisionID int64) (reviewID string, authorID string, err error)
}

// AccountDirectory exposes the account surface the ledger needs: voter
// status for policy checks and karma movement for review authors.
type AccountDirectory interface {
	GetAccount(ctx context.Context, accountID string) (*users.Account, error)
	AdjustKarmaTx(tx *gorm.DB, accountID string, delta int) error
}

// ServiceConfig describes the dependencies of the vote ledger.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Revisions RevisionResolver
	Accounts  AccountDirectory
	Logger    *zap.Logger
}

// Service owns the one-vote-per-(user, revision) ledger.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	revisions RevisionResolver
	accounts  AccountDirectory
	logger    *zap.Logger
}

// NewService constructs the vote ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("votes: %w", errMissingDatabase)
	}
	if cfg.Revisions == nil {
		return nil, fmt.Errorf("votes: %w", errMissingResolver)
	}
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("votes: %w", errMissingAccounts)
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

// Submit upserts the caller's vote on a revision. Re-voting on a revision
// already voted on replaces the entry and is exempt from the daily quota.
func (s *Service) Submit(ctx context.Context, userID string, revisionID int64, placet bool) error {
	voter, err := s.accounts.GetAccount(ctx, userID)
	if err != nil {
		return err
	}
	if voter.IsBlocked {
		return ErrVoteNotAllowed
	}
	tier := voter.Tier()
	if !placet && !tier.AllowsDownvote() {
		return ErrVoteNotAllowed
	}

	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, authorID, err := s.revisions.ResolveRevisionTx(tx, revisionID)
		if err != nil {
			return err
		}
		if authorID == userID {
			return ErrSelfVote
		}

		var existing Vote
		err = tx.Where("user_id = ? AND revision_id = ?", userID, revisionID).Take(&existing).Error
		hasExisting := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if !hasExisting {
			if quota := tier.DailyVoteQuota(); quota != users.UnlimitedVoteQuota {
				var castToday int64
				dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()
				if err := tx.Model(&Vote{}).
					Where("user_id = ? AND rated_at_s >= ?", userID, dayStart).
					Count(&castToday).Error; err != nil {
					return err
				}
				if castToday >= int64(quota) {
					return ErrVoteQuotaExceeded
				}
			}
		}

		vote := Vote{
			UserID:         userID,
			RevisionID:     revisionID,
			Placet:         placet,
			RatedAtSeconds: now.Unix(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "revision_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"placet", "rated_at_s"}),
		}).Create(&vote).Error; err != nil {
			return err
		}

		delta := karmaValue(placet)
		if hasExisting {
			delta -= karmaValue(existing.Placet)
		}
		if err := s.accounts.AdjustKarmaTx(tx, authorID, delta); err != nil {
			return err
		}
		return nil
	})
}

// Get returns the caller's vote on a revision.
func (s *Service) Get(ctx context.Context, userID string, revisionID int64) (Vote, error) {
	var vote Vote
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND revision_id = ?", userID, revisionID).
		Take(&vote).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Vote{}, ErrVoteNotFound
	}
	if err != nil {
		return Vote{}, err
	}
	return vote, nil
}

// Delete retracts the caller's vote and reverses the author karma movement.
func (s *Service) Delete(ctx context.Context, userID string, revisionID int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, authorID, err := s.revisions.ResolveRevisionTx(tx, revisionID)
		if err != nil {
			return err
		}
		var existing Vote
		err = tx.Where("user_id = ? AND revision_id = ?", userID, revisionID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVoteNotFound
		}
		if err != nil {
			return err
		}
		if err := tx.Where("user_id = ? AND revision_id = ?", userID, revisionID).
			Delete(&Vote{}).Error; err != nil {
			return err
		}
		return s.accounts.AdjustKarmaTx(tx, authorID, -karmaValue(existing.Placet))
	})
}

// Votes tallies the ledger for a revision. Tallies are always computed from
// the ledger rows, never cached.
func (s *Service) Votes(ctx context.Context, revisionID int64) (Tally, error) {
	var tally Tally
	err := s.db.WithContext(ctx).Model(&Vote{}).
		Where("revision_id = ? AND placet = ?", revisionID, true).
		Count(&tally.Positive).Error
	if err != nil {
		return Tally{}, err
	}
	err = s.db.WithContext(ctx).Model(&Vote{}).
		Where("revision_id = ? AND placet = ?", revisionID, false).
		Count(&tally.Negative).Error
	if err != nil {
		return Tally{}, err
	}
	return tally, nil
}

func karmaValue(placet bool) int {
	if placet {
		return 1
	}
	return -1
}
