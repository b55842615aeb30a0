package votes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/opuscritic/backend/internal/reviews"
	"github.com/opuscritic/backend/internal/spamreports"
	"github.com/opuscritic/backend/internal/users"
	"gorm.io/gorm"
)

var errUnknownRevision = errors.New("unknown revision")

// staticResolver maps revision ids to a fixed review and author.
type staticResolver struct {
	reviewID string
	authorID string
	known    map[int64]bool
}

func (r staticResolver) ResolveRevisionTx(_ *gorm.DB, revisionID int64) (string, string, error) {
	if r.known != nil && !r.known[revisionID] {
		return "", "", errUnknownRevision
	}
	return r.reviewID, r.authorID, nil
}

type ledgerFixture struct {
	db       *gorm.DB
	service  *Service
	accounts *users.Service
	now      time.Time
}

func newLedgerFixture(testContext *testing.T, resolver RevisionResolver) *ledgerFixture {
	testContext.Helper()
	dsn := fmt.Sprintf("file:votes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Vote{}, &users.Account{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create account service: %v", err)
	}
	now := time.Date(2026, time.May, 1, 12, 0, 0, 0, time.UTC)
	service, err := NewService(ServiceConfig{
		Database:  db,
		Clock:     func() time.Time { return now },
		Revisions: resolver,
		Accounts:  accounts,
	})
	if err != nil {
		testContext.Fatalf("failed to create vote service: %v", err)
	}
	return &ledgerFixture{db: db, service: service, accounts: accounts, now: now}
}

func (f *ledgerFixture) seedAccount(testContext *testing.T, id string, karma int, blocked bool) {
	testContext.Helper()
	account := users.Account{ID: id, DisplayName: id, Karma: karma, IsBlocked: blocked}
	if err := f.db.Create(&account).Error; err != nil {
		testContext.Fatalf("failed to seed account %q: %v", id, err)
	}
}

func (f *ledgerFixture) authorKarma(testContext *testing.T, id string) int {
	testContext.Helper()
	account, err := f.accounts.GetAccount(context.Background(), id)
	if err != nil {
		testContext.Fatalf("failed to load account %q: %v", id, err)
	}
	return account.Karma
}

func TestSubmitUpsertsSingleRowAndMovesKarma(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)
	fixture.seedAccount(testContext, "voter-1", 100, false)

	if err := fixture.service.Submit(context.Background(), "voter-1", 7, true); err != nil {
		testContext.Fatalf("upvote failed: %v", err)
	}
	if karma := fixture.authorKarma(testContext, "author-1"); karma != 1 {
		testContext.Fatalf("expected author karma 1 after upvote, got %d", karma)
	}

	// flipping the vote replaces the row and reverses the karma movement
	if err := fixture.service.Submit(context.Background(), "voter-1", 7, false); err != nil {
		testContext.Fatalf("downvote failed: %v", err)
	}
	var count int64
	if err := fixture.db.Model(&Vote{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected a single ledger row, got %d", count)
	}
	vote, err := fixture.service.Get(context.Background(), "voter-1", 7)
	if err != nil {
		testContext.Fatalf("get failed: %v", err)
	}
	if vote.Placet {
		testContext.Fatalf("expected the flipped vote to be negative")
	}
	if karma := fixture.authorKarma(testContext, "author-1"); karma != -1 {
		testContext.Fatalf("expected author karma -1 after the flip, got %d", karma)
	}
}

func TestSubmitRejectsSelfVote(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)

	if err := fixture.service.Submit(context.Background(), "author-1", 7, true); !errors.Is(err, ErrSelfVote) {
		testContext.Fatalf("expected ErrSelfVote, got %v", err)
	}
}

func TestSubmitRejectsBlockedVoter(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)
	fixture.seedAccount(testContext, "voter-1", 100, true)

	if err := fixture.service.Submit(context.Background(), "voter-1", 7, true); !errors.Is(err, ErrVoteNotAllowed) {
		testContext.Fatalf("expected ErrVoteNotAllowed, got %v", err)
	}
}

func TestSubmitGatesDownvotesByTier(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)
	fixture.seedAccount(testContext, "newcomer", 0, false)
	fixture.seedAccount(testContext, "regular", 50, false)

	if err := fixture.service.Submit(context.Background(), "newcomer", 7, false); !errors.Is(err, ErrVoteNotAllowed) {
		testContext.Fatalf("expected new tier downvote to be rejected, got %v", err)
	}
	// upvotes stay open to every tier
	if err := fixture.service.Submit(context.Background(), "newcomer", 7, true); err != nil {
		testContext.Fatalf("new tier upvote failed: %v", err)
	}
	if err := fixture.service.Submit(context.Background(), "regular", 7, false); err != nil {
		testContext.Fatalf("established tier downvote failed: %v", err)
	}
}

func TestSubmitEnforcesDailyQuotaForNewRevisionsOnly(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)
	fixture.seedAccount(testContext, "voter-1", 0, false)

	quota := users.TierNew.DailyVoteQuota()
	today := fixture.now.Unix()
	for index := 0; index < quota; index++ {
		vote := Vote{UserID: "voter-1", RevisionID: int64(1000 + index), Placet: true, RatedAtSeconds: today}
		if err := fixture.db.Create(&vote).Error; err != nil {
			testContext.Fatalf("failed to seed vote %d: %v", index, err)
		}
	}

	if err := fixture.service.Submit(context.Background(), "voter-1", 7, true); !errors.Is(err, ErrVoteQuotaExceeded) {
		testContext.Fatalf("expected ErrVoteQuotaExceeded, got %v", err)
	}
	// replacing an existing vote is exempt from the quota
	if err := fixture.service.Submit(context.Background(), "voter-1", 1000, true); err != nil {
		testContext.Fatalf("re-vote should bypass the quota, got %v", err)
	}

	// votes from a previous day free up the quota
	yesterday := fixture.now.Add(-24 * time.Hour).Unix()
	if err := fixture.db.Exec("UPDATE votes SET rated_at_s = ? WHERE revision_id = ?", yesterday, 1000).Error; err != nil {
		testContext.Fatalf("failed to age vote: %v", err)
	}
	if err := fixture.service.Submit(context.Background(), "voter-1", 7, true); err != nil {
		testContext.Fatalf("expected quota headroom after aging a vote, got %v", err)
	}
}

func TestDeleteReversesAuthorKarma(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})
	fixture.seedAccount(testContext, "author-1", 0, false)
	fixture.seedAccount(testContext, "voter-1", 100, false)

	if err := fixture.service.Submit(context.Background(), "voter-1", 7, true); err != nil {
		testContext.Fatalf("upvote failed: %v", err)
	}
	if err := fixture.service.Delete(context.Background(), "voter-1", 7); err != nil {
		testContext.Fatalf("retract failed: %v", err)
	}
	if karma := fixture.authorKarma(testContext, "author-1"); karma != 0 {
		testContext.Fatalf("expected author karma restored to 0, got %d", karma)
	}
	if _, err := fixture.service.Get(context.Background(), "voter-1", 7); !errors.Is(err, ErrVoteNotFound) {
		testContext.Fatalf("expected ErrVoteNotFound after retraction, got %v", err)
	}
	if err := fixture.service.Delete(context.Background(), "voter-1", 7); !errors.Is(err, ErrVoteNotFound) {
		testContext.Fatalf("expected ErrVoteNotFound on repeated retraction, got %v", err)
	}
}

func TestSubmitSurfacesResolverFailure(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{
		reviewID: "review-1",
		authorID: "author-1",
		known:    map[int64]bool{7: true},
	})
	fixture.seedAccount(testContext, "voter-1", 0, false)

	if err := fixture.service.Submit(context.Background(), "voter-1", 42, true); !errors.Is(err, errUnknownRevision) {
		testContext.Fatalf("expected resolver error to pass through, got %v", err)
	}
}

func TestVotesTalliesLedger(testContext *testing.T) {
	fixture := newLedgerFixture(testContext, staticResolver{reviewID: "review-1", authorID: "author-1"})

	seed := []Vote{
		{UserID: "voter-1", RevisionID: 7, Placet: true, RatedAtSeconds: 1},
		{UserID: "voter-2", RevisionID: 7, Placet: true, RatedAtSeconds: 2},
		{UserID: "voter-3", RevisionID: 7, Placet: false, RatedAtSeconds: 3},
		{UserID: "voter-1", RevisionID: 8, Placet: false, RatedAtSeconds: 4},
	}
	for _, vote := range seed {
		if err := fixture.db.Create(&vote).Error; err != nil {
			testContext.Fatalf("failed to seed vote: %v", err)
		}
	}

	tally, err := fixture.service.Votes(context.Background(), 7)
	if err != nil {
		testContext.Fatalf("tally failed: %v", err)
	}
	if tally.Positive != 2 || tally.Negative != 1 {
		testContext.Fatalf("expected 2 up / 1 down, got %+v", tally)
	}

	empty, err := fixture.service.Votes(context.Background(), 99)
	if err != nil {
		testContext.Fatalf("empty tally failed: %v", err)
	}
	if empty.Positive != 0 || empty.Negative != 0 {
		testContext.Fatalf("expected zero tally, got %+v", empty)
	}
}

// noopAggregator satisfies the review service without touching aggregates.
type noopAggregator struct{}

func (noopAggregator) RecomputeTx(_ *gorm.DB, _ string, _ reviews.EntityType) error {
	return nil
}

func TestSubmitRejectsVanishedRevisionWithoutWritingRow(testContext *testing.T) {
	dsn := fmt.Sprintf("file:votes_resolver_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Vote{}, &users.Account{}, &reviews.Review{}, &reviews.Revision{}, &spamreports.SpamReport{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	accounts, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create account service: %v", err)
	}
	reviewService, err := reviews.NewService(reviews.ServiceConfig{
		Database:   db,
		IDProvider: reviews.NewUUIDProvider(),
		Aggregator: noopAggregator{},
	})
	if err != nil {
		testContext.Fatalf("failed to create review service: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:  db,
		Revisions: reviewService,
		Accounts:  accounts,
	})
	if err != nil {
		testContext.Fatalf("failed to create vote service: %v", err)
	}

	for _, id := range []string{"author-1", "voter-1"} {
		account := users.Account{ID: id, DisplayName: id}
		if err := db.Create(&account).Error; err != nil {
			testContext.Fatalf("failed to seed account %q: %v", id, err)
		}
	}
	text := "worth hearing"
	reviewID, err := reviewService.Create(context.Background(), reviews.CreateRequest{
		UserID:     "author-1",
		EntityID:   "entity-1",
		EntityType: reviews.EntityReleaseGroup,
		Text:       &text,
	})
	if err != nil {
		testContext.Fatalf("failed to create review: %v", err)
	}
	revisions, err := reviewService.Revisions(context.Background(), reviewID)
	if err != nil {
		testContext.Fatalf("failed to list revisions: %v", err)
	}
	revisionID := revisions[0].ID

	if err := service.Submit(context.Background(), "voter-1", revisionID, true); err != nil {
		testContext.Fatalf("vote on a live revision failed: %v", err)
	}
	if err := reviewService.Delete(context.Background(), reviewID); err != nil {
		testContext.Fatalf("failed to delete review: %v", err)
	}

	// the revision is gone; the ledger must reject the vote and stay empty
	if err := service.Submit(context.Background(), "voter-1", revisionID, true); !errors.Is(err, reviews.ErrRevisionNotFound) {
		testContext.Fatalf("expected ErrRevisionNotFound, got %v", err)
	}
	var count int64
	if err := db.Model(&Vote{}).Where("revision_id = ?", revisionID).Count(&count).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no ledger rows for the deleted revision, got %d", count)
	}
}
