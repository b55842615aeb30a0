package users

import (
	"errors"
	"strings"
)

// Tier buckets accounts by accumulated karma and gates voting privileges.
type Tier string

const (
	// TierNew covers accounts that have not yet earned meaningful karma.
	TierNew Tier = "new"
	// TierEstablished covers accounts past the initial karma threshold.
	TierEstablished Tier = "established"
	// TierTrusted covers long-standing, high-karma accounts.
	TierTrusted Tier = "trusted"
)

const (
	establishedKarmaThreshold = 50
	trustedKarmaThreshold     = 500

	newTierDailyVoteQuota         = 20
	establishedTierDailyVoteQuota = 50
)

// UnlimitedVoteQuota marks tiers without a daily vote ceiling.
const UnlimitedVoteQuota = -1

var (
	// ErrAccountNotFound indicates no account exists for the identifier.
	ErrAccountNotFound = errors.New("users: account not found")
	// ErrInvalidAccountID indicates an empty or oversized account identifier.
	ErrInvalidAccountID = errors.New("users: invalid account id")
)

// TierForKarma maps a karma total onto the privilege tier.
func TierForKarma(karma int) Tier {
	switch {
	case karma >= trustedKarmaThreshold:
		return TierTrusted
	case karma >= establishedKarmaThreshold:
		return TierEstablished
	default:
		return TierNew
	}
}

// DailyVoteQuota returns the number of distinct revisions the tier may vote on
// per day, or UnlimitedVoteQuota for tiers without a ceiling.
func (t Tier) DailyVoteQuota() int {
	switch t {
	case TierTrusted:
		return UnlimitedVoteQuota
	case TierEstablished:
		return establishedTierDailyVoteQuota
	default:
		return newTierDailyVoteQuota
	}
}

// AllowsDownvote reports whether the tier may cast negative votes.
func (t Tier) AllowsDownvote() bool {
	return t == TierEstablished || t == TierTrusted
}

// Account captures the identity surface the review core needs from the
// user-management collaborator: display identity, karma, and moderation flags.
type Account struct {
	ID               string `gorm:"column:id;primaryKey;size:36;not null"`
	DisplayName      string `gorm:"column:display_name;size:320;not null"`
	Email            string `gorm:"column:email;size:320"`
	Karma            int    `gorm:"column:karma;not null;default:0"`
	IsAdmin          bool   `gorm:"column:is_admin;not null;default:false"`
	IsBlocked        bool   `gorm:"column:is_blocked;not null;default:false"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Tier derives the privilege tier from the stored karma total.
func (a Account) Tier() Tier {
	return TierForKarma(a.Karma)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
