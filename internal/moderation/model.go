package moderation

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownAction indicates an action outside the recognized set.
	ErrUnknownAction = errors.New("moderation: unknown action")
	// ErrMissingTarget indicates the action's required target is absent.
	ErrMissingTarget = errors.New("moderation: no review id or user id specified")
)

// Action enumerates the recorded moderation actions.
type Action string

const (
	ActionHideReview   Action = "hide_review"
	ActionUnhideReview Action = "unhide_review"
	ActionBlockUser    Action = "block_user"
	ActionUnblockUser  Action = "unblock_user"
)

// NewAction validates raw input and returns an Action.
func NewAction(rawInput string) (Action, error) {
	candidate := Action(strings.TrimSpace(rawInput))
	switch candidate {
	case ActionHideReview, ActionUnhideReview, ActionBlockUser, ActionUnblockUser:
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, rawInput)
}

// TargetsReview reports whether the action's target is a review; the
// remaining actions target a user.
func (a Action) TargetsReview() (bool, error) {
	switch a {
	case ActionHideReview, ActionUnhideReview:
		return true, nil
	case ActionBlockUser, ActionUnblockUser:
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownAction, string(a))
}

// String returns the underlying action name.
func (a Action) String() string {
	return string(a)
}

// LogEntry is one immutable audit record. Entries are only ever appended;
// no update or delete path exists.
type LogEntry struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	AdminID          string  `gorm:"column:admin_id;size:36;not null;index"`
	Action           string  `gorm:"column:action;size:32;not null"`
	ReviewID         *string `gorm:"column:review_id;size:36"`
	UserID           *string `gorm:"column:user_id;size:36"`
	Reason           string  `gorm:"column:reason;type:text;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LogEntry) TableName() string {
	return "moderation_log"
}
