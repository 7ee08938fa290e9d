package badges

import (
	"time"

	"gorm.io/datatypes"
)

// Criteria kinds evaluated after each completed generation.
const (
	KindCompletedBooks = "completed_books"
	KindStylesUsed     = "styles_completed"
	KindPagesInBook    = "pages_in_book"
)

// Criteria is the decoded form of a badge's award rule.
type Criteria struct {
	Kind      string `json:"kind"`
	Threshold int    `json:"threshold"`
}

// Badge is a catalog entry describing an achievement users can earn.
type Badge struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	Code        string         `gorm:"size:64;not null;uniqueIndex" json:"code"`
	Name        string         `gorm:"size:128;not null" json:"name"`
	Description string         `gorm:"size:512" json:"description"`
	Icon        string         `gorm:"size:64" json:"icon"`
	Criteria    datatypes.JSON `gorm:"type:json" json:"criteria"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName fixes the storage table for Badge.
func (Badge) TableName() string {
	return "badges"
}

// UserBadge records that a user earned a badge. The pair is unique so an
// award can be retried without duplicating rows.
type UserBadge struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	UserID    uint64    `gorm:"not null;uniqueIndex:idx_user_badges_pair" json:"user_id"`
	BadgeID   uint64    `gorm:"not null;uniqueIndex:idx_user_badges_pair" json:"badge_id"`
	AwardedAt time.Time `gorm:"not null" json:"awarded_at"`
}

// TableName fixes the storage table for UserBadge.
func (UserBadge) TableName() string {
	return "user_badges"
}
