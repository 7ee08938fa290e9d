package badges

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// catalog is the built-in badge set, seeded at startup. Criteria thresholds
// are interpreted by evaluateCriteria.
var catalog = []Badge{
	{
		Code:        "first_book",
		Name:        "First Book",
		Description: "Complete your first coloring book",
		Icon:        "star",
		Criteria:    mustCriteria(KindCompletedBooks, 1),
	},
	{
		Code:        "storyteller",
		Name:        "Storyteller",
		Description: "Complete five coloring books",
		Icon:        "book-open",
		Criteria:    mustCriteria(KindCompletedBooks, 5),
	},
	{
		Code:        "bookworm",
		Name:        "Bookworm",
		Description: "Complete ten coloring books",
		Icon:        "library",
		Criteria:    mustCriteria(KindCompletedBooks, 10),
	},
	{
		Code:        "style_explorer",
		Name:        "Style Explorer",
		Description: "Complete a book in every art style",
		Icon:        "palette",
		Criteria:    mustCriteria(KindStylesUsed, 4),
	},
	{
		Code:        "marathon_author",
		Name:        "Marathon Author",
		Description: "Complete a book with twenty pages",
		Icon:        "trophy",
		Criteria:    mustCriteria(KindPagesInBook, 20),
	},
}

func mustCriteria(kind string, threshold int) datatypes.JSON {
	data, err := json.Marshal(Criteria{Kind: kind, Threshold: threshold})
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(data)
}

// Service evaluates badge criteria against the user's book history and
// records awards.
type Service struct {
	db *gorm.DB
}

// NewService wraps the given database handle.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Seed upserts the built-in catalog, refreshing names and criteria of
// existing entries without touching earned awards.
func (s *Service) Seed(ctx context.Context) error {
	for i := range catalog {
		badge := catalog[i]
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "code"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "description", "icon", "criteria", "updated_at"}),
			}).
			Create(&badge).Error
		if err != nil {
			return fmt.Errorf("badges: seed %s: %w", badge.Code, err)
		}
	}
	return nil
}

// progressCounters are the per-user figures the criteria are checked against.
type progressCounters struct {
	CompletedBooks  int64
	CompletedStyles int64
	MaxPagesInBook  int64
}

func (s *Service) countersForUser(ctx context.Context, userID uint64) (progressCounters, error) {
	var counters progressCounters
	db := s.db.WithContext(ctx)

	err := db.Table("books").
		Where("user_id = ? AND status = ?", userID, "completed").
		Count(&counters.CompletedBooks).Error
	if err != nil {
		return counters, err
	}

	err = db.Table("books").
		Distinct("style").
		Where("user_id = ? AND status = ?", userID, "completed").
		Count(&counters.CompletedStyles).Error
	if err != nil {
		return counters, err
	}

	var maxPages sql.NullInt64
	err = db.Table("books").
		Select("MAX(pages_count)").
		Where("user_id = ? AND status = ?", userID, "completed").
		Scan(&maxPages).Error
	if err != nil {
		return counters, err
	}
	if maxPages.Valid {
		counters.MaxPagesInBook = maxPages.Int64
	}
	return counters, nil
}

func evaluateCriteria(criteria Criteria, counters progressCounters) bool {
	threshold := int64(criteria.Threshold)
	switch criteria.Kind {
	case KindCompletedBooks:
		return counters.CompletedBooks >= threshold
	case KindStylesUsed:
		return counters.CompletedStyles >= threshold
	case KindPagesInBook:
		return counters.MaxPagesInBook >= threshold
	default:
		return false
	}
}

// AwardForUser re-checks every catalog badge against the user's history and
// records the ones newly satisfied. It returns the codes awarded by this
// call, in catalog order.
func (s *Service) AwardForUser(ctx context.Context, userID uint64) ([]string, error) {
	counters, err := s.countersForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("badges: compute progress for user %d: %w", userID, err)
	}

	var all []Badge
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("badges: load catalog: %w", err)
	}

	earned, err := s.earnedBadgeIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	var awarded []string
	for i := range all {
		badge := &all[i]
		if _, has := earned[badge.ID]; has {
			continue
		}

		var criteria Criteria
		if err := json.Unmarshal(badge.Criteria, &criteria); err != nil {
			log.Printf("badges: badge %s has malformed criteria: %v", badge.Code, err)
			continue
		}
		if !evaluateCriteria(criteria, counters) {
			continue
		}

		recorded, err := s.recordAward(ctx, userID, badge.ID)
		if err != nil {
			return awarded, fmt.Errorf("badges: record award %s for user %d: %w", badge.Code, userID, err)
		}
		if !recorded {
			// A concurrent evaluation got there first; it already announced
			// this badge.
			continue
		}
		awarded = append(awarded, badge.Code)
	}
	return awarded, nil
}

// recordAward inserts the award row, reporting false when another run has
// already recorded the same (user, badge) pair.
func (s *Service) recordAward(ctx context.Context, userID, badgeID uint64) (bool, error) {
	award := UserBadge{UserID: userID, BadgeID: badgeID, AwardedAt: time.Now().UTC()}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&award)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) earnedBadgeIDs(ctx context.Context, userID uint64) (map[uint64]time.Time, error) {
	var rows []UserBadge
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("badges: load awards for user %d: %w", userID, err)
	}
	earned := make(map[uint64]time.Time, len(rows))
	for _, row := range rows {
		earned[row.BadgeID] = row.AwardedAt
	}
	return earned, nil
}

// CatalogEntry is a badge together with the caller's earned state.
type CatalogEntry struct {
	Badge
	Earned    bool       `json:"earned"`
	AwardedAt *time.Time `json:"awarded_at,omitempty"`
}

// CatalogForUser returns every badge with the user's earned state attached.
func (s *Service) CatalogForUser(ctx context.Context, userID uint64) ([]CatalogEntry, error) {
	var all []Badge
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("badges: load catalog: %w", err)
	}

	earned, err := s.earnedBadgeIDs(ctx, userID)
	if err != nil {
		return nil, err
	}

	entries := make([]CatalogEntry, 0, len(all))
	for i := range all {
		entry := CatalogEntry{Badge: all[i]}
		if at, has := earned[all[i].ID]; has {
			entry.Earned = true
			awardedAt := at
			entry.AwardedAt = &awardedAt
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
