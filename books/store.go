package books

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// BookStore provides data access helpers for books and pages backed by GORM.
type BookStore struct {
	db *gorm.DB
}

// NewBookStore wraps the given database handle.
func NewBookStore(db *gorm.DB) *BookStore {
	return &BookStore{db: db}
}

// Create inserts a new book row.
func (s *BookStore) Create(ctx context.Context, book *Book) error {
	return s.db.WithContext(ctx).Create(book).Error
}

// FindOwned loads a book with its pages, scoped to the owning user. Missing
// and foreign-owned books are indistinguishable to the caller.
func (s *BookStore) FindOwned(ctx context.Context, bookID, userID uint64) (*Book, error) {
	var book Book
	err := s.db.WithContext(ctx).
		Preload("Pages", func(db *gorm.DB) *gorm.DB { return db.Order("pages.page_number ASC") }).
		Where("id = ? AND user_id = ?", bookID, userID).
		First(&book).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// FindByID loads a book with pages regardless of owner. Used by the
// generation loop, which already runs on behalf of the owner.
func (s *BookStore) FindByID(ctx context.Context, bookID uint64) (*Book, error) {
	var book Book
	err := s.db.WithContext(ctx).
		Preload("Pages", func(db *gorm.DB) *gorm.DB { return db.Order("pages.page_number ASC") }).
		Where("id = ?", bookID).
		First(&book).Error
	if err != nil {
		return nil, err
	}
	return &book, nil
}

// ListParams bound the list query.
type ListParams struct {
	Offset int
	Limit  int
	Status string
}

// ListOwned returns the user's books, newest first, without pages.
func (s *BookStore) ListOwned(ctx context.Context, userID uint64, params ListParams) ([]Book, error) {
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 100
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if status := strings.TrimSpace(params.Status); status != "" {
		tx = tx.Where("status = ?", status)
	}

	var rows []Book
	err := tx.Order("created_at DESC, id DESC").
		Offset(params.Offset).
		Limit(params.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// SearchOwned finds the user's books whose title or description matches the
// given term.
func (s *BookStore) SearchOwned(ctx context.Context, userID uint64, term string, limit int) ([]Book, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	pattern := "%" + strings.TrimSpace(term) + "%"

	var rows []Book
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("title LIKE ? OR description LIKE ?", pattern, pattern).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// Stats summarises the user's books per status.
type Stats struct {
	Total      int64 `json:"total"`
	Draft      int64 `json:"draft"`
	Generating int64 `json:"generating"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// StatsForUser computes per-status counts for the given user.
func (s *BookStore) StatsForUser(ctx context.Context, userID uint64) (Stats, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&Book{}).
		Select("status, COUNT(*) AS count").
		Where("user_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case StatusDraft:
			stats.Draft = r.Count
		case StatusGenerating:
			stats.Generating = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

// CountByUser returns how many books the user currently owns.
func (s *BookStore) CountByUser(ctx context.Context, userID uint64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Book{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// UpdateFields patches the given columns on an owned book.
func (s *BookStore) UpdateFields(ctx context.Context, bookID uint64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Book{}).Where("id = ?", bookID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TransitionStatus moves the book to a new status, enforcing the lifecycle
// transition table. The update is conditional on the expected current status
// so concurrent transitions cannot race past each other.
func (s *BookStore) TransitionStatus(ctx context.Context, bookID uint64, from, to string) error {
	if !CanTransition(from, to) {
		return ErrNotGeneratable
	}
	result := s.db.WithContext(ctx).
		Model(&Book{}).
		Where("id = ? AND status = ?", bookID, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetStatus force-writes a status together with an optional failure reason.
// The generation loop uses it for its terminal writes.
func (s *BookStore) SetStatus(ctx context.Context, bookID uint64, status string, failureReason *string) error {
	updates := map[string]interface{}{
		"status":         status,
		"failure_reason": failureReason,
		"updated_at":     time.Now().UTC(),
	}
	return s.db.WithContext(ctx).Model(&Book{}).Where("id = ?", bookID).Updates(updates).Error
}

// SetCoverImage records the stored cover artwork URL.
func (s *BookStore) SetCoverImage(ctx context.Context, bookID uint64, url string) error {
	return s.UpdateFields(ctx, bookID, map[string]interface{}{"cover_image": url})
}

// SetPDFFile records the stored PDF export URL.
func (s *BookStore) SetPDFFile(ctx context.Context, bookID uint64, url string) error {
	return s.UpdateFields(ctx, bookID, map[string]interface{}{"pdf_file": url})
}

// Delete removes the book and its pages.
func (s *BookStore) Delete(ctx context.Context, bookID uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", bookID).Delete(&Page{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", bookID).Delete(&Book{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ClearPages removes all pages of a book before a regeneration run.
func (s *BookStore) ClearPages(ctx context.Context, bookID uint64) error {
	return s.db.WithContext(ctx).Where("book_id = ?", bookID).Delete(&Page{}).Error
}

// CreatePage inserts a single page row as generation progresses.
func (s *BookStore) CreatePage(ctx context.Context, page *Page) error {
	return s.db.WithContext(ctx).Create(page).Error
}

// IsNotFound reports whether the error denotes a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
