package books

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Book lifecycle statuses.
const (
	StatusDraft      = "draft"
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Preset art styles accepted for a coloring book.
const (
	StyleCartoon   = "cartoon"
	StyleManga     = "manga"
	StyleRealistic = "realistic"
	StyleClassic   = "classic"
)

// Business limits for book creation and page content.
const (
	MinPages          = 5
	MaxPages          = 20
	MinTitleLen       = 3
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
)

var (
	ErrInvalidTitle       = errors.New("books: title must be between 3 and 200 characters")
	ErrInvalidDescription = errors.New("books: description must be at most 1000 characters")
	ErrInvalidPagesCount  = fmt.Errorf("books: page count must be between %d and %d", MinPages, MaxPages)
	ErrInvalidStyle       = errors.New("books: style must be one of cartoon, manga, realistic, classic")
	ErrNotEditable        = errors.New("books: book can only be edited while draft or failed")
	ErrNotDeletable       = errors.New("books: book cannot be deleted while generating")
	ErrNotGeneratable     = errors.New("books: generation cannot start from the current status")
	ErrNotCompleted       = errors.New("books: book must be completed")
	ErrQuotaExceeded      = errors.New("books: book quota exceeded")
)

// validTransitions mirrors the book lifecycle: a draft is either sent to the
// generator or abandoned, a generating book always resolves to completed or
// failed, and completed/failed books may be regenerated. There is no cancel:
// once a run starts it finishes in a terminal state.
var validTransitions = map[string][]string{
	StatusDraft:      {StatusGenerating, StatusFailed},
	StatusGenerating: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusGenerating},
	StatusFailed:     {StatusDraft, StatusGenerating},
}

// CanTransition reports whether a book may move from one status to another.
func CanTransition(from, to string) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stylePrompts carry the art direction passed to the image model. All four
// presets force black-and-white outline output suitable for coloring.
var stylePrompts = map[string]string{
	StyleCartoon:   "playful cartoon style, bold rounded outlines, simple friendly shapes",
	StyleManga:     "manga style, expressive characters, clean ink lines, screentone-free",
	StyleRealistic: "realistic style, accurate proportions, fine detailed line work",
	StyleClassic:   "classic storybook style, vintage engraving-inspired outlines",
}

// IsValidStyle reports whether the style is one of the four presets.
func IsValidStyle(style string) bool {
	_, ok := stylePrompts[style]
	return ok
}

// StylePrompt builds the full image-model prompt for a page scene in the
// given preset style.
func StylePrompt(style, scene string) string {
	direction, ok := stylePrompts[style]
	if !ok {
		direction = stylePrompts[StyleClassic]
	}
	return fmt.Sprintf(
		"Black and white coloring book page, %s. Scene: %s. Clean line art on a plain white background, no shading, no color, no text.",
		direction, strings.TrimSpace(scene),
	)
}

// Book is a user-owned coloring book and the root of the generation flow.
type Book struct {
	ID            uint64    `gorm:"primaryKey" json:"id"`
	UserID        uint64    `gorm:"not null;index:idx_books_user_status" json:"user_id"`
	Title         string    `gorm:"size:200;not null" json:"title"`
	Description   *string   `gorm:"size:1000" json:"description,omitempty"`
	Style         string    `gorm:"size:20;not null" json:"style"`
	PagesCount    int       `gorm:"not null" json:"pages_count"`
	Status        string    `gorm:"size:20;not null;default:'draft';index:idx_books_user_status" json:"status"`
	CoverImage    *string   `gorm:"size:512" json:"cover_image,omitempty"`
	PDFFile       *string   `gorm:"size:512" json:"pdf_file,omitempty"`
	FailureReason *string   `gorm:"type:text" json:"failure_reason,omitempty"`
	Pages         []Page    `gorm:"constraint:OnDelete:CASCADE" json:"pages,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName fixes the storage table for Book.
func (Book) TableName() string {
	return "books"
}

// IsEditable reports whether the book accepts metadata updates.
func (b *Book) IsEditable() bool {
	return b.Status == StatusDraft || b.Status == StatusFailed
}

// Page is a single sheet of a book: narration plus generated line art.
type Page struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	BookID      uint64    `gorm:"not null;uniqueIndex:idx_pages_book_number" json:"book_id"`
	PageNumber  int       `gorm:"not null;uniqueIndex:idx_pages_book_number" json:"page_number"`
	TextContent *string   `gorm:"type:text" json:"text_content,omitempty"`
	ImagePrompt *string   `gorm:"size:1000" json:"image_prompt,omitempty"`
	ImageURL    *string   `gorm:"size:512" json:"image_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName fixes the storage table for Page.
func (Page) TableName() string {
	return "pages"
}

// ValidateTitle checks the title length bounds.
func ValidateTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if len(trimmed) < MinTitleLen || len(trimmed) > MaxTitleLen {
		return ErrInvalidTitle
	}
	return nil
}

// ValidateDescription checks the optional description length bound.
func ValidateDescription(description string) error {
	if len(strings.TrimSpace(description)) > MaxDescriptionLen {
		return ErrInvalidDescription
	}
	return nil
}

// ValidatePagesCount checks the page count bounds.
func ValidatePagesCount(count int) error {
	if count < MinPages || count > MaxPages {
		return ErrInvalidPagesCount
	}
	return nil
}

// ValidateStyle checks the style against the preset set.
func ValidateStyle(style string) error {
	if !IsValidStyle(style) {
		return ErrInvalidStyle
	}
	return nil
}
