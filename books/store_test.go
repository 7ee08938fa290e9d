package books

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *BookStore {
	t.Helper()
	db, err := openDatabase("sqlite", filepath.Join(t.TempDir(), "books.db"))
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Book{}, &Page{}))
	return NewBookStore(db)
}

func seedBook(t *testing.T, store *BookStore, userID uint64, title, style, status string, pages int) *Book {
	t.Helper()
	book := &Book{
		UserID:     userID,
		Title:      title,
		Style:      style,
		PagesCount: pages,
		Status:     status,
	}
	require.NoError(t, store.Create(context.Background(), book))
	return book
}

func TestFindOwnedScopesToOwner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := seedBook(t, store, 1, "Dragon Tales", StyleCartoon, StatusDraft, 5)

	found, err := store.FindOwned(ctx, book.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, book.ID, found.ID)

	_, err = store.FindOwned(ctx, book.ID, 2)
	assert.True(t, IsNotFound(err))

	_, err = store.FindOwned(ctx, 9999, 1)
	assert.True(t, IsNotFound(err))
}

func TestFindOwnedOrdersPages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := seedBook(t, store, 1, "Space Cats", StyleManga, StatusCompleted, 5)
	for _, n := range []int{3, 1, 2} {
		require.NoError(t, store.CreatePage(ctx, &Page{BookID: book.ID, PageNumber: n}))
	}

	found, err := store.FindOwned(ctx, book.ID, 1)
	require.NoError(t, err)
	require.Len(t, found.Pages, 3)
	assert.Equal(t, 1, found.Pages[0].PageNumber)
	assert.Equal(t, 2, found.Pages[1].PageNumber)
	assert.Equal(t, 3, found.Pages[2].PageNumber)
}

func TestListOwnedFiltersByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBook(t, store, 1, "Book One", StyleCartoon, StatusCompleted, 5)
	seedBook(t, store, 1, "Book Two", StyleManga, StatusDraft, 5)
	seedBook(t, store, 2, "Other User", StyleClassic, StatusCompleted, 5)

	all, err := store.ListOwned(ctx, 1, ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	completed, err := store.ListOwned(ctx, 1, ListParams{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "Book One", completed[0].Title)
}

func TestSearchOwnedMatchesTitleAndDescription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	desc := "an underwater journey with a brave octopus"
	book := seedBook(t, store, 1, "Ocean Friends", StyleRealistic, StatusCompleted, 8)
	require.NoError(t, store.UpdateFields(ctx, book.ID, map[string]interface{}{"description": desc}))
	seedBook(t, store, 1, "Forest Walk", StyleClassic, StatusDraft, 5)

	byTitle, err := store.SearchOwned(ctx, 1, "Ocean", 0)
	require.NoError(t, err)
	assert.Len(t, byTitle, 1)

	byDescription, err := store.SearchOwned(ctx, 1, "octopus", 0)
	require.NoError(t, err)
	assert.Len(t, byDescription, 1)

	none, err := store.SearchOwned(ctx, 1, "spaceship", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStatsForUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBook(t, store, 1, "Book One", StyleCartoon, StatusCompleted, 5)
	seedBook(t, store, 1, "Book Two", StyleManga, StatusCompleted, 5)
	seedBook(t, store, 1, "Book Three", StyleClassic, StatusFailed, 5)
	seedBook(t, store, 2, "Not Mine", StyleCartoon, StatusCompleted, 5)

	stats, err := store.StatsForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Generating)
}

func TestTransitionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := seedBook(t, store, 1, "Lifecycle", StyleCartoon, StatusDraft, 5)

	require.NoError(t, store.TransitionStatus(ctx, book.ID, StatusDraft, StatusGenerating))

	// A repeat of the same transition no longer matches the expected status.
	err := store.TransitionStatus(ctx, book.ID, StatusDraft, StatusGenerating)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	// Disallowed transitions are rejected before touching the database.
	// A running generation cannot be wound back to draft.
	err = store.TransitionStatus(ctx, book.ID, StatusGenerating, StatusDraft)
	assert.ErrorIs(t, err, ErrNotGeneratable)

	require.NoError(t, store.TransitionStatus(ctx, book.ID, StatusGenerating, StatusCompleted))
}

func TestSetStatusWritesFailureReason(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := seedBook(t, store, 1, "Doomed", StyleManga, StatusGenerating, 5)

	reason := "story generation failed"
	require.NoError(t, store.SetStatus(ctx, book.ID, StatusFailed, &reason))

	found, err := store.FindByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, found.Status)
	require.NotNil(t, found.FailureReason)
	assert.Equal(t, reason, *found.FailureReason)

	// Moving back to a healthy status clears the reason.
	require.NoError(t, store.SetStatus(ctx, book.ID, StatusCompleted, nil))
	found, err = store.FindByID(ctx, book.ID)
	require.NoError(t, err)
	assert.Nil(t, found.FailureReason)
}

func TestDeleteRemovesPages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	book := seedBook(t, store, 1, "Short Lived", StyleClassic, StatusCompleted, 5)
	require.NoError(t, store.CreatePage(ctx, &Page{BookID: book.ID, PageNumber: 1}))
	require.NoError(t, store.CreatePage(ctx, &Page{BookID: book.ID, PageNumber: 2}))

	require.NoError(t, store.Delete(ctx, book.ID))

	_, err := store.FindByID(ctx, book.ID)
	assert.True(t, IsNotFound(err))

	var count int64
	require.NoError(t, store.db.Model(&Page{}).Where("book_id = ?", book.ID).Count(&count).Error)
	assert.Zero(t, count)

	assert.True(t, IsNotFound(store.Delete(ctx, book.ID)))
}

func TestCountByUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedBook(t, store, 1, "Book One", StyleCartoon, StatusDraft, 5)
	seedBook(t, store, 1, "Book Two", StyleManga, StatusCompleted, 5)

	count, err := store.CountByUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.CountByUser(ctx, 42)
	require.NoError(t, err)
	assert.Zero(t, count)
}
