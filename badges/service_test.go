package badges

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/spftececpereira/fabrica-de-livros-sub000/books"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "badges.db")), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Badge{}, &UserBadge{}, &books.Book{}))

	service := NewService(db)
	require.NoError(t, service.Seed(context.Background()))
	return service
}

func completeBooks(t *testing.T, service *Service, userID uint64, styles []string, pages int) {
	t.Helper()
	for i, style := range styles {
		book := books.Book{
			UserID:     userID,
			Title:      "Completed Book",
			Style:      style,
			PagesCount: pages,
			Status:     books.StatusCompleted,
		}
		require.NoError(t, service.db.Create(&book).Error, "book %d", i)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	service := newTestService(t)

	require.NoError(t, service.Seed(context.Background()))

	var count int64
	require.NoError(t, service.db.Model(&Badge{}).Count(&count).Error)
	assert.Equal(t, int64(len(catalog)), count)
}

func TestAwardFirstBook(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 1, []string{books.StyleCartoon}, 5)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"first_book"}, awarded)

	// A second evaluation awards nothing new.
	again, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestAwardThresholds(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	styles := make([]string, 5)
	for i := range styles {
		styles[i] = books.StyleCartoon
	}
	completeBooks(t, service, 1, styles, 5)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"first_book", "storyteller"}, awarded)
}

func TestAwardStyleExplorer(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 1, []string{
		books.StyleCartoon, books.StyleManga, books.StyleRealistic, books.StyleClassic,
	}, 5)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, awarded, "style_explorer")
	assert.NotContains(t, awarded, "storyteller")
}

func TestAwardMarathonAuthor(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 1, []string{books.StyleManga}, 20)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, awarded, "marathon_author")
}

func TestAwardIgnoresUnfinishedBooks(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	for _, status := range []string{books.StatusDraft, books.StatusGenerating, books.StatusFailed} {
		book := books.Book{UserID: 1, Title: "Unfinished", Style: books.StyleCartoon, PagesCount: 20, Status: status}
		require.NoError(t, service.db.Create(&book).Error)
	}

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, awarded)
}

func TestAwardScopesToUser(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 2, []string{books.StyleCartoon}, 5)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, awarded)
}

func TestRecordAwardReportsExistingRow(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	var badge Badge
	require.NoError(t, service.db.Where("code = ?", "first_book").First(&badge).Error)

	recorded, err := service.recordAward(ctx, 1, badge.ID)
	require.NoError(t, err)
	assert.True(t, recorded)

	// A second run racing the same award hits the unique (user, badge) pair
	// and must not report the badge again.
	recorded, err = service.recordAward(ctx, 1, badge.ID)
	require.NoError(t, err)
	assert.False(t, recorded)

	var count int64
	require.NoError(t, service.db.Model(&UserBadge{}).Where("user_id = ?", 1).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAwardSkipsRowInsertedByConcurrentRun(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 1, []string{books.StyleCartoon}, 5)

	var badge Badge
	require.NoError(t, service.db.Where("code = ?", "first_book").First(&badge).Error)
	require.NoError(t, service.db.Create(&UserBadge{UserID: 1, BadgeID: badge.ID, AwardedAt: time.Now().UTC()}).Error)

	awarded, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, awarded, "first_book")
}

func TestCatalogForUser(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	completeBooks(t, service, 1, []string{books.StyleCartoon}, 5)
	_, err := service.AwardForUser(ctx, 1)
	require.NoError(t, err)

	entries, err := service.CatalogForUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, len(catalog))

	earned := map[string]bool{}
	for _, entry := range entries {
		if entry.Earned {
			earned[entry.Code] = true
			assert.NotNil(t, entry.AwardedAt)
		} else {
			assert.Nil(t, entry.AwardedAt)
		}
	}
	assert.True(t, earned["first_book"])
	assert.False(t, earned["storyteller"])
}
