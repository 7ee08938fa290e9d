package books

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spftececpereira/fabrica-de-livros-sub000/notify"
)

type stubGuard struct {
	userID uint64
}

func (g *stubGuard) RequireAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) { c.Next() }
}

func (g *stubGuard) CurrentUserID(c *gin.Context) uint64 {
	return g.userID
}

type stubQuota struct {
	limit int
}

func (q *stubQuota) BookQuota(ctx context.Context, userID uint64) (int, error) {
	return q.limit, nil
}

type moduleFixture struct {
	module *Module
	router *gin.Engine
	guard  *stubGuard
	quota  *stubQuota
	story  *stubStory
	images *stubImages
	assets *stubAssets
}

func newModuleFixture(t *testing.T) *moduleFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := openDatabase("sqlite", filepath.Join(t.TempDir(), "books.db"))
	require.NoError(t, err)

	guard := &stubGuard{userID: 1}
	quota := &stubQuota{limit: 5}
	story := &stubStory{pages: storyPages(5)}
	images := &stubImages{}
	assets := newStubAssets()

	module, err := NewModule(db, guard, quota, nil, story, images, assets, nil, notify.NewHub(), nil, nil)
	require.NoError(t, err)

	router := gin.New()
	module.Mount(router)

	return &moduleFixture{
		module: module,
		router: router,
		guard:  guard,
		quota:  quota,
		story:  story,
		images: images,
		assets: assets,
	}
}

func (f *moduleFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *moduleFixture) seed(t *testing.T, status string) *Book {
	t.Helper()
	book := &Book{
		UserID:     f.guard.userID,
		Title:      "Seeded Book",
		Style:      StyleCartoon,
		PagesCount: 5,
		Status:     status,
	}
	require.NoError(t, f.module.store.Create(context.Background(), book))
	return book
}

func waitForStatus(t *testing.T, store *BookStore, bookID uint64, want string) *Book {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		book, err := store.FindByID(context.Background(), bookID)
		require.NoError(t, err)
		if book.Status == want {
			return book
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("book %d never reached status %s", bookID, want)
	return nil
}

func TestHandleCreateRunsGeneration(t *testing.T) {
	f := newModuleFixture(t)

	rec := f.do(http.MethodPost, "/api/books", gin.H{
		"title":       "Dragon Tales",
		"description": "a friendly dragon learns to fly",
		"style":       StyleCartoon,
		"pages_count": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Book struct {
			ID     uint64 `json:"id"`
			Status string `json:"status"`
		} `json:"book"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusGenerating, resp.Book.Status)

	book := waitForStatus(t, f.module.store, resp.Book.ID, StatusCompleted)
	assert.Len(t, book.Pages, 5)
}

func TestHandleCreateValidation(t *testing.T) {
	f := newModuleFixture(t)

	cases := []gin.H{
		{"title": "ab", "style": StyleCartoon, "pages_count": 5},
		{"title": "Valid Title", "style": "watercolor", "pages_count": 5},
		{"title": "Valid Title", "style": StyleManga, "pages_count": 4},
		{"title": "Valid Title", "style": StyleManga, "pages_count": 21},
	}
	for _, payload := range cases {
		rec := f.do(http.MethodPost, "/api/books", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %v", payload)
	}
}

func TestHandleCreateEnforcesQuota(t *testing.T) {
	f := newModuleFixture(t)
	f.quota.limit = 1
	f.seed(t, StatusCompleted)

	rec := f.do(http.MethodPost, "/api/books", gin.H{
		"title":       "One Too Many",
		"style":       StyleManga,
		"pages_count": 5,
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleGetScopesToOwner(t *testing.T) {
	f := newModuleFixture(t)
	book := f.seed(t, StatusCompleted)

	rec := f.do(http.MethodGet, fmt.Sprintf("/api/books/%d", book.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.guard.userID = 2
	rec = f.do(http.MethodGet, fmt.Sprintf("/api/books/%d", book.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/books/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleUpdateOnlyWhenEditable(t *testing.T) {
	f := newModuleFixture(t)

	draft := f.seed(t, StatusDraft)
	rec := f.do(http.MethodPut, fmt.Sprintf("/api/books/%d", draft.ID), gin.H{"title": "New Title"})
	assert.Equal(t, http.StatusOK, rec.Code)

	generating := f.seed(t, StatusGenerating)
	rec = f.do(http.MethodPut, fmt.Sprintf("/api/books/%d", generating.ID), gin.H{"title": "New Title"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPut, fmt.Sprintf("/api/books/%d", draft.ID), gin.H{"style": "watercolor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPut, fmt.Sprintf("/api/books/%d", draft.ID), gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeleteBlocksGenerating(t *testing.T) {
	f := newModuleFixture(t)

	generating := f.seed(t, StatusGenerating)
	rec := f.do(http.MethodDelete, fmt.Sprintf("/api/books/%d", generating.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	completed := f.seed(t, StatusCompleted)
	rec = f.do(http.MethodDelete, fmt.Sprintf("/api/books/%d", completed.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, fmt.Sprintf("/api/books/%d", completed.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGenerateRestartsFailedBook(t *testing.T) {
	f := newModuleFixture(t)
	book := f.seed(t, StatusFailed)

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/books/%d/generate", book.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	waitForStatus(t, f.module.store, book.ID, StatusCompleted)
}

func TestHandleGenerateRejectsGeneratingBook(t *testing.T) {
	f := newModuleFixture(t)
	book := f.seed(t, StatusGenerating)

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/books/%d/generate", book.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleSearchRequiresTerm(t *testing.T) {
	f := newModuleFixture(t)

	rec := f.do(http.MethodGet, "/api/books/search?q=ab", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.seed(t, StatusCompleted)
	rec = f.do(http.MethodGet, "/api/books/search?q=Seeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestHandleStats(t *testing.T) {
	f := newModuleFixture(t)
	f.seed(t, StatusCompleted)
	f.seed(t, StatusFailed)

	rec := f.do(http.MethodGet, "/api/books/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Stats.Total)
	assert.Equal(t, int64(1), resp.Stats.Completed)
	assert.Equal(t, int64(1), resp.Stats.Failed)
}

func TestHandleProgressFallsBackToBookStatus(t *testing.T) {
	f := newModuleFixture(t)
	book := f.seed(t, StatusCompleted)

	rec := f.do(http.MethodGet, fmt.Sprintf("/api/books/%d/progress", book.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Progress ProgressState `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusCompleted, resp.Progress.Status)
	assert.Equal(t, 100, resp.Progress.Progress)
}

func TestHandlePDFRequiresCompletedBook(t *testing.T) {
	f := newModuleFixture(t)

	draft := f.seed(t, StatusDraft)
	rec := f.do(http.MethodGet, fmt.Sprintf("/api/books/%d/pdf", draft.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	completed := f.seed(t, StatusCompleted)
	rec = f.do(http.MethodGet, fmt.Sprintf("/api/books/%d/pdf", completed.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF", rec.Body.String()[:4])

	stored, err := f.module.store.FindByID(context.Background(), completed.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.PDFFile)
}

func TestHandlePDFReplacesPreviousExport(t *testing.T) {
	f := newModuleFixture(t)
	book := f.seed(t, StatusCompleted)

	rec := f.do(http.MethodGet, fmt.Sprintf("/api/books/%d/pdf", book.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	first, err := f.module.store.FindByID(context.Background(), book.ID)
	require.NoError(t, err)
	require.NotNil(t, first.PDFFile)
	firstURL := *first.PDFFile

	rec = f.do(http.MethodGet, fmt.Sprintf("/api/books/%d/pdf", book.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	second, err := f.module.store.FindByID(context.Background(), book.ID)
	require.NoError(t, err)
	require.NotNil(t, second.PDFFile)
	assert.NotEqual(t, firstURL, *second.PDFFile)

	// The superseded export is removed from storage.
	assert.Contains(t, f.assets.removed, firstURL)
}
