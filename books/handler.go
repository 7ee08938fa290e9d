package books

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/spftececpereira/fabrica-de-livros-sub000/cache"
	"github.com/spftececpereira/fabrica-de-livros-sub000/imagegen"
	"github.com/spftececpereira/fabrica-de-livros-sub000/llm"
	"github.com/spftececpereira/fabrica-de-livros-sub000/mailer"
	"github.com/spftececpereira/fabrica-de-livros-sub000/notify"
	"github.com/spftececpereira/fabrica-de-livros-sub000/storage"
)

const presignTTL = 15 * time.Minute

// AccessGuard protects book routes and identifies the calling user.
type AccessGuard interface {
	RequireAuthenticated() gin.HandlerFunc
	CurrentUserID(c *gin.Context) uint64
}

// QuotaProvider reports how many books a user may own in total.
type QuotaProvider interface {
	BookQuota(ctx context.Context, userID uint64) (int, error)
}

// AccountDirectory is what the auth module offers the book module: quota
// lookups plus notification addresses.
type AccountDirectory interface {
	QuotaProvider
	RecipientResolver
}

// Module bundles the book endpoints with their generation pipeline.
type Module struct {
	db        *gorm.DB
	store     *BookStore
	guard     AccessGuard
	quota     QuotaProvider
	assets    AssetStore
	generator *Generator
	progress  *progressTracker
	hub       *notify.Hub
	upgrader  websocket.Upgrader
}

// NewModule assembles the book module from explicit collaborators. Optional
// pieces (assets, redis, awarder, mail) may be nil.
func NewModule(db *gorm.DB, guard AccessGuard, quota QuotaProvider, awarder BadgeAwarder, story StoryGenerator, images ImageGenerator, assets AssetStore, redisClient *redis.Client, hub *notify.Hub, mail Mailer, emails RecipientResolver) (*Module, error) {
	if db == nil {
		return nil, errors.New("books: database handle is required")
	}
	if guard == nil {
		return nil, errors.New("books: access guard is required")
	}

	if err := db.AutoMigrate(&Book{}, &Page{}); err != nil {
		return nil, fmt.Errorf("books: migrate schema: %w", err)
	}

	store := NewBookStore(db)
	progress := newProgressTracker(redisClient, hub)

	return &Module{
		db:        db,
		store:     store,
		guard:     guard,
		quota:     quota,
		assets:    assets,
		generator: NewGenerator(store, story, images, assets, progress, awarder, mail, emails),
		progress:  progress,
		hub:       hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// RegisterRoutes wires the book module from environment configuration and
// mounts it on the router.
func RegisterRoutes(router *gin.Engine, guard AccessGuard, accounts AccountDirectory, awarder BadgeAwarder) (*Module, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}

	chat, err := llm.NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}
	images, err := imagegen.NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	assetStorage, err := storage.NewAssetStorageFromEnv()
	if err != nil {
		return nil, err
	}
	var assets AssetStore
	if assetStorage != nil {
		assets = assetStorage
	} else {
		log.Printf("books: object storage not configured, artwork will not be persisted")
	}

	var redisClient *redis.Client
	if client, err := cache.GetRedisClient(); err != nil {
		log.Printf("books: redis unavailable, progress polling falls back to book status: %v", err)
	} else {
		redisClient = client
	}

	mailClient, err := mailer.NewMailerFromEnv()
	if err != nil {
		return nil, err
	}
	var mail Mailer
	var emails RecipientResolver
	if mailClient != nil {
		mail = mailClient
		emails = accounts
	} else {
		log.Printf("books: smtp not configured, outcome mail disabled")
	}

	module, err := NewModule(db, guard, accounts, awarder, chat, images, assets, redisClient, notify.NewHub(), mail, emails)
	if err != nil {
		return nil, err
	}
	module.Mount(router)
	return module, nil
}

// Mount attaches the book routes to the router.
func (m *Module) Mount(router *gin.Engine) {
	group := router.Group("/api/books")
	group.Use(m.guard.RequireAuthenticated())
	{
		group.POST("", m.handleCreate)
		group.GET("", m.handleList)
		group.GET("/search", m.handleSearch)
		group.GET("/stats", m.handleStats)
		group.GET("/:id", m.handleGet)
		group.PUT("/:id", m.handleUpdate)
		group.DELETE("/:id", m.handleDelete)
		group.POST("/:id/generate", m.handleGenerate)
		group.GET("/:id/progress", m.handleProgress)
		group.GET("/:id/events", m.handleEvents)
		group.GET("/:id/pdf", m.handlePDF)
	}
}

// Hub exposes the notification hub so other modules can push events to the
// same websocket listeners.
func (m *Module) Hub() *notify.Hub {
	return m.hub
}

// DB exposes the shared database handle.
func (m *Module) DB() *gorm.DB {
	return m.db
}

type createBookRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description *string `json:"description"`
	Style       string  `json:"style" binding:"required"`
	PagesCount  int     `json:"pages_count" binding:"required"`
}

func (m *Module) handleCreate(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req createBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	book := &Book{
		UserID:     userID,
		Title:      strings.TrimSpace(req.Title),
		Style:      strings.TrimSpace(req.Style),
		PagesCount: req.PagesCount,
		Status:     StatusGenerating,
	}
	if req.Description != nil {
		if desc := strings.TrimSpace(*req.Description); desc != "" {
			book.Description = &desc
		}
	}

	if err := validateBookInput(book); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := m.enforceQuota(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.JSON(http.StatusForbidden, gin.H{"error": ErrQuotaExceeded.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check book quota"})
		return
	}

	if err := m.store.Create(c.Request.Context(), book); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create book"})
		return
	}

	go m.generator.Run(context.Background(), book.ID, userID)

	c.JSON(http.StatusCreated, gin.H{"book": m.presentBook(c.Request.Context(), book)})
}

func (m *Module) handleList(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)

	params := ListParams{Status: c.Query("status")}
	if raw := c.Query("offset"); raw != "" {
		params.Offset, _ = strconv.Atoi(raw)
	}
	if raw := c.Query("limit"); raw != "" {
		params.Limit, _ = strconv.Atoi(raw)
	}

	rows, err := m.store.ListOwned(c.Request.Context(), userID, params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list books"})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, m.presentBook(c.Request.Context(), &rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"books": items, "count": len(items)})
}

func (m *Module) handleSearch(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)

	term := strings.TrimSpace(c.Query("q"))
	if len(term) < 3 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "search term must be at least 3 characters"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	rows, err := m.store.SearchOwned(c.Request.Context(), userID, term, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search books"})
		return
	}

	items := make([]gin.H, 0, len(rows))
	for i := range rows {
		items = append(items, m.presentBook(c.Request.Context(), &rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"books": items, "count": len(items)})
}

func (m *Module) handleStats(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)

	stats, err := m.store.StatsForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (m *Module) handleGet(c *gin.Context) {
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"book": m.presentBook(c.Request.Context(), book)})
}

type updateBookRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Style       *string `json:"style"`
	PagesCount  *int    `json:"pages_count"`
}

func (m *Module) handleUpdate(c *gin.Context) {
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}
	if !book.IsEditable() {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotEditable.Error()})
		return
	}

	var req updateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if err := ValidateTitle(title); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["title"] = title
	}
	if req.Description != nil {
		desc := strings.TrimSpace(*req.Description)
		if err := ValidateDescription(desc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if desc == "" {
			updates["description"] = nil
		} else {
			updates["description"] = desc
		}
	}
	if req.Style != nil {
		style := strings.TrimSpace(*req.Style)
		if err := ValidateStyle(style); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["style"] = style
	}
	if req.PagesCount != nil {
		if err := ValidatePagesCount(*req.PagesCount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		updates["pages_count"] = *req.PagesCount
	}

	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	if err := m.store.UpdateFields(c.Request.Context(), book.ID, updates); err != nil {
		if IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "book not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update book"})
		return
	}

	updated, err := m.store.FindOwned(c.Request.Context(), book.ID, book.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load book"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"book": m.presentBook(c.Request.Context(), updated)})
}

func (m *Module) handleDelete(c *gin.Context) {
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}
	if book.Status == StatusGenerating {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotDeletable.Error()})
		return
	}

	if err := m.store.Delete(c.Request.Context(), book.ID); err != nil {
		if IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "book not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete book"})
		return
	}

	m.removeAssets(c.Request.Context(), book)

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleGenerate(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}

	if !CanTransition(book.Status, StatusGenerating) {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotGeneratable.Error()})
		return
	}
	if err := m.store.TransitionStatus(c.Request.Context(), book.ID, book.Status, StatusGenerating); err != nil {
		if IsNotFound(err) {
			// Someone else moved the book first.
			c.JSON(http.StatusConflict, gin.H{"error": ErrNotGeneratable.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start generation"})
		return
	}

	go m.generator.Run(context.Background(), book.ID, userID)

	c.JSON(http.StatusAccepted, gin.H{"book_id": book.ID, "status": StatusGenerating})
}

func (m *Module) handleProgress(c *gin.Context) {
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}

	if state, found := m.progress.Get(c.Request.Context(), book.ID); found {
		c.JSON(http.StatusOK, gin.H{"progress": state})
		return
	}

	// No cached state; derive a terminal snapshot from the book row.
	state := ProgressState{
		BookID:    book.ID,
		Status:    book.Status,
		UpdatedAt: book.UpdatedAt,
	}
	switch book.Status {
	case StatusCompleted:
		state.Progress = 100
	case StatusFailed:
		state.Progress = 100
		if book.FailureReason != nil {
			state.Message = *book.FailureReason
		}
	}
	c.JSON(http.StatusOK, gin.H{"progress": state})
}

func (m *Module) handleEvents(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}
	if m.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := m.hub.Subscribe(userID)
	defer unsubscribe()

	// Drain client frames so close handshakes are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, open := <-events:
			if !open {
				return
			}
			if event.BookID != 0 && event.BookID != book.ID {
				continue
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (m *Module) handlePDF(c *gin.Context) {
	book, ok := m.ownedBook(c)
	if !ok {
		return
	}
	if book.Status != StatusCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": ErrNotCompleted.Error()})
		return
	}

	data, err := BuildPDF(c.Request.Context(), book, m.assets)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render pdf"})
		return
	}

	if m.assets != nil {
		if url, err := m.assets.Upload(c.Request.Context(), data, "application/pdf", "books", fmt.Sprintf("%d", book.ID), "export"); err != nil {
			log.Printf("books: store pdf for book %d failed: %v", book.ID, err)
		} else if err := m.store.SetPDFFile(c.Request.Context(), book.ID, url); err != nil {
			log.Printf("books: record pdf for book %d failed: %v", book.ID, err)
		} else if book.PDFFile != nil && *book.PDFFile != url {
			// The superseded export would otherwise linger in storage.
			if err := m.assets.Remove(c.Request.Context(), *book.PDFFile); err != nil {
				log.Printf("books: remove stale pdf of book %d failed: %v", book.ID, err)
			}
		}
	}

	filename := fmt.Sprintf("%s.pdf", sanitizeFilename(book.Title))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", data)
}

// ownedBook resolves the :id parameter to a book owned by the caller,
// writing the error response itself when that fails.
func (m *Module) ownedBook(c *gin.Context) (*Book, bool) {
	userID := m.guard.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return nil, false
	}

	bookID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || bookID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid book id"})
		return nil, false
	}

	book, err := m.store.FindOwned(c.Request.Context(), bookID, userID)
	if err != nil {
		if IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "book not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load book"})
		return nil, false
	}
	return book, true
}

func (m *Module) enforceQuota(ctx context.Context, userID uint64) error {
	if m.quota == nil {
		return nil
	}
	limit, err := m.quota.BookQuota(ctx, userID)
	if err != nil {
		return err
	}
	count, err := m.store.CountByUser(ctx, userID)
	if err != nil {
		return err
	}
	if count >= int64(limit) {
		return ErrQuotaExceeded
	}
	return nil
}

// presentBook converts a book row to its response shape, swapping stored
// asset URLs for short-lived presigned ones.
func (m *Module) presentBook(ctx context.Context, book *Book) gin.H {
	out := gin.H{
		"id":          book.ID,
		"title":       book.Title,
		"style":       book.Style,
		"pages_count": book.PagesCount,
		"status":      book.Status,
		"created_at":  book.CreatedAt,
		"updated_at":  book.UpdatedAt,
	}
	if book.Description != nil {
		out["description"] = *book.Description
	}
	if book.FailureReason != nil {
		out["failure_reason"] = *book.FailureReason
	}
	if book.CoverImage != nil {
		out["cover_image"] = m.presign(ctx, *book.CoverImage)
	}
	if book.PDFFile != nil {
		out["pdf_file"] = m.presign(ctx, *book.PDFFile)
	}

	if len(book.Pages) > 0 {
		pages := make([]gin.H, 0, len(book.Pages))
		for i := range book.Pages {
			page := &book.Pages[i]
			entry := gin.H{"id": page.ID, "page_number": page.PageNumber}
			if page.TextContent != nil {
				entry["text_content"] = *page.TextContent
			}
			if page.ImagePrompt != nil {
				entry["image_prompt"] = *page.ImagePrompt
			}
			if page.ImageURL != nil {
				entry["image_url"] = m.presign(ctx, *page.ImageURL)
			}
			pages = append(pages, entry)
		}
		out["pages"] = pages
	}
	return out
}

func (m *Module) presign(ctx context.Context, raw string) string {
	if m.assets == nil {
		return raw
	}
	signed, err := m.assets.PresignedURL(ctx, raw, presignTTL)
	if err != nil {
		return raw
	}
	return signed
}

// removeAssets best-effort cleans up stored artwork after a delete.
func (m *Module) removeAssets(ctx context.Context, book *Book) {
	if m.assets == nil {
		return
	}
	if book.CoverImage != nil {
		if err := m.assets.Remove(ctx, *book.CoverImage); err != nil {
			log.Printf("books: remove cover of book %d failed: %v", book.ID, err)
		}
	}
	if book.PDFFile != nil {
		if err := m.assets.Remove(ctx, *book.PDFFile); err != nil {
			log.Printf("books: remove pdf of book %d failed: %v", book.ID, err)
		}
	}
	for i := range book.Pages {
		if url := book.Pages[i].ImageURL; url != nil {
			if err := m.assets.Remove(ctx, *url); err != nil {
				log.Printf("books: remove page artwork of book %d failed: %v", book.ID, err)
			}
		}
	}
}

func validateBookInput(book *Book) error {
	if err := ValidateTitle(book.Title); err != nil {
		return err
	}
	if book.Description != nil {
		if err := ValidateDescription(*book.Description); err != nil {
			return err
		}
	}
	if err := ValidateStyle(book.Style); err != nil {
		return err
	}
	return ValidatePagesCount(book.PagesCount)
}

func sanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_':
			return '-'
		default:
			return -1
		}
	}, strings.TrimSpace(name))
	if cleaned == "" {
		return "coloring-book"
	}
	return cleaned
}
