package badges

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AccessGuard protects badge routes and identifies the calling user.
type AccessGuard interface {
	RequireAuthenticated() gin.HandlerFunc
	CurrentUserID(c *gin.Context) uint64
}

// Module serves the badge catalog and evaluates awards.
type Module struct {
	service *Service
	guard   AccessGuard
}

// NewModule assembles the badge module on an existing database handle,
// migrating and seeding the catalog.
func NewModule(db *gorm.DB, guard AccessGuard) (*Module, error) {
	if db == nil {
		return nil, errors.New("badges: database handle is required")
	}
	if guard == nil {
		return nil, errors.New("badges: access guard is required")
	}

	if err := db.AutoMigrate(&Badge{}, &UserBadge{}); err != nil {
		return nil, fmt.Errorf("badges: migrate schema: %w", err)
	}

	service := NewService(db)
	if err := service.Seed(context.Background()); err != nil {
		return nil, err
	}

	return &Module{service: service, guard: guard}, nil
}

// RegisterRoutes builds the badge module and mounts it on the router.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, guard AccessGuard) (*Module, error) {
	module, err := NewModule(db, guard)
	if err != nil {
		return nil, err
	}
	module.Mount(router)
	return module, nil
}

// Mount attaches the badge routes to the router.
func (m *Module) Mount(router *gin.Engine) {
	group := router.Group("/api/badges")
	group.Use(m.guard.RequireAuthenticated())
	{
		group.GET("", m.handleCatalog)
	}
}

// AwardForUser exposes the award evaluation to the generation pipeline.
func (m *Module) AwardForUser(ctx context.Context, userID uint64) ([]string, error) {
	return m.service.AwardForUser(ctx, userID)
}

func (m *Module) handleCatalog(c *gin.Context) {
	userID := m.guard.CurrentUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	entries, err := m.service.CatalogForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load badges"})
		return
	}

	earned := 0
	for _, entry := range entries {
		if entry.Earned {
			earned++
		}
	}
	c.JSON(http.StatusOK, gin.H{"badges": entries, "earned": earned, "total": len(entries)})
}
