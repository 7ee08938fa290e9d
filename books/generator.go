package books

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spftececpereira/fabrica-de-livros-sub000/llm"
	"github.com/spftececpereira/fabrica-de-livros-sub000/notify"
)

const maxProviderAttempts = 3

var baseRetryDelay = 2 * time.Second

// StoryGenerator produces the page-by-page narrative for a book.
type StoryGenerator interface {
	GenerateStory(ctx context.Context, req llm.StoryRequest) ([]llm.StoryPage, error)
}

// ImageGenerator renders a single illustration for a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// AssetStore persists generated artwork and exports.
type AssetStore interface {
	Upload(ctx context.Context, data []byte, contentType string, pathSegments ...string) (string, error)
	Download(ctx context.Context, assetURL string) ([]byte, error)
	Remove(ctx context.Context, assetURL string) error
	PresignedURL(ctx context.Context, raw string, expiry time.Duration) (string, error)
}

// BadgeAwarder re-evaluates a user's achievements after a successful
// generation and returns the codes of any newly earned badges.
type BadgeAwarder interface {
	AwardForUser(ctx context.Context, userID uint64) ([]string, error)
}

// Mailer delivers generation outcomes and badge awards by email.
type Mailer interface {
	SendBookCompleted(ctx context.Context, to, bookTitle string) error
	SendBookFailed(ctx context.Context, to, bookTitle, reason string) error
	SendBadgeEarned(ctx context.Context, to, badgeName string) error
}

// RecipientResolver looks up the address notifications for a user go to.
type RecipientResolver interface {
	UserEmail(ctx context.Context, userID uint64) (string, error)
}

// Generator runs the book generation pipeline: one story call, one cover
// image, then one image per page, each written to the database as it
// arrives. Provider calls are retried with exponential backoff; a failed
// page illustration is logged and skipped rather than aborting the run.
type Generator struct {
	store    *BookStore
	story    StoryGenerator
	images   ImageGenerator
	assets   AssetStore
	progress *progressTracker
	badges   BadgeAwarder
	mail     Mailer
	emails   RecipientResolver
}

// NewGenerator wires the generation pipeline. assets, badges and mail may be
// nil; the pipeline then skips uploads, badge evaluation and email delivery
// respectively.
func NewGenerator(store *BookStore, story StoryGenerator, images ImageGenerator, assets AssetStore, progress *progressTracker, badges BadgeAwarder, mail Mailer, emails RecipientResolver) *Generator {
	return &Generator{
		store:    store,
		story:    story,
		images:   images,
		assets:   assets,
		progress: progress,
		badges:   badges,
		mail:     mail,
		emails:   emails,
	}
}

// Run executes the pipeline for one book. It is meant to be launched on its
// own goroutine; every outcome is written back to the book row.
func (g *Generator) Run(ctx context.Context, bookID, userID uint64) {
	book, err := g.store.FindByID(ctx, bookID)
	if err != nil {
		log.Printf("books: generation aborted, load book %d: %v", bookID, err)
		return
	}

	if book.Status != StatusGenerating {
		if err := g.store.TransitionStatus(ctx, bookID, book.Status, StatusGenerating); err != nil {
			log.Printf("books: generation aborted, book %d not transitionable from %s: %v", bookID, book.Status, err)
			return
		}
	}

	g.publish(ctx, userID, bookID, StatusGenerating, 5, "starting generation")

	pages, err := g.generateStory(ctx, book)
	if err != nil {
		g.fail(ctx, userID, book, fmt.Errorf("story generation failed: %w", err))
		return
	}
	g.publish(ctx, userID, bookID, StatusGenerating, 25, "story written")

	if err := g.store.ClearPages(ctx, bookID); err != nil {
		g.fail(ctx, userID, book, fmt.Errorf("clear previous pages: %w", err))
		return
	}
	g.removePageArtwork(ctx, book)

	g.generateCover(ctx, userID, book)
	g.publish(ctx, userID, bookID, StatusGenerating, 35, "cover ready")

	total := len(pages)
	illustrated := 0
	for idx, storyPage := range pages {
		pageNumber := idx + 1
		page := &Page{BookID: bookID, PageNumber: pageNumber}
		if text := strings.TrimSpace(storyPage.Text); text != "" {
			page.TextContent = &text
		}
		if prompt := strings.TrimSpace(storyPage.ImagePrompt); prompt != "" {
			page.ImagePrompt = &prompt
		}

		if url, err := g.illustratePage(ctx, book, storyPage, pageNumber); err != nil {
			// The page keeps its narration; the reader just gets no
			// illustration for this sheet.
			log.Printf("books: illustrate page %d of book %d failed: %v", pageNumber, bookID, err)
		} else if url != "" {
			page.ImageURL = &url
			illustrated++
		}

		if err := g.store.CreatePage(ctx, page); err != nil {
			g.fail(ctx, userID, book, fmt.Errorf("save page %d: %w", pageNumber, err))
			return
		}

		progress := 35 + (60*pageNumber)/total
		g.publish(ctx, userID, bookID, StatusGenerating, progress, fmt.Sprintf("page %d of %d ready", pageNumber, total))
	}

	if err := g.store.SetStatus(ctx, bookID, StatusCompleted, nil); err != nil {
		log.Printf("books: mark book %d completed failed: %v", bookID, err)
		return
	}
	g.publish(ctx, userID, bookID, StatusCompleted, 100,
		fmt.Sprintf("book completed, %d of %d pages illustrated", illustrated, total))

	recipient := g.recipient(ctx, userID)
	if recipient != "" {
		if err := g.mail.SendBookCompleted(ctx, recipient, book.Title); err != nil {
			log.Printf("books: completion mail for book %d failed: %v", bookID, err)
		}
	}

	g.awardBadges(ctx, userID, recipient)
}

func (g *Generator) generateStory(ctx context.Context, book *Book) ([]llm.StoryPage, error) {
	req := llm.StoryRequest{
		Title:     book.Title,
		Style:     book.Style,
		PageCount: book.PagesCount,
	}
	if book.Description != nil {
		req.Description = *book.Description
	}

	var pages []llm.StoryPage
	err := withRetry(ctx, fmt.Sprintf("story for book %d", book.ID), func() error {
		var err error
		pages, err = g.story.GenerateStory(ctx, req)
		return err
	})
	return pages, err
}

// generateCover is best-effort: a book without cover art is still complete.
func (g *Generator) generateCover(ctx context.Context, userID uint64, book *Book) {
	if g.images == nil || g.assets == nil {
		return
	}

	scene := book.Title
	if book.Description != nil && strings.TrimSpace(*book.Description) != "" {
		scene = fmt.Sprintf("%s: %s", book.Title, strings.TrimSpace(*book.Description))
	}
	prompt := StylePrompt(book.Style, fmt.Sprintf("cover illustration for %s", scene))

	var data []byte
	err := withRetry(ctx, fmt.Sprintf("cover for book %d", book.ID), func() error {
		var err error
		data, err = g.images.Generate(ctx, prompt)
		return err
	})
	if err != nil {
		log.Printf("books: cover generation for book %d failed: %v", book.ID, err)
		return
	}

	url, err := g.assets.Upload(ctx, data, "image/png", "books", fmt.Sprintf("%d", book.ID), "cover")
	if err != nil {
		log.Printf("books: store cover for book %d failed: %v", book.ID, err)
		return
	}
	if err := g.store.SetCoverImage(ctx, book.ID, url); err != nil {
		log.Printf("books: record cover for book %d failed: %v", book.ID, err)
		return
	}

	// The replaced cover would otherwise sit in storage forever.
	if book.CoverImage != nil && *book.CoverImage != url {
		if err := g.assets.Remove(ctx, *book.CoverImage); err != nil {
			log.Printf("books: remove stale cover of book %d failed: %v", book.ID, err)
		}
	}
}

// removePageArtwork drops the image objects of the pages that were just
// cleared, so regeneration does not leak the previous run's artwork.
func (g *Generator) removePageArtwork(ctx context.Context, book *Book) {
	if g.assets == nil {
		return
	}
	for i := range book.Pages {
		if url := book.Pages[i].ImageURL; url != nil {
			if err := g.assets.Remove(ctx, *url); err != nil {
				log.Printf("books: remove stale page artwork of book %d failed: %v", book.ID, err)
			}
		}
	}
}

func (g *Generator) illustratePage(ctx context.Context, book *Book, storyPage llm.StoryPage, pageNumber int) (string, error) {
	if g.images == nil || g.assets == nil {
		return "", nil
	}

	prompt := StylePrompt(book.Style, storyPage.ImagePrompt)

	var data []byte
	err := withRetry(ctx, fmt.Sprintf("page %d of book %d", pageNumber, book.ID), func() error {
		var err error
		data, err = g.images.Generate(ctx, prompt)
		return err
	})
	if err != nil {
		return "", err
	}

	return g.assets.Upload(ctx, data, "image/png", "books", fmt.Sprintf("%d", book.ID), "pages")
}

func (g *Generator) fail(ctx context.Context, userID uint64, book *Book, cause error) {
	log.Printf("books: generation of book %d failed: %v", book.ID, cause)
	reason := cause.Error()
	if err := g.store.SetStatus(ctx, book.ID, StatusFailed, &reason); err != nil {
		log.Printf("books: mark book %d failed errored: %v", book.ID, err)
	}
	g.publish(ctx, userID, book.ID, StatusFailed, 100, reason)

	if recipient := g.recipient(ctx, userID); recipient != "" {
		if err := g.mail.SendBookFailed(ctx, recipient, book.Title, reason); err != nil {
			log.Printf("books: failure mail for book %d failed: %v", book.ID, err)
		}
	}
}

// recipient resolves the user's notification address, or "" when email
// delivery is not configured.
func (g *Generator) recipient(ctx context.Context, userID uint64) string {
	if g.mail == nil || g.emails == nil {
		return ""
	}
	email, err := g.emails.UserEmail(ctx, userID)
	if err != nil {
		log.Printf("books: resolve email of user %d failed: %v", userID, err)
		return ""
	}
	return email
}

func (g *Generator) publish(ctx context.Context, userID, bookID uint64, status string, progress int, message string) {
	if g.progress == nil {
		return
	}
	g.progress.Publish(ctx, userID, ProgressState{
		BookID:   bookID,
		Status:   status,
		Progress: progress,
		Message:  message,
	})
}

func (g *Generator) awardBadges(ctx context.Context, userID uint64, recipient string) {
	if g.badges == nil {
		return
	}
	earned, err := g.badges.AwardForUser(ctx, userID)
	if err != nil {
		log.Printf("books: badge evaluation for user %d failed: %v", userID, err)
		return
	}
	for _, code := range earned {
		if g.progress != nil && g.progress.hub != nil {
			g.progress.hub.Publish(userID, notify.Event{
				Type:    "badge_earned",
				Message: code,
			})
		}
		if recipient != "" {
			if err := g.mail.SendBadgeEarned(ctx, recipient, code); err != nil {
				log.Printf("books: badge mail for user %d failed: %v", userID, err)
			}
		}
	}
}

// withRetry runs fn up to maxProviderAttempts times with exponential backoff
// between attempts. Only the external provider calls are retried; database
// writes are not.
func withRetry(ctx context.Context, label string, fn func() error) error {
	var lastErr error
	delay := baseRetryDelay
	for attempt := 1; attempt <= maxProviderAttempts; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == maxProviderAttempts {
			break
		}
		log.Printf("books: %s attempt %d/%d failed: %v", label, attempt, maxProviderAttempts, lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
