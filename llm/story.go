package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	maxPageTextLen    = 2000
	maxImagePromptLen = 1000
)

// StoryRequest describes the coloring book whose narrative should be written.
type StoryRequest struct {
	Title       string
	Description string
	Style       string
	PageCount   int
}

// StoryPage is one narrated page paired with the scene the illustrator
// should draw.
type StoryPage struct {
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// GenerateStory asks the text model for a page-by-page story and parses the
// reply into exactly req.PageCount pages.
func (c *ChatClient) GenerateStory(ctx context.Context, req StoryRequest) ([]StoryPage, error) {
	if req.PageCount <= 0 {
		return nil, errors.New("llm: story page count must be positive")
	}

	result, err := c.Chat(ctx, []ChatMessage{
		{Role: "system", Content: "You are a children's book author. You always answer with valid JSON and nothing else."},
		{Role: "user", Content: buildStoryPrompt(req)},
	})
	if err != nil {
		return nil, err
	}

	pages, err := parseStoryPages(result.Content, req.PageCount)
	if err != nil {
		return nil, err
	}
	return pages, nil
}

func buildStoryPrompt(req StoryRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short children's story for a coloring book titled %q.\n", strings.TrimSpace(req.Title))
	if desc := strings.TrimSpace(req.Description); desc != "" {
		fmt.Fprintf(&b, "Theme: %s.\n", desc)
	}
	fmt.Fprintf(&b, "The story must have exactly %d pages.\n", req.PageCount)
	b.WriteString("For every page provide one or two sentences of narration and a concrete visual scene description suitable for a black-and-white outline illustration.\n")
	fmt.Fprintf(&b, "Respond with a JSON object of the form {\"pages\": [{\"text\": \"...\", \"image_prompt\": \"...\"}]} containing exactly %d entries. No markdown, no commentary.", req.PageCount)
	return b.String()
}

// parseStoryPages decodes the model reply. It tolerates code fences and a bare
// top-level array, and falls back to paragraph splitting when the reply is not
// JSON at all. The result is always trimmed or padded to pageCount entries.
func parseStoryPages(content string, pageCount int) ([]StoryPage, error) {
	trimmed := stripCodeFence(content)
	if trimmed == "" {
		return nil, errors.New("llm: story response is empty")
	}

	var envelope struct {
		Pages []StoryPage `json:"pages"`
	}
	var pages []StoryPage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && len(envelope.Pages) > 0 {
		pages = envelope.Pages
	} else {
		var bare []StoryPage
		if err := json.Unmarshal([]byte(trimmed), &bare); err == nil && len(bare) > 0 {
			pages = bare
		} else {
			pages = pagesFromParagraphs(trimmed)
		}
	}

	cleaned := make([]StoryPage, 0, len(pages))
	for _, page := range pages {
		text := clampText(page.Text, maxPageTextLen)
		prompt := clampText(page.ImagePrompt, maxImagePromptLen)
		if text == "" && prompt == "" {
			continue
		}
		if prompt == "" {
			prompt = clampText(text, maxImagePromptLen)
		}
		cleaned = append(cleaned, StoryPage{Text: text, ImagePrompt: prompt})
	}

	if len(cleaned) == 0 {
		return nil, errors.New("llm: story response contains no usable pages")
	}

	if len(cleaned) > pageCount {
		cleaned = cleaned[:pageCount]
	}
	for len(cleaned) < pageCount {
		last := cleaned[len(cleaned)-1]
		cleaned = append(cleaned, StoryPage{Text: last.Text, ImagePrompt: last.ImagePrompt})
	}
	return cleaned, nil
}

func pagesFromParagraphs(content string) []StoryPage {
	paragraphs := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	pages := make([]StoryPage, 0, len(paragraphs))
	for _, paragraph := range paragraphs {
		text := strings.TrimSpace(paragraph)
		if text == "" {
			continue
		}
		pages = append(pages, StoryPage{Text: text, ImagePrompt: text})
	}
	return pages
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func clampText(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
