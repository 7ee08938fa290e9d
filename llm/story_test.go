package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoryPagesEnvelope(t *testing.T) {
	content := `{"pages": [
		{"text": "Page one.", "image_prompt": "a dragon"},
		{"text": "Page two.", "image_prompt": "a castle"}
	]}`

	pages, err := parseStoryPages(content, 2)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "Page one.", pages[0].Text)
	assert.Equal(t, "a dragon", pages[0].ImagePrompt)
}

func TestParseStoryPagesBareArray(t *testing.T) {
	content := `[{"text": "Only page.", "image_prompt": "a fox"}]`

	pages, err := parseStoryPages(content, 1)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "a fox", pages[0].ImagePrompt)
}

func TestParseStoryPagesCodeFence(t *testing.T) {
	content := "```json\n{\"pages\": [{\"text\": \"Fenced.\", \"image_prompt\": \"a bird\"}]}\n```"

	pages, err := parseStoryPages(content, 1)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Fenced.", pages[0].Text)
}

func TestParseStoryPagesParagraphFallback(t *testing.T) {
	content := "The fox woke up early.\n\nThe fox went to the river.\n\nThe fox swam home."

	pages, err := parseStoryPages(content, 3)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "The fox went to the river.", pages[1].Text)
	// Paragraph pages reuse the narration as the scene prompt.
	assert.Equal(t, pages[1].Text, pages[1].ImagePrompt)
}

func TestParseStoryPagesTrimsAndPads(t *testing.T) {
	content := `{"pages": [
		{"text": "One.", "image_prompt": "one"},
		{"text": "Two.", "image_prompt": "two"},
		{"text": "Three.", "image_prompt": "three"}
	]}`

	trimmed, err := parseStoryPages(content, 2)
	require.NoError(t, err)
	assert.Len(t, trimmed, 2)

	padded, err := parseStoryPages(content, 5)
	require.NoError(t, err)
	require.Len(t, padded, 5)
	assert.Equal(t, "Three.", padded[4].Text)
}

func TestParseStoryPagesFillsMissingPrompt(t *testing.T) {
	content := `{"pages": [{"text": "A quiet morning in the forest.", "image_prompt": ""}]}`

	pages, err := parseStoryPages(content, 1)
	require.NoError(t, err)
	assert.Equal(t, pages[0].Text, pages[0].ImagePrompt)
}

func TestParseStoryPagesClampsLongText(t *testing.T) {
	long := strings.Repeat("a", maxPageTextLen+500)
	pages, err := parseStoryPages(`{"pages": [{"text": "`+long+`", "image_prompt": "x"}]}`, 1)
	require.NoError(t, err)
	assert.Len(t, pages[0].Text, maxPageTextLen)
}

func TestParseStoryPagesEmpty(t *testing.T) {
	_, err := parseStoryPages("", 3)
	assert.Error(t, err)

	_, err = parseStoryPages(`{"pages": [{"text": "", "image_prompt": ""}]}`, 1)
	assert.Error(t, err)
}

func TestGenerateStoryAgainstServer(t *testing.T) {
	reply := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{
				"role":    "assistant",
				"content": `{"pages": [{"text": "One.", "image_prompt": "scene one"}, {"text": "Two.", "image_prompt": "scene two"}]}`,
			}},
		},
	}

	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(reply))
	}))
	defer server.Close()

	client := NewChatClient(server.URL, "test-key", "test-model")
	pages, err := client.GenerateStory(context.Background(), StoryRequest{
		Title:     "Dragon Tales",
		Style:     "cartoon",
		PageCount: 2,
	})
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestChatRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewChatClient(server.URL, "test-key", "test-model")
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestChatRejectsEmptyMessages(t *testing.T) {
	client := NewChatClient("http://localhost:0", "key", "model")
	_, err := client.Chat(context.Background(), nil)
	assert.Error(t, err)

	_, err = client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "   "}})
	assert.Error(t, err)
}
