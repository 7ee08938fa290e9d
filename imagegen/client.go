package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelID   = "gpt-image-1"
	defaultImageSize = "1024x1024"
)

// Client wraps the HTTP calls to an OpenAI compatible image generation API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
	size       string
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - IMAGE_API_KEY: required API key for the provider
//   - IMAGE_BASE_URL: optional override for the API base URL
//   - IMAGE_MODEL_ID: optional override for the target model
//   - IMAGE_SIZE: optional output resolution (defaults to 1024x1024)
func NewClientFromEnv() (*Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("IMAGE_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("imagegen: IMAGE_API_KEY environment variable is required")
	}

	baseURL := strings.TrimSpace(os.Getenv("IMAGE_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("imagegen: invalid base URL %q", baseURL)
	}

	modelID := strings.TrimSpace(os.Getenv("IMAGE_MODEL_ID"))
	if modelID == "" {
		modelID = defaultModelID
	}

	size := strings.TrimSpace(os.Getenv("IMAGE_SIZE"))
	if size == "" {
		size = defaultImageSize
	}

	return &Client{
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		baseURL:    baseURL,
		apiKey:     apiKey,
		modelID:    modelID,
		size:       size,
	}, nil
}

// NewClient constructs a Client with explicit settings. Mainly useful for
// tests that point the client at a local server.
func NewClient(baseURL, apiKey, modelID string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 3 * time.Minute},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    modelID,
		size:       defaultImageSize,
	}
}

type generationRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// Generate renders one image for the given prompt and returns the PNG bytes.
// Providers answering with a URL instead of an inline payload are followed
// with a second download request.
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if c == nil {
		return nil, errors.New("imagegen: client is nil")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("imagegen: prompt cannot be empty")
	}

	payload := generationRequest{
		Model:          c.modelID,
		Prompt:         prompt,
		N:              1,
		Size:           c.size,
		ResponseFormat: "b64_json",
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("imagegen: encode request: %w", err)
	}

	endpoint := c.baseURL + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("imagegen: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagegen: execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("imagegen: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("imagegen: decode response: %w", err)
	}
	if len(decoded.Data) == 0 {
		return nil, errors.New("imagegen: response contains no images")
	}

	entry := decoded.Data[0]
	if entry.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(entry.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("imagegen: decode image payload: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("imagegen: image payload is empty")
		}
		return data, nil
	}
	if entry.URL != "" {
		return c.download(ctx, entry.URL)
	}
	return nil, errors.New("imagegen: response entry has neither payload nor url")
}

func (c *Client) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("imagegen: create download request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagegen: download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("imagegen: unexpected download status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("imagegen: read image: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("imagegen: downloaded image is empty")
	}
	return data, nil
}
