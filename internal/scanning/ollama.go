package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Ollama implements Scanner, Labeler, QueryParser and Summarizer using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama instance
// Recommended vision models for receipts:
//   - llava:1.6
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models are slow on CPU
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ReadText transcribes the text on a receipt image
func (o *Ollama) ReadText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	finalImageData, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts and invoices. You must carefully read all text in images.",
			},
			{
				Role:    "user",
				Content: readTextPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(finalImageData)},
			},
		},
	}

	text, err := o.chat(ctx, reqBody)
	if err != nil {
		return "", err
	}
	return cleanReadText(text), nil
}

// Label asks the model to pick a category for the expense text
func (o *Ollama) Label(ctx context.Context, text string, categories []string) (*Suggestion, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "user", Content: buildLabelPrompt(text, categories)},
		},
	}

	answer, err := o.chat(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	label, err := parseSuggestionJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("parsing label: %w", err)
	}
	return label, nil
}

// ParseQuery breaks a recap question into action, timeframe and filter
func (o *Ollama) ParseQuery(ctx context.Context, query string, categories []string) (*RecapQuery, error) {
	reqBody := ollamaChatRequest{
		Model:  o.model,
		Format: "json",
		Messages: []ollamaMessage{
			{Role: "user", Content: buildRecapQueryPrompt(query, categories)},
		},
	}

	answer, err := o.chat(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	parsed, err := parseRecapQueryJSON(answer)
	if err != nil {
		return nil, fmt.Errorf("parsing recap query: %w", err)
	}
	return parsed, nil
}

// Summarize answers a recap question from the spending data
func (o *Ollama) Summarize(ctx context.Context, query string, data []byte) (string, error) {
	reqBody := ollamaChatRequest{
		Model: o.model,
		Messages: []ollamaMessage{
			{Role: "user", Content: buildSummaryPrompt(query, data)},
		},
	}

	answer, err := o.chat(ctx, reqBody)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (o *Ollama) chat(ctx context.Context, reqBody ollamaChatRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || ctx.Err() != nil {
			return "", fmt.Errorf("calling ollama API: %w: %w", ErrUnavailable, err)
		}
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return "", err
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return chatResp.Message.Content, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
