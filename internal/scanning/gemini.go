package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Gemini implements Scanner, Labeler, QueryParser and Summarizer using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// ReadText transcribes the text on a receipt image
func (g *Gemini) ReadText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	finalImageData, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	// genai.ImageData expects just the format suffix, and everything is PNG by now
	text, err := g.generate(ctx, genai.ImageData("png", finalImageData), genai.Text(readTextPrompt))
	if err != nil {
		return "", err
	}

	return cleanReadText(text), nil
}

// Label asks the model to pick a category for the expense text
func (g *Gemini) Label(ctx context.Context, text string, categories []string) (*Suggestion, error) {
	answer, err := g.generate(ctx, genai.Text(buildLabelPrompt(text, categories)))
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
func (g *Gemini) ParseQuery(ctx context.Context, query string, categories []string) (*RecapQuery, error) {
	answer, err := g.generate(ctx, genai.Text(buildRecapQueryPrompt(query, categories)))
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
func (g *Gemini) Summarize(ctx context.Context, query string, data []byte) (string, error) {
	answer, err := g.generate(ctx, genai.Text(buildSummaryPrompt(query, data)))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (g *Gemini) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", classifyGeminiError(ctx, err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return responseText.String(), nil
}

// classifyGeminiError tags errors worth retrying with ErrUnavailable
func classifyGeminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Code >= 500) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
