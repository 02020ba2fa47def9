package scanning

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// jsonObject strips code fences and chatter around the JSON object in a model answer
func jsonObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Keep only the first { to the last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return "", fmt.Errorf("invalid JSON object in response")
	}
	return text[startIdx : endIdx+1], nil
}

// parseSuggestionJSON parses the JSON answer to a classification prompt
func parseSuggestionJSON(text string) (*Suggestion, error) {
	text, err := jsonObject(text)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Category   *string  `json:"category"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	label := &Suggestion{}
	if raw.Category != nil {
		label.Category = strings.TrimSpace(*raw.Category)
	}
	if label.Category == "" {
		return nil, fmt.Errorf("response has no category")
	}

	// A missing confidence means the model didn't commit to an answer
	if raw.Confidence != nil && !math.IsNaN(*raw.Confidence) {
		label.Confidence = *raw.Confidence
	}

	return label, nil
}

// parseRecapQueryJSON parses the JSON answer to a recap query prompt.
// Missing fields are left empty for the caller to default.
func parseRecapQueryJSON(text string) (*RecapQuery, error) {
	text, err := jsonObject(text)
	if err != nil {
		return nil, err
	}

	var query RecapQuery
	if err := json.Unmarshal([]byte(text), &query); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	query.Action = strings.ToLower(strings.TrimSpace(query.Action))
	query.Timeframe = strings.ToLower(strings.TrimSpace(query.Timeframe))
	query.FilterType = strings.ToLower(strings.TrimSpace(query.FilterType))
	query.FilterValue = strings.TrimSpace(query.FilterValue)
	if strings.EqualFold(query.FilterValue, "none") {
		query.FilterValue = ""
	}
	return &query, nil
}
