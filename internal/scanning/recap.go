package scanning

import (
	"context"
	"strings"
)

// RecapQuery is a free-text spending question broken into fields
type RecapQuery struct {
	// Action is "summarize" or "list"
	Action string `json:"action"`
	// Timeframe is day, week, month or all
	Timeframe string `json:"timeframe"`
	// FilterType is category, keywords or none
	FilterType  string `json:"filter_type"`
	FilterValue string `json:"filter_value"`
}

// QueryParser turns a recap question into a RecapQuery
type QueryParser interface {
	ParseQuery(ctx context.Context, query string, categories []string) (*RecapQuery, error)
}

// Summarizer writes a short answer to a recap question from the matching spending data
type Summarizer interface {
	Summarize(ctx context.Context, query string, data []byte) (string, error)
}

const recapQueryPrompt = `You parse questions about personal spending. Return ONLY valid JSON in this exact format:
{
  "action": "summarize",
  "timeframe": "week",
  "filter_type": "none",
  "filter_value": "none"
}

Rules:
- action is "list" when the user asks to show, list or see transactions, otherwise "summarize"
- timeframe is one of day, week, month, all. "today" is day, "this week" is week, "this month" is month
- filter_type is "category" only for one of the categories listed below
- filter_type is "keywords" for any merchant, place, brand or item such as starbucks, grab, coffee or lunch
- filter_type is "none" when the question has no filter, and filter_value is then "none"
- If unsure between category and keywords, use keywords
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

const summaryPrompt = `You are a financial assistant who says only what is necessary. Using the JSON data below, write a short summary that is easy to read and answers the user's question directly. Mention the total amount and number of transactions where relevant. Answer in plain text without markdown.`

// buildRecapQueryPrompt renders the parsing prompt for one question
func buildRecapQueryPrompt(query string, categories []string) string {
	var b strings.Builder
	b.WriteString(recapQueryPrompt)
	b.WriteString("\n\nCategories: ")
	b.WriteString(strings.Join(categories, ", "))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

// buildSummaryPrompt renders the summary prompt for one question and its data
func buildSummaryPrompt(query string, data []byte) string {
	var b strings.Builder
	b.WriteString(summaryPrompt)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(query)
	b.WriteString("\n\nData: ")
	b.Write(data)
	return b.String()
}
