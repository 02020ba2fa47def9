package expense

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zombor/spend-tracker/internal/scanning"
)

// RecapAction is what a recap answers with
type RecapAction string

const (
	RecapSummarize RecapAction = "summarize"
	RecapList      RecapAction = "list"
)

// Recap answers a free-text spending question
type Recap struct {
	Query     string      `json:"query"`
	Action    RecapAction `json:"action"`
	Timeframe Timeframe   `json:"timeframe"`
	Range     DateRange   `json:"range"`
	Category  Category    `json:"category,omitempty"`
	Keyword   string      `json:"keyword,omitempty"`
	Count     int         `json:"count"`
	// Totals are per currency
	Totals map[string]decimal.Decimal `json:"totals"`
	// ByCategory sums across currencies
	ByCategory   map[Category]decimal.Decimal `json:"by_category,omitempty"`
	Transactions []*Transaction               `json:"transactions,omitempty"`
	Text         string                       `json:"text"`
	// Degraded is set when the model could not be used for part of the answer
	Degraded bool `json:"degraded"`
}

var (
	atPlacePattern = regexp.MustCompile(`(?i)\bat\s+[\p{L}\p{N}]+`)
	singleWord     = regexp.MustCompile(`^[\p{L}\p{N}'’-]+$`)
)

// recapWords say how to answer, not what to look for
var recapWords = map[string]struct{}{
	"show": {}, "list": {}, "see": {}, "view": {}, "recap": {}, "summary": {}, "summarize": {},
	"week": {}, "month": {}, "day": {}, "all": {}, "last": {}, "past": {},
	"how": {}, "much": {}, "what": {}, "did": {}, "do": {}, "i": {}, "all-time": {},
	"spending": {}, "spendings": {}, "expenses": {}, "expense": {}, "transactions": {}, "transaction": {},
}

// Recapper answers spending questions. Without a parser or summarizer it works from the words alone.
type Recapper struct {
	db         DB
	parser     scanning.QueryParser
	summarizer scanning.Summarizer
	cfg        Config
	timeSource TimeSource
	logger     *slog.Logger
}

// NewRecapper creates a Recapper. parser and summarizer may be nil.
func NewRecapper(cfg Config, db DB, parser scanning.QueryParser, summarizer scanning.Summarizer, timeSrc TimeSource, logger *slog.Logger) *Recapper {
	if timeSrc == nil {
		timeSrc = &utcTimeSource{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recapper{
		db:         db,
		parser:     parser,
		summarizer: summarizer,
		cfg:        cfg,
		timeSource: timeSrc,
		logger:     logger,
	}
}

// Recap resolves query into a filter over the user's transactions and reports on them
func (r *Recapper) Recap(ctx context.Context, userID, query string) (*Recap, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty recap query: %w", ErrMalformedInput)
	}
	logger := r.logger.With("user_id", userID)

	parsed, degraded := r.parse(ctx, query, logger)
	recap := resolveRecap(query, parsed)
	recap.Degraded = degraded
	recap.Range = recap.Timeframe.Range(r.timeSource.Now())

	filter := Filter{
		Category: recap.Category,
		Keyword:  recap.Keyword,
		From:     recap.Range.From,
		To:       recap.Range.To,
	}
	ts, err := r.db.ListTransactions(ctx, userID, filter, Page{})
	if err != nil {
		return nil, fmt.Errorf("listing transactions for recap: %w", err)
	}
	recap.tally(ts)

	if recap.Action == RecapList {
		recap.Transactions = ts
		recap.Text = listReport(recap)
	} else {
		recap.Text = r.summarize(ctx, recap, logger)
	}

	logger.Info("Recap answered",
		"action", recap.Action,
		"timeframe", recap.Timeframe,
		"category", recap.Category,
		"keyword", recap.Keyword,
		"count", recap.Count,
		"degraded", recap.Degraded,
	)
	return recap, nil
}

func (r *Recapper) aiContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AITimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AITimeout)
	}
	return ctx, func() {}
}

// parse asks the model to read the query and falls back to reading the words
func (r *Recapper) parse(ctx context.Context, query string, logger *slog.Logger) (scanning.RecapQuery, bool) {
	if r.parser == nil {
		return parseRecapWords(query), false
	}

	aiCtx, cancel := r.aiContext(ctx)
	defer cancel()

	parsed, err := r.parser.ParseQuery(aiCtx, query, categoryLabels())
	if err != nil || parsed == nil {
		logger.Warn("Recap query parsing degraded to word matching", "error", err)
		return parseRecapWords(query), true
	}
	return *parsed, false
}

// summarize asks the model for a short answer and falls back to a fixed report
func (r *Recapper) summarize(ctx context.Context, recap *Recap, logger *slog.Logger) string {
	if r.summarizer == nil || recap.Count == 0 {
		return summaryReport(recap)
	}

	data, err := json.Marshal(struct {
		Timeframe  Timeframe                    `json:"timeframe"`
		Category   Category                     `json:"category,omitempty"`
		Keyword    string                       `json:"keyword,omitempty"`
		Count      int                          `json:"count"`
		Totals     map[string]decimal.Decimal   `json:"totals"`
		ByCategory map[Category]decimal.Decimal `json:"by_category"`
	}{recap.Timeframe, recap.Category, recap.Keyword, recap.Count, recap.Totals, recap.ByCategory})
	if err != nil {
		logger.Warn("Failed to encode recap data", "error", err)
		recap.Degraded = true
		return summaryReport(recap)
	}

	aiCtx, cancel := r.aiContext(ctx)
	defer cancel()

	text, err := r.summarizer.Summarize(aiCtx, recap.Query, data)
	if err != nil || strings.TrimSpace(text) == "" {
		logger.Warn("Recap summary degraded to a fixed report", "error", err)
		recap.Degraded = true
		return summaryReport(recap)
	}
	return text
}

// resolveRecap maps parsed fields onto the closed action, timeframe and category sets
func resolveRecap(query string, parsed scanning.RecapQuery) *Recap {
	recap := &Recap{
		Query:     query,
		Action:    RecapSummarize,
		Timeframe: TimeframeWeek,
	}
	if parsed.Action == string(RecapList) {
		recap.Action = RecapList
	}

	switch parsed.Timeframe {
	case "today":
		recap.Timeframe = TimeframeDay
	case "this week":
		recap.Timeframe = TimeframeWeek
	case "this month":
		recap.Timeframe = TimeframeMonth
	default:
		if tf, err := ParseTimeframe(parsed.Timeframe); err == nil {
			recap.Timeframe = tf
		}
	}

	value := strings.TrimSpace(parsed.FilterValue)
	if value == "" || parsed.FilterType == "none" {
		return recap
	}

	category, isCategory := ParseCategory(value)
	// "at jem" names a place, so does a lone word that is not a category
	forceKeyword := atPlacePattern.MatchString(query) || (singleWord.MatchString(query) && !isCategory)
	if parsed.FilterType == "category" && isCategory && !forceKeyword {
		recap.Category = category
		return recap
	}
	recap.Keyword = strings.ToLower(value)
	return recap
}

// parseRecapWords reads a query without a model: action and timeframe words, then the first other word as filter
func parseRecapWords(query string) scanning.RecapQuery {
	lower := strings.ToLower(query)
	parsed := scanning.RecapQuery{Action: string(RecapSummarize), Timeframe: string(TimeframeWeek), FilterType: "none"}

	words := tokenPattern.FindAllString(lower, -1)
	for _, w := range words {
		switch w {
		case "show", "list", "see", "view":
			parsed.Action = string(RecapList)
		case "today", "day":
			parsed.Timeframe = string(TimeframeDay)
		case "week":
			parsed.Timeframe = string(TimeframeWeek)
		case "month":
			parsed.Timeframe = string(TimeframeMonth)
		case "all", "all-time":
			parsed.Timeframe = string(TimeframeAll)
		}
	}

	for _, w := range extractKeywords(lower) {
		if _, skip := recapWords[w]; skip {
			continue
		}
		parsed.FilterValue = w
		parsed.FilterType = "keywords"
		if _, ok := ParseCategory(w); ok {
			parsed.FilterType = "category"
		}
		break
	}
	return parsed
}

// tally counts ts and sums them per currency and per category
func (r *Recap) tally(ts []*Transaction) {
	r.Count = len(ts)
	r.Totals = make(map[string]decimal.Decimal)
	r.ByCategory = make(map[Category]decimal.Decimal)
	for _, t := range ts {
		r.Totals[t.Currency] = r.Totals[t.Currency].Add(t.Amount)
		r.ByCategory[t.Category] = r.ByCategory[t.Category].Add(t.Amount)
	}
}

func (r *Recap) subject() string {
	var parts []string
	if r.Category != "" {
		parts = append(parts, string(r.Category))
	}
	if r.Keyword != "" {
		parts = append(parts, fmt.Sprintf("%q", r.Keyword))
	}
	switch r.Timeframe {
	case TimeframeDay:
		parts = append(parts, "today")
	case TimeframeWeek:
		parts = append(parts, "this week")
	case TimeframeMonth:
		parts = append(parts, "this month")
	default:
		parts = append(parts, "all time")
	}
	return strings.Join(parts, " ")
}

// formatTotals renders per-currency totals in a stable order
func formatTotals(totals map[string]decimal.Decimal) string {
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	parts := make([]string, len(currencies))
	for i, c := range currencies {
		parts[i] = c + " " + totals[c].StringFixed(2)
	}
	return strings.Join(parts, ", ")
}

func summaryReport(r *Recap) string {
	if r.Count == 0 {
		return "No matching transactions for " + r.subject() + "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Spending for %s: %s across %d transaction(s).", r.subject(), formatTotals(r.Totals), r.Count)
	if r.Category == "" && len(r.ByCategory) > 1 {
		b.WriteString("\n")
		for _, c := range Categories {
			if total, ok := r.ByCategory[c]; ok {
				fmt.Fprintf(&b, "\n%s: %s", c, total.StringFixed(2))
			}
		}
	}
	return b.String()
}

func listReport(r *Recap) string {
	if r.Count == 0 {
		return "No matching transactions for " + r.subject() + "."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transactions for %s:\n", r.subject())
	for _, t := range r.Transactions {
		keywords := strings.Join(t.Keywords, ", ")
		if keywords == "" {
			keywords = "no keywords"
		}
		fmt.Fprintf(&b, "\n%s  %s %s  %s  (%s)",
			t.CreatedAt.Format("02 Jan 03:04 PM"),
			t.Currency, t.Amount.StringFixed(2),
			t.Category,
			keywords,
		)
	}
	fmt.Fprintf(&b, "\n\nTotal: %s over %d transaction(s)", formatTotals(r.Totals), r.Count)
	if len(r.Totals) == 1 {
		for _, total := range r.Totals {
			fmt.Fprintf(&b, ", %s on average", total.Div(decimal.NewFromInt(int64(r.Count))).StringFixed(2))
		}
	}
	return b.String()
}
