package expense

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresSchema creates the tables PostgresDB needs
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS transactions (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL,
    amount       NUMERIC(14, 2) NOT NULL CHECK (amount > 0),
    currency     TEXT NOT NULL CHECK (currency <> ''),
    category     TEXT NOT NULL,
    keywords     TEXT[] NOT NULL DEFAULT '{}',
    raw_text     TEXT NOT NULL,
    source       TEXT NOT NULL,
    image_path   TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_user_created_idx ON transactions (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    data       JSONB NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
`

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var transactionColumns = []string{
	"id", "user_id", "amount", "currency", "category", "keywords", "raw_text",
	"source", "image_path", "content_type", "confidence", "created_at",
}

// PostgresDB implements the DB interface on Postgres
type PostgresDB struct {
	db          *sql.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewPostgresDB opens a connection pool and creates the schema
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", pgErr(err))
	}
	if _, err := db.ExecContext(ctx, PostgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", pgErr(err))
	}

	return NewPostgresDBWithDeps(db, &uuidGenerator{}, &utcTimeSource{}), nil
}

// NewPostgresDBWithDeps wraps an existing pool with custom ID and time sources
func NewPostgresDBWithDeps(db *sql.DB, idGen IDGenerator, timeSrc TimeSource) *PostgresDB {
	return &PostgresDB{db: db, idGenerator: idGen, timeSource: timeSrc}
}

// pgErr maps driver errors onto the gateway's sentinel errors
func pgErr(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case "23":
			return fmt.Errorf("%w: %w", ErrConstraintViolation, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func insertTransactionQuery(t *Transaction) (string, []any, error) {
	return psql.Insert("transactions").
		Columns(transactionColumns...).
		Values(
			t.ID, t.UserID, t.Amount.String(), t.Currency, string(t.Category),
			pq.StringArray(t.Keywords), t.RawText, string(t.Source), t.ImagePath,
			t.ContentType, t.Confidence, t.CreatedAt,
		).
		ToSql()
}

func listTransactionsQuery(userID string, filter Filter, page Page) (string, []any, error) {
	q := psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"user_id": userID})

	if filter.Category != "" {
		q = q.Where(sq.Eq{"category": string(filter.Category)})
	}
	if filter.Keyword != "" {
		q = q.Where("? = ANY(keywords)", strings.ToLower(strings.TrimSpace(filter.Keyword)))
	}
	if !filter.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(sq.Lt{"created_at": filter.To})
	}

	q = q.OrderBy("created_at DESC", "id DESC")
	if page.Limit > 0 {
		q = q.Limit(uint64(page.Limit))
	}
	if page.Offset > 0 {
		q = q.Offset(uint64(page.Offset))
	}
	return q.ToSql()
}

func aggregateQuery(userID string, r DateRange) (string, []any, error) {
	q := psql.Select("category", "SUM(amount)").
		From("transactions").
		Where(sq.Eq{"user_id": userID}).
		GroupBy("category")
	if !r.From.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": r.From})
	}
	if !r.To.IsZero() {
		q = q.Where(sq.Lt{"created_at": r.To})
	}
	return q.ToSql()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		t        Transaction
		amount   string
		category string
		source   string
		keywords pq.StringArray
	)
	err := row.Scan(&t.ID, &t.UserID, &amount, &t.Currency, &category, &keywords, &t.RawText,
		&source, &t.ImagePath, &t.ContentType, &t.Confidence, &t.CreatedAt)
	if err != nil {
		return nil, err
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	t.Category = Category(category)
	t.Source = Source(source)
	t.Keywords = []string(keywords)
	if t.Keywords == nil {
		t.Keywords = []string{}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// CreateTransaction inserts a new transaction
func (p *PostgresDB) CreateTransaction(ctx context.Context, candidate Transaction) (*Transaction, error) {
	if candidate.UserID == "" {
		return nil, fmt.Errorf("creating transaction: empty user: %w", ErrConstraintViolation)
	}

	t := candidate.clone()
	t.ID = p.idGenerator.Generate()
	// Postgres keeps microseconds
	t.CreatedAt = p.timeSource.Now().UTC().Truncate(time.Microsecond)
	if t.Keywords == nil {
		t.Keywords = []string{}
	}

	query, args, err := insertTransactionQuery(&t)
	if err != nil {
		return nil, fmt.Errorf("building insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting transaction: %w", pgErr(err))
	}
	return &t, nil
}

// GetTransaction retrieves a transaction by ID
func (p *PostgresDB) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	query, args, err := psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	t, err := scanTransaction(p.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting transaction: %w", pgErr(err))
	}
	return t, nil
}

// ListTransactions returns a user's transactions, newest first
func (p *PostgresDB) ListTransactions(ctx context.Context, userID string, filter Filter, page Page) ([]*Transaction, error) {
	query, args, err := listTransactionsQuery(userID, filter, page)
	if err != nil {
		return nil, fmt.Errorf("building list: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", pgErr(err))
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", pgErr(err))
	}
	return transactions, nil
}

// AggregateByCategory sums amounts per category in SQL
func (p *PostgresDB) AggregateByCategory(ctx context.Context, userID string, r DateRange) (map[Category]decimal.Decimal, error) {
	query, args, err := aggregateQuery(userID, r)
	if err != nil {
		return nil, fmt.Errorf("building aggregate: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating transactions: %w", pgErr(err))
	}
	defer rows.Close()

	totals := make(map[Category]decimal.Decimal)
	for rows.Next() {
		var category, sum string
		if err := rows.Scan(&category, &sum); err != nil {
			return nil, fmt.Errorf("scanning total: %w", err)
		}
		total, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, fmt.Errorf("parsing total %q: %w", sum, err)
		}
		totals[Category(category)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", pgErr(err))
	}
	return totals, nil
}

// DeleteTransaction removes a transaction owned by userID
func (p *PostgresDB) DeleteTransaction(ctx context.Context, userID, id string) error {
	query, args, err := psql.Delete("transactions").
		Where(sq.Eq{"id": id, "user_id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting transaction: %w", pgErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddKeywords merges keywords inside a transaction so concurrent edits don't interleave
func (p *PostgresDB) AddKeywords(ctx context.Context, userID, id string, keywords []string) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", pgErr(err))
	}
	defer tx.Rollback()

	query, args, err := psql.Select(transactionColumns...).
		From("transactions").
		Where(sq.Eq{"id": id, "user_id": userID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	t, err := scanTransaction(tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting transaction: %w", pgErr(err))
	}

	t.Keywords = mergeKeywords(t.Keywords, keywords)

	query, args, err = psql.Update("transactions").
		Set("keywords", pq.StringArray(t.Keywords)).
		Where(sq.Eq{"id": id, "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating keywords: %w", pgErr(err))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", pgErr(err))
	}
	return t, nil
}

// SaveSession upserts a paused run
func (p *PostgresDB) SaveSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	query, args, err := psql.Insert("sessions").
		Columns("id", "user_id", "data", "expires_at").
		Values(session.ID, session.UserID, string(data), session.ExpiresAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving session: %w", pgErr(err))
	}
	return nil
}

// GetSession retrieves a paused run owned by userID
func (p *PostgresDB) GetSession(ctx context.Context, userID, id string) (*Session, error) {
	query, args, err := psql.Select("data").
		From("sessions").
		Where(sq.Eq{"id": id, "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	var data []byte
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting session: %w", pgErr(err))
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &session, nil
}

// TakeSession deletes a paused run owned by userID and returns it
func (p *PostgresDB) TakeSession(ctx context.Context, userID, id string) (*Session, error) {
	query, args, err := takeSessionQuery(userID, id)
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}

	var data []byte
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("taking session: %w", pgErr(err))
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &session, nil
}

func takeSessionQuery(userID, id string) (string, []any, error) {
	return psql.Delete("sessions").
		Where(sq.Eq{"id": id, "user_id": userID}).
		Suffix("RETURNING data").
		ToSql()
}

// TakeExpiredSessions deletes every session expiring at or before now and returns them
func (p *PostgresDB) TakeExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	query, args, err := psql.Delete("sessions").
		Where(sq.LtOrEq{"expires_at": now}).
		Suffix("RETURNING data").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building delete: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taking expired sessions: %w", pgErr(err))
	}
	defer rows.Close()

	var expired []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session: %w", pgErr(err))
		}
		var session Session
		if err := json.Unmarshal(data, &session); err != nil {
			return nil, fmt.Errorf("unmarshaling session: %w", err)
		}
		expired = append(expired, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading sessions: %w", pgErr(err))
	}
	return expired, nil
}

// Close closes the connection pool
func (p *PostgresDB) Close() error {
	return p.db.Close()
}
