package expense

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.etcd.io/bbolt"
)

const (
	transactionsBucket = "transactions"
	indexBucket        = "transaction_index"
	sessionsBucket     = "sessions"

	// keyTimeFormat is fixed width so keys sort by time
	keyTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// DB is the persistence gateway. Every call is scoped by user where a user applies.
type DB interface {
	// CreateTransaction assigns an ID and CreatedAt to candidate, stores it and returns the stored copy
	CreateTransaction(ctx context.Context, candidate Transaction) (*Transaction, error)

	// GetTransaction retrieves a transaction by ID
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// ListTransactions returns a user's transactions, newest first
	ListTransactions(ctx context.Context, userID string, filter Filter, page Page) ([]*Transaction, error)

	// AggregateByCategory sums a user's amounts per category within r
	AggregateByCategory(ctx context.Context, userID string, r DateRange) (map[Category]decimal.Decimal, error)

	// DeleteTransaction removes one of a user's transactions
	DeleteTransaction(ctx context.Context, userID, id string) error

	// AddKeywords merges keywords into a transaction and returns the updated record
	AddKeywords(ctx context.Context, userID, id string, keywords []string) (*Transaction, error)

	// SaveSession stores a paused pipeline run
	SaveSession(ctx context.Context, session *Session) error

	// GetSession retrieves a paused run owned by userID
	GetSession(ctx context.Context, userID, id string) (*Session, error)

	// TakeSession removes a paused run owned by userID and returns it. Only one caller gets it.
	TakeSession(ctx context.Context, userID, id string) (*Session, error)

	// TakeExpiredSessions removes every session expiring at or before now and returns them
	TakeExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error)

	// Close closes the database connection
	Close() error
}

// IDGenerator generates unique IDs for transactions and sessions
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type utcTimeSource struct{}

func (t *utcTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// indexEntry locates a transaction inside its owner's bucket
type indexEntry struct {
	UserID string `json:"user_id"`
	Key    string `json:"key"`
}

// BoltDB implements the DB interface using BoltDB.
// Each user has a nested bucket of transactions keyed by creation time.
type BoltDB struct {
	db          *bbolt.DB
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithDeps(path, &uuidGenerator{}, &utcTimeSource{})
}

// NewBoltDBWithDeps creates a new BoltDB with custom ID and time sources for testing
func NewBoltDBWithDeps(path string, idGen IDGenerator, timeSrc TimeSource) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", boltErr(err))
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{transactionsBucket, indexBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, idGenerator: idGen, timeSource: timeSrc}, nil
}

// boltErr tags errors that mean the file is not usable right now
func boltErr(err error) error {
	if errors.Is(err, bbolt.ErrTimeout) || errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func transactionKey(t *Transaction) []byte {
	return []byte(t.CreatedAt.UTC().Format(keyTimeFormat) + "|" + t.ID)
}

// CreateTransaction saves a new transaction
func (b *BoltDB) CreateTransaction(ctx context.Context, candidate Transaction) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if candidate.UserID == "" {
		return nil, fmt.Errorf("creating transaction: empty user: %w", ErrConstraintViolation)
	}

	t := candidate.clone()
	t.ID = b.idGenerator.Generate()
	t.CreatedAt = b.timeSource.Now().UTC()

	err := b.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(indexBucket))
		if index.Get([]byte(t.ID)) != nil {
			return fmt.Errorf("transaction %s already exists: %w", t.ID, ErrConstraintViolation)
		}

		users := tx.Bucket([]byte(transactionsBucket))
		bucket, err := users.CreateBucketIfNotExists([]byte(t.UserID))
		if err != nil {
			return fmt.Errorf("creating user bucket: %w", err)
		}

		key := transactionKey(&t)
		data, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("marshaling transaction: %w", err)
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		entry, err := json.Marshal(indexEntry{UserID: t.UserID, Key: string(key)})
		if err != nil {
			return fmt.Errorf("marshaling index entry: %w", err)
		}
		return index.Put([]byte(t.ID), entry)
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return &t, nil
}

// GetTransaction retrieves a transaction by ID
func (b *BoltDB) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var t *Transaction
	err := b.db.View(func(tx *bbolt.Tx) error {
		entry, err := lookupIndex(tx, id)
		if err != nil {
			return err
		}
		bucket := tx.Bucket([]byte(transactionsBucket)).Bucket([]byte(entry.UserID))
		if bucket == nil {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		data := bucket.Get([]byte(entry.Key))
		if data == nil {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return t, nil
}

func lookupIndex(tx *bbolt.Tx, id string) (indexEntry, error) {
	var entry indexEntry
	data := tx.Bucket([]byte(indexBucket)).Get([]byte(id))
	if data == nil {
		return entry, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("unmarshaling index entry: %w", err)
	}
	return entry, nil
}

// ListTransactions walks the user's bucket from the newest key backwards
func (b *BoltDB) ListTransactions(ctx context.Context, userID string, filter Filter, page Page) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	transactions := make([]*Transaction, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transactionsBucket)).Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}

		skipped := 0
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if !filter.Matches(&t) {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			transactions = append(transactions, &t)
			if page.Limit > 0 && len(transactions) >= page.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return transactions, nil
}

// AggregateByCategory sums amounts per category. Categories with no spending are omitted.
func (b *BoltDB) AggregateByCategory(ctx context.Context, userID string, r DateRange) (map[Category]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	totals := make(map[Category]decimal.Decimal)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(transactionsBucket)).Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		k, v := c.First()
		if !r.From.IsZero() {
			k, v = c.Seek([]byte(r.From.UTC().Format(keyTimeFormat)))
		}
		for ; k != nil; k, v = c.Next() {
			var t Transaction
			if err := json.Unmarshal(v, &t); err != nil {
				return fmt.Errorf("unmarshaling transaction: %w", err)
			}
			if !r.To.IsZero() && !t.CreatedAt.Before(r.To) {
				break
			}
			if !r.Contains(t.CreatedAt) {
				continue
			}
			totals[t.Category] = totals[t.Category].Add(t.Amount)
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return totals, nil
}

// DeleteTransaction removes a transaction owned by userID
func (b *BoltDB) DeleteTransaction(ctx context.Context, userID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		entry, err := lookupIndex(tx, id)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		if bucket := tx.Bucket([]byte(transactionsBucket)).Bucket([]byte(userID)); bucket != nil {
			if err := bucket.Delete([]byte(entry.Key)); err != nil {
				return err
			}
		}
		return tx.Bucket([]byte(indexBucket)).Delete([]byte(id))
	})
	return boltErr(err)
}

// AddKeywords appends keywords the transaction does not already have
func (b *BoltDB) AddKeywords(ctx context.Context, userID, id string, keywords []string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var t *Transaction
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entry, err := lookupIndex(tx, id)
		if err != nil {
			return err
		}
		if entry.UserID != userID {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		bucket := tx.Bucket([]byte(transactionsBucket)).Bucket([]byte(userID))
		if bucket == nil {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		data := bucket.Get([]byte(entry.Key))
		if data == nil {
			return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("unmarshaling transaction: %w", err)
		}

		t.Keywords = mergeKeywords(t.Keywords, keywords)

		updated, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshaling transaction: %w", err)
		}
		return bucket.Put([]byte(entry.Key), updated)
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return t, nil
}

// mergeKeywords returns existing followed by any new lowercase keywords it lacks
func mergeKeywords(existing, added []string) []string {
	merged := append([]string(nil), existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, k := range existing {
		seen[k] = struct{}{}
	}
	for _, k := range added {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, k)
	}
	return merged
}

// SaveSession stores a paused run, replacing any with the same ID
func (b *BoltDB) SaveSession(ctx context.Context, session *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("marshaling session: %w", err)
		}
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(session.ID), data)
	})
	return boltErr(err)
}

// GetSession retrieves a paused run owned by userID
func (b *BoltDB) GetSession(ctx context.Context, userID, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session *Session
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		if err := json.Unmarshal(data, &session); err != nil {
			return fmt.Errorf("unmarshaling session: %w", err)
		}
		if session.UserID != userID {
			session = nil
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return session, nil
}

// TakeSession removes a paused run owned by userID and returns it
func (b *BoltDB) TakeSession(ctx context.Context, userID, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session *Session
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshaling session: %w", err)
		}
		if s.UserID != userID {
			return fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		session = &s
		return bucket.Delete([]byte(id))
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return session, nil
}

// TakeExpiredSessions removes every session expiring at or before now and returns them
func (b *BoltDB) TakeExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var expired []*Session
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		err := bucket.ForEach(func(k, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshaling session %s: %w", k, err)
			}
			if !now.Before(s.ExpiresAt) {
				expired = append(expired, &s)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Deleting inside ForEach is not allowed
		for _, s := range expired {
			if err := bucket.Delete([]byte(s.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltErr(err)
	}
	return expired, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
