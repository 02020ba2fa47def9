package expense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/spend-tracker/internal/scanning"
)

// Stage is a step of a pipeline run
type Stage string

const (
	StageNormalizing   Stage = "normalizing"
	StageExtracting    Stage = "extracting"
	StageClassifying   Stage = "classifying"
	StageBuilding      Stage = "building"
	StagePersisting    Stage = "persisting"
	StageDone          Stage = "done"
	StageAwaitingInput Stage = "awaiting_input"
	StageFailed        Stage = "failed"
)

// Need names what a paused run is waiting for
type Need string

const (
	NeedAmount   Need = "amount"
	NeedCurrency Need = "currency"
)

// Session is a paused run. It is stored so it survives restarts.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	// Stage is where the run resumes
	Stage          Stage          `json:"stage"`
	Need           Need           `json:"need"`
	Reason         ErrorCode      `json:"reason"`
	Facts          ExtractedFacts `json:"facts"`
	Classification Classification `json:"classification"`
	Source         Source         `json:"source"`
	ImagePath      string         `json:"image_path,omitempty"`
	ContentType    string         `json:"content_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// Prompt tells the caller what to ask the user for
type Prompt struct {
	SessionID string `json:"session_id"`
	Need      Need   `json:"need"`
	Message   string `json:"message"`
}

// Outcome is the result of a run. State is StageDone, StageAwaitingInput or StageFailed,
// and exactly one of Transaction, Prompt and Failure is set to match.
type Outcome struct {
	State       Stage        `json:"state"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Prompt      *Prompt      `json:"prompt,omitempty"`
	Failure     *Failure     `json:"failure,omitempty"`
}

// AmountReply is the user's answer to a prompt
type AmountReply struct {
	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
}

// PipelineDeps are the collaborators a Pipeline calls
type PipelineDeps struct {
	DB DB
	// Storage keeps receipt images. Nil discards them.
	Storage Storage
	// Scanner reads images. Nil rejects image input.
	Scanner scanning.Scanner
	// Labeler classifies when no rule matches. Nil always falls back to Other.
	Labeler     scanning.Labeler
	IDGenerator IDGenerator
	TimeSource  TimeSource
	Logger      *slog.Logger
}

// Pipeline turns messages into stored transactions
type Pipeline struct {
	cfg         Config
	normalizer  *Normalizer
	classifier  *Classifier
	builder     *Builder
	db          DB
	storage     Storage
	retry       retryPolicy
	idGenerator IDGenerator
	timeSource  TimeSource
	logger      *slog.Logger
}

// NewPipeline creates a Pipeline
func NewPipeline(cfg Config, deps PipelineDeps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.DB == nil {
		return nil, errors.New("pipeline requires a DB")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IDGenerator == nil {
		deps.IDGenerator = &uuidGenerator{}
	}
	if deps.TimeSource == nil {
		deps.TimeSource = &utcTimeSource{}
	}

	return &Pipeline{
		cfg:         cfg,
		normalizer:  NewNormalizer(cfg, deps.Scanner, deps.Logger),
		classifier:  NewClassifier(cfg, deps.Labeler, deps.Logger),
		builder:     NewBuilder(cfg.BaseCurrency),
		db:          deps.DB,
		storage:     deps.Storage,
		retry:       cfg.retryPolicy(),
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
		logger:      deps.Logger,
	}, nil
}

// run carries the state of one message through the stages
type run struct {
	p           *Pipeline
	userID      string
	source      Source
	imagePath   string
	contentType string
	logger      *slog.Logger
}

func (p *Pipeline) newRun(userID string, source Source) *run {
	return &run{
		p:      p,
		userID: userID,
		source: source,
		logger: p.logger.With("user_id", userID, "source", source),
	}
}

// Submit runs a message through every stage. It never returns a raw error.
func (p *Pipeline) Submit(ctx context.Context, userID string, in RawInput) Outcome {
	r := p.newRun(userID, in.Source)
	if strings.TrimSpace(userID) == "" {
		return r.fail(ctx, StageNormalizing, fmt.Errorf("empty user id: %w", ErrMalformedInput))
	}

	if in.Source == SourceImage && len(in.Image) > 0 && p.storage != nil {
		name := p.idGenerator.Generate() + "_" + sanitizeFilename(in.Filename)
		path, err := p.storage.Save(ctx, name, in.Image, in.ContentType)
		if err != nil {
			return r.fail(ctx, StageNormalizing, fmt.Errorf("saving image: %w", err))
		}
		r.imagePath = path
		r.contentType = in.ContentType
	}

	r.transition(StageNormalizing)
	text, err := p.normalizer.Normalize(ctx, in)
	if err != nil {
		if errors.Is(err, ErrNoTextFound) {
			facts := ExtractedFacts{Keywords: []string{}}
			cls := Classification{Category: CategoryOther, Source: ClassifiedByFallback, Degraded: true}
			return r.pause(ctx, err, facts, cls)
		}
		return r.fail(ctx, StageNormalizing, err)
	}

	r.transition(StageExtracting)
	facts, extractErr := Extract(text)
	if extractErr != nil && !isRecoverable(extractErr) {
		return r.fail(ctx, StageExtracting, extractErr)
	}

	// Classify even without an amount so a resumed run only has to build
	r.transition(StageClassifying)
	cls := p.classifier.Classify(ctx, facts.Keywords, facts.RawText)
	r.logger.Debug("Classified",
		"category", cls.Category,
		"confidence", cls.Confidence,
		"via", cls.Source,
		"degraded", cls.Degraded,
	)

	if extractErr != nil {
		return r.pause(ctx, extractErr, facts, cls)
	}
	return r.build(ctx, facts, cls, false)
}

// ProvideAmount resumes a paused run at Building with the user's answer.
// The session is taken from the store first, so a repeated answer finds nothing.
func (p *Pipeline) ProvideAmount(ctx context.Context, userID, sessionID string, reply AmountReply) Outcome {
	r := p.newRun(userID, "")

	var session *Session
	err := p.retry.do(ctx, isStoreTransient, func(ctx context.Context) error {
		dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
		defer cancel()

		var err error
		session, err = p.db.TakeSession(dbCtx, userID, sessionID)
		return err
	})
	if err != nil {
		return r.fail(ctx, StageBuilding, err)
	}

	r.source = session.Source
	r.imagePath = session.ImagePath
	r.contentType = session.ContentType
	r.logger = r.logger.With("session_id", session.ID, "source", session.Source)

	if !p.timeSource.Now().Before(session.ExpiresAt) {
		return r.fail(ctx, StageBuilding, fmt.Errorf("session %s expired at %s: %w", session.ID, session.ExpiresAt, ErrSessionNotFound))
	}

	facts := session.Facts
	if reply.Amount != nil {
		amount := *reply.Amount
		facts.Amount = &amount
	}
	if c := strings.TrimSpace(reply.Currency); c != "" {
		facts.Currency = c
	}

	return r.build(ctx, facts, session.Classification, true)
}

// SweepExpiredSessions removes expired sessions and the images they hold
func (p *Pipeline) SweepExpiredSessions(ctx context.Context) (int, error) {
	var expired []*Session
	err := p.retry.do(ctx, isStoreTransient, func(ctx context.Context) error {
		dbCtx, cancel := context.WithTimeout(ctx, p.cfg.DBTimeout)
		defer cancel()

		var err error
		expired, err = p.db.TakeExpiredSessions(dbCtx, p.timeSource.Now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("taking expired sessions: %w", err)
	}

	for _, session := range expired {
		if session.ImagePath == "" || p.storage == nil {
			continue
		}
		if err := p.storage.Delete(ctx, session.ImagePath); err != nil {
			p.logger.Warn("Failed to delete image", "session_id", session.ID, "path", session.ImagePath, "error", err)
		}
	}
	if len(expired) > 0 {
		p.logger.Info("Swept expired sessions", "count", len(expired))
	}
	return len(expired), nil
}

// SweepEvery runs SweepExpiredSessions on every tick until ctx is done
func (p *Pipeline) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.SweepExpiredSessions(ctx); err != nil {
				p.logger.Error("Session sweep failed", "error", err)
			}
		}
	}
}

func (r *run) transition(stage Stage) {
	r.logger.Debug("Pipeline stage", "stage", stage)
}

// build runs Building then Persisting. A resumed run fails instead of pausing again.
func (r *run) build(ctx context.Context, facts ExtractedFacts, cls Classification, resumed bool) Outcome {
	r.transition(StageBuilding)
	candidate, err := r.p.builder.Build(facts, cls, r.userID)
	if err != nil {
		if isRecoverable(err) && !resumed {
			return r.pause(ctx, err, facts, cls)
		}
		return r.fail(ctx, StageBuilding, err)
	}

	candidate.Source = r.source
	candidate.ImagePath = r.imagePath
	candidate.ContentType = r.contentType
	return r.persist(ctx, candidate)
}

// persist stores candidate. Once the write starts it is not cancelled by ctx.
func (r *run) persist(ctx context.Context, candidate Transaction) Outcome {
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, StagePersisting, err)
	}
	r.transition(StagePersisting)

	writeCtx := context.WithoutCancel(ctx)
	var created *Transaction
	attempt := 0
	err := r.p.retry.do(writeCtx, isStoreTransient, func(ctx context.Context) error {
		attempt++
		dbCtx, cancel := context.WithTimeout(ctx, r.p.cfg.DBTimeout)
		defer cancel()

		var err error
		created, err = r.p.db.CreateTransaction(dbCtx, candidate)
		if err != nil && isStoreTransient(err) {
			r.logger.Warn("Store unavailable", "attempt", attempt, "max_attempts", r.p.cfg.MaxAttempts, "error", err)
		}
		return err
	})
	if err != nil {
		return r.fail(writeCtx, StagePersisting, err)
	}

	r.transition(StageDone)
	r.logger.Info("Transaction recorded",
		"transaction_id", created.ID,
		"amount", created.Amount.String(),
		"currency", created.Currency,
		"category", created.Category,
	)
	return Outcome{State: StageDone, Transaction: created}
}

// pause stores a session and asks the user for what is missing
func (r *run) pause(ctx context.Context, cause error, facts ExtractedFacts, cls Classification) Outcome {
	need := NeedAmount
	if errors.Is(cause, ErrMissingCurrency) {
		need = NeedCurrency
	}

	now := r.p.timeSource.Now().UTC()
	session := &Session{
		ID:             r.p.idGenerator.Generate(),
		UserID:         r.userID,
		Stage:          StageBuilding,
		Need:           need,
		Reason:         codeFor(cause),
		Facts:          facts,
		Classification: cls,
		Source:         r.source,
		ImagePath:      r.imagePath,
		ContentType:    r.contentType,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.p.cfg.SessionTTL),
	}

	err := r.p.retry.do(ctx, isStoreTransient, func(ctx context.Context) error {
		dbCtx, cancel := context.WithTimeout(ctx, r.p.cfg.DBTimeout)
		defer cancel()
		return r.p.db.SaveSession(dbCtx, session)
	})
	if err != nil {
		return r.fail(ctx, StageAwaitingInput, fmt.Errorf("saving session: %w", err))
	}

	r.transition(StageAwaitingInput)
	r.logger.Info("Waiting for user input", "session_id", session.ID, "need", need, "reason", session.Reason)
	return Outcome{
		State: StageAwaitingInput,
		Prompt: &Prompt{
			SessionID: session.ID,
			Need:      need,
			Message:   messageFor(session.Reason),
		},
	}
}

// fail ends the run and removes any image it stored
func (r *run) fail(ctx context.Context, stage Stage, err error) Outcome {
	failure := newFailure(stage, err)
	if failure.Code == CodeInternal || failure.Code == CodeStoreUnavailable || failure.Code == CodeConstraintViolation || failure.Code == CodeScannerUnavailable {
		r.logger.Error("Pipeline failed", "stage", stage, "code", failure.Code, "error", err)
	} else {
		r.logger.Info("Pipeline failed", "stage", stage, "code", failure.Code, "error", err)
	}

	if r.imagePath != "" && r.p.storage != nil {
		if delErr := r.p.storage.Delete(context.WithoutCancel(ctx), r.imagePath); delErr != nil {
			r.logger.Warn("Failed to delete image", "path", r.imagePath, "error", delErr)
		}
	}
	return Outcome{State: StageFailed, Failure: failure}
}

func isStoreTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
