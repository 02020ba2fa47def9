package expense

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/spend-tracker/internal/scanning"
)

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		cfg      Config
		db       *mockDB
		storage  *mockStorage
		scanner  *mockScanner
		labeler  *mockLabeler
		clock    *steppingClock
		pipeline *Pipeline
		start    time.Time
	)

	newPipeline := func() *Pipeline {
		p, err := NewPipeline(cfg, PipelineDeps{
			DB:          db,
			Storage:     storage,
			Scanner:     scanner,
			Labeler:     labeler,
			IDGenerator: &sequenceIDGenerator{},
			TimeSource:  clock,
			Logger:      discardLogger,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		cfg = testConfig()
		db = newMockDB()
		storage = newMockStorage()
		scanner = &mockScanner{}
		labeler = &mockLabeler{}
		start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		clock = &steppingClock{now: start}
		pipeline = newPipeline()
	})

	It("should refuse an invalid config", func() {
		cfg.MaxAttempts = 0
		_, err := NewPipeline(cfg, PipelineDeps{DB: db})
		Expect(err).To(MatchError(ContainSubstring("invalid config")))
	})

	It("should refuse a missing DB", func() {
		_, err := NewPipeline(cfg, PipelineDeps{})
		Expect(err).To(HaveOccurred())
	})

	Describe("Submit", func() {
		It("should record a rule-matched text entry", func() {
			outcome := pipeline.Submit(ctx, "alice", TextInput("Paid $42.50 for groceries"))

			Expect(outcome.State).To(Equal(StageDone))
			Expect(outcome.Prompt).To(BeNil())
			Expect(outcome.Failure).To(BeNil())
			t := outcome.Transaction
			Expect(t).NotTo(BeNil())
			Expect(t.ID).NotTo(BeEmpty())
			Expect(t.UserID).To(Equal("alice"))
			Expect(t.Amount.Equal(dec("42.50"))).To(BeTrue())
			Expect(t.Currency).To(Equal("USD"))
			Expect(t.Category).To(Equal(CategoryFood))
			Expect(t.Keywords).To(ContainElement("groceries"))
			Expect(t.RawText).To(Equal("Paid $42.50 for groceries"))
			Expect(t.Source).To(Equal(SourceText))
			Expect(t.Confidence).To(Equal(1.0))
			Expect(labeler.callCount()).To(Equal(0))
			Expect(db.transactionCount()).To(Equal(1))
		})

		It("should use the AI label when no rule matches", func() {
			labeler.label = &scanning.Suggestion{Category: "Shopping", Confidence: 0.8}

			outcome := pipeline.Submit(ctx, "alice", TextInput("spent 10 on something weird"))

			Expect(outcome.State).To(Equal(StageDone))
			Expect(outcome.Transaction.Amount.Equal(dec("10"))).To(BeTrue())
			Expect(outcome.Transaction.Currency).To(Equal("SGD"))
			Expect(outcome.Transaction.Category).To(Equal(CategoryShopping))
			Expect(outcome.Transaction.Confidence).To(Equal(0.8))
		})

		It("should file under Other when the AI is unavailable", func() {
			labeler.err = scanning.ErrUnavailable

			outcome := pipeline.Submit(ctx, "alice", TextInput("spent 10 on something weird"))

			Expect(outcome.State).To(Equal(StageDone))
			Expect(outcome.Transaction.Category).To(Equal(CategoryOther))
			Expect(outcome.Transaction.Confidence).To(Equal(0.0))
		})

		It("should give every transaction its own ID", func() {
			first := pipeline.Submit(ctx, "alice", TextInput("lunch $12"))
			second := pipeline.Submit(ctx, "alice", TextInput("lunch $12"))

			Expect(first.Transaction.ID).NotTo(Equal(second.Transaction.ID))
			Expect(db.transactionCount()).To(Equal(2))
		})

		It("should fail malformed input without pausing", func() {
			outcome := pipeline.Submit(ctx, "alice", TextInput("   "))

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Stage).To(Equal(StageNormalizing))
			Expect(outcome.Failure.Code).To(Equal(CodeMalformedInput))
			Expect(db.sessionCount()).To(Equal(0))
		})

		It("should fail an empty user", func() {
			outcome := pipeline.Submit(ctx, " ", TextInput("lunch $12"))

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Code).To(Equal(CodeMalformedInput))
		})

		Context("when the amount is missing", func() {
			It("should pause and resume with the user's amount", func() {
				outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))

				Expect(outcome.State).To(Equal(StageAwaitingInput))
				Expect(outcome.Transaction).To(BeNil())
				Expect(outcome.Prompt.Need).To(Equal(NeedAmount))
				Expect(outcome.Prompt.SessionID).NotTo(BeEmpty())
				Expect(outcome.Prompt.Message).To(Equal(messageFor(CodeNoAmountFound)))
				Expect(db.transactionCount()).To(Equal(0))
				Expect(db.sessionCount()).To(Equal(1))

				resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{Amount: decPtr("15.00")})

				Expect(resumed.State).To(Equal(StageDone))
				Expect(resumed.Transaction.Amount.Equal(dec("15"))).To(BeTrue())
				Expect(resumed.Transaction.Currency).To(Equal("SGD"))
				Expect(resumed.Transaction.RawText).To(Equal("no numbers here"))
				Expect(db.transactionCount()).To(Equal(1))
				Expect(db.sessionCount()).To(Equal(0))
			})

			It("should classify before pausing so the resumed run keeps the category", func() {
				outcome := pipeline.Submit(ctx, "alice", TextInput("grab to airport"))
				Expect(outcome.State).To(Equal(StageAwaitingInput))

				resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{Amount: decPtr("25"), Currency: "usd"})

				Expect(resumed.State).To(Equal(StageDone))
				Expect(resumed.Transaction.Category).To(Equal(CategoryTransport))
				Expect(resumed.Transaction.Currency).To(Equal("USD"))
			})

			It("should fail instead of pausing again when the reply is invalid", func() {
				outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))

				resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{Amount: decPtr("-3")})

				Expect(resumed.State).To(Equal(StageFailed))
				Expect(resumed.Failure.Stage).To(Equal(StageBuilding))
				Expect(resumed.Failure.Code).To(Equal(CodeInvalidAmount))
				Expect(db.transactionCount()).To(Equal(0))
				Expect(db.sessionCount()).To(Equal(0))
			})

			It("should fail a reply without an amount", func() {
				outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))

				resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{})

				Expect(resumed.State).To(Equal(StageFailed))
				Expect(resumed.Failure.Code).To(Equal(CodeInvalidAmount))
			})
		})

		It("should pause on a zero amount", func() {
			outcome := pipeline.Submit(ctx, "alice", TextInput("coffee $0"))

			Expect(outcome.State).To(Equal(StageAwaitingInput))
			Expect(outcome.Prompt.Message).To(Equal(messageFor(CodeInvalidAmount)))
		})

		It("should ask for a currency when there is no base currency", func() {
			cfg.BaseCurrency = ""
			pipeline = newPipeline()

			outcome := pipeline.Submit(ctx, "alice", TextInput("lunch 12"))

			Expect(outcome.State).To(Equal(StageAwaitingInput))
			Expect(outcome.Prompt.Need).To(Equal(NeedCurrency))

			resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{Currency: "EUR"})
			Expect(resumed.State).To(Equal(StageDone))
			Expect(resumed.Transaction.Amount.Equal(dec("12"))).To(BeTrue())
			Expect(resumed.Transaction.Currency).To(Equal("EUR"))
		})

		Context("when the store is unavailable", func() {
			It("should fail after the retry budget and create nothing", func() {
				db.createErrs = []error{ErrUnavailable, ErrUnavailable, ErrUnavailable}

				outcome := pipeline.Submit(ctx, "alice", TextInput("Paid $42.50 for groceries"))

				Expect(outcome.State).To(Equal(StageFailed))
				Expect(outcome.Transaction).To(BeNil())
				Expect(outcome.Failure.Stage).To(Equal(StagePersisting))
				Expect(outcome.Failure.Code).To(Equal(CodeStoreUnavailable))
				Expect(db.createCalls).To(Equal(3))
				Expect(db.transactionCount()).To(Equal(0))
			})

			It("should succeed when a retry gets through", func() {
				db.createErrs = []error{ErrUnavailable, ErrUnavailable}

				outcome := pipeline.Submit(ctx, "alice", TextInput("Paid $42.50 for groceries"))

				Expect(outcome.State).To(Equal(StageDone))
				Expect(db.createCalls).To(Equal(3))
				Expect(db.transactionCount()).To(Equal(1))
			})

			It("should not retry a constraint violation", func() {
				db.createErrs = []error{ErrConstraintViolation}

				outcome := pipeline.Submit(ctx, "alice", TextInput("Paid $42.50 for groceries"))

				Expect(outcome.Failure.Code).To(Equal(CodeConstraintViolation))
				Expect(db.createCalls).To(Equal(1))
			})
		})

		It("should not write once the caller has cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			outcome := pipeline.Submit(cctx, "alice", TextInput("Paid $42.50 for groceries"))

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Code).To(Equal(CodeCancelled))
			Expect(db.createCalls).To(Equal(0))
		})

		It("should fail when the session cannot be saved", func() {
			db.saveSessErr = errors.New("disk full")

			outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Stage).To(Equal(StageAwaitingInput))
			Expect(outcome.Failure.Code).To(Equal(CodeInternal))
		})

		Describe("images", func() {
			It("should read the receipt and keep the image", func() {
				scanner.text = "FAIRPRICE\nTOTAL S$23.10"

				outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("png-bytes"), "image/png", "my receipt.png"))

				Expect(outcome.State).To(Equal(StageDone))
				t := outcome.Transaction
				Expect(t.Source).To(Equal(SourceImage))
				Expect(t.Amount.Equal(dec("23.10"))).To(BeTrue())
				Expect(t.Currency).To(Equal("SGD"))
				Expect(t.Category).To(Equal(CategoryFood))
				Expect(t.ImagePath).To(Equal("id-1_my_receipt.png"))
				Expect(t.ContentType).To(Equal("image/png"))
				Expect(storage.files).To(HaveKeyWithValue("id-1_my_receipt.png", []byte("png-bytes")))
			})

			It("should pause with Other when nothing is legible", func() {
				scanner.text = ""

				outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("png"), "image/png", "blank.png"))

				Expect(outcome.State).To(Equal(StageAwaitingInput))
				Expect(outcome.Prompt.Message).To(Equal(messageFor(CodeNoTextFound)))
				Expect(labeler.callCount()).To(Equal(0))

				resumed := pipeline.ProvideAmount(ctx, "alice", outcome.Prompt.SessionID, AmountReply{Amount: decPtr("8")})
				Expect(resumed.State).To(Equal(StageDone))
				Expect(resumed.Transaction.Category).To(Equal(CategoryOther))
				Expect(resumed.Transaction.ImagePath).To(Equal("id-1_blank.png"))
			})

			It("should delete the image when the run fails", func() {
				scanner.errs = []error{scanning.ErrUnsupportedFormat}

				outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("zip"), "application/zip", "r.zip"))

				Expect(outcome.State).To(Equal(StageFailed))
				Expect(outcome.Failure.Code).To(Equal(CodeMalformedInput))
				Expect(storage.count()).To(Equal(0))
			})

			It("should report an unavailable scanner after retries", func() {
				scanner.errs = []error{scanning.ErrUnavailable, scanning.ErrUnavailable, scanning.ErrUnavailable}

				outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("png"), "image/png", "r.png"))

				Expect(outcome.Failure.Code).To(Equal(CodeScannerUnavailable))
				Expect(scanner.calls).To(Equal(3))
				Expect(storage.count()).To(Equal(0))
			})

			It("should fail when the image cannot be stored", func() {
				storage.saveErr = errors.New("bucket gone")

				outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("png"), "image/png", "r.png"))

				Expect(outcome.State).To(Equal(StageFailed))
				Expect(scanner.calls).To(Equal(0))
			})
		})
	})

	Describe("ProvideAmount", func() {
		var sessionID string

		BeforeEach(func() {
			outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))
			Expect(outcome.State).To(Equal(StageAwaitingInput))
			sessionID = outcome.Prompt.SessionID
		})

		It("should not resume another user's session", func() {
			outcome := pipeline.ProvideAmount(ctx, "bob", sessionID, AmountReply{Amount: decPtr("15")})

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Code).To(Equal(CodeSessionNotFound))
			Expect(db.sessionCount()).To(Equal(1))
		})

		It("should fail an unknown session", func() {
			outcome := pipeline.ProvideAmount(ctx, "alice", "nope", AmountReply{Amount: decPtr("15")})

			Expect(outcome.Failure.Code).To(Equal(CodeSessionNotFound))
		})

		It("should drop an expired session", func() {
			clock.Set(start.Add(cfg.SessionTTL))

			outcome := pipeline.ProvideAmount(ctx, "alice", sessionID, AmountReply{Amount: decPtr("15")})

			Expect(outcome.State).To(Equal(StageFailed))
			Expect(outcome.Failure.Code).To(Equal(CodeSessionNotFound))
			Expect(db.sessionCount()).To(Equal(0))
			Expect(db.transactionCount()).To(Equal(0))
		})

		It("should resume just before expiry", func() {
			clock.Set(start.Add(cfg.SessionTTL - time.Second))

			outcome := pipeline.ProvideAmount(ctx, "alice", sessionID, AmountReply{Amount: decPtr("15")})

			Expect(outcome.State).To(Equal(StageDone))
		})

		It("should only complete a session once", func() {
			first := pipeline.ProvideAmount(ctx, "alice", sessionID, AmountReply{Amount: decPtr("15")})
			second := pipeline.ProvideAmount(ctx, "alice", sessionID, AmountReply{Amount: decPtr("15")})

			Expect(first.State).To(Equal(StageDone))
			Expect(second.Failure.Code).To(Equal(CodeSessionNotFound))
			Expect(db.transactionCount()).To(Equal(1))
		})
	})

	Describe("SweepExpiredSessions", func() {
		It("should remove expired sessions and their images", func() {
			scanner.text = "FAIRPRICE EGGS MILK"
			outcome := pipeline.Submit(ctx, "alice", ImageInput([]byte("png"), "image/png", "receipt.png"))
			Expect(outcome.State).To(Equal(StageAwaitingInput))
			Expect(storage.count()).To(Equal(1))

			clock.Set(start.Add(cfg.SessionTTL))
			swept, err := pipeline.SweepExpiredSessions(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(Equal(1))
			Expect(db.sessionCount()).To(Equal(0))
			Expect(storage.count()).To(Equal(0))
		})

		It("should leave live sessions alone", func() {
			outcome := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))
			Expect(outcome.State).To(Equal(StageAwaitingInput))

			clock.Set(start.Add(cfg.SessionTTL - time.Second))
			swept, err := pipeline.SweepExpiredSessions(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(swept).To(Equal(0))
			Expect(db.sessionCount()).To(Equal(1))
		})
	})
})

// slowBoltDB holds each write long enough for concurrent answers to overlap
type slowBoltDB struct {
	*BoltDB
	delay time.Duration
}

func (s *slowBoltDB) CreateTransaction(ctx context.Context, candidate Transaction) (*Transaction, error) {
	time.Sleep(s.delay)
	return s.BoltDB.CreateTransaction(ctx, candidate)
}

var _ = Describe("Pipeline on BoltDB", func() {
	It("should record one transaction when the same answer arrives twice at once", func() {
		ctx := context.Background()
		bolt, err := NewBoltDB(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(bolt.Close)

		pipeline, err := NewPipeline(testConfig(), PipelineDeps{
			DB:     &slowBoltDB{BoltDB: bolt, delay: 100 * time.Millisecond},
			Logger: discardLogger,
		})
		Expect(err).NotTo(HaveOccurred())

		paused := pipeline.Submit(ctx, "alice", TextInput("no numbers here"))
		Expect(paused.State).To(Equal(StageAwaitingInput))

		var wg sync.WaitGroup
		states := make([]Stage, 2)
		for i := range states {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				outcome := pipeline.ProvideAmount(ctx, "alice", paused.Prompt.SessionID, AmountReply{Amount: decPtr("15.00")})
				states[i] = outcome.State
			}()
		}
		wg.Wait()

		Expect(states).To(ConsistOf(StageDone, StageFailed))
		ts, err := bolt.ListTransactions(ctx, "alice", Filter{}, Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ts).To(HaveLen(1))
	})
})
