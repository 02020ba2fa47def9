package expense

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/spend-tracker/internal/scanning"
)

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		scanner     *mockScanner
		labeler     *mockLabeler
		service     *Service
		opts        ServerOptions
		server      *Server
		ghttpServer *ghttp.Server
	)

	setupServer := func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
		server = NewServerWithMux(service, opts, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions} {
			ghttpServer.RouteToHandler(method, regexp.MustCompile(`^/`), server.ServeHTTP)
		}
	}

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		scanner = &mockScanner{}
		labeler = &mockLabeler{}
		clock := &steppingClock{now: time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)}

		pipeline, err := NewPipeline(testConfig(), PipelineDeps{
			DB:          db,
			Storage:     storage,
			Scanner:     scanner,
			Labeler:     labeler,
			IDGenerator: &sequenceIDGenerator{},
			TimeSource:  clock,
			Logger:      discardLogger,
		})
		Expect(err).NotTo(HaveOccurred())
		service = NewServiceWithDeps(pipeline, db, storage, clock, discardLogger)
		opts = ServerOptions{Logger: discardLogger}
		setupServer()
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
			ghttpServer = nil
		}
	})

	postJSON := func(path string, body any) *http.Response {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(ghttpServer.URL()+path, "application/json", bytes.NewReader(data))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decodeOutcome := func(resp *http.Response) Outcome {
		defer resp.Body.Close()
		var outcome Outcome
		Expect(json.NewDecoder(resp.Body).Decode(&outcome)).To(Succeed())
		return outcome
	}

	Describe("GET /healthz", func() {
		It("should answer without auth", func() {
			opts.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()

			resp, err := http.Get(ghttpServer.URL() + "/healthz")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /api/users/{user}/entries", func() {
		It("should record a text entry", func() {
			resp := postJSON("/api/users/alice/entries", map[string]string{"text": "Paid $42.50 for groceries"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))

			outcome := decodeOutcome(resp)
			Expect(outcome.State).To(Equal(StageDone))
			Expect(outcome.Transaction.Amount.Equal(dec("42.50"))).To(BeTrue())
			Expect(outcome.Transaction.Currency).To(Equal("USD"))
			Expect(outcome.Transaction.Category).To(Equal(CategoryFood))
			Expect(outcome.Transaction.UserID).To(Equal("alice"))
		})

		It("should ask for an amount with 202", func() {
			resp := postJSON("/api/users/alice/entries", map[string]string{"text": "no numbers here"})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			outcome := decodeOutcome(resp)
			Expect(outcome.State).To(Equal(StageAwaitingInput))
			Expect(outcome.Prompt.Need).To(Equal(NeedAmount))

			resp = postJSON("/api/users/alice/sessions/"+outcome.Prompt.SessionID+"/amount", map[string]string{"amount": "15.00"})
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			resumed := decodeOutcome(resp)
			Expect(resumed.Transaction.Amount.Equal(dec("15"))).To(BeTrue())
		})

		It("should reject an invalid resumed amount with 422", func() {
			outcome := decodeOutcome(postJSON("/api/users/alice/entries", map[string]string{"text": "no numbers here"}))

			resp := postJSON("/api/users/alice/sessions/"+outcome.Prompt.SessionID+"/amount", map[string]string{"amount": "0"})
			Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
			failed := decodeOutcome(resp)
			Expect(failed.Failure.Code).To(Equal(CodeInvalidAmount))
		})

		It("should return 404 for an unknown session", func() {
			resp := postJSON("/api/users/alice/sessions/nope/amount", map[string]string{"amount": "15"})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should reject an empty message with 400", func() {
			resp := postJSON("/api/users/alice/entries", map[string]string{"text": "  "})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(decodeOutcome(resp).Failure.Code).To(Equal(CodeMalformedInput))
		})

		It("should reject a bad body with 400", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/users/alice/entries", "application/json", strings.NewReader("{"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should report an unavailable store with 503", func() {
			db.createErrs = []error{ErrUnavailable, ErrUnavailable, ErrUnavailable}

			resp := postJSON("/api/users/alice/entries", map[string]string{"text": "lunch $12"})
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			outcome := decodeOutcome(resp)
			Expect(outcome.Failure.Code).To(Equal(CodeStoreUnavailable))
			Expect(outcome.Failure.Message).NotTo(ContainSubstring("store unavailable"))
		})

		It("should accept a receipt upload", func() {
			scanner.text = "GRAB RECEIPT\nTotal S$14.20"
			labeler.label = &scanning.Suggestion{Category: "Transport", Confidence: 0.9}

			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			part, err := writer.CreateFormFile("file", "grab.png")
			Expect(err).NotTo(HaveOccurred())
			_, err = part.Write([]byte("png-bytes"))
			Expect(err).NotTo(HaveOccurred())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/users/alice/entries", writer.FormDataContentType(), &b)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))

			outcome := decodeOutcome(resp)
			Expect(outcome.Transaction.Source).To(Equal(SourceImage))
			Expect(outcome.Transaction.Currency).To(Equal("SGD"))
			Expect(outcome.Transaction.Category).To(Equal(CategoryTransport))
			Expect(outcome.Transaction.ContentType).To(Equal("image/png"))

			imgResp, err := http.Get(ghttpServer.URL() + "/api/users/alice/transactions/" + outcome.Transaction.ID + "/image")
			Expect(err).NotTo(HaveOccurred())
			defer imgResp.Body.Close()
			Expect(imgResp.StatusCode).To(Equal(http.StatusOK))
			Expect(imgResp.Header.Get("Content-Type")).To(Equal("image/png"))
			body, err := io.ReadAll(imgResp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(Equal([]byte("png-bytes")))
		})

		It("should reject a multipart form without a file", func() {
			var b bytes.Buffer
			writer := multipart.NewWriter(&b)
			Expect(writer.WriteField("note", "hi")).To(Succeed())
			Expect(writer.Close()).To(Succeed())

			resp, err := http.Post(ghttpServer.URL()+"/api/users/alice/entries", writer.FormDataContentType(), &b)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/users/{user}/transactions", func() {
		BeforeEach(func() {
			postJSON("/api/users/alice/entries", map[string]string{"text": "lunch $12"}).Body.Close()
			postJSON("/api/users/alice/entries", map[string]string{"text": "grab $8"}).Body.Close()
			postJSON("/api/users/bob/entries", map[string]string{"text": "lunch $99"}).Body.Close()
		})

		list := func(query string) (int, []Transaction) {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/alice/transactions" + query)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			var ts []Transaction
			if resp.StatusCode == http.StatusOK {
				Expect(json.NewDecoder(resp.Body).Decode(&ts)).To(Succeed())
			}
			return resp.StatusCode, ts
		}

		It("should list the user's transactions newest first", func() {
			status, ts := list("")
			Expect(status).To(Equal(http.StatusOK))
			Expect(ts).To(HaveLen(2))
			Expect(ts[0].Category).To(Equal(CategoryTransport))
			Expect(ts[1].Category).To(Equal(CategoryFood))
		})

		It("should filter by category and keyword", func() {
			_, ts := list("?category=food")
			Expect(ts).To(HaveLen(1))
			Expect(ts[0].Amount.Equal(dec("12"))).To(BeTrue())

			_, ts = list("?keyword=grab")
			Expect(ts).To(HaveLen(1))
			Expect(ts[0].Category).To(Equal(CategoryTransport))
		})

		It("should page", func() {
			_, ts := list("?limit=1&offset=1")
			Expect(ts).To(HaveLen(1))
			Expect(ts[0].Category).To(Equal(CategoryFood))
		})

		DescribeTable("rejecting bad queries",
			func(query string) {
				status, _ := list(query)
				Expect(status).To(Equal(http.StatusBadRequest))
			},
			Entry("unknown category", "?category=crypto"),
			Entry("zero limit", "?limit=0"),
			Entry("negative offset", "?offset=-1"),
			Entry("bad date", "?from=yesterday"),
			Entry("unknown timeframe", "?timeframe=year"),
		)

		It("should delete a transaction", func() {
			_, ts := list("")
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/users/alice/transactions/"+ts[0].ID, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			_, ts = list("")
			Expect(ts).To(HaveLen(1))
		})

		It("should add keywords", func() {
			_, ts := list("")
			resp := postJSON("/api/users/alice/transactions/"+ts[0].ID+"/keywords", map[string][]string{"keywords": {"Airport"}})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			_, ts = list("?keyword=airport")
			Expect(ts).To(HaveLen(1))
		})

		It("should return 404 for another user's transaction", func() {
			_, ts := list("")
			resp, err := http.Get(ghttpServer.URL() + "/api/users/bob/transactions/" + ts[0].ID)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/users/{user}/summary", func() {
		It("should total spending per category in category order", func() {
			postJSON("/api/users/alice/entries", map[string]string{"text": "grab $8"}).Body.Close()
			postJSON("/api/users/alice/entries", map[string]string{"text": "lunch $12.50"}).Body.Close()
			postJSON("/api/users/alice/entries", map[string]string{"text": "dinner $20"}).Body.Close()

			resp, err := http.Get(ghttpServer.URL() + "/api/users/alice/summary?timeframe=all")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var summary summaryResponse
			Expect(json.NewDecoder(resp.Body).Decode(&summary)).To(Succeed())
			Expect(summary.Categories).To(HaveLen(2))
			Expect(summary.Categories[0].Category).To(Equal(CategoryFood))
			Expect(summary.Categories[0].Amount.Equal(dec("32.50"))).To(BeTrue())
			Expect(summary.Categories[1].Category).To(Equal(CategoryTransport))
			Expect(summary.Total.Equal(dec("40.50"))).To(BeTrue())
			Expect(summary.From).To(BeNil())
		})

		It("should reject an inverted range", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/users/alice/summary?from=2025-03-10&to=2025-03-01")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/users/{user}/recap", func() {
		BeforeEach(func() {
			postJSON("/api/users/alice/entries", map[string]string{"text": "grab $8"}).Body.Close()
			postJSON("/api/users/alice/entries", map[string]string{"text": "lunch $12.50"}).Body.Close()
		})

		decodeRecap := func(resp *http.Response) Recap {
			defer resp.Body.Close()
			var recap Recap
			Expect(json.NewDecoder(resp.Body).Decode(&recap)).To(Succeed())
			return recap
		}

		It("should answer from the words without a model", func() {
			resp := postJSON("/api/users/alice/recap", map[string]string{"query": "food this week"})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			recap := decodeRecap(resp)
			Expect(recap.Action).To(Equal(RecapSummarize))
			Expect(recap.Category).To(Equal(CategoryFood))
			Expect(recap.Count).To(Equal(1))
			Expect(recap.Text).To(ContainSubstring("USD 12.50"))
		})

		It("should use the model to parse and summarize", func() {
			labeler.query = &scanning.RecapQuery{Action: "summarize", Timeframe: "week", FilterType: "none"}
			labeler.summary = "You spent USD 20.50 on 2 things this week."
			service.WithRecapper(NewRecapper(testConfig(), db, labeler, labeler, &steppingClock{now: time.Date(2025, 3, 12, 15, 0, 0, 0, time.UTC)}, discardLogger))

			recap := decodeRecap(postJSON("/api/users/alice/recap", map[string]string{"query": "how did I do this week?"}))
			Expect(recap.Text).To(Equal("You spent USD 20.50 on 2 things this week."))
			Expect(recap.Count).To(Equal(2))
			Expect(recap.Degraded).To(BeFalse())
		})

		It("should reject an empty query with 400", func() {
			resp := postJSON("/api/users/alice/recap", map[string]string{"query": "  "})
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should reject a bad body with 400", func() {
			resp, err := http.Post(ghttpServer.URL()+"/api/users/alice/recap", "application/json", strings.NewReader("{"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("access control", func() {
		It("should require basic auth when configured", func() {
			opts.BasicAuth = BasicAuth{Username: "admin", Password: "secret"}
			setupServer()

			resp, err := http.Get(ghttpServer.URL() + "/api/users/alice/transactions")
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Basic"))

			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/users/alice/transactions", nil)
			Expect(err).NotTo(HaveOccurred())
			req.SetBasicAuth("admin", "secret")
			resp, err = http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should reject users outside the allow list", func() {
			opts.AllowedUsers = []string{"alice"}
			setupServer()

			resp := postJSON("/api/users/mallory/entries", map[string]string{"text": "lunch $12"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(db.transactionCount()).To(Equal(0))

			resp = postJSON("/api/users/alice/entries", map[string]string{"text": "lunch $12"})
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		})

		It("should answer CORS preflight", func() {
			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/users/alice/entries", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Methods")).To(ContainSubstring("POST"))
		})
	})

	DescribeTable("upload content types",
		func(contentType, filename, want string) {
			Expect(uploadContentType(contentType, filename)).To(Equal(want))
		},
		Entry("declared type wins", "image/jpeg", "x.png", "image/jpeg"),
		Entry("octet stream falls back to extension", "application/octet-stream", "x.HEIC", "image/heic"),
		Entry("missing type uses extension", "", "scan.pdf", "application/pdf"),
		Entry("unknown extension", "", "notes.txt", "application/octet-stream"),
	)

	DescribeTable("parsing times",
		func(v string, end bool, want time.Time) {
			got, err := parseTime(v, end)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Equal(want)).To(BeTrue(), "got %s", got)
		},
		Entry("RFC 3339", "2025-03-10T08:00:00+08:00", false, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)),
		Entry("start date", "2025-03-10", false, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)),
		Entry("end date covers the day", "2025-03-10", true, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)),
	)
})
