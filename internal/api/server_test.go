package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/theognis1002/appmsg-relay/internal/config"
	"github.com/theognis1002/appmsg-relay/internal/database/models"
	"github.com/theognis1002/appmsg-relay/internal/queue"
	"github.com/theognis1002/appmsg-relay/internal/storage"
)

type fakeStore struct {
	records  map[string]*models.DeliveryRecord
	err      error
	countErr error
}

func (f *fakeStore) Counts(context.Context) (map[string]int64, error) {
	if f.countErr != nil {
		return nil, f.countErr
	}
	counts := make(map[string]int64)
	for _, rec := range f.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*models.DeliveryRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return rec, nil
}

type fakeDeadLetters struct {
	n int64
}

func (f fakeDeadLetters) Len(context.Context) (int64, error) { return f.n, nil }

type fakeArchive struct {
	objects map[string][]byte
}

func (f *fakeArchive) Bucket() string { return "test-deadletters" }

func (f *fakeArchive) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

// ackingTransport acks every attempt immediately.
func ackingTransport() *queue.Endpoint {
	return queue.NewEndpoint(func(context.Context, queue.Payload) <-chan queue.Outcome {
		return queue.Resolved(queue.OutcomeAck)
	})
}

// silentTransport accepts attempts and never answers them.
func silentTransport() *queue.Endpoint {
	return queue.NewEndpoint(func(context.Context, queue.Payload) <-chan queue.Outcome {
		return make(chan queue.Outcome)
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(q *queue.DeliveryQueue, tr *queue.Endpoint, store *fakeStore, dl DeadLetterCounter, archive ArchiveReader) *Server {
	logger := testLogger()
	var (
		deliveries DeliveryStore
		counts     DeliveryCounter
	)
	if store != nil {
		deliveries, counts = store, store
	}
	return NewServer(ServerDeps{
		Config:      config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeoutSecs: 5, WriteTimeoutSecs: 5},
		Logger:      logger,
		Messages:    NewMessageHandler(q, dl, counts, logger),
		Deliveries:  NewDeliveryHandler(deliveries, logger),
		DeadLetters: NewDeadLetterHandler(archive, deliveries, logger),
		AppMessages: NewAppMessageHandler(tr, q, time.Second, logger),
	})
}

func doRequest(s *Server, method, path string, body string) (*http.Response, APIResponse) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.app.Test(req, int((5 * time.Second).Milliseconds()))
	Expect(err).NotTo(HaveOccurred())

	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	resp.Body.Close()

	var envelope APIResponse
	if len(raw) > 0 && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		Expect(json.Unmarshal(raw, &envelope)).To(Succeed())
	}
	return resp, envelope
}

var _ = Describe("Relay API", func() {
	var (
		q       *queue.DeliveryQueue
		tr      *queue.Endpoint
		store   *fakeStore
		archive *fakeArchive
		server  *Server
	)

	BeforeEach(func() {
		tr = silentTransport()
		q = queue.New(tr, queue.WithLogger(testLogger()))
		store = &fakeStore{records: map[string]*models.DeliveryRecord{}}
		archive = &fakeArchive{objects: map[string][]byte{}}
		server = newTestServer(q, tr, store, fakeDeadLetters{n: 4}, archive)
	})

	AfterEach(func() {
		q.Close()
	})

	Describe("GET /healthz", func() {
		It("reports healthy", func() {
			resp, body := doRequest(server, http.MethodGet, "/healthz", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(body.Data).To(HaveKeyWithValue("status", "healthy"))
		})
	})

	Describe("GET /metrics", func() {
		It("serves Prometheus metrics", func() {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			resp, err := server.app.Test(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			raw, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).To(ContainSubstring("go_goroutines"))
		})
	})

	Describe("POST /v1/messages", func() {
		It("accepts a flat object and queues it", func() {
			resp, body := doRequest(server, http.MethodPost, "/v1/messages", `{"text":"hello","count":2,"tags":["a","b"],"urgent":true}`)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(body.Success).To(BeTrue())

			data := body.Data.(map[string]interface{})
			Expect(data["status"]).To(Equal("accepted"))
			_, err := uuid.Parse(data["id"].(string))
			Expect(err).NotTo(HaveOccurred())
			Expect(q.Len()).To(Equal(1))
		})

		It("keeps later messages queued behind the one in flight", func() {
			for i := 0; i < 3; i++ {
				resp, _ := doRequest(server, http.MethodPost, "/v1/messages", `{"n":1}`)
				Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			}
			Expect(q.Len()).To(Equal(3))
		})

		DescribeTable("rejects invalid payloads",
			func(body string, code string) {
				resp, envelope := doRequest(server, http.MethodPost, "/v1/messages", body)
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(envelope.Success).To(BeFalse())
				Expect(envelope.Error).NotTo(BeNil())
				Expect(envelope.Error.Code).To(Equal(code))
				Expect(q.Len()).To(Equal(0))
			},
			Entry("nested object", `{"a":{"b":1}}`, ErrCodeValidationFailed),
			Entry("null value", `{"a":null}`, ErrCodeValidationFailed),
			Entry("null body", `null`, ErrCodeValidationFailed),
			Entry("array body", `[1,2,3]`, ErrCodeBadRequest),
			Entry("malformed json", `{"a":`, ErrCodeBadRequest),
		)

		It("returns 503 once the queue is closed", func() {
			q.Close()
			resp, envelope := doRequest(server, http.MethodPost, "/v1/messages", `{"n":1}`)
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(envelope.Error.Code).To(Equal(ErrCodeUnavailable))
		})
	})

	Describe("GET /v1/queue", func() {
		It("reports length, injection state and dead letters", func() {
			q.SendMessage(map[string]any{"n": 1}, nil, nil)
			q.SendMessage(map[string]any{"n": 2}, nil, nil)

			resp, body := doRequest(server, http.MethodGet, "/v1/queue", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := body.Data.(map[string]interface{})
			Expect(data["length"]).To(BeNumerically("==", 2))
			Expect(data["injected"]).To(BeFalse())
			Expect(data["dead_letters"]).To(BeNumerically("==", 4))
		})

		It("omits dead letters and delivery counts when not configured", func() {
			server = newTestServer(q, tr, nil, nil, archive)
			_, body := doRequest(server, http.MethodGet, "/v1/queue", "")
			Expect(body.Data).NotTo(HaveKey("dead_letters"))
			Expect(body.Data).NotTo(HaveKey("deliveries"))
		})

		It("reports recorded deliveries per status", func() {
			for _, status := range []string{models.StatusSucceeded, models.StatusSucceeded, models.StatusFailed} {
				id := uuid.NewString()
				store.records[id] = &models.DeliveryRecord{ID: id, Status: status}
			}

			resp, body := doRequest(server, http.MethodGet, "/v1/queue", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := body.Data.(map[string]interface{})
			Expect(data["deliveries"]).To(HaveKeyWithValue(models.StatusSucceeded, BeNumerically("==", 2)))
			Expect(data["deliveries"]).To(HaveKeyWithValue(models.StatusFailed, BeNumerically("==", 1)))
		})

		It("returns 500 when the ledger cannot be counted", func() {
			store.countErr = errors.New("connection reset")
			resp, body := doRequest(server, http.MethodGet, "/v1/queue", "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body.Error.Code).To(Equal(ErrCodeInternalError))
		})
	})

	Describe("/v1/injection", func() {
		It("injects and restores the transport entry point", func() {
			resp, body := doRequest(server, http.MethodPut, "/v1/injection", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("injected", true))
			Expect(q.Injected()).To(BeTrue())

			tr.SendAppMessage(context.Background(), queue.Payload{"via": "entry"})
			Expect(q.Len()).To(Equal(1))

			resp, body = doRequest(server, http.MethodDelete, "/v1/injection", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("injected", false))
			Expect(q.Injected()).To(BeFalse())

			tr.SendAppMessage(context.Background(), queue.Payload{"via": "direct"})
			Expect(q.Len()).To(Equal(1))
		})
	})

	Describe("GET /v1/deliveries/:id", func() {
		It("returns a recorded delivery", func() {
			id := uuid.NewString()
			store.records[id] = &models.DeliveryRecord{
				ID:       id,
				Payload:  map[string]any{"text": "hi"},
				Status:   models.StatusSucceeded,
				Attempts: 1,
			}

			resp, body := doRequest(server, http.MethodGet, "/v1/deliveries/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := body.Data.(map[string]interface{})
			Expect(data["id"]).To(Equal(id))
			Expect(data["status"]).To(Equal(models.StatusSucceeded))
		})

		It("returns 404 for unknown ids", func() {
			resp, body := doRequest(server, http.MethodGet, "/v1/deliveries/"+uuid.NewString(), "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body.Error.Code).To(Equal(ErrCodeNotFound))
		})

		It("returns 400 for malformed ids", func() {
			resp, _ := doRequest(server, http.MethodGet, "/v1/deliveries/not-a-uuid", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 500 when the ledger fails", func() {
			store.err = errors.New("connection reset")
			resp, body := doRequest(server, http.MethodGet, "/v1/deliveries/"+uuid.NewString(), "")
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body.Error.Code).To(Equal(ErrCodeInternalError))
		})

		It("returns 404 without a ledger", func() {
			server = NewServer(ServerDeps{
				Config:     config.ServerConfig{},
				Logger:     testLogger(),
				Messages:   NewMessageHandler(q, nil, nil, testLogger()),
				Deliveries: NewDeliveryHandler(nil, testLogger()),
			})
			resp, _ := doRequest(server, http.MethodGet, "/v1/deliveries/"+uuid.NewString(), "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /v1/deadletters/:id", func() {
		var (
			id       string
			failedAt time.Time
		)

		BeforeEach(func() {
			id = uuid.NewString()
			failedAt = time.Date(2026, 10, 19, 23, 59, 0, 0, time.UTC)
			store.records[id] = &models.DeliveryRecord{ID: id, Status: models.StatusFailed, Attempts: 5, ResolvedAt: failedAt}
			archive.objects[storage.DeadLetterKey(id, failedAt)] = []byte(`{"id":"` + id + `","attempts":5}`)
		})

		It("returns the archived dead letter located through the ledger", func() {
			resp, body := doRequest(server, http.MethodGet, "/v1/deadletters/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			data := body.Data.(map[string]interface{})
			Expect(data["bucket"]).To(Equal("test-deadletters"))
			Expect(data["key"]).To(Equal(storage.DeadLetterKey(id, failedAt)))
			Expect(data["dead_letter"]).To(HaveKeyWithValue("id", id))
			Expect(data["dead_letter"]).To(HaveKeyWithValue("attempts", BeNumerically("==", 5)))
		})

		It("accepts an explicit failure date without a ledger", func() {
			server = newTestServer(q, tr, nil, nil, archive)
			resp, body := doRequest(server, http.MethodGet, "/v1/deadletters/"+id+"?date=2026-10-19", "")
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("key", storage.DeadLetterKey(id, failedAt)))
		})

		It("requires a date without a ledger", func() {
			server = newTestServer(q, tr, nil, nil, archive)
			resp, _ := doRequest(server, http.MethodGet, "/v1/deadletters/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a malformed date", func() {
			resp, _ := doRequest(server, http.MethodGet, "/v1/deadletters/"+id+"?date=19-10-2026", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for a delivery that succeeded", func() {
			store.records[id].Status = models.StatusSucceeded
			resp, body := doRequest(server, http.MethodGet, "/v1/deadletters/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body.Error.Code).To(Equal(ErrCodeNotFound))
		})

		It("returns 404 when nothing was archived", func() {
			archive.objects = map[string][]byte{}
			resp, _ := doRequest(server, http.MethodGet, "/v1/deadletters/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 404 without an archive", func() {
			server = newTestServer(q, tr, store, nil, nil)
			resp, _ := doRequest(server, http.MethodGet, "/v1/deadletters/"+id, "")
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 400 for malformed ids", func() {
			resp, _ := doRequest(server, http.MethodGet, "/v1/deadletters/not-a-uuid", "")
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /v1/appmessage", func() {
		BeforeEach(func() {
			q.Close()
			tr = ackingTransport()
			q = queue.New(tr, queue.WithLogger(testLogger()))
			server = newTestServer(q, tr, store, nil, archive)
		})

		It("sends directly while the entry point is not injected", func() {
			resp, body := doRequest(server, http.MethodPost, "/v1/appmessage?wait=true", `{"text":"hi"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("route", "direct"))
			Expect(body.Data).To(HaveKeyWithValue("outcome", "ack"))
		})

		It("goes through the queue once injected", func() {
			q.Inject()
			resp, body := doRequest(server, http.MethodPost, "/v1/appmessage?wait=true", `{"text":"hi"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("route", "queue"))
			Expect(body.Data).To(HaveKeyWithValue("outcome", "ack"))
			Expect(q.Len()).To(Equal(0))
		})

		It("returns 202 without waiting", func() {
			resp, body := doRequest(server, http.MethodPost, "/v1/appmessage", `{"text":"hi"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(body.Data).To(HaveKeyWithValue("route", "direct"))
		})

		It("times out waiting on a silent transport", func() {
			q.Close()
			tr = silentTransport()
			q = queue.New(tr, queue.WithLogger(testLogger()))
			server = newTestServer(q, tr, store, nil, archive)

			resp, body := doRequest(server, http.MethodPost, "/v1/appmessage?wait=true", `{"text":"hi"}`)
			Expect(resp.StatusCode).To(Equal(http.StatusGatewayTimeout))
			Expect(body.Error.Code).To(Equal(ErrCodeTimeout))
		})

		It("rejects invalid payloads", func() {
			resp, body := doRequest(server, http.MethodPost, "/v1/appmessage", `{"a":{"b":1}}`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(body.Error.Code).To(Equal(ErrCodeValidationFailed))
		})
	})
})
