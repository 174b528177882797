// Package webhook notifies external endpoints about job lifecycle events with
// HMAC-SHA256 signed JSON posts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
)

type Event string

const (
	EventJobCreated    Event = "job_created"
	EventJobConfirmed  Event = "job_confirmed"
	EventJobDispatched Event = "job_dispatched"
	EventJobDone       Event = "job_done"
	EventJobFailed     Event = "job_failed"
	EventPing          Event = "ping"
)

const (
	SignatureHeader = "X-Httprint-Signature"
	EventHeader     = "X-Httprint-Event"
)

type Payload struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      JobEventData `json:"data"`
}

type JobEventData struct {
	JobID         string `json:"job_id"`
	FileName      string `json:"file_name"`
	Copies        int    `json:"copies"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	ReprintOf     string `json:"reprint_of,omitempty"`
	DurationMs    int64  `json:"duration_ms,omitempty"`
}

type Endpoint struct {
	URL    string
	Secret string
	// Events limits deliveries to the named events. Empty means all.
	Events []string
}

func (e Endpoint) Wants(event Event) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, name := range e.Events {
		if name == string(event) {
			return true
		}
	}
	return false
}

type Config struct {
	Endpoints   []Endpoint
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

// HTTPError is a non-2xx answer from an endpoint.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %d", e.StatusCode)
}

type task struct {
	endpoint Endpoint
	payload  Payload
	attempt  int
}

type Sender struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryCount  int
	retryDelay  time.Duration
	workerCount int
	queue       chan *task
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func NewSender(config Config, logger *zap.Logger) *Sender {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		endpoints:   config.Endpoints,
		httpClient:  &http.Client{Timeout: config.Timeout},
		retryCount:  config.RetryCount,
		retryDelay:  config.RetryDelay,
		workerCount: config.WorkerCount,
		queue:       make(chan *task, config.QueueSize),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop abandons queued deliveries and waits for in-flight ones to return.
func (s *Sender) Stop() {
	s.once.Do(s.cancel)
	s.wg.Wait()
}

func (s *Sender) Endpoints() []Endpoint {
	return s.endpoints
}

// Ping delivers a single ping event to the endpoint at index, bypassing the
// queue and retries.
func (s *Sender) Ping(ctx context.Context, index int) error {
	if index < 0 || index >= len(s.endpoints) {
		return fmt.Errorf("no webhook endpoint %d", index)
	}
	return s.sendRequest(ctx, s.endpoints[index], Payload{
		Event:     string(EventPing),
		Timestamp: time.Now().UTC(),
	})
}

// JobTransitioned queues one delivery per interested endpoint.
func (s *Sender) JobTransitioned(job core.Job, from core.JobState) {
	event, ok := eventFor(job, from)
	if !ok {
		return
	}

	data := JobEventData{
		JobID:         job.ID,
		FileName:      job.Handle.Name,
		Copies:        job.Copies,
		State:         string(job.State),
		PreviousState: string(from),
		ErrorMessage:  job.LastError,
		ReprintOf:     job.ReprintOf,
	}
	if job.DispatchedAt != nil && job.FinishedAt != nil {
		data.DurationMs = job.FinishedAt.Sub(*job.DispatchedAt).Milliseconds()
	}

	s.enqueue(event, data)
}

func eventFor(job core.Job, from core.JobState) (Event, bool) {
	if from == "" {
		return EventJobCreated, true
	}
	switch job.State {
	case core.StateConfirmed:
		return EventJobConfirmed, true
	case core.StateDispatched:
		return EventJobDispatched, true
	case core.StateDone:
		return EventJobDone, true
	case core.StateFailed:
		return EventJobFailed, true
	}
	return "", false
}

func (s *Sender) enqueue(event Event, data JobEventData) {
	for _, endpoint := range s.endpoints {
		if !endpoint.Wants(event) {
			continue
		}

		t := &task{
			endpoint: endpoint,
			payload: Payload{
				Event:     string(event),
				Timestamp: time.Now().UTC(),
				Data:      data,
			},
		}

		select {
		case s.queue <- t:
		default:
			s.logger.Warn("webhook queue full, dropping delivery",
				zap.String("url", endpoint.URL),
				zap.String("event", string(event)),
			)
		}
	}
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.queue:
			if err := s.sendWithRetry(t); err != nil {
				s.logger.Warn("webhook delivery failed",
					zap.Int("worker", id),
					zap.String("url", t.endpoint.URL),
					zap.String("event", t.payload.Event),
					zap.Int("attempts", t.attempt),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Sender) sendWithRetry(t *task) error {
	var lastErr error
	for t.attempt < s.retryCount {
		t.attempt++

		err := s.sendRequest(s.ctx, t.endpoint, t.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if isClientError(err) {
			return err
		}

		if t.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(t.attempt-1))
			s.logger.Debug("retrying webhook",
				zap.String("url", t.endpoint.URL),
				zap.Int("attempt", t.attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)

			select {
			case <-s.ctx.Done():
				return fmt.Errorf("shutdown requested: %w", lastErr)
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (s *Sender) sendRequest(ctx context.Context, endpoint Endpoint, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, payload.Event)
	if endpoint.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(body, endpoint.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func isClientError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != http.StatusTooManyRequests
}
