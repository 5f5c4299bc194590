package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/genjob/internal/generation"
	"github.com/cuongbtq/genjob/internal/worker/domain"
	"github.com/cuongbtq/genjob/shared/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStorage struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	status    map[string]string
	results   map[string][]generation.Result
	errors    map[string]string
	claimErr  error
	staleCut  time.Time
	expireCut time.Time
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		jobs:    map[string]*domain.Job{},
		status:  map[string]string{},
		results: map[string][]generation.Result{},
		errors:  map[string]string{},
	}
}

func (s *fakeStorage) add(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = &job
	s.status[job.JobID] = domain.JobStatusPending
}

func (s *fakeStorage) get(jobID string) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[jobID], s.errors[jobID]
}

func (s *fakeStorage) ClaimJob(_ context.Context, jobID, _ string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	job, ok := s.jobs[jobID]
	if !ok || s.status[jobID] != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	job.Attempts++
	s.status[jobID] = domain.JobStatusProcessing
	cp := *job
	return &cp, nil
}

func (s *fakeStorage) CompleteJob(_ context.Context, jobID string, results []generation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[jobID] = domain.JobStatusCompleted
	s.results[jobID] = results
	return nil
}

func (s *fakeStorage) FailJob(_ context.Context, jobID, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[jobID] = domain.JobStatusFailed
	s.errors[jobID] = errorMsg
	return nil
}

func (s *fakeStorage) ReleaseJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[jobID] = domain.JobStatusPending
	return nil
}

func (s *fakeStorage) UpdateJobHeartbeat(context.Context, string) error { return nil }

func (s *fakeStorage) FailStaleJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleCut = cutoff
	return 1, nil
}

func (s *fakeStorage) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireCut = cutoff
	return 2, nil
}

type fakeGenerator struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	images []*generation.InputImage
	block  bool
}

func (g *fakeGenerator) Generate(ctx context.Context, _, modelID, _ string, _ int, image *generation.InputImage) ([]generation.Result, error) {
	g.mu.Lock()
	g.calls++
	g.images = append(g.images, image)
	var err error
	if len(g.errs) > 0 {
		err = g.errs[0]
		g.errs = g.errs[1:]
	}
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []generation.Result{{URL: "https://cdn/" + modelID + ".mp4", Type: generation.OutputVideo}}, nil
}

// unknownModelGenerator fails every model but known with a permanent error
type unknownModelGenerator struct {
	known string
}

func (g *unknownModelGenerator) Generate(_ context.Context, _, modelID, _ string, _ int, _ *generation.InputImage) ([]generation.Result, error) {
	if modelID != g.known {
		return nil, fmt.Errorf("%w: %s", generation.ErrUnknownModel, modelID)
	}
	return []generation.Result{{URL: "https://cdn/" + modelID + ".png", Type: generation.OutputImage}}, nil
}

type ackRecord struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]ackRecord
	settled chan uint64
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: map[uint64]ackRecord{}, settled: make(chan uint64, 16)}
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	a.records[tag] = ackRecord{acked: true}
	a.mu.Unlock()
	a.settled <- tag
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	a.records[tag] = ackRecord{requeue: requeue}
	a.mu.Unlock()
	a.settled <- tag
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) record(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.records[tag]
}

type fakeQueue struct {
	deliveries chan amqp.Delivery
	err        error
}

func (q *fakeQueue) Consume(string) (<-chan amqp.Delivery, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.deliveries, nil
}

func newTestWorker(store *fakeStorage, gen Generator, queue Queue) *Worker {
	return NewWorker(&Config{
		Logger:            logger.NewDiscard().Logger,
		Storage:           store,
		Queue:             queue,
		Generator:         gen,
		QueueName:         "generation_jobs",
		Concurrency:       2,
		MaxRetries:        1,
		JobTimeout:        time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		JobRetention:      time.Hour,
	})
}

func TestProcessJob(t *testing.T) {
	tests := []struct {
		name       string
		errs       []error
		runs       int
		wantStatus string
		wantRetry  bool
		wantError  string
	}{
		{
			name:       "success",
			runs:       1,
			wantStatus: domain.JobStatusCompleted,
		},
		{
			name:       "provider failure is retried",
			errs:       []error{fmt.Errorf("%w: 503 from provider", generation.ErrGenerationFailed)},
			runs:       1,
			wantStatus: domain.JobStatusPending,
			wantRetry:  true,
		},
		{
			name: "retries exhausted",
			errs: []error{
				fmt.Errorf("%w: 503 from provider", generation.ErrGenerationFailed),
				fmt.Errorf("%w: 503 from provider", generation.ErrGenerationFailed),
			},
			runs:       2,
			wantStatus: domain.JobStatusFailed,
			wantError:  "generation failed: 503 from provider",
		},
		{
			name:       "permanent failure is not retried",
			errs:       []error{fmt.Errorf("%w: stable_video", generation.ErrImageRequired)},
			runs:       1,
			wantStatus: domain.JobStatusFailed,
			wantError:  "model requires an input image: stable_video",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStorage()
			jobID := uuid.New().String()
			store.add(domain.Job{JobID: jobID, ModelID: "stable_video", InputImage: []byte("png"), InputMIME: "image/png"})
			gen := &fakeGenerator{errs: tt.errs}
			w := newTestWorker(store, gen, nil)

			var err error
			for i := 0; i < tt.runs; i++ {
				err = w.processJob(context.Background(), &domain.JobMessage{JobID: jobID})
			}

			status, errMsg := store.get(jobID)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantError, errMsg)
			if tt.wantRetry {
				assert.True(t, shouldRequeueJob(err))
			} else {
				require.NoError(t, err, "a recorded outcome acks the delivery")
			}
			if tt.wantStatus == domain.JobStatusCompleted {
				require.Len(t, gen.images, 1)
				assert.Equal(t, "image/png", gen.images[0].MIMEType)
			}
		})
	}
}

func TestProcessJob_Timeout(t *testing.T) {
	store := newFakeStorage()
	jobID := uuid.New().String()
	store.add(domain.Job{JobID: jobID, ModelID: "flux"})
	w := newTestWorker(store, &fakeGenerator{block: true}, nil)
	w.jobTimeout = 30 * time.Millisecond

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: jobID})
	require.NoError(t, err)

	status, errMsg := store.get(jobID)
	assert.Equal(t, domain.JobStatusFailed, status)
	assert.Equal(t, "generation timed out after 30ms", errMsg)
}

func TestProcessJob_ShutdownReleasesJob(t *testing.T) {
	store := newFakeStorage()
	jobID := uuid.New().String()
	store.add(domain.Job{JobID: jobID, ModelID: "flux"})
	w := newTestWorker(store, &fakeGenerator{block: true}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.processJob(ctx, &domain.JobMessage{JobID: jobID})
	assert.True(t, shouldRequeueJob(err))

	status, _ := store.get(jobID)
	assert.Equal(t, domain.JobStatusPending, status)
}

func TestProcessJob_ClaimErrors(t *testing.T) {
	store := newFakeStorage()
	w := newTestWorker(store, &fakeGenerator{}, nil)

	err := w.processJob(context.Background(), &domain.JobMessage{JobID: uuid.New().String()})
	assert.NoError(t, err, "a job owned elsewhere is acked")

	store.claimErr = errors.New("connection reset")
	err = w.processJob(context.Background(), &domain.JobMessage{JobID: uuid.New().String()})
	assert.True(t, shouldRequeueJob(err))
}

func TestShouldRequeueJob(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"requeue", domain.Requeue(domain.StageExecute, errors.New("boom")), true},
		{"wrapped requeue", fmt.Errorf("outer: %w", domain.Requeue(domain.StageClaim, errors.New("boom"))), true},
		{"requeue around terminal", domain.Requeue(domain.StageExecute, domain.ErrInvalidPayload), false},
		{"already claimed", domain.ErrJobAlreadyClaimed, false},
		{"invalid payload", domain.ErrInvalidPayload, false},
		{"unknown error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shouldRequeueJob(tt.err))
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	id := uuid.New().String()

	msg, err := decodeMessage([]byte(`{"job_id":"` + id + `","model_id":"flux"}`))
	require.NoError(t, err)
	assert.Equal(t, id, msg.JobID)
	assert.Equal(t, "flux", msg.ModelID)

	_, err = decodeMessage([]byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = decodeMessage([]byte(`{"job_id":"42"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestWorker_StartSettlesDeliveries(t *testing.T) {
	store := newFakeStorage()
	jobID := uuid.New().String()
	store.add(domain.Job{JobID: jobID, ModelID: "flux"})

	failedID := uuid.New().String()
	store.add(domain.Job{JobID: failedID, ModelID: "sora"})

	acks := newFakeAcknowledger()
	queue := &fakeQueue{deliveries: make(chan amqp.Delivery, 3)}
	queue.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 1, Body: []byte(`{"job_id":"` + jobID + `"}`)}
	queue.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 2, Body: []byte(`garbage`)}
	queue.deliveries <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 3, Body: []byte(`{"job_id":"` + failedID + `"}`)}

	w := newTestWorker(store, &unknownModelGenerator{known: "flux"}, queue)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-acks.settled:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery was not settled")
		}
	}

	assert.Equal(t, ackRecord{acked: true}, acks.record(1))
	assert.Equal(t, ackRecord{acked: false, requeue: false}, acks.record(2), "only garbage is dead-lettered")
	assert.Equal(t, ackRecord{acked: true}, acks.record(3), "a recorded failure is acked")
	status, _ := store.get(jobID)
	assert.Equal(t, domain.JobStatusCompleted, status)
	status, errMsg := store.get(failedID)
	assert.Equal(t, domain.JobStatusFailed, status)
	assert.Contains(t, errMsg, "sora")

	cancel()
	require.NoError(t, <-done)
	w.Stop()
}

func TestWorker_StartFailsWhenDeliveriesClose(t *testing.T) {
	queue := &fakeQueue{deliveries: make(chan amqp.Delivery)}
	close(queue.deliveries)

	w := newTestWorker(newFakeStorage(), &fakeGenerator{}, queue)
	err := w.Start(context.Background())
	assert.Error(t, err)
	w.Stop()

	queue.err = errors.New("not connected to RabbitMQ")
	w = newTestWorker(newFakeStorage(), &fakeGenerator{}, queue)
	assert.Error(t, w.Start(context.Background()))
}

func TestSweepOnce(t *testing.T) {
	store := newFakeStorage()
	w := newTestWorker(store, &fakeGenerator{}, nil)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.sweepOnce(context.Background())

	assert.Equal(t, now.Add(-30*time.Millisecond), store.staleCut)
	assert.Equal(t, now.Add(-time.Hour), store.expireCut)
}
