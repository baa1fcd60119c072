package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-analysisqueue/model"
	"go-analysisqueue/notify"
	"go-analysisqueue/procedure"
	"go-analysisqueue/queue"
	"go-analysisqueue/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var createdAt = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAnalyzer struct {
	result procedure.Result
	err    error
	panic  bool
	calls  int32
}

func (a *stubAnalyzer) Analyze(context.Context, model.TaskType, string, map[string]string) (procedure.Result, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.panic {
		panic("segmentation model exploded")
	}
	return a.result, a.err
}

type recordingSender struct {
	mu       sync.Mutex
	err      error
	payloads []model.ResultPayload
}

func (s *recordingSender) Deliver(_ context.Context, _ string, payload model.ResultPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type memoryJournal struct {
	mu       sync.Mutex
	outcomes []model.TaskOutcome
}

func (j *memoryJournal) Record(_ context.Context, o model.TaskOutcome) error {
	j.mu.Lock()
	j.outcomes = append(j.outcomes, o)
	j.mu.Unlock()
	return nil
}

type fixture struct {
	store      *store.MemoryStore
	analyzer   *stubAnalyzer
	sender     *recordingSender
	journal    *memoryJournal
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, cfg DispatcherConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemoryStore(),
		analyzer: &stubAnalyzer{result: procedure.Result{"procedure": "panoramic", "teeth": 28}},
		sender:   &recordingSender{},
		journal:  &memoryJournal{},
	}
	registry, err := procedure.NewDefaultRegistry(f.analyzer)
	require.NoError(t, err)

	f.dispatcher = NewDispatcher(f.store, registry, procedure.ReportFormatter{}, f.sender, f.journal, cfg, testLogger())
	f.dispatcher.now = func() time.Time { return createdAt.Add(1500 * time.Millisecond) }
	return f
}

func (f *fixture) save(t *testing.T, rec model.TaskRecord) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), rec, time.Hour))
}

func panoramicRecord(id, endpoint string) model.TaskRecord {
	return model.TaskRecord{
		TaskID:         id,
		TaskType:       model.TaskTypePanoramic,
		InputReference: "/inputs/" + id + ".png",
		InputLocator:   "https://images.example.com/" + id + ".png",
		NotifyEndpoint: endpoint,
		CallerMetadata: json.RawMessage(`{"order":"A-17"}`),
		CreatedAt:      createdAt,
	}
}

func TestProcessSuccessDeletesRecord(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	f.save(t, panoramicRecord("T1", "http://caller/cb"))

	state := f.dispatcher.Process(context.Background(), "T1")

	assert.Equal(t, model.StateNotifiedClean, state)
	require.Equal(t, 1, f.sender.count())
	p := f.sender.payloads[0]
	assert.Equal(t, "T1", p.TaskID)
	assert.Equal(t, model.ResultSuccess, p.Status)
	assert.Equal(t, int64(1500), p.ElapsedMillis)
	assert.JSONEq(t, `{"order":"A-17"}`, string(p.CallerMetadata))
	assert.Equal(t, model.RequestSummary{TaskType: model.TaskTypePanoramic, InputLocator: "https://images.example.com/T1.png"}, p.Request)
	assert.Equal(t, "panoramic", p.Data["procedure"])
	assert.Nil(t, p.Error)

	exists, err := f.store.Exists(context.Background(), "T1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.Len(t, f.journal.outcomes, 1)
	assert.Equal(t, model.StateNotifiedClean, f.journal.outcomes[0].State)
}

func TestProcessDeliveryFailureRetainsRecord(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	rec := panoramicRecord("T1", "http://caller/cb")
	f.save(t, rec)
	f.sender.err = &notify.DeliveryError{Endpoint: rec.NotifyEndpoint, StatusCode: http.StatusInternalServerError}

	state := f.dispatcher.Process(context.Background(), "T1")

	assert.Equal(t, model.StateNotifiedRetained, state)
	assert.Equal(t, 1, f.sender.count())
	got, err := f.store.Get(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, rec, got, "retained record is unchanged")
	require.Len(t, f.journal.outcomes, 1)
	assert.Equal(t, model.StateNotifiedRetained, f.journal.outcomes[0].State)
}

func TestProcessMissingRecordIsNoop(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})

	state := f.dispatcher.Process(context.Background(), "expired")

	assert.Equal(t, model.StateAborted, state)
	assert.Zero(t, f.sender.count())
	assert.Zero(t, atomic.LoadInt32(&f.analyzer.calls))
	assert.Empty(t, f.journal.outcomes)
}

func TestProcessUnknownTaskType(t *testing.T) {
	f := newFixture(t, DispatcherConfig{NotifyOnFailure: true})
	rec := panoramicRecord("T1", "http://caller/cb")
	rec.TaskType = "bitewing"
	f.save(t, rec)

	state := f.dispatcher.Process(context.Background(), "T1")

	assert.Equal(t, model.StateAborted, state)
	assert.Zero(t, f.sender.count(), "unknown types never notify")
	require.Len(t, f.journal.outcomes, 1)
	assert.Equal(t, model.StateAborted, f.journal.outcomes[0].State)
}

func TestProcessProcedureFailure(t *testing.T) {
	t.Run("aborts without notification by default", func(t *testing.T) {
		f := newFixture(t, DispatcherConfig{})
		f.analyzer.err = errors.New("landmark model unavailable")
		f.save(t, panoramicRecord("T1", "http://caller/cb"))

		state := f.dispatcher.Process(context.Background(), "T1")

		assert.Equal(t, model.StateAborted, state)
		assert.Zero(t, f.sender.count())
		exists, err := f.store.Exists(context.Background(), "T1")
		require.NoError(t, err)
		assert.True(t, exists, "record is left to expire")
	})

	t.Run("sends failure payload when enabled", func(t *testing.T) {
		f := newFixture(t, DispatcherConfig{NotifyOnFailure: true})
		f.analyzer.err = procedure.ErrInputUnreadable
		f.save(t, panoramicRecord("T1", "http://caller/cb"))

		state := f.dispatcher.Process(context.Background(), "T1")

		assert.Equal(t, model.StateNotifiedClean, state)
		require.Equal(t, 1, f.sender.count())
		p := f.sender.payloads[0]
		assert.Equal(t, model.ResultFailure, p.Status)
		assert.Nil(t, p.Data)
		require.NotNil(t, p.Error)
		assert.Equal(t, "INPUT_UNREADABLE", p.Error.Code)
		assert.NotEmpty(t, p.Error.Message)
		assert.NotEmpty(t, p.Error.DisplayMessage)
	})
}

func TestProcessRecoversPanics(t *testing.T) {
	f := newFixture(t, DispatcherConfig{NotifyOnFailure: true})
	f.analyzer.panic = true
	f.save(t, panoramicRecord("T1", "http://caller/cb"))

	state := f.dispatcher.Process(context.Background(), "T1")

	assert.Equal(t, model.StateNotifiedClean, state)
	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, "ANALYSIS_PANICKED", f.sender.payloads[0].Error.Code)
}

func TestProcessWithHTTPEndpoint(t *testing.T) {
	t.Run("ok endpoint deletes immediately", func(t *testing.T) {
		var calls int32
		var got model.ResultPayload
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		f := newFixture(t, DispatcherConfig{})
		f.dispatcher.sender = notify.NewHTTPSender(time.Second, testLogger())
		f.save(t, panoramicRecord("T1", srv.URL))

		assert.Equal(t, model.StateNotifiedClean, f.dispatcher.Process(context.Background(), "T1"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Equal(t, model.ResultSuccess, got.Status)
		assert.Zero(t, f.store.Len())
	})

	t.Run("timing out endpoint retains record", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(300 * time.Millisecond)
		}))
		defer srv.Close()

		f := newFixture(t, DispatcherConfig{})
		f.dispatcher.sender = notify.NewHTTPSender(50*time.Millisecond, testLogger())
		rec := panoramicRecord("T1", srv.URL)
		f.save(t, rec)

		assert.Equal(t, model.StateNotifiedRetained, f.dispatcher.Process(context.Background(), "T1"))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one attempt")
		got, err := f.store.Get(context.Background(), "T1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("500 endpoint retains record until ttl", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		clock := createdAt
		f := newFixture(t, DispatcherConfig{})
		f.store.SetClock(func() time.Time { return clock })
		f.dispatcher.sender = notify.NewHTTPSender(time.Second, testLogger())
		require.NoError(t, f.store.Save(context.Background(), panoramicRecord("T1", srv.URL), time.Hour))

		assert.Equal(t, model.StateNotifiedRetained, f.dispatcher.Process(context.Background(), "T1"))

		clock = createdAt.Add(59 * time.Minute)
		_, err := f.store.Get(context.Background(), "T1")
		assert.NoError(t, err, "record stays retrievable before ttl")

		clock = createdAt.Add(61 * time.Minute)
		_, err = f.store.Get(context.Background(), "T1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestProcessEchoesCallerMetadataVerbatim(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t, DispatcherConfig{})
	rs := store.NewRedisStore(client, "test:")
	f.dispatcher.store = rs
	f.dispatcher.sender = notify.NewHTTPSender(time.Second, testLogger())

	rec := panoramicRecord("T1", srv.URL)
	rec.CallerMetadata = json.RawMessage(`{"patient_id":9007199254740993,"ratio":1.10}`)
	require.NoError(t, rs.Save(context.Background(), rec, time.Hour))

	assert.Equal(t, model.StateNotifiedClean, f.dispatcher.Process(context.Background(), "T1"))
	assert.Contains(t, string(body), `"caller_metadata":{"patient_id":9007199254740993,"ratio":1.10}`)
}

func TestPoolProcessesQueuedTasks(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	q := queue.NewMemoryQueue(10, testLogger())
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3"} {
		f.save(t, panoramicRecord(id, "http://caller/cb"))
		require.NoError(t, q.Enqueue(ctx, id))
	}
	// a stale ID whose record already expired
	require.NoError(t, q.Enqueue(ctx, "gone"))

	pool := NewPool(q, f.dispatcher, PoolConfig{WorkerCount: 2, BlockFor: 10 * time.Millisecond}, testLogger())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.sender.count() == 3 && f.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, 3, f.sender.count())
}

func TestPoolRedeliveryAfterCompletionIsNoop(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	q := queue.NewMemoryQueue(10, testLogger())
	ctx := context.Background()

	f.save(t, panoramicRecord("T1", "http://caller/cb"))
	require.NoError(t, q.Enqueue(ctx, "T1"))
	require.NoError(t, q.Enqueue(ctx, "T1"))
	q.Close()

	pool := NewPool(q, f.dispatcher, PoolConfig{WorkerCount: 1, BlockFor: 10 * time.Millisecond}, testLogger())
	require.NoError(t, pool.Run(ctx))

	assert.Equal(t, 1, f.sender.count(), "second delivery finds no record")
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.analyzer.calls))
}

func TestPoolRedeliveryOfRetainedTaskNotifiesAgain(t *testing.T) {
	// Delivery is at-least-once: while the record is retained a re-delivered ID
	// runs again and the caller can be notified twice.
	f := newFixture(t, DispatcherConfig{})
	f.sender.err = notify.ErrDeliveryFailed
	q := queue.NewMemoryQueue(10, testLogger())
	ctx := context.Background()

	f.save(t, panoramicRecord("T1", "http://caller/cb"))
	require.NoError(t, q.Enqueue(ctx, "T1"))
	require.NoError(t, q.Enqueue(ctx, "T1"))
	q.Close()

	pool := NewPool(q, f.dispatcher, PoolConfig{WorkerCount: 1, BlockFor: 10 * time.Millisecond}, testLogger())
	require.NoError(t, pool.Run(ctx))

	assert.Equal(t, 2, f.sender.count())
}

type erroringQueue struct {
	calls int32
}

func (q *erroringQueue) Enqueue(context.Context, string) error { return nil }

func (q *erroringQueue) Dequeue(context.Context, time.Duration) (*queue.Delivery, error) {
	atomic.AddInt32(&q.calls, 1)
	return nil, errors.New("redis: connection refused")
}

func TestPoolBacksOffOnDequeueErrors(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	q := &erroringQueue{}
	pool := NewPool(q, f.dispatcher, PoolConfig{WorkerCount: 1}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Run(ctx))

	calls := atomic.LoadInt32(&q.calls)
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.Less(t, calls, int32(10), "errors must not spin the worker")
}

func TestNewPoolDefaults(t *testing.T) {
	pool := NewPool(queue.NewMemoryQueue(1, testLogger()), nil, PoolConfig{}, testLogger())
	assert.Equal(t, 1, pool.config.WorkerCount)
	assert.Equal(t, 2*time.Second, pool.config.BlockFor)
}
