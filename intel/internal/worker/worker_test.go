package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-intel/common/logging"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/enrich"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
)

func newObservable(t *testing.T) *observable.Observable {
	t.Helper()
	o, err := observable.New(map[string]any{
		"observable": gofakeit.DomainName(),
		"provider":   "test",
	})
	require.NoError(t, err)
	return o
}

func memoryFactory(store *backend.MemoryStore, calls *atomic.Int64) backend.Factory {
	return func(context.Context) (backend.Backend, error) {
		if calls != nil {
			calls.Add(1)
		}
		return backend.NewMemory(store), nil
	}
}

type scriptedBackend struct {
	mu      sync.Mutex
	results []backend.Result
	err     error
	batches [][]*observable.Observable
}

func (b *scriptedBackend) Create(_ context.Context, obs []*observable.Observable) ([]backend.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, obs)
	if b.err != nil {
		return nil, b.err
	}
	return b.results, nil
}

func (b *scriptedBackend) Search(context.Context, map[string][]string, int, int) ([]*observable.Observable, error) {
	return nil, backend.ErrNotFound
}

func (b *scriptedBackend) Ping(context.Context) error { return nil }

func (b *scriptedBackend) Close() error { return nil }

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.bodies = append(p.bodies, data)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type derivePlugin struct{}

func (derivePlugin) Name() string { return "derive" }

func (derivePlugin) Derive(_ context.Context, o *observable.Observable) ([]*observable.Observable, error) {
	d, err := observable.New(map[string]any{
		"observable": "203.0.113.10",
		"confidence": observable.Degrade(o.Confidence),
	})
	if err != nil {
		return nil, err
	}
	return []*observable.Observable{d}, nil
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("fifo", func(t *testing.T) {
		q := NewQueue(3)
		a, b := newObservable(t), newObservable(t)
		require.NoError(t, q.Submit(ctx, a))
		require.NoError(t, q.Submit(ctx, b))
		assert.Equal(t, 2, q.Len())
		assert.Equal(t, 3, q.Cap())

		first, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, a.ID, first.Observable.ID)
		second, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, b.ID, second.Observable.ID)
	})

	t.Run("closed refuses data but takes shutdown", func(t *testing.T) {
		q := NewQueue(2)
		q.Close()
		assert.True(t, q.Closed())
		assert.ErrorIs(t, q.Submit(ctx, newObservable(t)), ErrQueueClosed)
		require.NoError(t, q.Put(ctx, Shutdown()))

		msg, err := q.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, KindShutdown, msg.Kind)
	})

	t.Run("put honours context when full", func(t *testing.T) {
		q := NewQueue(1)
		require.NoError(t, q.Submit(ctx, newObservable(t)))

		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, q.Submit(short, newObservable(t)), context.DeadlineExceeded)
	})

	t.Run("get honours context when empty", func(t *testing.T) {
		q := NewQueue(1)
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := q.Get(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestQueueManager_BroadcastsShutdown(t *testing.T) {
	ctx := context.Background()
	global := NewQueue(16)
	local := NewQueue(16)

	for i := 0; i < 5; i++ {
		require.NoError(t, global.Submit(ctx, newObservable(t)))
	}
	require.NoError(t, global.Put(ctx, Shutdown()))
	// Anything after the sentinel is left for another process.
	require.NoError(t, global.Submit(ctx, newObservable(t)))

	manager := NewQueueManager(global, local, 4, nil)
	require.NoError(t, manager.Run(ctx))
	assert.True(t, manager.Dead())

	var kinds []Kind
	for local.Len() > 0 {
		msg, err := local.Get(ctx)
		require.NoError(t, err)
		kinds = append(kinds, msg.Kind)
	}
	assert.Equal(t, []Kind{
		KindData, KindData, KindData, KindData, KindData,
		KindShutdown, KindShutdown, KindShutdown, KindShutdown,
	}, kinds)
	assert.Equal(t, 1, global.Len())
}

func TestQueueManager_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	manager := NewQueueManager(NewQueue(1), NewQueue(1), 2, nil)

	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("manager did not stop")
	}
	assert.True(t, manager.Dead())
}

func TestPool_ShutdownProtocol(t *testing.T) {
	tests := []struct {
		name      string
		processes int
		threads   int
		items     int
	}{
		{"single process", 1, 4, 100},
		{"several processes", 3, 2, 250},
		{"one thread", 1, 1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := backend.NewMemoryStore()
			global := NewQueue(tt.items + tt.processes)
			pool := NewPool(PoolConfig{
				Processes:     tt.processes,
				ProcessConfig: ProcessConfig{Threads: tt.threads, LocalCapacity: 2},
			}, global, memoryFactory(store, nil), NewHandler(nil), nil)

			require.NoError(t, pool.Start(ctx))
			assert.ErrorIs(t, pool.Start(ctx), ErrPoolStarted)

			for i := 0; i < tt.items; i++ {
				require.NoError(t, global.Submit(ctx, newObservable(t)))
			}

			stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			require.NoError(t, pool.Stop(stopCtx))

			stats := pool.Stats()
			assert.Equal(t, int64(tt.items), stats.Processed)
			assert.Equal(t, int64(tt.processes*tt.threads), stats.Shutdowns)
			assert.Equal(t, tt.items, store.Len())
			for _, proc := range pool.Processes() {
				assert.Equal(t, StateStopped, proc.State())
				assert.True(t, proc.Stopping())
			}

			assert.ErrorIs(t, global.Submit(ctx, newObservable(t)), ErrQueueClosed)
			assert.ErrorIs(t, pool.Stop(ctx), ErrPoolStopped)
		})
	}
}

func TestPool_EnrichesAndStores(t *testing.T) {
	ctx := context.Background()
	factory, err := backend.NewFactory(backend.Config{Type: backend.TypeMemory}, nil)
	require.NoError(t, err)

	meta, plugins, err := enrich.Build(nil, []string{"urlresolver"}, enrich.Dependencies{})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	handler := NewHandler(enrich.NewPipeline(meta, plugins), WithFanout(pub, "intel.observables.created"))

	global := NewGlobalQueue(16)
	pool := NewPool(PoolConfig{Processes: 1, ProcessConfig: ProcessConfig{Threads: 2}}, global, factory, handler, nil)
	require.NoError(t, pool.Start(ctx))

	src, err := observable.New(map[string]any{
		"observable": "http://malware.example.com:8080/payload.exe",
		"otype":      "url",
		"confidence": 85,
		"provider":   "example.org",
	})
	require.NoError(t, err)
	require.NoError(t, global.Submit(ctx, src))

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	be, err := factory(ctx)
	require.NoError(t, err)
	defer be.Close()

	stored, err := be.Search(ctx, map[string][]string{"observable": {src.Value}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, src.ID, stored[0].ID)

	derived, err := be.Search(ctx, map[string][]string{"related": {src.ID}}, 0, 10)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	host := derived[0]
	assert.Equal(t, observable.TypeFQDN, host.Type)
	assert.Equal(t, "malware.example.com", host.Value)
	assert.Equal(t, []int{8080}, host.Address.Portlist)
	assert.Less(t, host.Confidence, src.Confidence)
	assert.Equal(t, int64(1), pool.Stats().Processed)
	assert.Len(t, pub.subjects, 2)
}

func TestPool_StopWhileSubmitting(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	global := NewQueue(64)
	pool := NewPool(PoolConfig{
		Processes:     2,
		ProcessConfig: ProcessConfig{Threads: 2, LocalCapacity: 2},
	}, global, memoryFactory(store, nil), NewHandler(nil), nil)
	require.NoError(t, pool.Start(ctx))

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		start    = make(chan struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for {
				o, err := observable.New(map[string]any{"observable": gofakeit.DomainName()})
				if err != nil {
					continue
				}
				err = global.Submit(ctx, o)
				if errors.Is(err, ErrQueueClosed) {
					return
				}
				if err == nil {
					accepted.Add(1)
				}
			}
		}()
	}

	close(start)
	time.Sleep(20 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	wg.Wait()

	// Every accepted observable was stored; none sits behind a Shutdown.
	assert.Zero(t, global.Len())
	assert.Equal(t, int(accepted.Load()), store.Len())
	assert.Equal(t, accepted.Load(), pool.Stats().Processed)
}

func TestProcess_Recycling(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	global := NewQueue(32)
	var connects atomic.Int64

	for i := 0; i < 10; i++ {
		require.NoError(t, global.Submit(ctx, newObservable(t)))
	}
	require.NoError(t, global.Put(ctx, Shutdown()))

	proc := NewProcess("worker-1", ProcessConfig{Threads: 1, LocalCapacity: 1, RecycleAfter: 3},
		global, memoryFactory(store, &connects), nil, nil)

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not stop")
	}

	stats := proc.Stats()
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(3), stats.Recycles)
	assert.Equal(t, int64(4), connects.Load())
	assert.Equal(t, 10, store.Len())
	assert.Equal(t, StateStopped, proc.State())
}

func TestProcess_ConnectRetry(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemoryStore()
	global := NewQueue(4)
	var attempts atomic.Int64

	factory := func(context.Context) (backend.Backend, error) {
		if attempts.Add(1) < 3 {
			return nil, backend.ErrUnavailable
		}
		return backend.NewMemory(store), nil
	}

	require.NoError(t, global.Submit(ctx, newObservable(t)))
	require.NoError(t, global.Put(ctx, Shutdown()))

	proc := NewProcess("worker-1", ProcessConfig{Threads: 1, ConnectBackoff: 5 * time.Millisecond}, global, factory, nil, nil)
	require.NoError(t, proc.Run(ctx))
	assert.Equal(t, int64(3), attempts.Load())
	assert.Equal(t, 1, store.Len())
}

func TestProcess_BackendFailureKeepsThreadAlive(t *testing.T) {
	ctx := context.Background()
	be := &scriptedBackend{err: backend.ErrUnavailable}
	global := NewQueue(8)

	for i := 0; i < 3; i++ {
		require.NoError(t, global.Submit(ctx, newObservable(t)))
	}
	require.NoError(t, global.Put(ctx, Shutdown()))

	factory := func(context.Context) (backend.Backend, error) { return be, nil }
	proc := NewProcess("worker-1", ProcessConfig{Threads: 2}, global, factory, nil, nil)
	require.NoError(t, proc.Run(ctx))

	stats := proc.Stats()
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(0), stats.Processed)
	assert.Equal(t, int64(2), stats.Shutdowns)
}

func TestProcess_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := NewProcess("worker-1", ProcessConfig{Threads: 3}, NewQueue(4),
		memoryFactory(backend.NewMemoryStore(), nil), nil, nil)

	done := make(chan error, 1)
	go func() { done <- proc.Run(ctx) }()

	require.Eventually(t, func() bool { return proc.State() == StateRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("process did not stop")
	}
	assert.Equal(t, StateStopped, proc.State())
}

func TestHandler_PartialFailure(t *testing.T) {
	ctx := context.Background()
	be := &scriptedBackend{results: []backend.Result{
		{OK: true, Message: "success"},
		{OK: false, Message: backend.ResultDuplicate},
	}}
	pub := &recordingPublisher{}
	pipeline := enrich.NewPipeline(nil, []enrich.Plugin{derivePlugin{}})
	handler := NewHandler(pipeline, WithFanout(pub, "intel.observables.created"))

	original := newObservable(t)
	results, err := handler.Handle(ctx, &guarded{be: be}, original)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)
	assert.Equal(t, backend.ResultDuplicate, results[1].Message)

	require.Len(t, be.batches, 1)
	batch := be.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, original.ID, batch[0].ID)
	assert.Equal(t, original.ID, batch[1].Related)

	// Only the stored record is broadcast.
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "intel.observables.created", pub.subjects[0])
	var sent map[string]any
	require.NoError(t, json.Unmarshal(pub.bodies[0], &sent))
	assert.Equal(t, original.ID, sent["id"])
}

func TestHandler_CreateError(t *testing.T) {
	be := &scriptedBackend{err: errors.New("connection refused")}
	pub := &recordingPublisher{}
	handler := NewHandler(nil, WithFanout(pub, "intel.observables.created"))

	_, err := handler.Handle(context.Background(), &guarded{be: be}, newObservable(t))
	assert.Error(t, err)
	assert.Empty(t, pub.subjects)
}

func TestProcess_LogsCarryThreadID(t *testing.T) {
	ctx := context.Background()
	var buf syncBuffer
	logger := logging.NewWithWriter(&buf, slog.LevelInfo, "json").Logger

	be := &scriptedBackend{results: []backend.Result{{OK: false, Message: backend.ResultDuplicate}}}
	global := NewQueue(4)
	require.NoError(t, global.Submit(ctx, newObservable(t)))
	require.NoError(t, global.Put(ctx, Shutdown()))

	factory := func(context.Context) (backend.Backend, error) { return be, nil }
	proc := NewProcess("p0", ProcessConfig{Threads: 1}, global, factory, NewHandler(nil, WithHandlerLogger(logger)), nil)
	require.NoError(t, proc.Run(ctx))

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] == "observable not stored" {
			found = true
			assert.Equal(t, "p0/t1", entry[logging.FieldWorker])
		}
	}
	assert.True(t, found, buf.String())
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateStarting:  "starting",
		StateRunning:   "running",
		StateRecycling: "recycling",
		StateStopping:  "stopping",
		StateStopped:   "stopped",
		State(42):      "state(42)",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}
