package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"

	"github.com/bsv-streaming/micropay/internal/batcher"
	"github.com/bsv-streaming/micropay/internal/channel"
	"github.com/bsv-streaming/micropay/internal/clock"
	"github.com/bsv-streaming/micropay/internal/dispatcher"
	"github.com/bsv-streaming/micropay/internal/model"
	"github.com/bsv-streaming/micropay/internal/script"
)

type stubStore struct {
	mu      sync.Mutex
	inserts []string
	updates []string
}

func (s *stubStore) InsertOne(ctx context.Context, collection string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, collection)
	return nil
}

func (s *stubStore) Find(ctx context.Context, collection string, filter any) ([]any, error) {
	return nil, nil
}

func (s *stubStore) UpdateOne(ctx context.Context, collection string, filter, update any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, collection)
	return nil
}

func (s *stubStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type nopComposer struct{}

func (nopComposer) ComposeSettlement(local, remote script.PayeeAmount) (model.ScriptArtifact, error) {
	return model.ScriptArtifact{}, nil
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(ctx context.Context, artifact model.ScriptArtifact) (string, bool, error) {
	return "tx", false, nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, clock.Scheduler, *bclock.Mock, *stubStore) {
	t.Helper()
	sched, mock := clock.NewMock()

	metrics, obs := NewMetricsObserver()
	b := batcher.New(batcher.Config{
		MinBatchSize: 1, MaxBatchSize: 100,
		MinBatchTimeout: time.Millisecond, MaxBatchTimeout: time.Second,
		HighLoadEventsPerSec: 100, LowLoadEventsPerSec: 1,
		TargetLatency: 100 * time.Millisecond, MaxQueueSize: 1000,
		MaxBatchesInMemory: 100, TuningInterval: time.Hour,
	}, sched, obs, nil)

	ch := channel.New(channel.Config{
		StandardBlockSize: 16384, StandardRate: 17,
		MinPaymentAmount: 1, MaxPaymentAmount: 1_000_000,
		MaxRetries: 1, RetryBackoff: time.Millisecond,
	}, nopComposer{}, nopBroadcaster{}, nil)

	d, err := dispatcher.New(dispatcher.Config{
		Endpoints: []dispatcher.EndpointConfig{{Name: "ep1", URL: "http://ep1", Priority: 1, Enabled: true}},
		DefaultTimeout: time.Second, RateLimitPerSecond: 1000,
		CircuitBreakerThreshold: 5, CircuitBreakerResetTime: time.Second,
	}, noopTransport{}, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	store := &stubStore{}
	sup := New(Config{ShutdownGrace: time.Second, CheckpointEvery: time.Minute}, b, ch, d, store, sched, nil, metrics)
	return sup, sched, mock, store
}

type noopTransport struct{}

func (noopTransport) Submit(ctx context.Context, req dispatcher.SubmitRequest) (dispatcher.Result, error) {
	return dispatcher.Result{TxID: "tx", Accepted: true}, nil
}

func (noopTransport) Status(ctx context.Context, endpointURL, txID string) (dispatcher.Result, error) {
	return dispatcher.Result{}, nil
}

func TestRunCheckpointsOnSchedule(t *testing.T) {
	sup, _, mock, store := newTestSupervisor(t)
	if _, err := sup.Channels.Open(channel.OpenParams{
		PeerID: "peer-1", LocalBalance: 10, RemoteBalance: 0, MaxBalance: 100, RatePerBlock: 1,
	}); err != nil {
		t.Fatalf("open channel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.updateCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected at least one checkpoint update before timeout")
		default:
			time.Sleep(time.Millisecond)
			mock.Add(time.Minute)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestShutdownFlushesBatcherAndDrainsDispatcher(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)
	if err := sup.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRecordSettlementWritesAuditRecord(t *testing.T) {
	sup, _, _, store := newTestSupervisor(t)
	if err := sup.RecordSettlement(context.Background(), model.ChannelID("chan-1"), model.PeerID("peer-1"), 42, "deadbeef"); err != nil {
		t.Fatalf("record settlement: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserts) != 1 || store.inserts[0] != "audit_records" {
		t.Fatalf("expected one audit_records insert, got %v", store.inserts)
	}
}
