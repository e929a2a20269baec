// Package dispatcher implements the Broadcast Dispatcher (spec §4.3):
// reliable submission of signed transactions across several remote
// endpoints, with per-endpoint circuit breakers, exponential backoff,
// rate limiting, and a priority queue for deferred submission.
package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sourcegraph/conc/pool"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bsv-streaming/micropay/internal/model"
	"github.com/bsv-streaming/micropay/internal/retry"
)

// EndpointConfig describes one broadcast endpoint (spec §6 endpoints[]).
type EndpointConfig struct {
	Name       string
	URL        string
	Credential string
	Priority   int
	Timeout    time.Duration
	MaxRetries int
	Enabled    bool
}

// Config holds the Dispatcher's tunables (spec §6).
type Config struct {
	Endpoints               []EndpointConfig
	DefaultTimeout          time.Duration
	MaxConcurrentBroadcasts int
	BatchSize               int
	RetryBackoff            time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerResetTime time.Duration
	RateLimitPerSecond      int
	MaxQueueSize            int
}

// BroadcastOptions customizes a single broadcast call.
type BroadcastOptions struct {
	TimeoutOverride    time.Duration
	Priority           model.Priority
	MaxRetriesOverride int
	PinnedEndpoint     string
}

type endpointState struct {
	cfg     EndpointConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter
	mu      sync.Mutex
	stats   EndpointStats
}

// EndpointStats tracks per-endpoint observable effects (spec §4.3
// "Observable effects... updated on every completed attempt").
type EndpointStats struct {
	Attempts        uint64
	Successes       uint64
	Failures        uint64
	ConsecutiveFail int
	Health          model.EndpointHealth
	LastError       string
}

// Dispatcher implements spec §4.3's operations.
type Dispatcher struct {
	cfg       Config
	endpoints []*endpointState // sorted ascending by cfg.Priority
	transport Transport
	statusCache *lru.Cache[string, Result]
	log       *logrus.Entry

	qmu      sync.Mutex
	qcond    *sync.Cond
	queue    priorityQueue
	shutdown bool
	workerWG sync.WaitGroup
}

// New constructs a Dispatcher. transport is the abstract submission
// seam; production callers pass NewHTTPTransport, tests pass a stub.
func New(cfg Config, transport Transport, log *logrus.Entry) (*Dispatcher, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	cache, err := lru.New[string, Result](256)
	if err != nil {
		return nil, err
	}

	states := make([]*endpointState, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		if !ec.Enabled {
			continue
		}
		states = append(states, &endpointState{
			cfg:     ec,
			breaker: NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerResetTime, nil),
			limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), max(cfg.RateLimitPerSecond, 1)),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].cfg.Priority < states[j].cfg.Priority })

	d := &Dispatcher{
		cfg: cfg, endpoints: states, transport: transport,
		statusCache: cache, log: log,
	}
	d.qcond = sync.NewCond(&d.qmu)
	d.workerWG.Add(1)
	go d.worker()
	return d, nil
}

// Broadcast submits artifact's locking bytes to endpoints in ascending
// priority order, applying per-endpoint rate limiting, circuit breaking,
// and exponential backoff retries (spec §4.3).
func (d *Dispatcher) Broadcast(ctx context.Context, artifact model.ScriptArtifact, opts BroadcastOptions) (Result, error) {
	const op = "dispatcher.Broadcast"
	candidates := d.endpoints
	if opts.PinnedEndpoint != "" {
		candidates = d.filterPinned(opts.PinnedEndpoint)
		if len(candidates) == 0 {
			return Result{}, model.New(model.KindInvalidParams, op, nil)
		}
	}
	if len(candidates) == 0 {
		return Result{}, model.New(model.KindNetworkTransient, op, errors.New("no enabled endpoints"))
	}

	var lastErr error
	triedAnyOpen := false
	for _, ep := range candidates {
		if !ep.breaker.Allow() {
			triedAnyOpen = true
			continue
		}
		result, err := d.attemptWithRetry(ctx, ep, artifact, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}
	if lastErr == nil && triedAnyOpen {
		return Result{}, model.New(model.KindCircuitOpen, op, nil)
	}
	return Result{}, model.New(model.KindNetworkTransient, op, lastErr)
}

func (d *Dispatcher) filterPinned(name string) []*endpointState {
	for _, ep := range d.endpoints {
		if ep.cfg.Name == name {
			return []*endpointState{ep}
		}
	}
	return nil
}

func (d *Dispatcher) attemptWithRetry(ctx context.Context, ep *endpointState, artifact model.ScriptArtifact, opts BroadcastOptions) (Result, error) {
	maxRetries := ep.cfg.MaxRetries
	if opts.MaxRetriesOverride > 0 {
		maxRetries = opts.MaxRetriesOverride
	}
	timeout := ep.cfg.Timeout
	if opts.TimeoutOverride > 0 {
		timeout = opts.TimeoutOverride
	} else if timeout == 0 {
		timeout = d.cfg.DefaultTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !ep.limiter.Allow() {
			return Result{}, model.New(model.KindRateLimited, "dispatcher.attempt", nil)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := d.attemptOnce(attemptCtx, ep, artifact)
		cancel()

		ep.mu.Lock()
		ep.stats.Attempts++
		if err == nil {
			ep.stats.Successes++
			ep.stats.ConsecutiveFail = 0
			ep.stats.Health = model.HealthHealthy
		} else {
			ep.stats.Failures++
			ep.stats.ConsecutiveFail++
			ep.stats.LastError = err.Error()
			if ep.stats.ConsecutiveFail >= d.cfg.CircuitBreakerThreshold {
				ep.stats.Health = model.HealthFailed
			} else {
				ep.stats.Health = model.HealthDegraded
			}
		}
		ep.mu.Unlock()

		if err == nil {
			ep.breaker.OnSuccess()
			return result, nil
		}
		ep.breaker.OnFailure()
		lastErr = err
		if !isRetryable(err) {
			break
		}
		if attempt < maxRetries {
			select {
			case <-time.After(retry.Backoff(d.cfg.RetryBackoff, attempt, 10*time.Second)):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	return Result{}, lastErr
}

func (d *Dispatcher) attemptOnce(ctx context.Context, ep *endpointState, artifact model.ScriptArtifact) (Result, error) {
	req := SubmitRequest{EndpointURL: ep.cfg.URL, Credential: ep.cfg.Credential, LockingBytes: artifact.LockingBytes}
	result, err := d.transport.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if !result.Accepted {
		return Result{}, errors.New("endpoint rejected transaction")
	}
	return result, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var me *model.Error
	if errors.As(err, &me) {
		return me.Kind.Retryable()
	}
	// Transport-level errors without a typed Kind (network resets, 5xx
	// mapped to a plain error by Transport) are treated as retryable;
	// malformed-request/auth failures should be surfaced as *model.Error
	// by the Transport to be correctly treated as non-retryable.
	return true
}

// BatchBroadcast chunks artifacts into cfg.BatchSize groups and submits
// each with bounded concurrency (spec §4.3 batch-broadcast).
func (d *Dispatcher) BatchBroadcast(ctx context.Context, artifacts []model.ScriptArtifact, opts BroadcastOptions) []BroadcastResult {
	size := d.cfg.BatchSize
	if size <= 0 {
		size = len(artifacts)
	}
	results := make([]BroadcastResult, 0, len(artifacts))
	for start := 0; start < len(artifacts); start += size {
		end := start + size
		if end > len(artifacts) {
			end = len(artifacts)
		}
		chunk := artifacts[start:end]

		p := pool.NewWithResults[BroadcastResult]().WithMaxGoroutines(max(d.cfg.MaxConcurrentBroadcasts, 1))
		for _, artifact := range chunk {
			artifact := artifact
			p.Go(func() BroadcastResult {
				res, err := d.Broadcast(ctx, artifact, opts)
				return BroadcastResult{Result: res, Err: err}
			})
		}
		results = append(results, p.Wait()...)
	}
	return results
}

// BroadcastResult pairs a Result with its error for BatchBroadcast and
// StreamingBroadcast callers, since Go cannot return a bare (Result,
// error) pair over a channel or slice element ergonomically.
type BroadcastResult struct {
	Result Result
	Err    error
}

// StreamingBroadcast consumes artifacts from in at up to rateLimit per
// second, forwarding each Broadcast outcome on the returned channel,
// which is closed once in is drained or ctx is cancelled.
func (d *Dispatcher) StreamingBroadcast(ctx context.Context, in <-chan model.ScriptArtifact, rateLimit int, opts BroadcastOptions) <-chan BroadcastResult {
	out := make(chan BroadcastResult)
	limiter := rate.NewLimiter(rate.Limit(rateLimit), max(rateLimit, 1))
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case artifact, ok := <-in:
				if !ok {
					return
				}
				if err := limiter.Wait(ctx); err != nil {
					out <- BroadcastResult{Err: err}
					return
				}
				res, err := d.Broadcast(ctx, artifact, opts)
				out <- BroadcastResult{Result: res, Err: err}
			}
		}
	}()
	return out
}

// Enqueue defers a broadcast to the internal priority queue (spec §4.3
// enqueue), returning a channel that receives exactly one outcome.
func (d *Dispatcher) Enqueue(artifact model.ScriptArtifact, priority model.Priority, pinnedEndpoint string) (<-chan broadcastOutcome, error) {
	const op = "dispatcher.Enqueue"
	d.qmu.Lock()
	defer d.qmu.Unlock()
	if d.shutdown {
		return nil, model.New(model.KindShuttingDown, op, nil)
	}
	if d.cfg.MaxQueueSize > 0 && d.queue.Len() >= d.cfg.MaxQueueSize {
		return nil, model.New(model.KindQueueFull, op, nil)
	}
	item := &queuedBroadcast{
		artifact: artifact, priority: priority, enqueuedAt: time.Now(),
		pinnedEndpoint: pinnedEndpoint, resultCh: make(chan broadcastOutcome, 1),
	}
	heap.Push(&d.queue, item)
	d.qcond.Signal()
	return item.resultCh, nil
}

// worker drains the priority queue strictly in (priority, enqueue-time)
// order, one broadcast at a time.
func (d *Dispatcher) worker() {
	defer d.workerWG.Done()
	for {
		d.qmu.Lock()
		for d.queue.Len() == 0 && !d.shutdown {
			d.qcond.Wait()
		}
		if d.shutdown && d.queue.Len() == 0 {
			d.qmu.Unlock()
			return
		}
		item := heap.Pop(&d.queue).(*queuedBroadcast)
		d.qmu.Unlock()

		result, err := d.Broadcast(context.Background(), item.artifact, BroadcastOptions{PinnedEndpoint: item.pinnedEndpoint})
		item.resultCh <- broadcastOutcome{result: result, err: err}
		close(item.resultCh)
	}
}

// Status polls endpoints for on-chain status (spec §4.3), caching recent
// lookups in a bounded LRU so identical in-flight polls within a short
// window don't hammer every endpoint.
func (d *Dispatcher) Status(ctx context.Context, txID string) (Result, error) {
	if cached, ok := d.statusCache.Get(txID); ok {
		return cached, nil
	}
	var lastErr error
	for _, ep := range d.endpoints {
		result, err := d.transport.Status(ctx, ep.cfg.URL, txID)
		if err != nil {
			lastErr = err
			continue
		}
		d.statusCache.Add(txID, result)
		return result, nil
	}
	return Result{}, model.New(model.KindNetworkTransient, "dispatcher.Status", lastErr)
}

// EndpointSnapshot reports one endpoint's current stats and breaker
// state, for metrics and introspection.
type EndpointSnapshot struct {
	Name   string
	Stats  EndpointStats
	Open   bool
}

// Snapshots returns every configured endpoint's current state.
func (d *Dispatcher) Snapshots() []EndpointSnapshot {
	out := make([]EndpointSnapshot, 0, len(d.endpoints))
	for _, ep := range d.endpoints {
		ep.mu.Lock()
		stats := ep.stats
		ep.mu.Unlock()
		out = append(out, EndpointSnapshot{Name: ep.cfg.Name, Stats: stats, Open: ep.breaker.IsOpen()})
	}
	return out
}

// Shutdown stops accepting new enqueue calls and waits up to grace for
// the queue to drain before returning (spec §4/§5 "drain on the
// Dispatcher up to shutdown-grace-ms").
func (d *Dispatcher) Shutdown(grace time.Duration) {
	d.qmu.Lock()
	d.shutdown = true
	d.qcond.Broadcast()
	d.qmu.Unlock()

	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn("dispatcher shutdown grace period exceeded; abandoning queued broadcasts")
	}
}

