package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Result is a Transport call's outcome.
type Result struct {
	TxID       string
	Accepted   bool
	StatusCode int
}

// SubmitRequest is what Transport.Submit sends to an endpoint.
type SubmitRequest struct {
	EndpointURL  string
	Credential   string
	LockingBytes []byte
}

// Transport is the abstract seam the Dispatcher depends on (design note
// §9: "mock endpoints in production code paths" becomes an interface
// rather than a literal mock reachable from production code).
type Transport interface {
	Submit(ctx context.Context, req SubmitRequest) (Result, error)
	Status(ctx context.Context, endpointURL, txID string) (Result, error)
}

// httpClientPool hands out a keep-alive *http.Client per endpoint host
// and periodically closes idle connections for clients unused past
// idleTTL — the same reaper/idle-TTL discipline as the teacher's
// ConnPool, adapted to key pooled clients by endpoint rather than by raw
// dial address (net/http's own Transport already pools the underlying
// TCP connections; this layer only decides when to let them go idle).
type httpClientPool struct {
	mu       sync.Mutex
	clients  map[string]*pooledClient
	idleTTL  time.Duration
	closing  chan struct{}
	stopOnce sync.Once
}

type pooledClient struct {
	client   *http.Client
	lastUsed time.Time
}

func newHTTPClientPool(idleTTL time.Duration) *httpClientPool {
	p := &httpClientPool{
		clients: make(map[string]*pooledClient),
		idleTTL: idleTTL,
		closing: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *httpClientPool) get(endpointURL string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.clients[endpointURL]
	if !ok {
		pc = &pooledClient{client: &http.Client{Timeout: 0}}
		p.clients[endpointURL] = pc
	}
	pc.lastUsed = time.Now()
	return pc.client
}

func (p *httpClientPool) reap() {
	ticker := time.NewTicker(p.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for url, pc := range p.clients {
				if pc.lastUsed.Before(cutoff) {
					pc.client.CloseIdleConnections()
					delete(p.clients, url)
				}
			}
			p.mu.Unlock()
		case <-p.closing:
			return
		}
	}
}

func (p *httpClientPool) close() {
	p.stopOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, pc := range p.clients {
			pc.client.CloseIdleConnections()
		}
	})
}

// httpTransport is the production Transport: a thin JSON-over-HTTP
// client reusing pooled *http.Client instances per endpoint.
type httpTransport struct {
	pool *httpClientPool
}

// NewHTTPTransport constructs a production Transport backed by pooled,
// keep-alive HTTP clients. idleTTL controls how long an endpoint's
// client is kept warm after its last use.
func NewHTTPTransport(idleTTL time.Duration) Transport {
	return &httpTransport{pool: newHTTPClientPool(idleTTL)}
}

type submitPayload struct {
	LockingScriptHex string `json:"locking_script_hex"`
}

type submitResponse struct {
	TxID     string `json:"tx_id"`
	Accepted bool   `json:"accepted"`
}

func (t *httpTransport) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	body, err := json.Marshal(submitPayload{LockingScriptHex: fmt.Sprintf("%x", req.LockingBytes)})
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.EndpointURL+"/broadcast", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	resp, err := t.pool.get(req.EndpointURL).Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{StatusCode: resp.StatusCode}, err
	}
	return Result{TxID: out.TxID, Accepted: out.Accepted, StatusCode: resp.StatusCode}, nil
}

func (t *httpTransport) Status(ctx context.Context, endpointURL, txID string) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL+"/status/"+txID, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := t.pool.get(endpointURL).Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{StatusCode: resp.StatusCode}, err
	}
	return Result{TxID: out.TxID, Accepted: out.Accepted, StatusCode: resp.StatusCode}, nil
}

// Close releases pooled HTTP clients; safe to call more than once.
func (t *httpTransport) Close() {
	t.pool.close()
}
