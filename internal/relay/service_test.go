package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradeview/streamrelay/internal/config"
)

// fakeGateway is an in-process brokerage gateway good enough to drive
// the whole pipeline.
type fakeGateway struct {
	authCalls  atomic.Int64
	subCalls   atomic.Int64
	unsubCalls atomic.Int64

	rejectConID    string        // subscribe requests for this conid fail
	subscribeDelay time.Duration // held on /subscriptions before answering

	lastUnsubbed atomic.Value // []string
}

func (g *fakeGateway) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		g.authCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"token":         fmt.Sprintf("tok-%d", g.authCalls.Load()),
			"authenticated": true,
		})
	})

	mux.HandleFunc("/tickle", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"alive": true})
	})

	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		g.subCalls.Add(1)
		if g.subscribeDelay > 0 {
			time.Sleep(g.subscribeDelay)
		}
		var req struct {
			ConIDs []string `json:"conids"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		results := make([]map[string]any, 0, len(req.ConIDs))
		for _, id := range req.ConIDs {
			res := map[string]any{"conid": id, "subscriptionId": "sub-" + id}
			if id == g.rejectConID {
				res = map[string]any{"conid": id, "error": "no market data permissions"}
			}
			results = append(results, res)
		}
		json.NewEncoder(w).Encode(map[string]any{"results": results})
	})

	mux.HandleFunc("/subscriptions/delete", func(w http.ResponseWriter, r *http.Request) {
		g.unsubCalls.Add(1)
		var req struct {
			SubscriptionIDs []string `json:"subscriptionIds"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		g.lastUnsubbed.Store(req.SubscriptionIDs)
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/marketdata/snapshot", func(w http.ResponseWriter, r *http.Request) {
		conids := r.URL.Query().Get("conids")
		out := []map[string]any{}
		for _, id := range splitCSV(conids) {
			out = append(out, map[string]any{
				"conid": id, "31": 101.5, "70": 103.0, "71": 99.0,
				"83": 1.5, "87": int64(2000),
				"_updated": time.Now().UnixMilli(),
			})
		}
		json.NewEncoder(w).Encode(out)
	})

	return httptest.NewServer(mux)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func testConfig(baseURL string) *config.RelayConfig {
	cfg := &config.RelayConfig{}
	cfg.ApplyDefaults()
	cfg.Upstream.BaseURL = baseURL
	cfg.Upstream.Timeout = 2 * time.Second
	cfg.Poller.BaseInterval = 20 * time.Millisecond
	cfg.Poller.MinInterval = 10 * time.Millisecond
	cfg.Poller.MaxInterval = 100 * time.Millisecond
	cfg.Poller.DriftThreshold = 10 * time.Millisecond
	cfg.Batcher.Window = 20 * time.Millisecond
	cfg.Archive.Enabled = false
	return cfg
}

func startService(t *testing.T, gw *fakeGateway) *Service {
	t.Helper()

	srv := gw.server()
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	svc, err := New(ctx, testConfig(srv.URL), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		svc.Shutdown(stopCtx)
	})
	return svc
}

func TestSubscribeRefcountsUpstream(t *testing.T) {
	gw := &fakeGateway{}
	svc := startService(t, gw)
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "alice", "AAPL"); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, "alice", "AAPL"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if got := gw.authCalls.Load(); got != 1 {
		t.Errorf("auth calls = %d, want 1", got)
	}
	if got := gw.subCalls.Load(); got != 1 {
		t.Errorf("subscribe calls = %d, want 1", got)
	}

	// First release keeps upstream alive, second tears it down.
	svc.Unsubscribe(ctx, "alice", "AAPL")
	if got := gw.unsubCalls.Load(); got != 0 {
		t.Fatalf("unsubscribe calls after partial release = %d, want 0", got)
	}
	svc.Unsubscribe(ctx, "alice", "AAPL")
	if got := gw.unsubCalls.Load(); got != 1 {
		t.Fatalf("unsubscribe calls = %d, want 1", got)
	}
	ids, _ := gw.lastUnsubbed.Load().([]string)
	if len(ids) != 1 || ids[0] != "sub-AAPL" {
		t.Errorf("released handles = %v, want [sub-AAPL]", ids)
	}
}

func TestSubscribeRollsBackOnUpstreamRejection(t *testing.T) {
	gw := &fakeGateway{rejectConID: "DENIED"}
	svc := startService(t, gw)
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "alice", "DENIED"); err == nil {
		t.Fatal("expected subscribe error for rejected instrument")
	}

	// The refcount rolled back, so a retry hits the gateway again
	// instead of short-circuiting as a duplicate.
	before := gw.subCalls.Load()
	svc.Subscribe(ctx, "alice", "DENIED")
	if got := gw.subCalls.Load(); got == before {
		t.Error("retry after rollback never reached the gateway")
	}
}

func TestConcurrentSubscribersShareFailure(t *testing.T) {
	gw := &fakeGateway{rejectConID: "DENIED", subscribeDelay: 50 * time.Millisecond}
	svc := startService(t, gw)
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() { errA <- svc.Subscribe(ctx, "alice", "DENIED") }()

	// Arrive while the first registration is still in flight upstream.
	time.Sleep(10 * time.Millisecond)
	errB := svc.Subscribe(ctx, "alice", "DENIED")

	if err := <-errA; err == nil {
		t.Error("first subscriber got nil error for rejected instrument")
	}
	if errB == nil {
		t.Error("second subscriber got nil error for rejected instrument")
	}

	// Both rolled back: no lingering refcount, no orphaned poller.
	if got := svc.registry.RefCount("alice", "DENIED"); got != 0 {
		t.Errorf("refcount = %d after shared failure, want 0", got)
	}
	if got := svc.poller.InstrumentCount(); got != 0 {
		t.Errorf("polled instruments = %d, want 0", got)
	}
}

func TestConcurrentSubscribersShareRegistration(t *testing.T) {
	gw := &fakeGateway{subscribeDelay: 50 * time.Millisecond}
	svc := startService(t, gw)
	ctx := context.Background()

	errA := make(chan error, 1)
	go func() { errA <- svc.Subscribe(ctx, "alice", "AAPL") }()

	time.Sleep(10 * time.Millisecond)
	if err := svc.Subscribe(ctx, "alice", "AAPL"); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if err := <-errA; err != nil {
		t.Fatalf("first subscribe: %v", err)
	}

	if got := gw.subCalls.Load(); got != 1 {
		t.Errorf("subscribe calls = %d, want 1", got)
	}
	if got := svc.registry.RefCount("alice", "AAPL"); got != 2 {
		t.Errorf("refcount = %d, want 2", got)
	}
}

func TestQuotesFlowIntoCache(t *testing.T) {
	gw := &fakeGateway{}
	svc := startService(t, gw)
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "alice", "MSFT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if q, ok := svc.Latest("MSFT"); ok {
			if q.Price != 101.5 {
				t.Errorf("price = %v, want 101.5", q.Price)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no quote reached the cache")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if hist := svc.History("MSFT", 5); len(hist) == 0 {
		t.Error("history empty after live quotes")
	}
}

func TestHealthSnapshot(t *testing.T) {
	gw := &fakeGateway{}
	svc := startService(t, gw)
	ctx := context.Background()

	if err := svc.Subscribe(ctx, "alice", "GOOG"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h := svc.HealthSnapshot("test")
	if h.Status != "healthy" {
		t.Errorf("status = %q, want healthy", h.Status)
	}
	if h.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", h.Sessions)
	}
	if h.Instruments != 1 {
		t.Errorf("instruments = %d, want 1", h.Instruments)
	}
	if h.Archive != nil {
		t.Error("archive metrics present with archive disabled")
	}
}
